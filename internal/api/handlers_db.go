package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/sqlitefleet/engine/internal/dbinstance"
	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/vectorindex"
)

func callerFromRequest(r *http.Request) string {
	if caller := r.Header.Get("X-Engine-Caller"); caller != "" {
		return caller
	}
	return ""
}

func databaseIDOrWriteInvalid(w http.ResponseWriter, r *http.Request) (string, bool) {
	return requireUUIDPathParam(w, r, "databaseID", "database_id")
}

// createDatabaseHTTPRequest is the wire body of POST /v2/db.
type createDatabaseHTTPRequest struct {
	DisplayName  string                   `json:"display_name"`
	OwnerAddress string                   `json:"owner_address"`
	Encryption   string                   `json:"encryption_mode,omitempty"`
	Replication  *model.ReplicationConfig `json:"replication,omitempty"`
}

// HandleCreateDatabase backs POST /v2/db.
func HandleCreateDatabase(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createDatabaseHTTPRequest
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if body.OwnerAddress == "" {
			writeInvalidArgument(w, "owner_address is required")
			return
		}

		repl := model.DefaultReplicationConfig()
		if body.Replication != nil {
			repl = *body.Replication
		}
		enc := model.EncryptionNone
		switch body.Encryption {
		case "at_rest":
			enc = model.EncryptionAtRest
		case "tee_encrypted":
			enc = model.EncryptionTEE
		}

		inst, err := registry.Create(CreateDatabaseRequest{
			DisplayName:  body.DisplayName,
			OwnerAddress: body.OwnerAddress,
			Encryption:   enc,
			Replication:  repl,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst.Meta())
	}
}

// HandleGetDatabase backs GET /v2/db/{databaseID}.
func HandleGetDatabase(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}
		WriteJSON(w, http.StatusOK, inst.Meta())
	}
}

// HandleDeleteDatabase backs DELETE /v2/db/{databaseID}.
func HandleDeleteDatabase(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		if _, ok := registry.Get(databaseID); !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}
		if err := registry.Delete(databaseID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleExecute backs POST /v2/db/{databaseID}/execute.
func HandleExecute(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}

		var body ExecuteHTTPRequest
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if body.SQL == "" {
			writeInvalidArgument(w, "sql is required")
			return
		}

		res, err := inst.Execute(dbinstance.ExecuteRequest{
			Caller:              callerFromRequest(r),
			SQL:                 body.SQL,
			Params:              body.Params,
			RequiredWALPosition: body.RequiredWALPosition,
			TEESessionID:        body.TEESessionID,
			TEEAttestationLevel: body.TEEAttestationLevel,
			ReplayToken:         body.ReplayToken,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toExecuteHTTPResponse(res))
	}
}

// HandleIssueReplayToken backs POST /v2/db/{databaseID}/replay-token: mints
// a single-use token a client can attach to a subsequent mutating Execute
// call to guard against the request being replayed after it already
// succeeded (e.g. by a retrying proxy).
func HandleIssueReplayToken(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}
		token, err := inst.IssueReplayToken()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"replay_token": token})
	}
}

// HandleBatchExecute backs POST /v2/db/{databaseID}/batch.
func HandleBatchExecute(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}

		var body BatchHTTPRequest
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if len(body.Statements) == 0 {
			writeInvalidArgument(w, "statements must not be empty")
			return
		}

		statements := make([]dbinstance.Statement, len(body.Statements))
		for i, s := range body.Statements {
			statements[i] = dbinstance.Statement{SQL: s.SQL, Params: s.Params}
		}

		res, err := inst.BatchExecute(dbinstance.BatchExecuteRequest{
			Caller:        callerFromRequest(r),
			Statements:    statements,
			Transactional: body.Transactional,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		results := make([]ExecuteHTTPResponse, len(res.Results))
		for i := range res.Results {
			results[i] = toExecuteHTTPResponse(&res.Results[i])
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"results":       results,
			"wal_positions": res.WALPositions,
		})
	}
}

// HandleGrant backs POST /v2/db/{databaseID}/grant. The grant itself runs
// through Execute against a parameterized INSERT against the __acl table so
// it is journaled and replicates deterministically, per internal/acl's
// package doc.
func HandleGrant(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handleACLMutation(w, r, registry, true)
	}
}

// HandleRevoke backs POST /v2/db/{databaseID}/revoke.
func HandleRevoke(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handleACLMutation(w, r, registry, false)
	}
}

func handleACLMutation(w http.ResponseWriter, r *http.Request, registry DatabaseRegistry, isGrant bool) {
	databaseID, ok := databaseIDOrWriteInvalid(w, r)
	if !ok {
		return
	}
	inst, ok := registry.Get(databaseID)
	if !ok {
		writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
		return
	}

	caller := callerFromRequest(r)
	if !isGrant {
		var body RevokeHTTPRequest
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if body.Grantee == "" {
			writeInvalidArgument(w, "grantee is required")
			return
		}
		if len(body.Permissions) == 0 {
			sqlText := `DELETE FROM __acl WHERE grantee = ?`
			if _, err := inst.Execute(dbinstance.ExecuteRequest{Caller: caller, SQL: sqlText,
				Params: []model.Value{{Kind: model.KindText, Text: body.Grantee}}}); err != nil {
				writeServiceError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		for _, p := range body.Permissions {
			sqlText := `DELETE FROM __acl WHERE grantee = ? AND permission = ?`
			if _, err := inst.Execute(dbinstance.ExecuteRequest{Caller: caller, SQL: sqlText,
				Params: []model.Value{
					{Kind: model.KindText, Text: body.Grantee},
					{Kind: model.KindText, Text: string(p)},
				}}); err != nil {
				writeServiceError(w, err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var body GrantHTTPRequest
	if err := DecodeBody(r, &body); err != nil {
		writeDecodeBodyError(w, err)
		return
	}
	if body.Grantee == "" || len(body.Permissions) == 0 {
		writeInvalidArgument(w, "grantee and permissions are required")
		return
	}
	var expiresArg model.Value
	if body.ExpiresAt != nil {
		expiresArg = model.Value{Kind: model.KindText, Text: *body.ExpiresAt}
	} else {
		expiresArg = model.Value{Kind: model.KindNull}
	}
	for _, p := range body.Permissions {
		sqlText := `INSERT INTO __acl (grantee, permission, grantedAt, expiresAt) VALUES (?, ?, strftime('%s','now')*1000000000, ?)
			ON CONFLICT(grantee, permission) DO UPDATE SET grantedAt=excluded.grantedAt, expiresAt=excluded.expiresAt`
		if _, err := inst.Execute(dbinstance.ExecuteRequest{Caller: caller, SQL: sqlText,
			Params: []model.Value{
				{Kind: model.KindText, Text: body.Grantee},
				{Kind: model.KindText, Text: string(p)},
				expiresArg,
			}}); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListACL backs GET /v2/db/{databaseID}/acl.
func HandleListACL(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}
		rules, err := inst.ACL().List()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rules)
	}
}

// HandleWALSync backs GET /v2/db/{databaseID}/wal/sync?from=N, the pull
// target internal/replication's Engine polls. A response is gzip-compressed
// when the caller sends Accept-Encoding: gzip, matching the Replication
// Engine's request header.
func HandleWALSync(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}

		fromPos := int64(0)
		if v := r.URL.Query().Get("from"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeInvalidArgument(w, "from must be an integer")
				return
			}
			fromPos = n
		}

		result, err := inst.Journal().FetchRange(fromPos, 0)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			_ = json.NewEncoder(gz).Encode(result)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

// HandleVectorCreateIndex backs POST /v2/db/{databaseID}/vector/index.
func HandleVectorCreateIndex(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}

		var body struct {
			TableName       string                      `json:"table_name"`
			Dimensions      int                         `json:"dimensions"`
			VectorType      vectorindex.VectorType      `json:"vector_type,omitempty"`
			DistanceMetric  vectorindex.DistanceMetric  `json:"distance_metric,omitempty"`
			MetadataColumns []string                    `json:"metadata_columns,omitempty"`
			PartitionKey    string                      `json:"partition_key,omitempty"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		plan, err := vectorindex.PlanCreateIndex(vectorindex.CreateIndexRequest{
			TableName:       body.TableName,
			Dimensions:      body.Dimensions,
			VectorType:      body.VectorType,
			DistanceMetric:  body.DistanceMetric,
			MetadataColumns: body.MetadataColumns,
			PartitionKey:    body.PartitionKey,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if _, err := inst.Execute(dbinstance.ExecuteRequest{Caller: callerFromRequest(r), SQL: plan.SQL}); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]any{"distance_metric": plan.DistanceMetric})
	}
}

// vectorInsertHTTPRequest is the wire body of POST /v2/db/{id}/vector/insert.
type vectorInsertHTTPRequest struct {
	TableName string                  `json:"table_name"`
	Vector    []float32               `json:"vector"`
	Metadata  map[string]model.Value  `json:"metadata,omitempty"`
	Partition *model.Value            `json:"partition,omitempty"`
}

// HandleVectorInsert backs POST /v2/db/{databaseID}/vector/insert.
func HandleVectorInsert(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}

		var body vectorInsertHTTPRequest
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		sqlText, params, err := vectorindex.PlanInsert(vectorindex.InsertRequest{
			TableName: body.TableName,
			Vector:    body.Vector,
			Metadata:  body.Metadata,
			Partition: body.Partition,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		res, err := inst.Execute(dbinstance.ExecuteRequest{Caller: callerFromRequest(r), SQL: sqlText, Params: params})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, toExecuteHTTPResponse(res))
	}
}

// vectorSearchHTTPRequest is the wire body of POST /v2/db/{id}/vector/search.
type vectorSearchHTTPRequest struct {
	TableName       string       `json:"table_name"`
	Vector          []float32    `json:"vector"`
	K               int          `json:"k"`
	PartitionValue  *model.Value `json:"partition_value,omitempty"`
	MetadataFilter  string       `json:"metadata_filter,omitempty"`
	IncludeMetadata bool         `json:"include_metadata,omitempty"`
}

// HandleVectorSearch backs POST /v2/db/{databaseID}/vector/search: loads
// every row from the target virtual table via the Storage Adapter, then
// delegates the bounded top-k scan to vectorindex.Search.
func HandleVectorSearch(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		inst, ok := registry.Get(databaseID)
		if !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}

		var body vectorSearchHTTPRequest
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if err := vectorindex.ValidateIdentifier(body.TableName); err != nil {
			writeServiceError(w, err)
			return
		}

		loader := func() ([]struct {
			RowID    int64
			Vector   []float32
			Metadata map[string]any
		}, error) {
			rows, err := inst.Handle().QueryParameterized(
				"SELECT rowid, embedding FROM "+body.TableName, nil)
			if err != nil {
				return nil, err
			}
			out := make([]struct {
				RowID    int64
				Vector   []float32
				Metadata map[string]any
			}, 0, len(rows))
			for _, row := range rows {
				if len(row.Values) < 2 {
					continue
				}
				rowID, _ := row.Values[0].(int64)
				encoded, _ := row.Values[1].(string)
				vec, err := vectorindex.DecodeVector(encoded)
				if err != nil {
					continue
				}
				out = append(out, struct {
					RowID    int64
					Vector   []float32
					Metadata map[string]any
				}{RowID: rowID, Vector: vec})
			}
			return out, nil
		}

		hits, err := vectorindex.Search(vectorindex.SearchRequest{
			TableName:       body.TableName,
			Vector:          body.Vector,
			K:               body.K,
			PartitionValue:  body.PartitionValue,
			MetadataFilter:  body.MetadataFilter,
			IncludeMetadata: body.IncludeMetadata,
		}, loader)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"hits": hits})
	}
}
