package api

import (
	"github.com/sqlitefleet/engine/internal/dbinstance"
	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/tee"
)

// DatabaseRegistry is the subset of the Node Runtime's Database map that the
// HTTP layer needs. Defined here (not imported from internal/noderuntime) so
// internal/noderuntime can depend on internal/api without a import cycle.
type DatabaseRegistry interface {
	Get(databaseID string) (*dbinstance.Instance, bool)
	Create(req CreateDatabaseRequest) (*dbinstance.Instance, error)
	Delete(databaseID string) error
	List() []model.Database
	NodeInfo() model.Node
}

// CreateDatabaseRequest is the Node Runtime-facing request to provision a
// new Database, independent of dbinstance.CreateRequest's on-disk
// concerns (data dir, TEE gate, bus) which the Node Runtime fills in.
type CreateDatabaseRequest struct {
	DisplayName  string
	OwnerAddress string
	Encryption   model.EncryptionMode
	Replication  model.ReplicationConfig
}

// ExecuteHTTPRequest is the wire shape of a POST /v2/db/{id}/execute body.
type ExecuteHTTPRequest struct {
	SQL                 string               `json:"sql"`
	Params              []model.Value        `json:"params,omitempty"`
	RequiredWALPosition int64                `json:"required_wal_position,omitempty"`
	TEESessionID        string               `json:"tee_session_id,omitempty"`
	TEEAttestationLevel tee.AttestationLevel `json:"tee_attestation_level,omitempty"`
	ReplayToken         string               `json:"replay_token,omitempty"`
}

// ExecuteHTTPResponse is the wire shape of a successful execute response.
type ExecuteHTTPResponse struct {
	Classification  string         `json:"classification"`
	Columns         []string       `json:"columns,omitempty"`
	Rows            [][]any        `json:"rows,omitempty"`
	Changes         int64          `json:"changes,omitempty"`
	LastInsertRowID int64          `json:"last_insert_row_id,omitempty"`
	WALPosition     int64          `json:"wal_position"`
}

func toExecuteHTTPResponse(res *dbinstance.ExecuteResult) ExecuteHTTPResponse {
	resp := ExecuteHTTPResponse{
		Classification:  res.Classification.String(),
		Columns:         res.Columns,
		Changes:         res.Changes,
		LastInsertRowID: res.LastInsertRowID,
		WALPosition:     res.WALPosition,
	}
	for _, row := range res.Rows {
		resp.Rows = append(resp.Rows, row.Values)
	}
	return resp
}

// BatchHTTPRequest is the wire shape of a POST /v2/db/{id}/batch body.
type BatchHTTPRequest struct {
	Statements []struct {
		SQL    string        `json:"sql"`
		Params []model.Value `json:"params,omitempty"`
	} `json:"statements"`
	Transactional bool `json:"transactional,omitempty"`
}

// GrantHTTPRequest is the wire shape of a POST /v2/db/{id}/grant body.
type GrantHTTPRequest struct {
	Grantee     string             `json:"grantee"`
	Permissions []model.Permission `json:"permissions"`
	ExpiresAt   *string            `json:"expires_at,omitempty"`
}

// RevokeHTTPRequest is the wire shape of a POST /v2/db/{id}/revoke body.
type RevokeHTTPRequest struct {
	Grantee     string             `json:"grantee"`
	Permissions []model.Permission `json:"permissions,omitempty"`
}
