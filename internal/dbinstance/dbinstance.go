// Package dbinstance implements the Database Instance: the per-Database
// runtime that owns one Storage Adapter handle, its WAL Journal, and its ACL
// Subsystem, and serializes every statement against them per §5's
// one-writer-at-a-time model.
package dbinstance

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sqlitefleet/engine/internal/acl"
	"github.com/sqlitefleet/engine/internal/events"
	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/storage"
	"github.com/sqlitefleet/engine/internal/tee"
	"github.com/sqlitefleet/engine/internal/wal"
)

// replayWindow bounds how old a replay-protection envelope's issuedAt may be
// before Execute rejects it outright, independent of the nonce cache.
const replayWindow = 5 * time.Minute

// replayEnvelope is the payload sealed into a client's optional replay
// token: a single-use nonce plus the time it was minted.
type replayEnvelope struct {
	Nonce    string
	IssuedAt time.Time
}

// IsolationLevel names the isolation a batch transaction runs under. SQLite
// only offers serializable semantics via a single writer connection, so this
// is informational metadata rather than a driver-level knob.
type IsolationLevel string

const (
	IsolationSerializable IsolationLevel = "serializable"
)

// TransactionRecord is the ephemeral record of an open batch transaction,
// created when a client opens a batch in transactional mode and destroyed on
// commit or rollback.
type TransactionRecord struct {
	ID         string
	DatabaseID string
	Isolation  IsolationLevel
	StartedAt  time.Time
	Statements []string
}

// Instance is one Database Instance: a Storage Adapter handle, its WAL
// Journal, and its ACL Subsystem, bound together and serialized through a
// single mutex per §5 ("a Database Instance processes statements against its
// handle one at a time").
type Instance struct {
	mu       sync.Mutex
	h        *storage.Handle
	journal  *wal.Journal
	aclSub   *acl.Subsystem
	teeGate  *tee.Gate
	bus      *events.Broker
	meta     model.Database
	role     model.NodeRole
	txs      *xsync.Map[string, *TransactionRecord]

	replayCodec  *securecookie.SecureCookie
	seenNonces   map[string]time.Time
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	DataDir      string
	DatabaseID   string
	DisplayName  string
	OwnerAddress string
	Encryption   model.EncryptionMode
	Replication  model.ReplicationConfig
	TEEGate      *tee.Gate
	Bus          *events.Broker
}

func dbFilePath(dataDir, databaseID string) string {
	return filepath.Join(dataDir, databaseID+".db")
}

// Create provisions a new Database's physical file and reserved tables. It
// fails with AlreadyExists if a file for databaseID already exists, matching
// §4.3's "physical file collision" rule.
func Create(req CreateRequest) (*Instance, error) {
	path := dbFilePath(req.DataDir, req.DatabaseID)
	if _, err := os.Stat(path); err == nil {
		return nil, service.AlreadyExists("database %s already has a file on this node", req.DatabaseID)
	}

	h, err := storage.OpenOrCreate(path, true)
	if err != nil {
		return nil, err
	}
	if err := wal.EnsureTable(h); err != nil {
		h.Close()
		return nil, err
	}
	if err := acl.EnsureTable(h); err != nil {
		h.Close()
		return nil, err
	}

	now := time.Now()
	meta := model.Database{
		DatabaseID:    req.DatabaseID,
		DisplayName:   req.DisplayName,
		OwnerAddress:  req.OwnerAddress,
		Encryption:    req.Encryption,
		Replication:   req.Replication,
		SchemaVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	inst := &Instance{
		h:           h,
		journal:     wal.New(h),
		aclSub:      acl.New(h, req.OwnerAddress),
		teeGate:     req.TEEGate,
		bus:         req.Bus,
		meta:        meta,
		role:        model.RolePrimary,
		txs:         xsync.NewMap[string, *TransactionRecord](),
		replayCodec: newReplayCodec(),
		seenNonces:  make(map[string]time.Time),
	}

	if inst.bus != nil {
		inst.bus.Publish(events.Event{
			Type:       events.DatabaseCreated,
			Timestamp:  now,
			DatabaseID: req.DatabaseID,
		})
	}

	return inst, nil
}

// Open reattaches to an already-provisioned Database's physical file, used
// when a Node restarts or loads a Replica's copy.
func Open(dataDir string, meta model.Database, role model.NodeRole, teeGate *tee.Gate, bus *events.Broker) (*Instance, error) {
	path := dbFilePath(dataDir, meta.DatabaseID)
	h, err := storage.OpenOrCreate(path, false)
	if err != nil {
		return nil, err
	}
	if err := wal.EnsureTable(h); err != nil {
		h.Close()
		return nil, err
	}
	if err := acl.EnsureTable(h); err != nil {
		h.Close()
		return nil, err
	}

	return &Instance{
		h:           h,
		journal:     wal.New(h),
		aclSub:      acl.New(h, meta.OwnerAddress),
		teeGate:     teeGate,
		bus:         bus,
		meta:        meta,
		role:        role,
		txs:         xsync.NewMap[string, *TransactionRecord](),
		replayCodec: newReplayCodec(),
		seenNonces:  make(map[string]time.Time),
	}, nil
}

// newReplayCodec seals replay envelopes with a per-Instance key pair. Keys
// are process-lifetime only: a restart invalidates any outstanding replay
// token, which only costs the client a fresh IssueReplayToken call.
func newReplayCodec() *securecookie.SecureCookie {
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	return securecookie.New(hashKey, blockKey)
}

// IssueReplayToken mints a sealed, single-use token a client can attach to a
// mutating Execute call to guard against the request being replayed (e.g. by
// a retrying proxy) after it already succeeded once.
func (inst *Instance) IssueReplayToken() (string, error) {
	env := replayEnvelope{Nonce: uuid.NewString(), IssuedAt: time.Now()}
	token, err := inst.replayCodec.Encode("replay", env)
	if err != nil {
		return "", service.Wrap(service.CodeInternal, "seal replay token", err)
	}
	return token, nil
}

// checkReplayToken rejects a mutating request carrying an expired or
// already-consumed replay token. A request with no token is always allowed;
// the envelope is an opt-in guard, not a universal nonce requirement.
func (inst *Instance) checkReplayToken(token string) error {
	if token == "" {
		return nil
	}
	var env replayEnvelope
	if err := inst.replayCodec.Decode("replay", token, &env); err != nil {
		return service.Unauthorized("invalid replay token")
	}
	if time.Since(env.IssuedAt) > replayWindow {
		return service.Unauthorized("replay token expired")
	}
	if _, seen := inst.seenNonces[env.Nonce]; seen {
		return service.Unauthorized("replay token already used")
	}
	for nonce, issuedAt := range inst.seenNonces {
		if time.Since(issuedAt) > replayWindow {
			delete(inst.seenNonces, nonce)
		}
	}
	inst.seenNonces[env.Nonce] = env.IssuedAt
	return nil
}

// Delete closes the Instance's handle and removes its physical file.
func (inst *Instance) Delete(dataDir string) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	databaseID := inst.meta.DatabaseID
	if err := inst.h.Close(); err != nil {
		return service.StorageError(err)
	}
	path := dbFilePath(dataDir, databaseID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return service.Wrap(service.CodeStorage, "remove database file", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}

	if inst.bus != nil {
		inst.bus.Publish(events.Event{
			Type:       events.DatabaseDeleted,
			Timestamp:  time.Now(),
			DatabaseID: databaseID,
		})
	}
	return nil
}

// SetRole updates the Instance's replication role (Primary/Replica), called
// by the Replication Engine on failover.
func (inst *Instance) SetRole(role model.NodeRole) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.role = role
}

// Role returns the Instance's current replication role.
func (inst *Instance) Role() model.NodeRole {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.role
}

// Meta returns a snapshot of the Instance's durable metadata.
func (inst *Instance) Meta() model.Database {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.meta
}

// Journal exposes the Instance's WAL Journal for the Replication Engine's
// pull-based sync.
func (inst *Instance) Journal() *wal.Journal { return inst.journal }

// ACL exposes the Instance's ACL Subsystem for direct grant/revoke/list
// calls issued outside of Execute (the HTTP handlers for /grant, /revoke,
// /acl still route the DDL/DML through Execute so it gets journaled; this
// accessor backs read-only listing).
func (inst *Instance) ACL() *acl.Subsystem { return inst.aclSub }

// Handle exposes the Instance's Storage Adapter handle for callers that need
// raw row access the Execute/BatchExecute result shapes don't carry, such as
// the Vector Index Facility's KNN scan.
func (inst *Instance) Handle() *storage.Handle { return inst.h }

// ExecuteRequest is the input to Execute.
type ExecuteRequest struct {
	Caller              string
	SQL                 string
	Params              []model.Value
	RequiredWALPosition int64
	TEESessionID        string
	TEEAttestationLevel tee.AttestationLevel
	ReplayToken         string
}

// ExecuteResult is the output of Execute.
type ExecuteResult struct {
	Classification model.Classification
	Columns        []string
	Rows           []storage.Row
	Changes        int64
	LastInsertRowID int64
	WALPosition    int64
}

// Execute runs req.SQL against the Instance, following §4.3's algorithm:
// classify, resolve the required ACL permission, reject mutating statements
// on a Replica, honor a caller-required WAL position for reads, dispatch
// through the TEE Gate, and journal successful mutations.
func (inst *Instance) Execute(req ExecuteRequest) (*ExecuteResult, error) {
	classification := storage.Classify(req.SQL)

	perm := model.PermissionRead
	if classification == model.ClassificationMutating {
		perm = model.PermissionWrite
	}
	if storage.TargetsACLTable(req.SQL) {
		perm = model.PermissionAdmin
	}
	allowed, err := inst.aclSub.Check(req.Caller, perm)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, service.Unauthorized("caller %s lacks %s permission on database %s", req.Caller, perm, inst.meta.DatabaseID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if classification == model.ClassificationMutating && inst.role == model.RoleReplica {
		return nil, service.WriteOnReplica()
	}

	if classification == model.ClassificationMutating {
		if err := inst.checkReplayToken(req.ReplayToken); err != nil {
			return nil, err
		}
	}

	if req.RequiredWALPosition > 0 {
		current, err := inst.journal.HeadPosition()
		if err != nil {
			return nil, err
		}
		if current < req.RequiredWALPosition {
			return nil, service.ReplicationLag(current, req.RequiredWALPosition)
		}
	}

	if classification == model.ClassificationReadOnly {
		rows, err := inst.h.QueryParameterized(req.SQL, req.Params)
		if err != nil {
			return nil, err
		}
		var cols []string
		if len(rows) > 0 {
			cols = rows[0].Columns
		}
		return &ExecuteResult{Classification: classification, Columns: cols, Rows: rows}, nil
	}

	var result storage.ExecResult
	exec := func(sqlText string, params []model.Value) error {
		r, err := inst.h.RunParameterized(sqlText, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	teeReq := tee.ExecuteInTEERequest{
		DatabaseID:       inst.meta.DatabaseID,
		SQL:              req.SQL,
		Params:           req.Params,
		SessionID:        req.TEESessionID,
		AttestationLevel: req.TEEAttestationLevel,
	}
	if _, err := inst.teeGate.Execute(inst.meta.Encryption, teeReq, exec); err != nil {
		return nil, err
	}

	entry, err := inst.journal.Append(req.SQL, req.Params)
	if err != nil {
		return nil, err
	}
	inst.meta.WALPosition = entry.Position
	inst.meta.UpdatedAt = entry.Timestamp

	return &ExecuteResult{
		Classification:  classification,
		Changes:         result.Changes,
		LastInsertRowID: result.LastInsertRowID,
		WALPosition:     entry.Position,
	}, nil
}

// Statement is one SQL statement with its bound parameters, as submitted in
// a batch.
type Statement struct {
	SQL    string
	Params []model.Value
}

// BatchExecuteRequest is the input to BatchExecute.
type BatchExecuteRequest struct {
	Caller       string
	Statements   []Statement
	Transactional bool
}

// BatchExecuteResult is the output of BatchExecute.
type BatchExecuteResult struct {
	Results      []ExecuteResult
	WALPositions []int64
}

// BatchExecute runs every statement in req in order. When Transactional is
// set, all mutating statements run inside one SQLite transaction and the
// batch's WAL entries are written contiguously; any failure rolls the whole
// batch back with no WAL entries appended.
func (inst *Instance) BatchExecute(req BatchExecuteRequest) (*BatchExecuteResult, error) {
	if !req.Transactional {
		out := &BatchExecuteResult{}
		for _, st := range req.Statements {
			res, err := inst.Execute(ExecuteRequest{Caller: req.Caller, SQL: st.SQL, Params: st.Params})
			if err != nil {
				return nil, err
			}
			out.Results = append(out.Results, *res)
			out.WALPositions = append(out.WALPositions, res.WALPosition)
		}
		return out, nil
	}

	tx := &TransactionRecord{
		ID:         uuid.NewString(),
		DatabaseID: inst.meta.DatabaseID,
		Isolation:  IsolationSerializable,
		StartedAt:  time.Now(),
	}
	for _, st := range req.Statements {
		tx.Statements = append(tx.Statements, st.SQL)
	}
	inst.txs.Store(tx.ID, tx)
	defer inst.txs.Delete(tx.ID)

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.role == model.RoleReplica {
		for _, st := range req.Statements {
			if storage.Classify(st.SQL) == model.ClassificationMutating {
				return nil, service.WriteOnReplica()
			}
		}
	}

	sqlDB := inst.h.DB()
	sqlTx, err := sqlDB.Begin()
	if err != nil {
		return nil, service.StorageError(err)
	}
	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	out := &BatchExecuteResult{}
	for _, st := range req.Statements {
		classification := storage.Classify(st.SQL)
		if classification == model.ClassificationReadOnly {
			rows, err := sqlTx.Query(st.SQL, nativeArgs(st.Params)...)
			if err != nil {
				return nil, service.StorageError(err)
			}
			r, scanErr := scanRows(rows)
			if scanErr != nil {
				return nil, scanErr
			}
			var cols []string
			if len(r) > 0 {
				cols = r[0].Columns
			}
			out.Results = append(out.Results, ExecuteResult{Classification: classification, Columns: cols, Rows: r})
			out.WALPositions = append(out.WALPositions, 0)
			continue
		}

		res, err := sqlTx.Exec(st.SQL, nativeArgs(st.Params)...)
		if err != nil {
			return nil, service.StorageError(err)
		}
		changes, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()

		entry, err := inst.journal.Append(st.SQL, st.Params)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, ExecuteResult{
			Classification:  classification,
			Changes:         changes,
			LastInsertRowID: lastID,
			WALPosition:     entry.Position,
		})
		out.WALPositions = append(out.WALPositions, entry.Position)
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, service.StorageError(err)
	}
	committed = true

	if len(out.WALPositions) > 0 {
		inst.meta.WALPosition = out.WALPositions[len(out.WALPositions)-1]
		inst.meta.UpdatedAt = time.Now()
	}

	return out, nil
}

func nativeArgs(params []model.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Native()
	}
	return args
}

func scanRows(rows interface {
	Next() bool
	Columns() ([]string, error)
	Scan(...any) error
	Err() error
}) ([]storage.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, service.StorageError(err)
	}
	var out []storage.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, service.StorageError(err)
		}
		out = append(out, storage.Row{Columns: cols, Values: vals})
	}
	return out, rows.Err()
}

// ReplicationStatus summarizes an Instance's replication position for status
// reporting and /v2/node responses.
type ReplicationStatus struct {
	DatabaseID string
	Role       model.NodeRole
	WALPosition int64
	SchemaHash  string
}

// GetReplicationStatus reports the Instance's current head position and
// schema digest.
func (inst *Instance) GetReplicationStatus() (ReplicationStatus, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	pos, err := inst.journal.HeadPosition()
	if err != nil {
		return ReplicationStatus{}, err
	}
	digest, err := storage.SchemaDigest(inst.h)
	if err != nil {
		return ReplicationStatus{}, err
	}
	return ReplicationStatus{
		DatabaseID:  inst.meta.DatabaseID,
		Role:        inst.role,
		WALPosition: pos,
		SchemaHash:  digest,
	}, nil
}

// LiveTransactionCount returns the number of open batch transactions, used
// by health/status reporting.
func (inst *Instance) LiveTransactionCount() int {
	n := 0
	inst.txs.Range(func(_ string, _ *TransactionRecord) bool {
		n++
		return true
	})
	return n
}
