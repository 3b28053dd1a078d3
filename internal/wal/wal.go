// Package wal implements the WAL Journal: an append-only, hash-chained log
// of every mutating statement, stored in a reserved __wal table inside the
// same SQLite file as the Database it journals.
package wal

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/storage"
)

// ZeroHash is the 64 hex-character all-zero hash used as prevHash for the
// entry at position 1.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

const createWALTableDDL = `
CREATE TABLE IF NOT EXISTS __wal (
	position      INTEGER PRIMARY KEY AUTOINCREMENT,
	transactionId TEXT NOT NULL,
	timestamp     INTEGER NOT NULL,
	sql           TEXT NOT NULL,
	params        TEXT,
	hash          TEXT NOT NULL,
	prevHash      TEXT NOT NULL
);
`

// EnsureTable creates the __wal reserved table if it doesn't already exist.
func EnsureTable(h *storage.Handle) error {
	return h.Exec(createWALTableDDL)
}

// Journal is the WAL Journal for one Database's Storage Adapter handle.
type Journal struct {
	h *storage.Handle
}

// New wraps a Storage Adapter handle as a Journal. The caller must have
// already called EnsureTable on h.
func New(h *storage.Handle) *Journal {
	return &Journal{h: h}
}

// headHash returns the hash of the highest-position entry, or ZeroHash when
// the journal is empty.
func (j *Journal) headHash() (string, int64, error) {
	row := j.h.DB().QueryRow(`SELECT position, hash FROM __wal ORDER BY position DESC LIMIT 1`)
	var pos int64
	var hash string
	err := row.Scan(&pos, &hash)
	if err == sql.ErrNoRows {
		return ZeroHash, 0, nil
	}
	if err != nil {
		return "", 0, service.StorageError(err)
	}
	return hash, pos, nil
}

// HeadPosition returns the current maximum position, or 0 when empty.
func (j *Journal) HeadPosition() (int64, error) {
	_, pos, err := j.headHash()
	return pos, err
}

func computeHash(position int64, txID string, ts time.Time, sqlText string, paramsJSON, prevHash string) string {
	canonical := fmt.Sprintf("%d:%s:%d:%s:%s:%s", position, txID, ts.UnixNano(), sqlText, paramsJSON, prevHash)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func marshalParams(params []model.Value) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", service.Wrap(service.CodeInternal, "marshal wal params", err)
	}
	return string(b), nil
}

func unmarshalParams(s string) ([]model.Value, error) {
	if s == "" {
		return nil, nil
	}
	var params []model.Value
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, service.Wrap(service.CodeInternal, "unmarshal wal params", err)
	}
	return params, nil
}

// Append computes prevHash/hash, inserts the entry atomically, and returns
// the assigned Entry. It must run in the same per-Database critical section
// as, and immediately after, the statement's successful execution (see §5).
func (j *Journal) Append(sqlText string, params []model.Value) (model.WALEntry, error) {
	prevHash, prevPos, err := j.headHash()
	if err != nil {
		return model.WALEntry{}, err
	}

	txID := uuid.NewString()
	ts := time.Now()
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return model.WALEntry{}, err
	}

	nextPos := prevPos + 1
	hash := computeHash(nextPos, txID, ts, sqlText, paramsJSON, prevHash)

	var paramsArg any
	if paramsJSON == "" {
		paramsArg = nil
	} else {
		paramsArg = paramsJSON
	}

	res, err := j.h.DB().Exec(
		`INSERT INTO __wal (position, transactionId, timestamp, sql, params, hash, prevHash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nextPos, txID, ts.UnixNano(), sqlText, paramsArg, hash, prevHash,
	)
	if err != nil {
		return model.WALEntry{}, service.StorageError(err)
	}
	assigned, err := res.LastInsertId()
	if err != nil {
		return model.WALEntry{}, service.StorageError(err)
	}

	return model.WALEntry{
		Position:      assigned,
		TransactionID: txID,
		Timestamp:     ts,
		SQL:           sqlText,
		Params:        params,
		Hash:          hash,
		PrevHash:      prevHash,
	}, nil
}

// defaultFetchLimit is the cap applied when the caller passes limit <= 0.
const defaultFetchLimit = 1000

// FetchResult is the response to a fetchRange call.
type FetchResult struct {
	Entries    []model.WALEntry
	HasMore    bool
	CurrentPos int64
}

// FetchRange returns entries with position strictly greater than fromPos,
// ordered ascending, up to limit (default cap 1000).
func (j *Journal) FetchRange(fromPos int64, limit int) (FetchResult, error) {
	if limit <= 0 || limit > defaultFetchLimit {
		limit = defaultFetchLimit
	}

	currentPos, err := j.HeadPosition()
	if err != nil {
		return FetchResult{}, err
	}

	rows, err := j.h.DB().Query(
		`SELECT position, transactionId, timestamp, sql, params, hash, prevHash FROM __wal WHERE position > ? ORDER BY position ASC LIMIT ?`,
		fromPos, limit+1,
	)
	if err != nil {
		return FetchResult{}, service.StorageError(err)
	}
	defer rows.Close()

	var entries []model.WALEntry
	for rows.Next() {
		var (
			pos                int64
			txID, sqlText, hash, prevHash string
			ts                 int64
			paramsRaw          sql.NullString
		)
		if err := rows.Scan(&pos, &txID, &ts, &sqlText, &paramsRaw, &hash, &prevHash); err != nil {
			return FetchResult{}, service.StorageError(err)
		}
		params, err := unmarshalParams(paramsRaw.String)
		if err != nil {
			return FetchResult{}, err
		}
		entries = append(entries, model.WALEntry{
			Position:      pos,
			TransactionID: txID,
			Timestamp:     time.Unix(0, ts),
			SQL:           sqlText,
			Params:        params,
			Hash:          hash,
			PrevHash:      prevHash,
		})
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, service.StorageError(err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	return FetchResult{Entries: entries, HasMore: hasMore, CurrentPos: currentPos}, nil
}

// Applier executes a single mutating statement against the owning Database's
// Storage Adapter handle, as part of replaying a WAL entry on a Replica. It
// must run the statement through tx, the same transaction ApplyBatch uses
// to persist the entry, since the handle's single connection (§5) has no
// room for a second, independently-acquired transaction.
type Applier func(tx *sql.Tx, sqlText string, params []model.Value) error

// ApplyBatch verifies the batch's hash chain against the Replica's current
// head, re-executes each statement via apply, and inserts the entries with
// their Primary-assigned positions preserved. On any mismatch the whole
// batch is discarded — no partial apply.
func (j *Journal) ApplyBatch(entries []model.WALEntry, apply Applier) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	headHash, headPos, err := j.headHash()
	if err != nil {
		return 0, err
	}
	if entries[0].PrevHash != headHash {
		return 0, service.WALChain("batch prevHash %s does not match replica head %s at position %d",
			entries[0].PrevHash, headHash, headPos)
	}

	tx, err := j.h.DB().Begin()
	if err != nil {
		return 0, service.StorageError(err)
	}
	defer tx.Rollback()

	prevHash := headHash
	for i, e := range entries {
		expectedHash := computeHash(e.Position, e.TransactionID, e.Timestamp, e.SQL, paramsJSONOrEmpty(e.Params), prevHash)
		if e.Hash != expectedHash {
			return 0, service.WALChain("entry %d (position %d): hash mismatch", i, e.Position)
		}
		if e.PrevHash != prevHash {
			return 0, service.WALChain("entry %d (position %d): prevHash mismatch", i, e.Position)
		}

		if err := apply(tx, e.SQL, e.Params); err != nil {
			return 0, err
		}

		paramsJSON, err := marshalParams(e.Params)
		if err != nil {
			return 0, err
		}
		var paramsArg any
		if paramsJSON == "" {
			paramsArg = nil
		} else {
			paramsArg = paramsJSON
		}

		if _, err := tx.Exec(
			`INSERT INTO __wal (position, transactionId, timestamp, sql, params, hash, prevHash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Position, e.TransactionID, e.Timestamp.UnixNano(), e.SQL, paramsArg, e.Hash, e.PrevHash,
		); err != nil {
			return 0, service.Wrap(service.CodeWALChain, "insert replicated entry position "+strconv.FormatInt(e.Position, 10), err)
		}

		prevHash = e.Hash
	}

	if err := tx.Commit(); err != nil {
		return 0, service.StorageError(err)
	}

	return len(entries), nil
}

func paramsJSONOrEmpty(params []model.Value) string {
	s, err := marshalParams(params)
	if err != nil {
		return ""
	}
	return s
}
