// Package storage implements the Storage Adapter: it opens a SQLite file in
// WAL journal mode per Database, runs parameterized statements, and
// classifies statements as read-only or mutating.
package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
)

// Handle wraps an open SQLite connection for one Database file.
type Handle struct {
	db   *sql.DB
	path string
}

// OpenOrCreate opens (or creates, when createIfMissing is true) a SQLite
// database at path with the recommended pragmas: journal_mode=WAL,
// synchronous=NORMAL, foreign_keys=ON, a 5-second busy timeout, and a single
// connection (per §5, the host serializes all statements on a handle).
func OpenOrCreate(path string, createIfMissing bool) (*Handle, error) {
	if !createIfMissing {
		if _, err := os.Stat(path); err != nil {
			return nil, service.Wrap(service.CodeStorage, "open database file", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, service.Wrap(service.CodeStorage, fmt.Sprintf("open db %s", path), err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, service.Wrap(service.CodeStorage, fmt.Sprintf("exec %q on %s", p, path), err)
		}
	}

	return &Handle{db: db, path: path}, nil
}

// Close closes the underlying connection.
func (h *Handle) Close() error {
	return h.db.Close()
}

// Path returns the file path the handle was opened against.
func (h *Handle) Path() string {
	return h.path
}

// DB exposes the raw *sql.DB for packages (wal, acl, vectorindex) that need
// to run their own reserved-table DDL and queries against the same handle.
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Exec runs a DDL/arbitrary script against the handle.
func (h *Handle) Exec(sqlText string) error {
	if _, err := h.db.Exec(sqlText); err != nil {
		return service.StorageError(err)
	}
	return nil
}

// ExecResult is the outcome of a parameterized mutating statement.
type ExecResult struct {
	Changes       int64
	LastInsertRowID int64
}

// RunParameterized executes mutating DML with positionally-bound parameters.
func (h *Handle) RunParameterized(sqlText string, params []model.Value) (ExecResult, error) {
	args := toNativeArgs(params)
	res, err := h.db.Exec(sqlText, args...)
	if err != nil {
		return ExecResult{}, service.StorageError(err)
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return ExecResult{Changes: changes, LastInsertRowID: lastID}, nil
}

// Row is an ordered mapping of column name to value for one result row.
type Row struct {
	Columns []string
	Values  []any
}

// QueryParameterized runs a read-only (or otherwise row-returning) statement
// and returns rows as ordered column/value pairs.
func (h *Handle) QueryParameterized(sqlText string, params []model.Value) ([]Row, error) {
	args := toNativeArgs(params)
	rows, err := h.db.Query(sqlText, args...)
	if err != nil {
		return nil, service.StorageError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, service.StorageError(err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, service.StorageError(err)
		}
		out = append(out, Row{Columns: cols, Values: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, service.StorageError(err)
	}
	return out, nil
}

func toNativeArgs(params []model.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Native()
	}
	return args
}

// Classify reports whether sqlText is read-only or mutating. A statement is
// read-only iff its trimmed, upper-cased prefix is SELECT, EXPLAIN, or a
// PRAGMA form with no '=' sign. This predicate is a pure function of the
// trimmed uppercase prefix only.
func Classify(sqlText string) model.Classification {
	trimmed := strings.TrimSpace(sqlText)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "EXPLAIN"):
		return model.ClassificationReadOnly
	case strings.HasPrefix(upper, "PRAGMA"):
		if strings.Contains(trimmed, "=") {
			return model.ClassificationMutating
		}
		return model.ClassificationReadOnly
	default:
		return model.ClassificationMutating
	}
}

var aclTableRe = regexp.MustCompile(`(?:^|[^A-Za-z0-9_])__ACL(?:[^A-Za-z0-9_]|$)`)

// TargetsACLTable reports whether sqlText names the reserved __acl table,
// as a whole identifier, anywhere in the statement: a SELECT against __acl
// is just as much a "statement against the ACL table" as an INSERT. It is
// deliberately coarse (a regex over the upper-cased text) rather than a SQL
// parse, good enough to gate admin-only access to the ACL Subsystem's
// backing table without pulling in a full SQL parser.
func TargetsACLTable(sqlText string) bool {
	return aclTableRe.MatchString(strings.ToUpper(sqlText))
}

// SchemaDigest computes SHA-256 over the newline-joined, name-ordered CREATE
// statements from sqlite_master. SHA-256 is used because spec.md names it
// literally as the digest algorithm for schema comparison across Primary
// and Replicas.
func SchemaDigest(h *Handle) (string, error) {
	rows, err := h.db.Query(
		`SELECT name, sql FROM sqlite_master WHERE type='table' AND sql IS NOT NULL AND name NOT LIKE '\_\_%' ESCAPE '\' ORDER BY name`,
	)
	if err != nil {
		return "", service.StorageError(err)
	}
	defer rows.Close()

	type named struct{ name, sql string }
	var stmts []named
	for rows.Next() {
		var n, s string
		if err := rows.Scan(&n, &s); err != nil {
			return "", service.StorageError(err)
		}
		stmts = append(stmts, named{n, s})
	}
	if err := rows.Err(); err != nil {
		return "", service.StorageError(err)
	}

	sort.Slice(stmts, func(i, j int) bool { return stmts[i].name < stmts[j].name })

	var b strings.Builder
	for i, s := range stmts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.sql)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}
