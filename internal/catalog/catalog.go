// Package catalog manages the Node-local control-plane database: the
// known-database directory and the peer/audit caches. Unlike per-Database
// files (schema-managed directly by internal/storage), the catalog's schema
// evolves independently of client-defined data and is migrated with
// golang-migrate.
package catalog

import (
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, opened directly for all reads/writes

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog is the Node-local control-plane store.
type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and migrates it to
// the latest schema version.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, service.Wrap(service.CodeStorage, "open catalog db", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, service.Wrap(service.CodeStorage, "exec "+p+" on catalog db", err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return service.Wrap(service.CodeInternal, "load embedded migrations", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return service.Wrap(service.CodeStorage, "init migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return service.Wrap(service.CodeStorage, "init migrator", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return service.Wrap(service.CodeStorage, "run catalog migrations", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// KnownDatabase is one row of the known-database directory.
type KnownDatabase struct {
	DatabaseID    string
	FileName      string
	PrimaryNodeID string
	LoadedAt      time.Time
}

// UpsertKnownDatabase records or updates a Database the Node has loaded.
func (c *Catalog) UpsertKnownDatabase(kd KnownDatabase) error {
	_, err := c.db.Exec(
		`INSERT INTO known_databases (database_id, file_name, primary_node_id, loaded_at_ns) VALUES (?, ?, ?, ?)
		 ON CONFLICT(database_id) DO UPDATE SET file_name=excluded.file_name, primary_node_id=excluded.primary_node_id`,
		kd.DatabaseID, kd.FileName, kd.PrimaryNodeID, kd.LoadedAt.UnixNano(),
	)
	if err != nil {
		return service.StorageError(err)
	}
	return nil
}

// DeleteKnownDatabase removes a Database from the directory.
func (c *Catalog) DeleteKnownDatabase(databaseID string) error {
	_, err := c.db.Exec(`DELETE FROM known_databases WHERE database_id = ?`, databaseID)
	if err != nil {
		return service.StorageError(err)
	}
	return nil
}

// ListKnownDatabases returns every recorded Database.
func (c *Catalog) ListKnownDatabases() ([]KnownDatabase, error) {
	rows, err := c.db.Query(`SELECT database_id, file_name, primary_node_id, loaded_at_ns FROM known_databases`)
	if err != nil {
		return nil, service.StorageError(err)
	}
	defer rows.Close()

	var out []KnownDatabase
	for rows.Next() {
		var kd KnownDatabase
		var loadedAt int64
		if err := rows.Scan(&kd.DatabaseID, &kd.FileName, &kd.PrimaryNodeID, &loadedAt); err != nil {
			return nil, service.StorageError(err)
		}
		kd.LoadedAt = time.Unix(0, loadedAt)
		out = append(out, kd)
	}
	return out, rows.Err()
}

// UpsertPeer records or refreshes a discovered peer Node.
func (c *Catalog) UpsertPeer(p model.PeerConnection) error {
	_, err := c.db.Exec(
		`INSERT INTO peer_cache (node_id, http_endpoint, ws_endpoint, region, role, last_seen_ns) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET http_endpoint=excluded.http_endpoint, ws_endpoint=excluded.ws_endpoint,
		 role=excluded.role, last_seen_ns=excluded.last_seen_ns`,
		p.NodeID, p.HTTPEndpoint, p.WSEndpoint, "global", string(p.Role), time.Now().UnixNano(),
	)
	if err != nil {
		return service.StorageError(err)
	}
	return nil
}

// ListPeers returns every cached peer.
func (c *Catalog) ListPeers() ([]model.PeerConnection, error) {
	rows, err := c.db.Query(`SELECT node_id, http_endpoint, ws_endpoint, role FROM peer_cache`)
	if err != nil {
		return nil, service.StorageError(err)
	}
	defer rows.Close()

	var out []model.PeerConnection
	for rows.Next() {
		var p model.PeerConnection
		var role string
		if err := rows.Scan(&p.NodeID, &p.HTTPEndpoint, &p.WSEndpoint, &role); err != nil {
			return nil, service.StorageError(err)
		}
		p.Role = model.NodeRole(role)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordAuditChallenge indexes an issued audit challenge for later lookup.
func (c *Catalog) RecordAuditChallenge(challengeID, databaseID, nodeID string) error {
	_, err := c.db.Exec(
		`INSERT INTO audit_log_index (challenge_id, database_id, node_id, issued_at_ns, status) VALUES (?, ?, ?, ?, 'pending')`,
		challengeID, databaseID, nodeID, time.Now().UnixNano(),
	)
	if err != nil {
		return service.StorageError(err)
	}
	return nil
}

// ResolveAuditChallenge marks a previously issued challenge's outcome.
func (c *Catalog) ResolveAuditChallenge(challengeID, status string) error {
	_, err := c.db.Exec(`UPDATE audit_log_index SET status = ? WHERE challenge_id = ?`, status, challengeID)
	if err != nil {
		return service.StorageError(err)
	}
	return nil
}
