// Package acl implements the ACL Subsystem: a per-Database table of
// (grantee, permission, grantedAt, expiresAt) with an owner implicit-admin
// rule. ACL writes are journaled by the caller so ACL state replicates
// deterministically, the same way any other mutating statement does.
package acl

import (
	"database/sql"
	"strings"
	"time"

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/storage"
)

const createACLTableDDL = `
CREATE TABLE IF NOT EXISTS __acl (
	grantee    TEXT NOT NULL,
	permission TEXT NOT NULL,
	grantedAt  INTEGER NOT NULL,
	expiresAt  INTEGER,
	PRIMARY KEY (grantee, permission)
);
`

// EnsureTable lazily creates the __acl table on first grant.
func EnsureTable(h *storage.Handle) error {
	return h.Exec(createACLTableDDL)
}

// Subsystem is the ACL Subsystem bound to one Database's owner and handle.
type Subsystem struct {
	h            *storage.Handle
	ownerAddress string
}

// New binds an ACL Subsystem to a Database's Storage Adapter handle and
// owner address.
func New(h *storage.Handle, ownerAddress string) *Subsystem {
	return &Subsystem{h: h, ownerAddress: ownerAddress}
}

// GrantRequest is the input to Grant.
type GrantRequest struct {
	Grantee     string
	Permissions []model.Permission
	ExpiresAt   *time.Time
}

// Grant upserts one row per (grantee, permission). The caller is responsible
// for ensuring this DDL/DML is journaled via the WAL Journal.
func (s *Subsystem) Grant(req GrantRequest) error {
	if err := EnsureTable(s.h); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	var expiresArg any
	if req.ExpiresAt != nil {
		expiresArg = req.ExpiresAt.UnixNano()
	}
	for _, p := range req.Permissions {
		if _, err := s.h.DB().Exec(
			`INSERT INTO __acl (grantee, permission, grantedAt, expiresAt) VALUES (?, ?, ?, ?)
			 ON CONFLICT(grantee, permission) DO UPDATE SET grantedAt=excluded.grantedAt, expiresAt=excluded.expiresAt`,
			req.Grantee, string(p), now, expiresArg,
		); err != nil {
			return service.StorageError(err)
		}
	}
	return nil
}

// RevokeRequest is the input to Revoke. A nil Permissions list revokes all
// of the grantee's rules.
type RevokeRequest struct {
	Grantee     string
	Permissions []model.Permission
}

// Revoke deletes the specified permissions, or all of grantee's rules when
// Permissions is empty.
func (s *Subsystem) Revoke(req RevokeRequest) error {
	if len(req.Permissions) == 0 {
		_, err := s.h.DB().Exec(`DELETE FROM __acl WHERE grantee = ?`, req.Grantee)
		if err != nil {
			return service.StorageError(err)
		}
		return nil
	}
	for _, p := range req.Permissions {
		if _, err := s.h.DB().Exec(`DELETE FROM __acl WHERE grantee = ? AND permission = ?`, req.Grantee, string(p)); err != nil {
			return service.StorageError(err)
		}
	}
	return nil
}

// List returns rules grouped by grantee.
func (s *Subsystem) List() (map[string][]model.ACLRule, error) {
	rows, err := s.h.DB().Query(`SELECT grantee, permission, grantedAt, expiresAt FROM __acl ORDER BY grantee, permission`)
	if err != nil {
		if isNoSuchTable(err) {
			return map[string][]model.ACLRule{}, nil
		}
		return nil, service.StorageError(err)
	}
	defer rows.Close()

	out := map[string][]model.ACLRule{}
	for rows.Next() {
		var grantee, permission string
		var grantedAt int64
		var expiresAt sql.NullInt64
		if err := rows.Scan(&grantee, &permission, &grantedAt, &expiresAt); err != nil {
			return nil, service.StorageError(err)
		}
		rule := model.ACLRule{
			Grantee:    grantee,
			Permission: model.Permission(permission),
			GrantedAt:  time.Unix(0, grantedAt),
		}
		if expiresAt.Valid {
			t := time.Unix(0, expiresAt.Int64)
			rule.ExpiresAt = &t
		}
		out[grantee] = append(out[grantee], rule)
	}
	return out, rows.Err()
}

// Check returns true when grantee equals the owner or a non-expired rule
// grants the permission. Returns false, never an error, for "no such
// table" — an ungrant-ed Database simply has no non-owner permissions yet.
func (s *Subsystem) Check(grantee string, permission model.Permission) (bool, error) {
	if grantee == s.ownerAddress {
		return true, nil
	}
	row := s.h.DB().QueryRow(
		`SELECT expiresAt FROM __acl WHERE grantee = ? AND permission = ?`,
		grantee, string(permission),
	)
	var expiresAt sql.NullInt64
	err := row.Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		if isNoSuchTable(err) {
			return false, nil
		}
		return false, service.StorageError(err)
	}
	if !expiresAt.Valid {
		return true, nil
	}
	return time.Unix(0, expiresAt.Int64).After(time.Now()), nil
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
