package dbinstance

import (
	"testing"

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/tee"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	inst, err := Create(CreateRequest{
		DataDir:      t.TempDir(),
		DatabaseID:   "11111111-1111-1111-1111-111111111111",
		DisplayName:  "test",
		OwnerAddress: "0xowner",
		TEEGate:      tee.New(nil),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		inst.h.Close()
	})
	return inst
}

func TestExecute_OwnerCanCreateTableAndInsert(t *testing.T) {
	inst := newTestInstance(t)

	if _, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "CREATE TABLE t (v TEXT)"}); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	res, err := inst.Execute(ExecuteRequest{
		Caller: "0xowner",
		SQL:    "INSERT INTO t VALUES (?)",
		Params: []model.Value{{Kind: model.KindText, Text: "a"}},
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if res.WALPosition != 2 {
		t.Fatalf("WALPosition = %d, want 2 (CREATE TABLE then INSERT)", res.WALPosition)
	}

	rows, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "SELECT v FROM t"})
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if len(rows.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows.Rows))
	}
}

func TestExecute_StrangerDeniedWithoutGrant(t *testing.T) {
	inst := newTestInstance(t)

	_, err := inst.Execute(ExecuteRequest{Caller: "0xstranger", SQL: "SELECT 1"})
	if err == nil {
		t.Fatal("expected Unauthorized for an ungranted caller")
	}
	ee, ok := service.AsEngineError(err)
	if !ok || ee.Code != service.CodeUnauthorized {
		t.Fatalf("error = %v, want UNAUTHORIZED", err)
	}
}

func TestExecute_GrantedWriteCannotEditACLTable(t *testing.T) {
	inst := newTestInstance(t)

	if _, err := inst.Execute(ExecuteRequest{
		Caller: "0xowner",
		SQL:    `INSERT INTO __acl (grantee, permission, grantedAt, expiresAt) VALUES (?, ?, strftime('%s','now')*1000000000, NULL)`,
		Params: []model.Value{
			{Kind: model.KindText, Text: "0xgrantee"},
			{Kind: model.KindText, Text: string(model.PermissionWrite)},
		},
	}); err != nil {
		t.Fatalf("owner grant: %v", err)
	}

	if _, err := inst.Execute(ExecuteRequest{
		Caller: "0xgrantee",
		SQL:    "CREATE TABLE t (v TEXT)",
	}); err != nil {
		t.Fatalf("grantee write on ordinary table: %v", err)
	}

	_, err := inst.Execute(ExecuteRequest{
		Caller: "0xgrantee",
		SQL:    `INSERT INTO __acl (grantee, permission, grantedAt, expiresAt) VALUES ('0xother', 'write', 0, NULL)`,
	})
	if err == nil {
		t.Fatal("expected a write-only grantee to be denied write access to __acl")
	}
	ee, ok := service.AsEngineError(err)
	if !ok || ee.Code != service.CodeUnauthorized {
		t.Fatalf("error = %v, want UNAUTHORIZED", err)
	}

	_, err = inst.Execute(ExecuteRequest{Caller: "0xgrantee", SQL: "SELECT * FROM __acl"})
	if err == nil {
		t.Fatal("expected a write-only grantee to be denied read access to __acl too")
	}
	ee, ok = service.AsEngineError(err)
	if !ok || ee.Code != service.CodeUnauthorized {
		t.Fatalf("error = %v, want UNAUTHORIZED", err)
	}
}

func TestExecute_AdminGranteeCanEditACLTable(t *testing.T) {
	inst := newTestInstance(t)

	if _, err := inst.Execute(ExecuteRequest{
		Caller: "0xowner",
		SQL:    `INSERT INTO __acl (grantee, permission, grantedAt, expiresAt) VALUES (?, ?, strftime('%s','now')*1000000000, NULL)`,
		Params: []model.Value{
			{Kind: model.KindText, Text: "0xadmin"},
			{Kind: model.KindText, Text: string(model.PermissionAdmin)},
		},
	}); err != nil {
		t.Fatalf("owner grant admin: %v", err)
	}

	if _, err := inst.Execute(ExecuteRequest{
		Caller: "0xadmin",
		SQL:    `DELETE FROM __acl WHERE grantee = '0xadmin'`,
	}); err != nil {
		t.Fatalf("admin grantee should be able to edit __acl: %v", err)
	}
}

func TestExecute_MutatingRejectedOnReplica(t *testing.T) {
	inst := newTestInstance(t)
	inst.SetRole(model.RoleReplica)

	_, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "CREATE TABLE t (v TEXT)"})
	if err == nil {
		t.Fatal("expected WriteOnReplica for a mutating statement on a replica")
	}
	ee, ok := service.AsEngineError(err)
	if !ok || ee.Code != service.CodeWriteOnReplica {
		t.Fatalf("error = %v, want WRITE_ON_REPLICA", err)
	}
}

func TestExecute_ReadAllowedOnReplicaWhenOwner(t *testing.T) {
	inst := newTestInstance(t)
	if _, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "CREATE TABLE t (v TEXT)"}); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	inst.SetRole(model.RoleReplica)

	if _, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "SELECT * FROM t"}); err != nil {
		t.Fatalf("SELECT on replica should be allowed: %v", err)
	}
}

func TestExecute_RequiredWALPositionGate(t *testing.T) {
	inst := newTestInstance(t)
	if _, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "CREATE TABLE t (v TEXT)"}); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}

	_, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "SELECT * FROM t", RequiredWALPosition: 5})
	if err == nil {
		t.Fatal("expected ReplicationLag when the required WAL position hasn't been reached")
	}
	ee, ok := service.AsEngineError(err)
	if !ok || ee.Code != service.CodeReplicationLag {
		t.Fatalf("error = %v, want REPLICATION_LAG", err)
	}

	if _, err := inst.Execute(ExecuteRequest{Caller: "0xowner", SQL: "SELECT * FROM t", RequiredWALPosition: 1}); err != nil {
		t.Fatalf("expected RequiredWALPosition already met to succeed: %v", err)
	}
}
