package noderuntime

import (
	"testing"
	"time"

	"github.com/sqlitefleet/engine/internal/api"
	"github.com/sqlitefleet/engine/internal/config"
)

func newTestRuntime(t *testing.T, devMode bool) *Runtime {
	t.Helper()
	envCfg := &config.EnvConfig{
		DataDir:                t.TempDir(),
		OperatorAddress:        "op-1",
		HTTPEndpoint:           "http://127.0.0.1:8181",
		DevMode:                devMode,
		ReplicationTickInterval: time.Second,
		MaxNearestStalenessMs:  2000,
		AuditChallengeTimeout:  5 * time.Second,
		RegistryTimeout:        time.Second,
	}
	rt, err := New(envCfg, &config.NodeConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.cat.Close() })
	return rt
}

func TestCreate_ProducesCanonicalUUID(t *testing.T) {
	rt := newTestRuntime(t, false)

	inst, err := rt.Create(api.CreateDatabaseRequest{DisplayName: "orders", OwnerAddress: "0xabc"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	meta := inst.Meta()
	if _, ok := rt.dbs.Load(meta.DatabaseID); !ok {
		t.Fatal("created database not stored in live map")
	}

	known, err := rt.cat.ListKnownDatabases()
	if err != nil {
		t.Fatalf("ListKnownDatabases: %v", err)
	}
	if len(known) != 1 || known[0].DatabaseID != meta.DatabaseID {
		t.Fatalf("catalog does not reflect created database: %+v", known)
	}
}

func TestGet_MissWithoutDevModeReturnsFalse(t *testing.T) {
	rt := newTestRuntime(t, false)

	if _, ok := rt.Get("does-not-exist"); ok {
		t.Fatal("expected miss for unknown database id with dev mode off")
	}
}

func TestGet_DevModeAutoProvisions(t *testing.T) {
	rt := newTestRuntime(t, true)

	const id = "11111111-1111-1111-1111-111111111111"
	inst, ok := rt.Get(id)
	if !ok {
		t.Fatal("expected dev-mode auto-provisioning to succeed")
	}
	if inst.Meta().DatabaseID != id {
		t.Fatalf("auto-provisioned database id = %q, want %q", inst.Meta().DatabaseID, id)
	}

	again, ok := rt.Get(id)
	if !ok || again != inst {
		t.Fatal("second Get should return the same live instance, not re-provision")
	}
}

func TestDeleteAndList(t *testing.T) {
	rt := newTestRuntime(t, false)

	inst, err := rt.Create(api.CreateDatabaseRequest{DisplayName: "a", OwnerAddress: "owner"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := inst.Meta().DatabaseID

	if got := rt.List(); len(got) != 1 {
		t.Fatalf("List() len = %d, want 1", len(got))
	}

	if err := rt.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := rt.Get(id); ok {
		t.Fatal("deleted database still resolvable")
	}
	if got := rt.List(); len(got) != 0 {
		t.Fatalf("List() after delete len = %d, want 0", len(got))
	}

	known, err := rt.cat.ListKnownDatabases()
	if err != nil {
		t.Fatalf("ListKnownDatabases: %v", err)
	}
	if len(known) != 0 {
		t.Fatalf("catalog still lists deleted database: %+v", known)
	}
}

func TestDelete_UnknownDatabaseNotFound(t *testing.T) {
	rt := newTestRuntime(t, false)
	if err := rt.Delete("missing"); err == nil {
		t.Fatal("expected error deleting unknown database")
	}
}

func TestNodeInfo_ReflectsDatabaseCount(t *testing.T) {
	rt := newTestRuntime(t, false)

	if info := rt.NodeInfo(); info.DatabaseCount != 0 {
		t.Fatalf("DatabaseCount = %d, want 0", info.DatabaseCount)
	}
	if _, err := rt.Create(api.CreateDatabaseRequest{DisplayName: "x", OwnerAddress: "y"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info := rt.NodeInfo(); info.DatabaseCount != 1 {
		t.Fatalf("DatabaseCount = %d, want 1", info.DatabaseCount)
	}
	if rt.NodeInfo().NodeID == "" {
		t.Fatal("expected non-empty node id")
	}
}
