package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sqlitefleet/engine/internal/dbinstance"
	"github.com/sqlitefleet/engine/internal/events"
	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/tee"
)

const testDatabaseID = "22222222-2222-2222-2222-222222222222"

func newPrimary(t *testing.T) *dbinstance.Instance {
	t.Helper()
	inst, err := dbinstance.Create(dbinstance.CreateRequest{
		DataDir:      t.TempDir(),
		DatabaseID:   testDatabaseID,
		DisplayName:  "orders",
		OwnerAddress: "0xowner",
		TEEGate:      tee.New(nil),
	})
	if err != nil {
		t.Fatalf("Create primary: %v", err)
	}
	t.Cleanup(func() { inst.Handle().Close() })
	return inst
}

func newReplica(t *testing.T) *dbinstance.Instance {
	t.Helper()
	inst, err := dbinstance.Create(dbinstance.CreateRequest{
		DataDir:      t.TempDir(),
		DatabaseID:   testDatabaseID + "-replica",
		DisplayName:  "orders",
		OwnerAddress: "0xowner",
		TEEGate:      tee.New(nil),
	})
	if err != nil {
		t.Fatalf("Create replica: %v", err)
	}
	inst.SetRole(model.RoleReplica)
	t.Cleanup(func() { inst.Handle().Close() })
	return inst
}

func newSyncServer(t *testing.T, primary *dbinstance.Instance) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		result, err := primary.Journal().FetchRange(from, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}))
}

func TestSyncOnce_ReplicaCatchesUpAndEmitsSyncedEvent(t *testing.T) {
	primary := newPrimary(t)
	for i, sql := range []string{
		"CREATE TABLE orders (id INTEGER)",
		"INSERT INTO orders VALUES (1)",
		"INSERT INTO orders VALUES (2)",
		"INSERT INTO orders VALUES (3)",
		"INSERT INTO orders VALUES (4)",
	} {
		if _, err := primary.Execute(dbinstance.ExecuteRequest{Caller: "0xowner", SQL: sql}); err != nil {
			t.Fatalf("seed statement %d: %v", i, err)
		}
	}
	headPos, err := primary.Journal().HeadPosition()
	if err != nil {
		t.Fatalf("HeadPosition: %v", err)
	}
	if headPos != 5 {
		t.Fatalf("primary head = %d, want 5", headPos)
	}

	server := newSyncServer(t, primary)
	defer server.Close()

	replica := newReplica(t)
	bus := events.NewBroker()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	engine := New(bus, Config{TickInterval: time.Second, RequestTimeout: 5 * time.Second})
	engine.Register(testDatabaseID, replica, server.URL)

	engine.tickOne(context.Background(), testDatabaseID)

	newHead, err := replica.Journal().HeadPosition()
	if err != nil {
		t.Fatalf("replica HeadPosition: %v", err)
	}
	if newHead != 5 {
		t.Fatalf("replica head = %d, want 5", newHead)
	}

	status, ok := engine.GetStatus(testDatabaseID)
	if !ok {
		t.Fatal("expected a cached status after sync")
	}
	if status.LagEntries != 0 {
		t.Fatalf("LagEntries = %d, want 0", status.LagEntries)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != events.ReplicationSynced {
			t.Fatalf("event type = %s, want replication:synced", ev.Type)
		}
		data, ok := ev.Data.(SyncedData)
		if !ok {
			t.Fatalf("event data type = %T, want SyncedData", ev.Data)
		}
		if data.Count != 5 {
			t.Fatalf("synced count = %d, want 5", data.Count)
		}
	default:
		t.Fatal("expected a replication:synced event on the bus")
	}
}
