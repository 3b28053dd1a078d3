// Package replication implements the Replication Engine: a per-Database
// tick loop that pulls WAL entries from a Primary's /wal/sync endpoint,
// verifies and applies them, and tracks replication status for read routing.
package replication

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/maypok86/otter"

	"github.com/sqlitefleet/engine/internal/dbinstance"
	"github.com/sqlitefleet/engine/internal/events"
	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/wal"
)

// Status is the cached replication status for one Database on this Node.
type Status struct {
	WALPosition int64
	LagEntries  int64
	LastSyncAt  time.Time
	Syncing     bool
}

// Config controls the Replication Engine's tick cadence and staleness SLA.
type Config struct {
	TickInterval           time.Duration
	RequestTimeout         time.Duration
	MaxNearestStalenessMs  int64
}

// DefaultConfig returns the Engine's default replication tuning. The 2000ms
// staleness bound is derived as 2x the default 1s tick interval, per
// DESIGN.md's Open Question 3 decision.
func DefaultConfig() Config {
	return Config{
		TickInterval:          1 * time.Second,
		RequestTimeout:        10 * time.Second,
		MaxNearestStalenessMs: 2000,
	}
}

// replicaSet tracks one Replica Database's sync state.
type replicaSet struct {
	instance       *dbinstance.Instance
	primaryEndpoint string
	inFlight       bool
}

// Engine drives replication ticks for every Replica Database Instance
// registered with it.
type Engine struct {
	cfg    Config
	client *http.Client
	bus    *events.Broker

	mu    sync.Mutex
	sets  map[string]*replicaSet

	status otter.Cache[string, Status]
}

// New creates a Replication Engine. bus may be nil in tests that don't care
// about replication:synced/lagging notifications.
func New(bus *events.Broker, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg = DefaultConfig()
	}
	cache, err := otter.MustBuilder[string, Status](4096).
		Cost(func(_ string, _ Status) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("replication: failed to build status cache: " + err.Error())
	}
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		bus:    bus,
		sets:   make(map[string]*replicaSet),
		status: cache,
	}
}

// Register adds a Replica Database Instance to the tick loop.
func (e *Engine) Register(databaseID string, inst *dbinstance.Instance, primaryEndpoint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sets[databaseID] = &replicaSet{instance: inst, primaryEndpoint: primaryEndpoint}
}

// Unregister removes a Database from the tick loop, e.g. on deletion or
// promotion to Primary.
func (e *Engine) Unregister(databaseID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sets, databaseID)
}

// Run drives the tick loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tickAll(ctx)
		}
	}
}

func (e *Engine) tickAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sets))
	for id := range e.sets {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		go e.tickOne(ctx, id)
	}
}

// tickOne runs the 5-step replication tick for one Database:
//  1. Back-pressure check: skip if a sync is already in flight for this Database.
//  2. Determine the Replica's current head position.
//  3. Pull WAL entries after that position from the Primary's /wal/sync endpoint.
//  4. Verify the hash chain and apply the batch to the Replica's Storage Adapter.
//  5. Update the cached replication status and re-tick immediately if more remain.
func (e *Engine) tickOne(ctx context.Context, databaseID string) {
	e.mu.Lock()
	rs, ok := e.sets[databaseID]
	if !ok || rs.inFlight {
		e.mu.Unlock()
		return
	}
	rs.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		rs.inFlight = false
		e.mu.Unlock()
	}()

	for {
		hasMore, err := e.syncOnce(ctx, databaseID, rs)
		if err != nil {
			prev, _ := e.status.Get(databaseID)
			prev.Syncing = false
			e.status.Set(databaseID, prev)
			if e.bus != nil {
				e.bus.Publish(events.Event{
					Type:       events.ReplicationLagging,
					DatabaseID: databaseID,
					Data:       err.Error(),
				})
			}
			return
		}
		if !hasMore {
			return
		}
	}
}

func (e *Engine) syncOnce(ctx context.Context, databaseID string, rs *replicaSet) (bool, error) {
	fromPos, err := rs.instance.Journal().HeadPosition()
	if err != nil {
		return false, err
	}

	e.status.Set(databaseID, Status{WALPosition: fromPos, Syncing: true})

	fetched, err := e.fetchRange(ctx, rs.primaryEndpoint, databaseID, fromPos)
	if err != nil {
		return false, err
	}
	if len(fetched.Entries) == 0 {
		e.status.Set(databaseID, Status{WALPosition: fromPos, LagEntries: 0, LastSyncAt: time.Now()})
		return false, nil
	}

	// Applied directly against the shared ApplyBatch transaction: the
	// Storage Adapter handle holds a single connection (§5), so routing
	// this through Instance.Execute would both contend for that
	// connection (deadlock, since ApplyBatch's tx already holds it) and
	// re-journal an entry ApplyBatch is already inserting. ACL and role
	// checks don't apply here either: a replicated entry already passed
	// them once, on the Primary, before it was appended.
	applier := func(tx *sql.Tx, sqlText string, params []model.Value) error {
		_, err := tx.Exec(sqlText, nativeArgs(params)...)
		if err != nil {
			return service.StorageError(err)
		}
		return nil
	}
	applied, err := rs.instance.Journal().ApplyBatch(fetched.Entries, applier)
	if err != nil {
		return false, err
	}

	newPos := fromPos
	if applied > 0 {
		newPos = fetched.Entries[applied-1].Position
	}
	lag := fetched.CurrentPos - newPos
	e.status.Set(databaseID, Status{WALPosition: newPos, LagEntries: lag, LastSyncAt: time.Now()})

	if applied > 0 && e.bus != nil {
		e.bus.Publish(events.Event{
			Type:       events.ReplicationSynced,
			DatabaseID: databaseID,
			Data:       SyncedData{Count: applied, Position: newPos},
		})
	}

	return fetched.HasMore, nil
}

// SyncedData is the Event.Data payload carried on a replication:synced event.
type SyncedData struct {
	Count    int
	Position int64
}

func nativeArgs(params []model.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Native()
	}
	return args
}

func (e *Engine) fetchRange(ctx context.Context, primaryEndpoint, databaseID string, fromPos int64) (wal.FetchResult, error) {
	url := fmt.Sprintf("%s/v2/db/%s/wal/sync?from=%d", primaryEndpoint, databaseID, fromPos)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return wal.FetchResult{}, service.Wrap(service.CodeInternal, "build wal sync request", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := e.client.Do(req)
	if err != nil {
		return wal.FetchResult{}, service.Timeout("wal sync request to %s failed: %v", primaryEndpoint, err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return wal.FetchResult{}, service.Wrap(service.CodeStorage, "decompress wal sync response", err)
		}
		defer gz.Close()
		body = gz
	}

	if resp.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(body)
		return wal.FetchResult{}, service.Wrap(service.CodeStorage, fmt.Sprintf("wal sync returned %d: %s", resp.StatusCode, string(bytes.TrimSpace(buf))), nil)
	}

	var result wal.FetchResult
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return wal.FetchResult{}, service.Wrap(service.CodeInternal, "decode wal sync response", err)
	}
	return result, nil
}

// GetStatus returns the cached replication status for databaseID.
func (e *Engine) GetStatus(databaseID string) (Status, bool) {
	return e.status.Get(databaseID)
}

// Fresh reports whether a Replica's last sync is within MaxNearestStalenessMs,
// the bound used to decide whether a Nearest/Any read may be served locally
// (DESIGN.md Open Question 3).
func (e *Engine) Fresh(databaseID string) bool {
	st, ok := e.status.Get(databaseID)
	if !ok {
		return false
	}
	return time.Since(st.LastSyncAt) <= time.Duration(e.cfg.MaxNearestStalenessMs)*time.Millisecond
}

// RoutePreference resolves which role should serve a read for pref, given
// whether this Node holds the Primary or a Replica for the Database. It
// returns an error when Nearest/Any cannot be served within the staleness
// bound and no Primary is reachable locally.
func RoutePreference(pref model.ReadPreference, isPrimaryHere bool, freshReplica bool, databaseID string, replicaHeadPos int64) error {
	switch pref {
	case model.ReadPreferencePrimary:
		if !isPrimaryHere {
			return service.InvalidRequest("readPreference=primary requires routing to the Primary node")
		}
		return nil
	case model.ReadPreferenceNearest, model.ReadPreferenceAny:
		if isPrimaryHere || freshReplica {
			return nil
		}
		return service.ReplicationLag(replicaHeadPos, -1)
	default:
		return nil
	}
}
