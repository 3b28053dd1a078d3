// Package noderuntime implements the Node Runtime: the process-level owner
// of every Database Instance hosted on this Node, the Node's identity and
// heartbeat lifecycle, peer discovery, and the background schedules that
// keep replication, audits, and WAL housekeeping moving. It is the concrete
// type the HTTP API layer (internal/api) dispatches requests against.
package noderuntime

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/sqlitefleet/engine/internal/api"
	"github.com/sqlitefleet/engine/internal/audit"
	"github.com/sqlitefleet/engine/internal/buildinfo"
	"github.com/sqlitefleet/engine/internal/catalog"
	"github.com/sqlitefleet/engine/internal/config"
	"github.com/sqlitefleet/engine/internal/dbinstance"
	"github.com/sqlitefleet/engine/internal/events"
	"github.com/sqlitefleet/engine/internal/geoip"
	"github.com/sqlitefleet/engine/internal/idhash"
	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/peerlatency"
	"github.com/sqlitefleet/engine/internal/registry"
	"github.com/sqlitefleet/engine/internal/replication"
	"github.com/sqlitefleet/engine/internal/service"
	"github.com/sqlitefleet/engine/internal/tee"
)

// heartbeatInterval and maxMissedHeartbeats implement spec §4.5's "10s
// heartbeat, 3 missed beats transitions the Node to Offline" rule.
const (
	heartbeatInterval   = 10 * time.Second
	maxMissedHeartbeats = 3
	checkpointSchedule  = "@every 15m"
)

// Runtime is the Node Runtime. It satisfies internal/api.DatabaseRegistry.
type Runtime struct {
	envCfg  *config.EnvConfig
	nodeCfg *config.NodeConfig
	nodeID  string

	dbs   *xsync.Map[string, *dbinstance.Instance]
	peers *xsync.Map[string, model.PeerConnection]

	bus          *events.Broker
	repl         *replication.Engine
	auditProto   *audit.Protocol
	teeGate      *tee.Gate
	cat          *catalog.Catalog
	registryCli  *registry.Client
	latencyTable *peerlatency.Table
	prober       *peerlatency.Prober
	geoipSvc     *geoip.Service
	cron         *cron.Cron

	mu               sync.Mutex
	status           model.NodeStatus
	missedHeartbeats int
	startedAt        time.Time

	totalQueries atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Runtime from its dependencies but does not yet start any
// background loop or bind an HTTP listener; call Start for that.
func New(envCfg *config.EnvConfig, nodeCfg *config.NodeConfig) (*Runtime, error) {
	catPath := filepath.Join(envCfg.DataDir, "catalog.db")
	cat, err := catalog.Open(catPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	nodeID := idhash.ForNode(envCfg.OperatorAddress, envCfg.HTTPEndpoint, time.Now().UTC().Format(time.RFC3339Nano)).Hex()

	rt := &Runtime{
		envCfg:       envCfg,
		nodeCfg:      nodeCfg,
		nodeID:       nodeID,
		dbs:          xsync.NewMap[string, *dbinstance.Instance](),
		peers:        xsync.NewMap[string, model.PeerConnection](),
		bus:          events.NewBroker(),
		cat:          cat,
		registryCli:  registry.New(envCfg.RegistryBaseURL, envCfg.RegistryTimeout),
		latencyTable: peerlatency.NewTable(4096),
		geoipSvc:     geoip.NewService(geoip.ServiceConfig{DBPath: envCfg.GeoIPDBPath}),
		status:       model.NodeStatusPending,
	}
	rt.prober = peerlatency.NewProber(rt.latencyTable, envCfg.RegistryTimeout)
	rt.auditProto = audit.New(rt.bus, envCfg.AuditChallengeTimeout)
	rt.teeGate = tee.New(nil)
	rt.repl = replication.New(rt.bus, replication.Config{
		TickInterval:          envCfg.ReplicationTickInterval,
		MaxNearestStalenessMs: envCfg.MaxNearestStalenessMs,
	})

	if err := rt.geoipSvc.Start(); err != nil {
		log.Printf("[noderuntime] geoip service start failed, region tagging degraded: %v", err)
	}
	rt.resolveRegion()

	return rt, nil
}

// resolveRegion fills envCfg.Region from the geoip Service when the operator
// left ENGINE_REGION unset, resolving the host from HTTPEndpoint. Any
// failure (unresolvable host, no database configured) leaves the existing
// RegionGlobal default in place: region tagging is an optimization for
// nearest-replica routing, not a correctness requirement.
func (rt *Runtime) resolveRegion() {
	if rt.envCfg.RegionExplicit || rt.envCfg.HTTPEndpoint == "" {
		return
	}
	host := hostOf(rt.envCfg.HTTPEndpoint)
	ip := resolveIP(host)
	if !ip.IsValid() {
		return
	}
	if region := rt.geoipSvc.Lookup(ip); region != model.RegionGlobal {
		rt.envCfg.Region = region
		log.Printf("[noderuntime] resolved region=%s via geoip", region)
	}
}

// Start runs the Node Runtime's 6-step startup sequence:
//  1. reopen every Database this Node already knows about from the catalog
//  2. register the Node with the external Registry
//  3. load the catalog's cached peers and the node-config bootstrap peer list
//  4. start the heartbeat loop
//  5. start the Replication Engine's tick loop
//  6. start the audit-challenge and WAL-housekeeping cron schedules
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	if err := rt.reopenKnownDatabases(); err != nil {
		return fmt.Errorf("reopen known databases: %w", err)
	}

	rt.mu.Lock()
	rt.status = model.NodeStatusActive
	rt.startedAt = time.Now()
	rt.mu.Unlock()

	if err := rt.registryCli.RegisterNode(ctx, rt.selfNode()); err != nil {
		log.Printf("[noderuntime] registerNode failed, continuing: %v", err)
	}
	rt.bus.Publish(events.Event{Type: events.NodeRegistered, NodeID: rt.nodeID})

	rt.bootstrapPeers(ctx)

	sub := rt.bus.Subscribe()
	events.OnEach(sub, rt.onAuditFailed)

	rt.wg.Add(3)
	go rt.heartbeatLoop(ctx)
	go rt.discoveryLoop(ctx)
	go func() {
		defer rt.wg.Done()
		rt.repl.Run(ctx)
	}()

	if err := rt.startSchedules(); err != nil {
		return fmt.Errorf("start schedules: %w", err)
	}

	log.Printf("[noderuntime] node %s started, region=%s role surface ready", rt.nodeID, rt.envCfg.Region)
	return nil
}

// Shutdown stops every background loop and closes the catalog. It does not
// close individual Database Instances' files beyond what dbinstance.Delete
// already handles; open Instances are simply abandoned to the OS on process
// exit, matching SQLite's crash-safe WAL design.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.cron != nil {
		cronCtx := rt.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("[noderuntime] shutdown grace period elapsed before all loops exited")
	}

	rt.latencyTable.Close()
	rt.geoipSvc.Stop()
	if err := rt.cat.Close(); err != nil {
		log.Printf("[noderuntime] catalog close error: %v", err)
	}
	log.Println("[noderuntime] stopped")
}

// Bus exposes the Event Bus for the HTTP API's watch endpoint.
func (rt *Runtime) Bus() *events.Broker { return rt.bus }

// Replication exposes the Replication Engine for the HTTP API's /v2/node
// status payload and for wiring into main's server construction.
func (rt *Runtime) Replication() *replication.Engine { return rt.repl }

func (rt *Runtime) reopenKnownDatabases() error {
	known, err := rt.cat.ListKnownDatabases()
	if err != nil {
		return err
	}
	for _, kd := range known {
		role := model.RolePrimary
		if kd.PrimaryNodeID != "" && kd.PrimaryNodeID != rt.nodeID {
			role = model.RoleReplica
		}
		inst, err := dbinstance.Open(rt.envCfg.DataDir, model.Database{DatabaseID: kd.DatabaseID, PrimaryNodeID: kd.PrimaryNodeID}, role, rt.teeGate, rt.bus)
		if err != nil {
			log.Printf("[noderuntime] reopen database %s failed, skipping: %v", kd.DatabaseID, err)
			continue
		}
		rt.dbs.Store(kd.DatabaseID, inst)
		if role == model.RoleReplica {
			rt.repl.Register(kd.DatabaseID, inst, "")
		}
	}
	return nil
}

func (rt *Runtime) selfNode() model.Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return model.Node{
		NodeID:          rt.nodeID,
		OperatorAddress: rt.envCfg.OperatorAddress,
		HTTPEndpoint:    rt.envCfg.HTTPEndpoint,
		WSEndpoint:      rt.envCfg.WSEndpoint,
		Region:          rt.envCfg.Region,
		Role:            model.RolePrimary,
		Status:          rt.status,
		Version:         buildinfo.Version,
		StakedAmount:    rt.envCfg.StakedAmount,
		TEEEnabled:      rt.envCfg.TEEEnabled,
		LastHeartbeat:   time.Now(),
		DatabaseCount:   rt.databaseCount(),
		TotalQueries:    rt.totalQueries.Load(),
	}
}

// databaseCount ranges the live map rather than relying on a size accessor,
// matching internal/dbinstance.LiveTransactionCount's count-by-Range idiom
// for the same xsync.Map type.
func (rt *Runtime) databaseCount() int {
	n := 0
	rt.dbs.Range(func(_ string, _ *dbinstance.Instance) bool {
		n++
		return true
	})
	return n
}

// --- internal/api.DatabaseRegistry ---

// Get resolves a Database Instance by id. In dev mode, a miss auto-provisions
// an empty Database under that exact id instead of 404ing, per spec §4.5's
// dev-mode convenience for local testing against an arbitrary client-chosen
// id without a prior explicit create call.
func (rt *Runtime) Get(databaseID string) (*dbinstance.Instance, bool) {
	if inst, ok := rt.dbs.Load(databaseID); ok {
		return inst, true
	}
	if !rt.envCfg.DevMode {
		return nil, false
	}

	inst, err := dbinstance.Create(dbinstance.CreateRequest{
		DataDir:      rt.envCfg.DataDir,
		DatabaseID:   databaseID,
		DisplayName:  "dev-mode-auto-provisioned",
		OwnerAddress: "dev",
		Encryption:   model.EncryptionNone,
		Replication:  model.DefaultReplicationConfig(),
		TEEGate:      rt.teeGate,
		Bus:          rt.bus,
	})
	if err != nil {
		return nil, false
	}
	if err := rt.cat.UpsertKnownDatabase(catalog.KnownDatabase{
		DatabaseID:    databaseID,
		FileName:      databaseID + ".db",
		PrimaryNodeID: rt.nodeID,
		LoadedAt:      time.Now(),
	}); err != nil {
		log.Printf("[noderuntime] persist dev-mode auto-provisioned database %s failed: %v", databaseID, err)
	}
	rt.dbs.Store(databaseID, inst)
	return inst, true
}

// Create provisions a new Database Instance, persists it to the catalog,
// and publishes database:created. databaseID is derived with idhash.ForDatabase
// from the owner, display name, and a random creation nonce, then reformatted
// as a canonical UUID string since every /v2/db/{databaseID} path parameter is
// validated as one; idhash's 128-bit digest and the UUID wire type are both
// 16 bytes, so uuid.FromBytes round-trips the digest without losing entropy.
func (rt *Runtime) Create(req api.CreateDatabaseRequest) (*dbinstance.Instance, error) {
	digest := idhash.ForDatabase(req.OwnerAddress, req.DisplayName, uuid.NewString())
	databaseUUID, err := uuid.FromBytes(digest[:])
	if err != nil {
		return nil, service.Wrap(service.CodeInternal, "derive database id", err)
	}
	databaseID := databaseUUID.String()
	inst, err := dbinstance.Create(dbinstance.CreateRequest{
		DataDir:      rt.envCfg.DataDir,
		DatabaseID:   databaseID,
		DisplayName:  req.DisplayName,
		OwnerAddress: req.OwnerAddress,
		Encryption:   req.Encryption,
		Replication:  req.Replication,
		TEEGate:      rt.teeGate,
		Bus:          rt.bus,
	})
	if err != nil {
		return nil, err
	}

	if err := rt.cat.UpsertKnownDatabase(catalog.KnownDatabase{
		DatabaseID:    databaseID,
		FileName:      databaseID + ".db",
		PrimaryNodeID: rt.nodeID,
		LoadedAt:      time.Now(),
	}); err != nil {
		return nil, service.Wrap(service.CodeStorage, "persist database to catalog", err)
	}

	rt.dbs.Store(databaseID, inst)
	return inst, nil
}

// Delete removes a Database Instance from both the live map and the
// catalog's known-database directory.
func (rt *Runtime) Delete(databaseID string) error {
	inst, ok := rt.dbs.Load(databaseID)
	if !ok {
		return service.NotFound("database %s not found on this node", databaseID)
	}
	if err := inst.Delete(rt.envCfg.DataDir); err != nil {
		return err
	}
	rt.dbs.Delete(databaseID)
	rt.repl.Unregister(databaseID)
	return rt.cat.DeleteKnownDatabase(databaseID)
}

// List returns the durable metadata of every Database Instance hosted here.
func (rt *Runtime) List() []model.Database {
	out := make([]model.Database, 0, rt.databaseCount())
	rt.dbs.Range(func(_ string, inst *dbinstance.Instance) bool {
		out = append(out, inst.Meta())
		return true
	})
	return out
}

// NodeInfo returns this Node's current identity/status snapshot.
func (rt *Runtime) NodeInfo() model.Node {
	return rt.selfNode()
}
