package noderuntime

import (
	"context"
	"log"
	"time"

	"github.com/sqlitefleet/engine/internal/events"
	"github.com/sqlitefleet/engine/internal/model"
)

// heartbeatLoop reports liveness to the Registry every heartbeatInterval.
// maxMissedHeartbeats consecutive failures transition the Node to Offline;
// a subsequent success transitions it back to Active. A Client in offline
// mode (no ENGINE_REGISTRY_BASE_URL configured) never fails, so an
// unconfigured Registry never drives this Node offline on its own.
func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	defer rt.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.beat(ctx)
		}
	}
}

func (rt *Runtime) beat(ctx context.Context) {
	err := rt.registryCli.Heartbeat(ctx, rt.nodeID, rt.databaseCount(), rt.totalQueries.Load())

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err != nil {
		rt.missedHeartbeats++
		log.Printf("[noderuntime] heartbeat %d/%d failed: %v", rt.missedHeartbeats, maxMissedHeartbeats, err)
		if rt.missedHeartbeats >= maxMissedHeartbeats && rt.status != model.NodeStatusOffline {
			rt.status = model.NodeStatusOffline
			rt.bus.Publish(events.Event{Type: events.NodeOffline, NodeID: rt.nodeID})
			log.Printf("[noderuntime] node %s marked offline after %d missed heartbeats", rt.nodeID, rt.missedHeartbeats)
		}
		return
	}

	wasOffline := rt.status == model.NodeStatusOffline
	rt.missedHeartbeats = 0
	rt.status = model.NodeStatusActive
	rt.bus.Publish(events.Event{Type: events.NodeHeartbeat, NodeID: rt.nodeID})
	if wasOffline {
		log.Printf("[noderuntime] node %s back online", rt.nodeID)
	}
}
