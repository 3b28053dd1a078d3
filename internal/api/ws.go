package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sqlitefleet/engine/internal/events"
	"github.com/sqlitefleet/engine/internal/service"
)

// HandleWatch backs GET /v2/db/{databaseID}/watch: a WebSocket stream of
// Event Bus events scoped to one Database, for clients that want live
// replication/audit/failover notifications instead of polling /v2/node.
func HandleWatch(registry DatabaseRegistry, bus *events.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		databaseID, ok := databaseIDOrWriteInvalid(w, r)
		if !ok {
			return
		}
		if _, ok := registry.Get(databaseID); !ok {
			writeServiceError(w, service.NotFound("database %s not found on this node", databaseID))
			return
		}
		if bus == nil {
			writeServiceError(w, service.New(service.CodeInternal, "event bus unavailable"))
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		sub := bus.Subscribe()
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "client disconnected")
				return
			case ev, open := <-sub.Events():
				if !open {
					c.Close(websocket.StatusNormalClosure, "subscription closed")
					return
				}
				if ev.DatabaseID != "" && ev.DatabaseID != databaseID {
					continue
				}
				if err := wsjson.Write(ctx, c, ev); err != nil {
					return
				}
			}
		}
	}
}
