package api

import (
	"net/http"

	"github.com/sqlitefleet/engine/internal/replication"
)

// HandleNodeStatus backs GET /v1/status: a lightweight liveness/identity
// probe distinct from /v2/node's full fleet-facing payload.
func HandleNodeStatus(registry DatabaseRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := registry.NodeInfo()
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"node_id":        n.NodeID,
			"role":           n.Role,
			"region":         n.Region,
			"database_count": n.DatabaseCount,
		})
	}
}

// nodeInfoResponse is the GET /v2/node payload: the Node's registry record
// plus the per-Database replication status the Replication Engine tracks
// locally, used by peers deciding routing and by the Registry's heartbeat
// reconciliation.
type nodeInfoResponse struct {
	Node           any                            `json:"node"`
	Databases      []any                          `json:"databases"`
	Replication    map[string]replication.Status  `json:"replication"`
}

// HandleNodeInfo backs GET /v2/node.
func HandleNodeInfo(registry DatabaseRegistry, repl *replication.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := registry.NodeInfo()
		dbs := registry.List()

		statuses := make(map[string]replication.Status, len(dbs))
		for _, d := range dbs {
			if repl == nil {
				continue
			}
			if st, ok := repl.GetStatus(d.DatabaseID); ok {
				statuses[d.DatabaseID] = st
			}
		}

		dbAny := make([]any, len(dbs))
		for i, d := range dbs {
			dbAny[i] = d
		}

		WriteJSON(w, http.StatusOK, nodeInfoResponse{
			Node:        n,
			Databases:   dbAny,
			Replication: statuses,
		})
	}
}
