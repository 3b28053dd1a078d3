package noderuntime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/sqlitefleet/engine/internal/model"
)

// discoveryInterval controls how often known peers are re-probed for
// liveness and latency, independent of the heartbeat loop's own cadence.
const discoveryInterval = 30 * time.Second

// peerStatusResponse mirrors internal/api.HandleNodeStatus's payload; it is
// redeclared here rather than imported to avoid discovery depending on the
// wire shape of a handler it does not call directly.
type peerStatusResponse struct {
	NodeID        string `json:"node_id"`
	Role          string `json:"role"`
	Region        string `json:"region"`
	DatabaseCount int    `json:"database_count"`
}

// bootstrapPeers seeds the peer table from the node-config file's
// bootstrap_peers list and from the catalog's cached peers, then probes
// each once so the first /v2/node response already has fresh data.
func (rt *Runtime) bootstrapPeers(ctx context.Context) {
	cached, err := rt.cat.ListPeers()
	if err != nil {
		log.Printf("[noderuntime] load cached peers failed: %v", err)
	}
	for _, p := range cached {
		rt.peers.Store(p.NodeID, p)
	}

	for _, endpoint := range rt.nodeCfg.BootstrapPeers {
		rt.probePeerEndpoint(ctx, endpoint)
	}
}

// discoveryLoop periodically re-probes every known peer endpoint.
func (rt *Runtime) discoveryLoop(ctx context.Context) {
	defer rt.wg.Done()

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.peers.Range(func(_ string, p model.PeerConnection) bool {
				rt.probePeerEndpoint(ctx, p.HTTPEndpoint)
				return true
			})
		}
	}
}

// probePeerEndpoint fetches a peer's /v1/status, records an ICMP latency
// sample for its host, and upserts the resulting PeerConnection into both
// the live map and the catalog. A peer that cannot be reached is left
// Connected=false rather than removed, matching soft-state semantics.
func (rt *Runtime) probePeerEndpoint(ctx context.Context, httpEndpoint string) {
	if httpEndpoint == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, rt.envCfg.RegistryTimeout)
	defer cancel()

	client := &http.Client{Timeout: rt.envCfg.RegistryTimeout}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, httpEndpoint+"/v1/status", nil)
	if err != nil {
		return
	}

	resp, err := client.Do(req)
	conn := model.PeerConnection{HTTPEndpoint: httpEndpoint, LastPing: time.Now()}
	if err != nil {
		conn.Connected = false
		if u, parseErr := url.Parse(httpEndpoint); parseErr == nil {
			if existing, ok := rt.latencyLookup(u.Hostname()); ok {
				conn.LatencyMs = existing
			}
		}
		rt.peers.Store(httpEndpoint, conn)
		return
	}
	defer resp.Body.Close()

	var status peerStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return
	}

	conn.NodeID = status.NodeID
	conn.Role = model.NodeRole(status.Role)
	conn.Connected = true

	if u, parseErr := url.Parse(httpEndpoint); parseErr == nil {
		go rt.probeLatency(u.Hostname())
		if sample, ok := rt.latencyTable.Get(u.Hostname()); ok {
			conn.LatencyMs = sample.LatencyMs
		}
	}

	key := status.NodeID
	if key == "" {
		key = httpEndpoint
	}
	rt.peers.Store(key, conn)
	if err := rt.cat.UpsertPeer(conn); err != nil {
		log.Printf("[noderuntime] persist peer %s failed: %v", key, err)
	}
}

func (rt *Runtime) probeLatency(host string) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.envCfg.RegistryTimeout)
	defer cancel()
	if err := rt.prober.Probe(ctx, host); err != nil {
		log.Printf("[noderuntime] latency probe to %s failed (continuing without it): %v", host, err)
	}
}

func (rt *Runtime) latencyLookup(host string) (float64, bool) {
	sample, ok := rt.latencyTable.Get(host)
	if !ok {
		return 0, false
	}
	return sample.LatencyMs, true
}
