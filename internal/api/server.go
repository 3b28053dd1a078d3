// Package api implements the HTTP API server for the Engine's Node Runtime:
// Database CRUD, statement execution, ACL management, the Vector Index
// Facility, the Replication Engine's WAL-sync pull target, node status, and
// an Event Bus watch stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sqlitefleet/engine/internal/events"
	"github.com/sqlitefleet/engine/internal/replication"
)

// Server wraps the HTTP server and router for the Engine's Node Runtime API.
type Server struct {
	httpServer *http.Server
	router     chi.Router
}

// NewServer wires every route in spec §6's table. registry resolves
// Database Instances by ID; repl backs replication status for /v2/node; bus feeds the
// /v2/db/{id}/watch stream. devMode skips bearer-token auth, matching
// internal/config's ENGINE_DEV_MODE relaxation.
func NewServer(
	port int,
	adminToken string,
	apiMaxBodyBytes int64,
	registry DatabaseRegistry,
	repl *replication.Engine,
	bus *events.Broker,
	devMode bool,
) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", HandleHealthz())
	r.Get("/v1/status", HandleNodeStatus(registry))

	r.Group(func(authed chi.Router) {
		if !devMode {
			authed.Use(func(next http.Handler) http.Handler {
				return AuthMiddleware(adminToken, next)
			})
		}
		authed.Use(func(next http.Handler) http.Handler {
			return RequestBodyLimitMiddleware(apiMaxBodyBytes, next)
		})

		authed.Get("/v2/node", HandleNodeInfo(registry, repl))

		authed.Route("/v2/db", func(db chi.Router) {
			db.Post("/", HandleCreateDatabase(registry))
			db.Route("/{databaseID}", func(one chi.Router) {
				one.Get("/", HandleGetDatabase(registry))
				one.Delete("/", HandleDeleteDatabase(registry))
				one.Post("/execute", HandleExecute(registry))
				one.Post("/batch", HandleBatchExecute(registry))
				one.Post("/replay-token", HandleIssueReplayToken(registry))
				one.Post("/grant", HandleGrant(registry))
				one.Post("/revoke", HandleRevoke(registry))
				one.Get("/acl", HandleListACL(registry))
				one.Get("/wal/sync", HandleWALSync(registry))
				one.Post("/vector/index", HandleVectorCreateIndex(registry))
				one.Post("/vector/insert", HandleVectorInsert(registry))
				one.Post("/vector/search", HandleVectorSearch(registry))
				one.Get("/watch", HandleWatch(registry, bus))
			})
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // watch (websocket) and wal/sync long-poll connections outlive a fixed write deadline
	}

	return &Server{httpServer: srv, router: r}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}
