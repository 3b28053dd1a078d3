// Package app wires a Node's process-level lifecycle: load configuration,
// assemble the Node Runtime and HTTP API server, run until a shutdown
// signal or a fatal server error arrives, then shut both down within a
// bounded grace period.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sqlitefleet/engine/internal/api"
	"github.com/sqlitefleet/engine/internal/config"
	"github.com/sqlitefleet/engine/internal/noderuntime"
)

const shutdownGracePeriod = 10 * time.Second

// App owns one Node's Runtime and HTTP API server for the lifetime of the
// process.
type App struct {
	envCfg *config.EnvConfig
	rt     *noderuntime.Runtime
	srv    *api.Server
}

// New loads configuration and assembles the Runtime and API server without
// starting either.
func New() (*App, error) {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return nil, &ConfigError{err: err}
	}
	nodeCfg, err := config.LoadNodeConfig(envCfg.NodeConfigPath)
	if err != nil {
		return nil, &ConfigError{err: err}
	}

	rt, err := noderuntime.New(envCfg, nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("assemble node runtime: %w", err)
	}

	srv := api.NewServer(
		envCfg.ListenPort,
		envCfg.BearerToken,
		int64(envCfg.APIMaxBodyBytes),
		rt,
		rt.Replication(),
		rt.Bus(),
		envCfg.DevMode,
	)

	return &App{envCfg: envCfg, rt: rt, srv: srv}, nil
}

// ConfigError wraps a configuration load/validation failure so Run can map
// it to the spec's exit code 2.
type ConfigError struct{ err error }

func (e *ConfigError) Error() string { return e.err.Error() }
func (e *ConfigError) Unwrap() error { return e.err }

// Run starts the Node Runtime and HTTP server, blocks until a shutdown
// signal (SIGINT/SIGTERM) or a fatal server error, then shuts both down.
// It returns the runtime error that triggered shutdown, if any.
func Run() error {
	a, err := New()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.rt.Start(ctx); err != nil {
		return fmt.Errorf("start node runtime: %w", err)
	}

	serverErrCh := a.startServer()
	runtimeErr := waitForShutdown(serverErrCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()
	a.shutdown(shutdownCtx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func (a *App) startServer() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[app] api server listening on :%d", a.envCfg.ListenPort)
		err := a.srv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}()
	return errCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("[app] received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("[app] api server error, shutting down: %v", err)
		return err
	}
}

func (a *App) shutdown(ctx context.Context) {
	if err := a.srv.Shutdown(ctx); err != nil {
		log.Printf("[app] api server shutdown error: %v", err)
	}
	a.rt.Shutdown(ctx)
}
