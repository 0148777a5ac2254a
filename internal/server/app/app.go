// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/realmhq/realmd/internal/realm/orchestrator"
	"github.com/realmhq/realmd/internal/server/config"
	"github.com/realmhq/realmd/internal/server/db"
	"github.com/realmhq/realmd/internal/server/eventbus"
)

// App wires the config, persistence, orchestrator, and HTTP transport.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	store        db.Store
	engine       orchestrator.Engine
	events       eventbus.Bus
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application.
func New(cfg config.ServerConfig, logger *slog.Logger, store db.Store, engine orchestrator.Engine, events eventbus.Bus, handler http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("orchestrator engine must not be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("http handler must not be nil")
	}

	httpServer := &http.Server{
		Addr:         cfg.APIListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		engine:       engine,
		events:       events,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation. On
// shutdown every running launch is terminated and its host resources
// released before the store closes.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		if err := a.engine.Stop(shutdownCtx); err != nil {
			a.logger.Error("engine stop", "error", err)
		}
		if a.store != nil {
			if err := a.store.Close(shutdownCtx); err != nil {
				a.logger.Error("store close", "error", err)
			}
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (a *App) Store() db.Store {
	if a.engine != nil && a.engine.Store() != nil {
		return a.engine.Store()
	}
	return a.store
}
