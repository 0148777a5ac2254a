// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/realmhq/realmd/internal/realm/hostres"
	"github.com/realmhq/realmd/internal/realm/kvmtool"
	"github.com/realmhq/realmd/internal/realm/measure"
	"github.com/realmhq/realmd/internal/realm/orchestrator"
	"github.com/realmhq/realmd/internal/server/app"
	"github.com/realmhq/realmd/internal/server/config"
	"github.com/realmhq/realmd/internal/server/db/sqlite"
	"github.com/realmhq/realmd/internal/server/eventbus/memory"
	"github.com/realmhq/realmd/internal/server/httpapi"
	"github.com/realmhq/realmd/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("realmd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}

	table := hostres.NewTable(cfg.HostCPUs, cfg.GuestMemoryPoolBytes)
	launcher := kvmtool.New(cfg.HypervisorBinary, cfg.RuntimeDir, cfg.LogDir)
	events := memory.New()

	engine, err := orchestrator.New(orchestrator.Params{
		Store:            store,
		Logger:           logger,
		Table:            table,
		Hypervisor:       launcher,
		Bus:              events,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	if err != nil {
		logger.Error("init orchestrator", "error", err)
		os.Exit(1)
	}

	binder := measure.NewBinder(measure.FileSource{}, measure.AllAlgorithms{})
	handler := httpapi.New(logger, engine, binder, events)

	daemon, err := app.New(cfg, logger, store, engine, events, handler)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
