// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/realmhq/realmd/internal/realm/assemble"
	"github.com/realmhq/realmd/internal/realm/config"
	"github.com/realmhq/realmd/internal/realm/events"
	"github.com/realmhq/realmd/internal/realm/hostres"
	"github.com/realmhq/realmd/internal/realm/kvmtool"
	"github.com/realmhq/realmd/internal/realm/measure"
	"github.com/realmhq/realmd/internal/realm/orchestrator"
	serverconfig "github.com/realmhq/realmd/internal/server/config"
	"github.com/realmhq/realmd/internal/server/db/sqlite"
	"github.com/realmhq/realmd/internal/server/eventbus/memory"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

type launchFlags struct {
	name             string
	raw              config.RawConfig
	handshakeTimeout time.Duration
}

func newRootCmd() *cobra.Command {
	flags := &launchFlags{}

	cmd := &cobra.Command{
		Use:   "realm-launch",
		Short: "Launch a single confidential realm in the foreground",
		Long: "realm-launch validates a boot configuration, binds its measurement\n" +
			"record, and boots the guest with kvmtool, blocking until the guest\n" +
			"exits or the process is interrupted.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.name, "name", "", "launch name (default: generated)")
	cmd.Flags().BoolVar(&flags.raw.Debug, "debug", false, "verbose logging")
	cmd.Flags().BoolVar(&flags.raw.Realm, "realm", false, "boot as a confidential realm")
	cmd.Flags().StringVar(&flags.raw.MeasurementAlgo, "measurement-algo", "sha256", "measurement algorithm (sha256|sha384|sha512|none)")
	cmd.Flags().StringVar(&flags.raw.VCPUAffinity, "vcpu-affinity", "", "host CPU list to pin to, e.g. 0-3,8")
	cmd.Flags().StringVar(&flags.raw.MemorySize, "mem", "256M", "guest memory size")
	cmd.Flags().IntVar(&flags.raw.VCPUs, "cpus", 1, "number of virtual CPUs")
	cmd.Flags().StringVar(&flags.raw.KernelPath, "kernel", "", "kernel image path")
	cmd.Flags().StringVar(&flags.raw.InitrdPath, "initrd", "", "initrd image path")
	cmd.Flags().StringVar(&flags.raw.Console, "console", "serial", "console kind (serial|virtio|none)")
	cmd.Flags().StringVar(&flags.raw.Cmdline, "params", "", "kernel boot parameters")
	cmd.Flags().StringVar(&flags.raw.IRQChip, "irqchip", "", "interrupt controller model")
	cmd.Flags().StringVar(&flags.raw.RealmPV, "realm-pv", "", "privacy mode token merged into the boot parameters")
	cmd.Flags().DurationVar(&flags.handshakeTimeout, "handshake-timeout", 0, "bounded wait for the guest boot signal")
	_ = cmd.MarkFlagRequired("kernel")
	_ = cmd.MarkFlagRequired("initrd")

	return cmd
}

// runLaunch drives the full pipeline for one foreground launch and blocks
// until the guest exits.
func runLaunch(ctx context.Context, flags *launchFlags) error {
	logger := newLogger(flags.raw.Debug)

	srvCfg, err := serverconfig.FromEnv()
	if err != nil {
		return err
	}

	validated, err := config.Validate(flags.raw)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			for _, v := range cfgErr.Violations {
				logger.Error("invalid boot configuration", "field", v.Field, "reason", v.Reason)
			}
		}
		return err
	}

	desc, err := assemble.Assemble(validated)
	if err != nil {
		return err
	}

	binder := measure.NewBinder(measure.FileSource{}, measure.AllAlgorithms{})
	record, err := binder.Bind(ctx, desc)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, srvCfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = store.Close(closeCtx)
	}()

	bus := memory.New()
	engine, err := orchestrator.New(orchestrator.Params{
		Store:            store,
		Logger:           logger,
		Table:            hostres.NewTable(srvCfg.HostCPUs, srvCfg.GuestMemoryPoolBytes),
		Hypervisor:       kvmtool.New(srvCfg.HypervisorBinary, srvCfg.RuntimeDir, srvCfg.LogDir),
		Bus:              bus,
		HandshakeTimeout: srvCfg.HandshakeTimeout,
	})
	if err != nil {
		return err
	}

	name := flags.name
	if name == "" {
		name = "realm-" + strings.Split(uuid.NewString(), "-")[0]
	}

	// Subscribe before launching so the exit event cannot be missed.
	eventsCh := make(chan any, 16)
	unsubscribe, err := bus.Subscribe(events.TopicRealmEvents, eventsCh)
	if err != nil {
		return err
	}
	defer unsubscribe()

	outcome, err := engine.Launch(ctx, orchestrator.LaunchRequest{
		Name:             name,
		Descriptor:       desc,
		Record:           record,
		HandshakeTimeout: flags.handshakeTimeout,
	})
	if err != nil {
		return err
	}

	logger.Info("boot handshake complete",
		"name", outcome.Name,
		"session_id", outcome.SessionID,
		"pid", outcome.PID,
		"cmdline", outcome.Cmdline,
	)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer stopCancel()
			if err := engine.Stop(stopCtx); err != nil {
				logger.Error("stop engine", "error", err)
			}
			return ctx.Err()
		case payload := <-eventsCh:
			event, ok := payload.(events.RealmEvent)
			if !ok || event.Name != name {
				continue
			}
			switch event.Type {
			case events.TypeRealmStopped:
				logger.Info("guest exited", "name", name)
				return nil
			case events.TypeRealmCrashed:
				return fmt.Errorf("guest crashed: %s", event.Message)
			}
		}
	}
}

// newLogger writes human-readable logs on a terminal and JSON otherwise.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("component", "realm-launch")
}
