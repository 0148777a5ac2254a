// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package assemble

import (
	"errors"
	"reflect"
	"testing"

	"github.com/realmhq/realmd/internal/realm/config"
)

func validated(t *testing.T) config.ValidatedConfig {
	t.Helper()
	cfg, err := config.Validate(config.RawConfig{
		Realm:           true,
		MeasurementAlgo: "sha256",
		VCPUAffinity:    "0-1",
		MemorySize:      "256M",
		VCPUs:           1,
		KernelPath:      "/var/lib/realm/Image",
		InitrdPath:      "/var/lib/realm/initrd",
		Cmdline:         "earlycon=ttyS0",
		RealmPV:         "no_shared_region",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func TestAssembleMergesPrivacyToken(t *testing.T) {
	desc, err := Assemble(validated(t))
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if desc.Cmdline != "earlycon=ttyS0 no_shared_region=on" {
		t.Fatalf("cmdline = %q", desc.Cmdline)
	}
	if desc.IRQChip != config.IRQChipGICv3 {
		t.Fatalf("irqchip default = %s, want gicv3", desc.IRQChip)
	}
	if desc.Console != config.ConsoleSerial {
		t.Fatalf("console = %s, want serial", desc.Console)
	}
}

func TestAssembleMergeIsIdempotent(t *testing.T) {
	cfg := validated(t)
	cfg.Cmdline = "earlycon=ttyS0 no_shared_region=on"

	desc, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if desc.Cmdline != "earlycon=ttyS0 no_shared_region=on" {
		t.Fatalf("token duplicated: %q", desc.Cmdline)
	}
}

func TestAssembleRejectsUnattestableRealm(t *testing.T) {
	cfg := validated(t)
	cfg.MeasurementAlgo = config.AlgoNone

	if _, err := Assemble(cfg); !errors.Is(err, ErrRealmNoMeasurement) {
		t.Fatalf("expected ErrRealmNoMeasurement, got %v", err)
	}
}

func TestAssembleAllowsUnmeasuredNonRealm(t *testing.T) {
	cfg := validated(t)
	cfg.Realm = false
	cfg.MeasurementAlgo = config.AlgoNone

	desc, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if desc.Cmdline != "earlycon=ttyS0" {
		t.Fatalf("privacy token merged outside realm mode: %q", desc.Cmdline)
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	cfg := validated(t)
	first, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	second, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("descriptors differ:\n%+v\n%+v", first, second)
	}
}

func TestAssembleDoesNotAliasAffinity(t *testing.T) {
	cfg := validated(t)
	desc, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	cfg.Affinity[0] = 99
	if desc.Affinity[0] == 99 {
		t.Fatalf("descriptor shares affinity slice with input")
	}
}
