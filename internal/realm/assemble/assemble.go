// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package assemble

import (
	"errors"
	"strings"

	"github.com/realmhq/realmd/internal/realm/config"
)

// ErrRealmNoMeasurement rejects the one cross-field combination that would
// produce an unattestable realm: realm mode with measurement disabled. This is
// a hard error, never a silent algorithm upgrade.
var ErrRealmNoMeasurement = errors.New("assemble: realm launch requires a measurement algorithm other than none")

// LaunchDescriptor is the immutable, fully resolved plan for one launch. It is
// produced once here and consumed read-only by the measurement binder and the
// orchestrator.
type LaunchDescriptor struct {
	Realm           bool
	MeasurementAlgo config.MeasurementAlgo
	MemoryBytes     int64
	VCPUs           int
	Affinity        []int
	IRQChip         config.IRQChip
	Console         config.ConsoleKind
	KernelPath      string
	InitrdPath      string
	Cmdline         string
	RealmPV         string
}

// Assemble resolves defaults and cross-field constraints on a validated
// configuration. Deterministic: the same input always yields a byte-identical
// descriptor.
func Assemble(cfg config.ValidatedConfig) (*LaunchDescriptor, error) {
	if cfg.Realm && cfg.MeasurementAlgo == config.AlgoNone {
		return nil, ErrRealmNoMeasurement
	}

	desc := &LaunchDescriptor{
		Realm:           cfg.Realm,
		MeasurementAlgo: cfg.MeasurementAlgo,
		MemoryBytes:     cfg.MemoryBytes,
		VCPUs:           cfg.VCPUs,
		IRQChip:         cfg.IRQChip,
		Console:         cfg.Console,
		KernelPath:      cfg.KernelPath,
		InitrdPath:      cfg.InitrdPath,
		Cmdline:         cfg.Cmdline,
		RealmPV:         cfg.RealmPV,
	}
	if len(cfg.Affinity) > 0 {
		desc.Affinity = make([]int, len(cfg.Affinity))
		copy(desc.Affinity, cfg.Affinity)
	}
	if desc.IRQChip == "" {
		desc.IRQChip = config.IRQChipGICv3
	}
	if desc.Console == "" {
		desc.Console = config.ConsoleSerial
	}
	if desc.Realm && desc.RealmPV != "" {
		desc.Cmdline = mergeToken(desc.Cmdline, desc.RealmPV+"=on")
	}
	return desc, nil
}

// mergeToken appends token to the command line unless an identical token is
// already present, so repeated assembly cannot duplicate it.
func mergeToken(cmdline, token string) string {
	for _, field := range strings.Fields(cmdline) {
		if field == token {
			return cmdline
		}
	}
	if cmdline == "" {
		return token
	}
	return cmdline + " " + token
}
