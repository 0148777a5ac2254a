// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package config

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// MeasurementAlgo identifies the digest algorithm the measurement engine
// accumulates boot components with.
type MeasurementAlgo string

const (
	AlgoSHA256 MeasurementAlgo = "sha256"
	AlgoSHA384 MeasurementAlgo = "sha384"
	AlgoSHA512 MeasurementAlgo = "sha512"
	AlgoNone   MeasurementAlgo = "none"
)

// ConsoleKind selects how the guest console is wired to the host.
type ConsoleKind string

const (
	ConsoleSerial ConsoleKind = "serial"
	ConsoleVirtio ConsoleKind = "virtio"
	ConsoleNone   ConsoleKind = "none"
)

// IRQChip enumerates the interrupt controller models the hypervisor accepts.
type IRQChip string

const (
	IRQChipGICv2    IRQChip = "gicv2"
	IRQChipGICv3    IRQChip = "gicv3"
	IRQChipGICv3ITS IRQChip = "gicv3-its"
)

// MaxCmdlineLen bounds the boot parameter string. The hypervisor copies the
// command line into a fixed-size buffer; anything longer is rejected here.
const MaxCmdlineLen = 2048

// MinMemoryBytes is the smallest guest memory a launch may request. The
// hypervisor sizes guest memory in whole MiB.
const MinMemoryBytes = 1 << 20

// RawConfig is the untrusted caller input for one launch attempt.
type RawConfig struct {
	Debug           bool   `json:"debug,omitempty"`
	Realm           bool   `json:"realm"`
	MeasurementAlgo string `json:"measurement_algo"`
	VCPUAffinity    string `json:"vcpu_affinity,omitempty"`
	MemorySize      string `json:"memory_size"`
	VCPUs           int    `json:"vcpus"`
	KernelPath      string `json:"kernel_path"`
	InitrdPath      string `json:"initrd_path"`
	Console         string `json:"console,omitempty"`
	Cmdline         string `json:"cmdline,omitempty"`
	IRQChip         string `json:"irqchip,omitempty"`
	RealmPV         string `json:"realm_pv,omitempty"`
}

// ValidatedConfig is a RawConfig with every field type-checked and
// range-checked. It is never mutated after Validate returns it.
type ValidatedConfig struct {
	Debug           bool
	Realm           bool
	MeasurementAlgo MeasurementAlgo
	Affinity        []int // sorted, distinct host CPU indices; empty means unpinned
	MemoryBytes     int64
	VCPUs           int
	KernelPath      string
	InitrdPath      string
	Console         ConsoleKind
	Cmdline         string
	IRQChip         IRQChip // empty when unspecified; assembler resolves the default
	RealmPV         string
}

// FieldError records a single validation violation.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConfigError aggregates every violation found in a RawConfig so callers get
// the complete report in one pass.
type ConfigError struct {
	Violations []FieldError
}

func (e *ConfigError) Error() string {
	if len(e.Violations) == 0 {
		return "config: invalid configuration"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Error()
	}
	return "config: " + strings.Join(parts, "; ")
}

func (e *ConfigError) add(field, format string, args ...any) {
	e.Violations = append(e.Violations, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// Validate checks every field of raw independently and returns either a fully
// typed ValidatedConfig or a *ConfigError listing all violations. It is a pure
// function: no filesystem or host state is consulted, so kernel and initrd
// paths are only checked for shape, not existence.
func Validate(raw RawConfig) (ValidatedConfig, error) {
	cfg := ValidatedConfig{
		Debug:   raw.Debug,
		Realm:   raw.Realm,
		RealmPV: strings.TrimSpace(raw.RealmPV),
		VCPUs:   raw.VCPUs,
	}
	errs := &ConfigError{}

	if bytes, err := ParseMemorySize(raw.MemorySize); err != nil {
		errs.add("memory_size", "%v", err)
	} else if bytes < MinMemoryBytes {
		errs.add("memory_size", "must be at least 1M, got %d bytes", bytes)
	} else {
		cfg.MemoryBytes = bytes
	}

	if raw.VCPUs <= 0 {
		errs.add("vcpus", "must be a positive integer, got %d", raw.VCPUs)
	}

	if spec := strings.TrimSpace(raw.VCPUAffinity); spec != "" {
		set, err := ParseAffinity(spec)
		if err != nil {
			errs.add("vcpu_affinity", "%v", err)
		} else {
			cfg.Affinity = set
		}
	}

	switch algo := MeasurementAlgo(strings.ToLower(strings.TrimSpace(raw.MeasurementAlgo))); algo {
	case AlgoSHA256, AlgoSHA384, AlgoSHA512, AlgoNone:
		cfg.MeasurementAlgo = algo
	case "":
		errs.add("measurement_algo", "required")
	default:
		errs.add("measurement_algo", "unknown algorithm %q (expected sha256, sha384, sha512 or none)", raw.MeasurementAlgo)
	}

	cfg.KernelPath = strings.TrimSpace(raw.KernelPath)
	if cfg.KernelPath == "" {
		errs.add("kernel_path", "required")
	}
	cfg.InitrdPath = strings.TrimSpace(raw.InitrdPath)
	if cfg.InitrdPath == "" {
		errs.add("initrd_path", "required")
	}

	switch console := ConsoleKind(strings.ToLower(strings.TrimSpace(raw.Console))); console {
	case ConsoleSerial, ConsoleVirtio, ConsoleNone:
		cfg.Console = console
	case "":
		cfg.Console = ConsoleSerial
	default:
		errs.add("console", "unknown console kind %q (expected serial, virtio or none)", raw.Console)
	}

	switch chip := IRQChip(strings.ToLower(strings.TrimSpace(raw.IRQChip))); chip {
	case IRQChipGICv2, IRQChipGICv3, IRQChipGICv3ITS, "":
		cfg.IRQChip = chip
	default:
		errs.add("irqchip", "unknown irqchip model %q (expected gicv2, gicv3 or gicv3-its)", raw.IRQChip)
	}

	cfg.Cmdline = strings.TrimSpace(raw.Cmdline)
	if len(cfg.Cmdline) > MaxCmdlineLen {
		errs.add("cmdline", "exceeds %d bytes (got %d)", MaxCmdlineLen, len(cfg.Cmdline))
	}
	if strings.ContainsRune(cfg.Cmdline, 0) {
		errs.add("cmdline", "must not contain an embedded null byte")
	}

	if len(errs.Violations) > 0 {
		return ValidatedConfig{}, errs
	}
	return cfg, nil
}

// ParseMemorySize converts a human-readable size such as "256M" or "2G" into
// bytes. Zero and negative sizes are rejected.
func ParseMemorySize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("required")
	}

	multiplier := int64(1)
	switch unit := s[len(s)-1]; unit {
	case 'K', 'k':
		multiplier = 1 << 10
		s = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1 << 20
		s = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1 << 30
		s = s[:len(s)-1]
	default:
		if unit < '0' || unit > '9' {
			return 0, fmt.Errorf("unrecognized unit suffix %q", string(unit))
		}
	}

	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a valid integer: %q", s)
	}
	if value <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", value)
	}
	if value > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("exceeds the maximum representable size")
	}
	return value * multiplier, nil
}

// ParseAffinity parses a host CPU set specification such as "0-3,8" into a
// sorted slice of distinct CPU indices.
func ParseAffinity(spec string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in %q", spec)
		}
		lo, hi := part, part
		if idx := strings.IndexByte(part, '-'); idx > 0 {
			lo, hi = part[:idx], part[idx+1:]
		}
		start, err := strconv.Atoi(lo)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("invalid cpu index %q", lo)
		}
		end, err := strconv.Atoi(hi)
		if err != nil || end < 0 {
			return nil, fmt.Errorf("invalid cpu index %q", hi)
		}
		if end < start {
			return nil, fmt.Errorf("descending range %q", part)
		}
		for cpu := start; cpu <= end; cpu++ {
			if _, dup := seen[cpu]; dup {
				return nil, fmt.Errorf("cpu %d listed more than once", cpu)
			}
			seen[cpu] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("empty cpu set")
	}

	set := make([]int, 0, len(seen))
	for cpu := range seen {
		set = append(set, cpu)
	}
	sort.Ints(set)
	return set, nil
}
