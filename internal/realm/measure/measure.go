// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package measure

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/realmhq/realmd/internal/realm/assemble"
	"github.com/realmhq/realmd/internal/realm/config"
)

var (
	// ErrSourceUnavailable indicates a referenced image could not be read.
	ErrSourceUnavailable = errors.New("measure: source unavailable")
	// ErrUnsupportedAlgorithm indicates the active hardware cannot accumulate
	// measurements with the requested algorithm. Distinct from a configuration
	// error: the configuration is internally valid, the host is not capable.
	ErrUnsupportedAlgorithm = errors.New("measure: algorithm unsupported by hardware")
)

// Component names, in the exact order the hardware measurement engine
// consumes them. The final digest depends on this order; reordering breaks
// attestation verification on the relying-party side.
const (
	ComponentKernel     = "kernel"
	ComponentInitrd     = "initrd"
	ComponentBootParams = "boot-params"
)

// Source resolves a path-like reference into a readable byte stream.
type Source interface {
	Open(ref string) (io.ReadCloser, error)
}

// FileSource reads images from the local filesystem.
type FileSource struct{}

func (FileSource) Open(ref string) (io.ReadCloser, error) {
	return os.Open(ref)
}

// Capability reports which measurement algorithms the host hardware supports.
type Capability interface {
	Supports(algo config.MeasurementAlgo) bool
}

// AllAlgorithms is the capability of hosts whose measurement engine handles
// every enumerated algorithm.
type AllAlgorithms struct{}

func (AllAlgorithms) Supports(config.MeasurementAlgo) bool { return true }

// Entry is one measured boot component.
type Entry struct {
	Component string                 `json:"component"`
	Digest    []byte                 `json:"digest"`
	Algo      config.MeasurementAlgo `json:"algo"`
}

// Record is the finalized, ordered measurement extension of a launch
// descriptor. It is never recomputed after binding; a retry rebuilds it from
// scratch.
type Record struct {
	Algo       config.MeasurementAlgo `json:"algo"`
	Entries    []Entry                `json:"entries"`
	Unattested bool                   `json:"unattested"`
}

// Binder computes pre-launch measurement records.
type Binder struct {
	source Source
	caps   Capability
}

// NewBinder constructs a Binder. Nil collaborators fall back to the local
// filesystem and an all-capable host.
func NewBinder(source Source, caps Capability) *Binder {
	if source == nil {
		source = FileSource{}
	}
	if caps == nil {
		caps = AllAlgorithms{}
	}
	return &Binder{source: source, caps: caps}
}

// Bind builds the measurement record for desc in the fixed order kernel,
// initrd, boot parameters. With algorithm none it produces an empty record
// marked unattested, which is permitted only outside realm mode; the
// assembler already forbids the combination, and it is rejected here again.
func (b *Binder) Bind(ctx context.Context, desc *assemble.LaunchDescriptor) (*Record, error) {
	if desc.MeasurementAlgo == config.AlgoNone {
		if desc.Realm {
			return nil, assemble.ErrRealmNoMeasurement
		}
		return &Record{Algo: config.AlgoNone, Unattested: true}, nil
	}
	if !b.caps.Supports(desc.MeasurementAlgo) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, desc.MeasurementAlgo)
	}

	record := &Record{Algo: desc.MeasurementAlgo, Entries: make([]Entry, 0, 3)}

	for _, component := range []struct {
		name string
		ref  string
	}{
		{ComponentKernel, desc.KernelPath},
		{ComponentInitrd, desc.InitrdPath},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		digest, err := b.digestSource(component.ref, desc.MeasurementAlgo)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrSourceUnavailable, component.name, component.ref, err)
		}
		record.Entries = append(record.Entries, Entry{Component: component.name, Digest: digest, Algo: desc.MeasurementAlgo})
	}

	h, err := newHash(desc.MeasurementAlgo)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(desc.Cmdline))
	record.Entries = append(record.Entries, Entry{Component: ComponentBootParams, Digest: h.Sum(nil), Algo: desc.MeasurementAlgo})

	return record, nil
}

func (b *Binder) digestSource(ref string, algo config.MeasurementAlgo) ([]byte, error) {
	rc, err := b.source.Open(ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	h, err := newHash(algo)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, rc); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func newHash(algo config.MeasurementAlgo) (hash.Hash, error) {
	switch algo {
	case config.AlgoSHA256:
		return sha256.New(), nil
	case config.AlgoSHA384:
		return sha512.New384(), nil
	case config.AlgoSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
	}
}
