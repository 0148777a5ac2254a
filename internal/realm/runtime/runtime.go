// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package runtime

import (
	"context"

	"github.com/realmhq/realmd/internal/realm/assemble"
	"github.com/realmhq/realmd/internal/realm/measure"
)

// Instance represents a started hypervisor process hosting one realm.
type Instance interface {
	SessionID() string
	PID() int
	// Ready is closed when the guest signals early-boot readiness, e.g. the
	// console attach acknowledgment.
	Ready() <-chan struct{}
	// Wait yields the process exit result once.
	Wait() <-chan error
	// Terminate requests shutdown of the hypervisor process. Used during
	// rollback and daemon stop.
	Terminate(ctx context.Context) error
}

// Hypervisor starts realm instances from a finalized launch descriptor and
// its measurement record. Start is irreversible once acknowledged; every
// validation must have happened before it is called.
type Hypervisor interface {
	Start(ctx context.Context, desc *assemble.LaunchDescriptor, record *measure.Record) (Instance, error)
}
