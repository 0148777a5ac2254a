// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package db

import (
	"context"
	"time"
)

// SessionStatus enumerates the lifecycle phases tracked for launch sessions.
type SessionStatus string

const (
	SessionStatusStarting SessionStatus = "starting"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusFailed   SessionStatus = "failed"
	SessionStatusStopped  SessionStatus = "stopped"
	SessionStatusCrashed  SessionStatus = "crashed"
)

// Session models the database representation of one realm launch attempt.
type Session struct {
	ID              int64
	Name            string
	Status          SessionStatus
	SessionID       string
	PID             *int64
	Realm           bool
	VCPUs           int
	AffinityCPUs    string
	MemoryBytes     int64
	MeasurementAlgo string
	Cmdline         string
	MeasurementJSON []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store describes the persistence surface consumed by the orchestrator.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to one connection or transaction.
type Queries interface {
	Sessions() SessionRepository
}

// SessionRepository persists launch session records.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) (int64, error)
	GetByName(ctx context.Context, name string) (*Session, error)
	List(ctx context.Context) ([]Session, error)
	UpdateState(ctx context.Context, id int64, status SessionStatus, pid *int64, sessionID string) error
	Delete(ctx context.Context, id int64) error
}
