// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/realmhq/realmd/internal/realm/assemble"
	"github.com/realmhq/realmd/internal/realm/events"
	"github.com/realmhq/realmd/internal/realm/hostres"
	"github.com/realmhq/realmd/internal/realm/measure"
	"github.com/realmhq/realmd/internal/realm/runtime"
	"github.com/realmhq/realmd/internal/server/db"
	"github.com/realmhq/realmd/internal/server/eventbus"
)

// State names the stages of one launch attempt. Transitions only move
// forward; any failure before BootHandshakeComplete ends in RolledBack.
type State string

const (
	StateIdle                  State = "idle"
	StateResourcesAcquired     State = "resources_acquired"
	StateHypervisorStarted     State = "hypervisor_started"
	StateBootHandshakeComplete State = "boot_handshake_complete"
	StateRolledBack            State = "rolled_back"
)

var (
	// ErrHandshakeTimeout indicates the guest never signaled early-boot
	// readiness within the bounded wait. A hung guest must not block the
	// orchestrator forever.
	ErrHandshakeTimeout = errors.New("orchestrator: guest did not signal boot readiness in time")
	// ErrLaunchExists indicates a launch with the same name already exists.
	ErrLaunchExists = errors.New("orchestrator: launch already exists")
	// ErrLaunchNotFound indicates the requested launch does not exist.
	ErrLaunchNotFound = errors.New("orchestrator: launch not found")
)

// cleanupTimeout bounds rollback work once the launch context is gone.
const cleanupTimeout = 30 * time.Second

// LaunchRequest carries the finalized plan for exactly one launch attempt.
// The descriptor and record must come out of assemble and measure untouched.
type LaunchRequest struct {
	Name             string
	Descriptor       *assemble.LaunchDescriptor
	Record           *measure.Record
	HandshakeTimeout time.Duration
}

// Outcome reports a completed boot handshake. The session handle is opaque;
// lifecycle management beyond reporting it is the caller's concern.
type Outcome struct {
	Name      string          `json:"name"`
	SessionID string          `json:"session_id"`
	PID       int             `json:"pid"`
	State     State           `json:"state"`
	Cmdline   string          `json:"cmdline"`
	Record    *measure.Record `json:"measurement"`
}

// Params wires dependencies for the launch orchestrator.
type Params struct {
	Store            db.Store
	Logger           *slog.Logger
	Table            *hostres.Table
	Hypervisor       runtime.Hypervisor
	Bus              eventbus.Bus
	HandshakeTimeout time.Duration
}

// Engine represents the realm launch orchestration core.
type Engine interface {
	Launch(ctx context.Context, req LaunchRequest) (*Outcome, error)
	Stop(ctx context.Context) error
	ListSessions(ctx context.Context) ([]db.Session, error)
	GetSession(ctx context.Context, name string) (*db.Session, error)
	Store() db.Store
}

// New constructs the production launch orchestrator.
func New(params Params) (Engine, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("orchestrator: logger is required")
	}
	if params.Table == nil {
		return nil, fmt.Errorf("orchestrator: host resource table is required")
	}
	if params.Hypervisor == nil {
		return nil, fmt.Errorf("orchestrator: hypervisor is required")
	}
	timeout := params.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	procCtx, procCancel := context.WithCancel(context.Background())

	return &engine{
		store:            params.Store,
		logger:           params.Logger.With("component", "orchestrator"),
		table:            params.Table,
		hypervisor:       params.Hypervisor,
		bus:              params.Bus,
		handshakeTimeout: timeout,
		instances:        make(map[string]instanceHandle),
		procCtx:          procCtx,
		procCancel:       procCancel,
	}, nil
}

type engine struct {
	store            db.Store
	logger           *slog.Logger
	table            *hostres.Table
	hypervisor       runtime.Hypervisor
	bus              eventbus.Bus
	handshakeTimeout time.Duration

	// procCtx scopes hypervisor processes to the engine, not to the launch
	// request. A guest must outlive the call that started it.
	procCtx    context.Context
	procCancel context.CancelFunc

	mu        sync.Mutex
	instances map[string]instanceHandle
}

type instanceHandle struct {
	instance    runtime.Instance
	reservation *hostres.Reservation
}

// Launch drives one attempt through the full state machine. Validation and
// assembly failures have already been rejected upstream, so every failure
// here happens at or after resource acquisition and triggers rollback.
func (e *engine) Launch(ctx context.Context, req LaunchRequest) (*Outcome, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	desc := req.Descriptor

	recordJSON, err := json.Marshal(req.Record)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: encode measurement record: %w", err)
	}

	session := &db.Session{
		Name:            req.Name,
		Status:          db.SessionStatusStarting,
		Realm:           desc.Realm,
		VCPUs:           desc.VCPUs,
		AffinityCPUs:    formatCPUSet(desc.Affinity),
		MemoryBytes:     desc.MemoryBytes,
		MeasurementAlgo: string(desc.MeasurementAlgo),
		Cmdline:         desc.Cmdline,
		MeasurementJSON: recordJSON,
	}

	err = e.store.WithTx(ctx, func(q db.Queries) error {
		existing, err := q.Sessions().GetByName(ctx, req.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrLaunchExists, req.Name)
		}
		id, err := q.Sessions().Create(ctx, session)
		if err != nil {
			return err
		}
		session.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publishEvent(ctx, events.TypeRealmStarting, events.RealmStatusStarting, session, "launch attempt recorded")

	// Idle -> ResourcesAcquired. The table makes check-and-reserve atomic, so
	// a conflict here means another in-flight launch holds the resources.
	reservation, err := e.table.Reserve(req.Name, desc.Affinity, desc.MemoryBytes)
	if err != nil {
		e.markFailed(session, "reserve resources: "+err.Error())
		e.publishEvent(ctx, events.TypeRealmRolledBack, events.RealmStatusRolledBack, session, "reserve resources: "+err.Error())
		return nil, err
	}

	// ResourcesAcquired -> HypervisorStarted. Irreversible once acknowledged:
	// there is no undo primitive, only termination during rollback. The
	// process runs on the engine context; a caller abort before the handshake
	// still terminates it through rollback below.
	instance, err := e.hypervisor.Start(e.procCtx, desc, req.Record)
	if err != nil {
		err = fmt.Errorf("orchestrator: hypervisor start: %w", err)
		return nil, e.rollback(session, nil, reservation, err)
	}

	// HypervisorStarted -> BootHandshakeComplete, bounded and cancellable.
	timeout := req.HandshakeTimeout
	if timeout <= 0 {
		timeout = e.handshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-instance.Ready():
	case exitErr, ok := <-instance.Wait():
		err = fmt.Errorf("orchestrator: hypervisor exited before boot handshake")
		if ok && exitErr != nil {
			err = fmt.Errorf("orchestrator: hypervisor exited before boot handshake: %w", exitErr)
		}
		return nil, e.rollback(session, instance, reservation, err)
	case <-ctx.Done():
		return nil, e.rollback(session, instance, reservation, ctx.Err())
	case <-timer.C:
		return nil, e.rollback(session, instance, reservation, ErrHandshakeTimeout)
	}

	pid := int64(instance.PID())
	sessionID := instance.SessionID()
	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		return q.Sessions().UpdateState(ctx, session.ID, db.SessionStatusRunning, &pid, sessionID)
	}); err != nil {
		return nil, e.rollback(session, instance, reservation, err)
	}

	handle := instanceHandle{instance: instance, reservation: reservation}
	e.mu.Lock()
	e.instances[req.Name] = handle
	e.mu.Unlock()

	e.monitorInstance(req.Name, session.ID, handle)

	session.Status = db.SessionStatusRunning
	session.PID = &pid
	session.SessionID = sessionID
	e.publishEvent(ctx, events.TypeRealmRunning, events.RealmStatusRunning, session, "boot handshake complete")

	return &Outcome{
		Name:      req.Name,
		SessionID: sessionID,
		PID:       int(pid),
		State:     StateBootHandshakeComplete,
		Cmdline:   desc.Cmdline,
		Record:    req.Record,
	}, nil
}

// Stop terminates every running instance and releases its resources.
func (e *engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	handles := make(map[string]instanceHandle, len(e.instances))
	for name, handle := range e.instances {
		handles[name] = handle
		delete(e.instances, name)
	}
	e.mu.Unlock()

	var errs []error
	for name, handle := range handles {
		if err := handle.instance.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", name, err))
		}
		if err := handle.reservation.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", name, err))
		}
	}
	e.procCancel()
	return errors.Join(errs...)
}

func (e *engine) ListSessions(ctx context.Context) ([]db.Session, error) {
	return e.store.Queries().Sessions().List(ctx)
}

func (e *engine) GetSession(ctx context.Context, name string) (*db.Session, error) {
	session, err := e.store.Queries().Sessions().GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrLaunchNotFound, name)
	}
	return session, nil
}

func (e *engine) Store() db.Store {
	return e.store
}

// rollback reverses everything acquired so far: terminates the hypervisor
// process if it was started, then releases the reservation. Rollback errors
// are joined onto the original failure, never substituted for it. Runs on a
// background context so a canceled launch still cleans up.
func (e *engine) rollback(session *db.Session, instance runtime.Instance, reservation *hostres.Reservation, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	errs := []error{cause}
	if instance != nil {
		if err := instance.Terminate(cleanupCtx); err != nil {
			errs = append(errs, fmt.Errorf("rollback terminate: %w", err))
		}
	}
	if err := reservation.Release(); err != nil {
		errs = append(errs, fmt.Errorf("rollback release: %w", err))
	}

	e.markFailed(session, cause.Error())
	e.publishEvent(cleanupCtx, events.TypeRealmRolledBack, events.RealmStatusRolledBack, session, cause.Error())

	return errors.Join(errs...)
}

// markFailed records a terminal failure. Best effort by necessity: the
// original error has priority and persistence failures are only logged.
func (e *engine) markFailed(session *db.Session, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := e.store.WithTx(ctx, func(q db.Queries) error {
		return q.Sessions().UpdateState(ctx, session.ID, db.SessionStatusFailed, nil, "")
	}); err != nil {
		e.logger.Error("mark session failed", "name", session.Name, "cause", message, "error", err)
	}
	session.Status = db.SessionStatusFailed
}

// monitorInstance watches a successfully booted instance and releases its
// resources once the hypervisor process exits.
func (e *engine) monitorInstance(name string, sessionRowID int64, handle instanceHandle) {
	go func() {
		var exitErr error
		if waitCh := handle.instance.Wait(); waitCh != nil {
			if result, ok := <-waitCh; ok {
				exitErr = result
			}
		}

		e.mu.Lock()
		stored, exists := e.instances[name]
		if !exists || stored.instance != handle.instance {
			e.mu.Unlock()
			return
		}
		delete(e.instances, name)
		e.mu.Unlock()

		if err := handle.reservation.Release(); err != nil {
			e.logger.Error("release resources after exit", "name", name, "error", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		status := db.SessionStatusStopped
		eventType := events.TypeRealmStopped
		eventStatus := events.RealmStatusStopped
		message := "hypervisor exited cleanly"
		if exitErr != nil {
			status = db.SessionStatusCrashed
			eventType = events.TypeRealmCrashed
			eventStatus = events.RealmStatusCrashed
			message = exitErr.Error()
			e.logger.Warn("realm exited unexpectedly", "name", name, "error", exitErr)
		} else {
			e.logger.Info("realm exited", "name", name)
		}

		var session *db.Session
		if err := e.store.WithTx(ctx, func(q db.Queries) error {
			s, err := q.Sessions().GetByName(ctx, name)
			if err != nil {
				return err
			}
			if s == nil {
				return nil
			}
			session = s
			return q.Sessions().UpdateState(ctx, sessionRowID, status, nil, s.SessionID)
		}); err != nil {
			e.logger.Error("update session state", "name", name, "error", err)
		}

		if session != nil {
			session.Status = status
			session.PID = nil
			e.publishEvent(ctx, eventType, eventStatus, session, message)
		}
	}()
}

func (e *engine) publishEvent(ctx context.Context, typ string, status events.RealmStatus, session *db.Session, message string) {
	if e.bus == nil || session == nil {
		return
	}

	event := events.RealmEvent{
		Type:      typ,
		Name:      session.Name,
		Status:    status,
		SessionID: session.SessionID,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
	if session.PID != nil {
		pid := *session.PID
		event.PID = &pid
	}
	if err := e.bus.Publish(ctx, events.TopicRealmEvents, event); err != nil {
		e.logger.Error("publish realm event", "type", typ, "name", session.Name, "error", err)
	}
}

func validateRequest(req LaunchRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("orchestrator: launch name required")
	}
	if req.Descriptor == nil {
		return fmt.Errorf("orchestrator: launch descriptor required")
	}
	if req.Record == nil {
		return fmt.Errorf("orchestrator: measurement record required")
	}
	if req.Record.Algo != req.Descriptor.MeasurementAlgo {
		return fmt.Errorf("orchestrator: measurement record algorithm %s does not match descriptor %s", req.Record.Algo, req.Descriptor.MeasurementAlgo)
	}
	if req.Descriptor.Realm && req.Record.Unattested {
		return fmt.Errorf("orchestrator: refusing unattested realm launch")
	}
	return nil
}

func formatCPUSet(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	parts := make([]string, len(cpus))
	for i, cpu := range cpus {
		parts[i] = strconv.Itoa(cpu)
	}
	return strings.Join(parts, ",")
}
