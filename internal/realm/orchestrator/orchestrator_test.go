// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/realmhq/realmd/internal/realm/assemble"
	"github.com/realmhq/realmd/internal/realm/config"
	"github.com/realmhq/realmd/internal/realm/events"
	"github.com/realmhq/realmd/internal/realm/hostres"
	"github.com/realmhq/realmd/internal/realm/measure"
	"github.com/realmhq/realmd/internal/realm/runtime"
	"github.com/realmhq/realmd/internal/server/db"
	"github.com/realmhq/realmd/internal/server/db/sqlite"
	"github.com/realmhq/realmd/internal/server/eventbus"
	"github.com/realmhq/realmd/internal/server/eventbus/memory"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return store
}

type mapSource map[string][]byte

func (s mapSource) Open(ref string) (io.ReadCloser, error) {
	content, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("no such image: %s", ref)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// preparedLaunch runs the full pre-orchestration pipeline the way callers do.
func preparedLaunch(t *testing.T, name string) LaunchRequest {
	t.Helper()
	cfg, err := config.Validate(config.RawConfig{
		Realm:           true,
		MeasurementAlgo: "sha256",
		VCPUAffinity:    "0-1",
		MemorySize:      "256M",
		VCPUs:           1,
		KernelPath:      "/images/kernel",
		InitrdPath:      "/images/initrd",
		Cmdline:         "earlycon=ttyS0",
		RealmPV:         "no_shared_region",
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	desc, err := assemble.Assemble(cfg)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	binder := measure.NewBinder(mapSource{
		"/images/kernel": []byte("kernel-bytes"),
		"/images/initrd": []byte("initrd-bytes"),
	}, nil)
	record, err := binder.Bind(context.Background(), desc)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return LaunchRequest{Name: name, Descriptor: desc, Record: record}
}

type fakeHypervisor struct {
	mu        sync.Mutex
	startErr  error
	autoReady bool
	pid       int
	startCtx  context.Context
	calls     []*assemble.LaunchDescriptor
	instances []*fakeInstance
}

func (f *fakeHypervisor) Start(ctx context.Context, desc *assemble.LaunchDescriptor, record *measure.Record) (runtime.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCtx = ctx
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.pid++
	f.calls = append(f.calls, desc)
	inst := &fakeInstance{
		session: fmt.Sprintf("sess-%d", f.pid),
		pid:     f.pid,
		ready:   make(chan struct{}),
		done:    make(chan error, 1),
	}
	if f.autoReady {
		close(inst.ready)
	}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeHypervisor) startCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeHypervisor) lastStartCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCtx
}

type fakeInstance struct {
	session    string
	pid        int
	ready      chan struct{}
	done       chan error
	once       sync.Once
	mu         sync.Mutex
	terminated bool
}

func (i *fakeInstance) SessionID() string     { return i.session }
func (i *fakeInstance) PID() int              { return i.pid }
func (i *fakeInstance) Ready() <-chan struct{} { return i.ready }
func (i *fakeInstance) Wait() <-chan error    { return i.done }

func (i *fakeInstance) Terminate(ctx context.Context) error {
	i.mu.Lock()
	i.terminated = true
	i.mu.Unlock()
	i.once.Do(func() {
		i.done <- nil
		close(i.done)
	})
	return nil
}

func (i *fakeInstance) wasTerminated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.terminated
}

var _ runtime.Hypervisor = (*fakeHypervisor)(nil)
var _ runtime.Instance = (*fakeInstance)(nil)

func newTestEngine(t *testing.T, table *hostres.Table, hv runtime.Hypervisor) Engine {
	return newTestEngineWithBus(t, table, hv, nil)
}

func newTestEngineWithBus(t *testing.T, table *hostres.Table, hv runtime.Hypervisor, bus eventbus.Bus) Engine {
	t.Helper()
	store := openTestStore(t)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	engine, err := New(Params{
		Store:      store,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Table:      table,
		Hypervisor: hv,
		Bus:        bus,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestLaunchCompletesBootHandshake(t *testing.T) {
	ctx := context.Background()
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{autoReady: true}
	engine := newTestEngine(t, table, hv)

	outcome, err := engine.Launch(ctx, preparedLaunch(t, "realm-1"))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if outcome.State != StateBootHandshakeComplete {
		t.Fatalf("state = %s", outcome.State)
	}
	if outcome.SessionID == "" || outcome.PID == 0 {
		t.Fatalf("outcome missing handle: %+v", outcome)
	}
	if outcome.Cmdline != "earlycon=ttyS0 no_shared_region=on" {
		t.Fatalf("cmdline = %q", outcome.Cmdline)
	}
	if len(outcome.Record.Entries) != 3 {
		t.Fatalf("expected 3 measurement entries, got %d", len(outcome.Record.Entries))
	}
	if got := table.ReservedCPUs(); len(got) != 2 {
		t.Fatalf("reserved cpus = %v", got)
	}

	session, err := engine.GetSession(ctx, "realm-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != db.SessionStatusRunning {
		t.Fatalf("session status = %s", session.Status)
	}
	if session.AffinityCPUs != "0,1" {
		t.Fatalf("session affinity = %q", session.AffinityCPUs)
	}

	if err := engine.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(table.ReservedCPUs()) != 0 || table.ReservedBytes() != 0 {
		t.Fatalf("stop did not release resources")
	}
}

func TestLaunchResourceConflict(t *testing.T) {
	ctx := context.Background()
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{autoReady: true}
	engine := newTestEngine(t, table, hv)

	// Another in-flight launch already holds cpu 1.
	if _, err := table.Reserve("other", []int{1}, 64<<20); err != nil {
		t.Fatalf("pre-reserve: %v", err)
	}

	_, err := engine.Launch(ctx, preparedLaunch(t, "realm-2"))
	if !errors.Is(err, hostres.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if hv.startCalls() != 0 {
		t.Fatalf("hypervisor must not be called on reservation failure")
	}
	// This attempt must hold nothing.
	if got := table.ReservedCPUs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("reservation leaked: %v", got)
	}
	if table.ReservedBytes() != 64<<20 {
		t.Fatalf("memory leaked: %d", table.ReservedBytes())
	}

	session, err := engine.GetSession(ctx, "realm-2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != db.SessionStatusFailed {
		t.Fatalf("session status = %s, want failed", session.Status)
	}
}

func TestLaunchHandshakeTimeout(t *testing.T) {
	ctx := context.Background()
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{} // never signals ready
	engine := newTestEngine(t, table, hv)

	req := preparedLaunch(t, "realm-3")
	req.HandshakeTimeout = 50 * time.Millisecond

	_, err := engine.Launch(ctx, req)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if len(hv.instances) != 1 || !hv.instances[0].wasTerminated() {
		t.Fatalf("hypervisor was not terminated during rollback")
	}
	if len(table.ReservedCPUs()) != 0 || table.ReservedBytes() != 0 {
		t.Fatalf("rollback did not release resources")
	}
}

func TestLaunchRollsBackOnStartFailure(t *testing.T) {
	ctx := context.Background()
	table := hostres.NewTable(4, 1<<30)
	startErr := errors.New("kvm device busy")
	hv := &fakeHypervisor{startErr: startErr}
	engine := newTestEngine(t, table, hv)

	_, err := engine.Launch(ctx, preparedLaunch(t, "realm-4"))
	if !errors.Is(err, startErr) {
		t.Fatalf("expected start error, got %v", err)
	}
	if len(table.ReservedCPUs()) != 0 || table.ReservedBytes() != 0 {
		t.Fatalf("rollback did not release resources")
	}
}

func TestLaunchCancellationRollsBack(t *testing.T) {
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{} // never signals ready
	engine := newTestEngine(t, table, hv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := engine.Launch(ctx, preparedLaunch(t, "realm-5"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(hv.instances) != 1 || !hv.instances[0].wasTerminated() {
		t.Fatalf("hypervisor was not terminated after cancellation")
	}
	if len(table.ReservedCPUs()) != 0 || table.ReservedBytes() != 0 {
		t.Fatalf("rollback did not release resources")
	}
}

func TestLaunchedGuestOutlivesRequestContext(t *testing.T) {
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{autoReady: true}
	engine := newTestEngine(t, table, hv)

	reqCtx, cancel := context.WithCancel(context.Background())
	outcome, err := engine.Launch(reqCtx, preparedLaunch(t, "realm-8"))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if outcome.State != StateBootHandshakeComplete {
		t.Fatalf("state = %s", outcome.State)
	}

	// The caller's context ends with the request. The guest must not.
	cancel()
	time.Sleep(10 * time.Millisecond)

	startCtx := hv.lastStartCtx()
	if startCtx == nil {
		t.Fatalf("hypervisor never started")
	}
	if startCtx.Err() != nil {
		t.Fatalf("hypervisor context died with the request: %v", startCtx.Err())
	}
	if hv.instances[0].wasTerminated() {
		t.Fatalf("running guest was terminated by request-context cancellation")
	}

	if err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if startCtx.Err() == nil {
		t.Fatalf("engine stop must cancel the hypervisor context")
	}
}

func TestLaunchReservationFailurePublishesTerminalEvent(t *testing.T) {
	ctx := context.Background()
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{autoReady: true}
	bus := memory.New()
	engine := newTestEngineWithBus(t, table, hv, bus)

	eventsCh := make(chan any, 16)
	unsubscribe, err := bus.Subscribe(events.TopicRealmEvents, eventsCh)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if _, err := table.Reserve("other", []int{1}, 64<<20); err != nil {
		t.Fatalf("pre-reserve: %v", err)
	}
	if _, err := engine.Launch(ctx, preparedLaunch(t, "realm-9")); !errors.Is(err, hostres.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	var types []string
	for len(eventsCh) > 0 {
		event, ok := (<-eventsCh).(events.RealmEvent)
		if !ok {
			continue
		}
		types = append(types, event.Type)
	}
	want := []string{events.TypeRealmStarting, events.TypeRealmRolledBack}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
}

func TestLaunchRejectsMismatchedRecord(t *testing.T) {
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{autoReady: true}
	engine := newTestEngine(t, table, hv)

	req := preparedLaunch(t, "realm-6")
	req.Record = &measure.Record{Algo: config.AlgoSHA512}

	if _, err := engine.Launch(context.Background(), req); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if hv.startCalls() != 0 {
		t.Fatalf("hypervisor called despite invalid request")
	}
}

func TestLaunchDuplicateName(t *testing.T) {
	ctx := context.Background()
	table := hostres.NewTable(4, 1<<30)
	hv := &fakeHypervisor{autoReady: true}
	engine := newTestEngine(t, table, hv)

	req := preparedLaunch(t, "realm-7")
	if _, err := engine.Launch(ctx, req); err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { _ = engine.Stop(ctx) })

	second := preparedLaunch(t, "realm-7")
	// Different affinity so the conflict is the name, not the cpus.
	second.Descriptor.Affinity = []int{2, 3}
	if _, err := engine.Launch(ctx, second); !errors.Is(err, ErrLaunchExists) {
		t.Fatalf("expected ErrLaunchExists, got %v", err)
	}
}
