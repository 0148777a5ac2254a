// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package hostres

import (
	"errors"
	"reflect"
	"sync"
	"testing"
)

func TestReserveAndRelease(t *testing.T) {
	table := NewTable(4, 1<<30)

	res, err := table.Reserve("realm-a", []int{0, 1}, 256<<20)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !reflect.DeepEqual(table.ReservedCPUs(), []int{0, 1}) {
		t.Fatalf("reserved cpus = %v", table.ReservedCPUs())
	}
	if table.ReservedBytes() != 256<<20 {
		t.Fatalf("reserved bytes = %d", table.ReservedBytes())
	}

	if err := res.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(table.ReservedCPUs()) != 0 || table.ReservedBytes() != 0 {
		t.Fatalf("release did not restore table state")
	}

	// Idempotent: a second release is a no-op.
	if err := res.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestReserveConflictingCPU(t *testing.T) {
	table := NewTable(4, 1<<30)

	if _, err := table.Reserve("realm-a", []int{1}, 64<<20); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := table.Reserve("realm-b", []int{1, 2}, 64<<20)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// The failed attempt must hold nothing.
	if !reflect.DeepEqual(table.ReservedCPUs(), []int{1}) {
		t.Fatalf("failed reserve leaked cpus: %v", table.ReservedCPUs())
	}
	if table.ReservedBytes() != 64<<20 {
		t.Fatalf("failed reserve leaked memory: %d", table.ReservedBytes())
	}
}

func TestReserveNonexistentCPU(t *testing.T) {
	table := NewTable(2, 1<<30)
	if _, err := table.Reserve("realm-a", []int{5}, 64<<20); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestReserveExhaustedMemory(t *testing.T) {
	table := NewTable(4, 512<<20)

	if _, err := table.Reserve("realm-a", nil, 384<<20); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := table.Reserve("realm-b", nil, 256<<20); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestReleaseReusesGap(t *testing.T) {
	table := NewTable(4, 768<<20)

	a, err := table.Reserve("realm-a", nil, 256<<20)
	if err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	if _, err := table.Reserve("realm-b", nil, 256<<20); err != nil {
		t.Fatalf("reserve b: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("release a: %v", err)
	}

	c, err := table.Reserve("realm-c", nil, 256<<20)
	if err != nil {
		t.Fatalf("reserve c after release: %v", err)
	}
	if c.MemoryBase != 0 {
		t.Fatalf("expected first-fit base 0, got %d", c.MemoryBase)
	}
}

func TestConcurrentReserveNeverDoubleBooks(t *testing.T) {
	table := NewTable(8, 1<<30)

	var wg sync.WaitGroup
	granted := make(chan *Reservation, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := table.Reserve("racer", []int{3}, 32<<20)
			if err == nil {
				granted <- res
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != 1 {
		t.Fatalf("cpu 3 granted %d times", count)
	}
}
