// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package hostres

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
)

// ErrUnavailable indicates the requested CPUs or memory are not free right
// now. Callers may retry with backoff or alternate placement; the table never
// retries internally.
var ErrUnavailable = errors.New("hostres: resources unavailable")

// Table tracks host CPU ownership and a contiguous memory pool shared by
// every concurrent launch attempt on this host. Check-and-reserve is a single
// critical section so two launches can never double-book a CPU or overlap
// memory regions.
type Table struct {
	mu       sync.Mutex
	hostCPUs int
	cpus     map[int]string // host cpu index -> owning launch
	memTotal int64
	regions  []region // sorted by base
}

type region struct {
	owner string
	base  int64
	size  int64
}

// NewTable builds a Table for a host with hostCPUs CPUs and memoryPool bytes
// available to guests. hostCPUs <= 0 means the local CPU count.
func NewTable(hostCPUs int, memoryPool int64) *Table {
	if hostCPUs <= 0 {
		hostCPUs = runtime.NumCPU()
	}
	return &Table{
		hostCPUs: hostCPUs,
		cpus:     make(map[int]string),
		memTotal: memoryPool,
	}
}

// Reservation is one launch attempt's hold on host resources. Release is
// idempotent.
type Reservation struct {
	table *Table

	Owner       string
	CPUs        []int
	MemoryBase  int64
	MemoryBytes int64

	mu       sync.Mutex
	released bool
}

// Reserve atomically claims the given host CPU set and a contiguous memory
// region of the given size for owner. On any conflict nothing is reserved and
// the error wraps ErrUnavailable.
func (t *Table) Reserve(owner string, cpus []int, memory int64) (*Reservation, error) {
	if memory <= 0 {
		return nil, fmt.Errorf("hostres: memory size must be positive, got %d", memory)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cpu := range cpus {
		if cpu < 0 || cpu >= t.hostCPUs {
			return nil, fmt.Errorf("%w: host cpu %d does not exist (host has %d)", ErrUnavailable, cpu, t.hostCPUs)
		}
		if holder, taken := t.cpus[cpu]; taken {
			return nil, fmt.Errorf("%w: host cpu %d already reserved by %s", ErrUnavailable, cpu, holder)
		}
	}

	base, err := t.findGap(memory)
	if err != nil {
		return nil, err
	}

	for _, cpu := range cpus {
		t.cpus[cpu] = owner
	}
	t.regions = append(t.regions, region{owner: owner, base: base, size: memory})
	sort.Slice(t.regions, func(i, j int) bool { return t.regions[i].base < t.regions[j].base })

	res := &Reservation{
		table:       t,
		Owner:       owner,
		MemoryBase:  base,
		MemoryBytes: memory,
	}
	if len(cpus) > 0 {
		res.CPUs = make([]int, len(cpus))
		copy(res.CPUs, cpus)
	}
	return res, nil
}

// findGap locates the first-fit offset for a contiguous region. Caller holds
// the lock.
func (t *Table) findGap(size int64) (int64, error) {
	cursor := int64(0)
	for _, r := range t.regions {
		if r.base-cursor >= size {
			return cursor, nil
		}
		cursor = r.base + r.size
	}
	if t.memTotal-cursor >= size {
		return cursor, nil
	}
	return 0, fmt.Errorf("%w: no contiguous %d-byte region free (pool %d)", ErrUnavailable, size, t.memTotal)
}

// Release returns the reservation's CPUs and memory region to the table.
// Safe to call more than once; only the first call does anything. Failures
// are reported, never swallowed.
func (r *Reservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true

	t := r.table
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, cpu := range r.CPUs {
		if t.cpus[cpu] != r.Owner {
			errs = append(errs, fmt.Errorf("hostres: cpu %d not held by %s at release", cpu, r.Owner))
			continue
		}
		delete(t.cpus, cpu)
	}

	found := false
	for i, reg := range t.regions {
		if reg.owner == r.Owner && reg.base == r.MemoryBase && reg.size == r.MemoryBytes {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		errs = append(errs, fmt.Errorf("hostres: memory region [%d,%d) not held by %s at release", r.MemoryBase, r.MemoryBase+r.MemoryBytes, r.Owner))
	}

	return errors.Join(errs...)
}

// ReservedCPUs reports the currently held host CPU indices, sorted.
func (t *Table) ReservedCPUs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cpus := make([]int, 0, len(t.cpus))
	for cpu := range t.cpus {
		cpus = append(cpus, cpu)
	}
	sort.Ints(cpus)
	return cpus
}

// ReservedBytes reports the total memory currently reserved.
func (t *Table) ReservedBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	for _, r := range t.regions {
		total += r.size
	}
	return total
}
