package ports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/tooldock/tooldock/internal/store"
)

// ErrPortsExhausted is returned when every block in the configured range is
// occupied. Callers should treat this as retryable after decommissions free
// capacity.
var ErrPortsExhausted = errors.New("port range exhausted")

var allocatedBlocks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tooldock_port_blocks_allocated",
	Help: "Number of currently allocated port blocks.",
})

// ReconcileReport is the result of diffing persisted allocations against the
// set of instance ids known to be actually running. Reconcile performs no
// mutation; ReleaseOrphans does the cleanup.
type ReconcileReport struct {
	OrphanedPorts      []int    `json:"orphaned_ports"`      // allocated, nothing live
	MissingAllocations []string `json:"missing_allocations"` // live, no allocation
}

// Allocator hands out fixed-size port blocks from [base, ceiling]. It is the
// sole source of truth for port occupancy. All mutations are serialized and
// the full snapshot is persisted after every allocate/release.
type Allocator struct {
	mu        sync.Mutex
	base      int
	ceiling   int
	blockSize int

	byPort     map[int]*store.Allocation // active allocations only
	byInstance map[string]int            // instance id -> block start
	released   []store.Allocation        // 最近释放的记录，带释放时间戳

	store store.Store
}

// 快照中保留的已释放记录数
const releasedHistorySize = 100

// NewAllocator restores any persisted allocations and returns a ready
// allocator. Released allocations in the snapshot are kept as history, never
// restored as occupancy.
func NewAllocator(base, ceiling, blockSize int, st store.Store) (*Allocator, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid port block size %d", blockSize)
	}
	if ceiling <= base {
		return nil, fmt.Errorf("invalid port range %d-%d", base, ceiling)
	}
	a := &Allocator{
		base:       base,
		ceiling:    ceiling,
		blockSize:  blockSize,
		byPort:     map[int]*store.Allocation{},
		byInstance: map[string]int{},
		store:      st,
	}
	allocs, err := st.LoadAllocations(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load port allocations: %w", err)
	}
	for i := range allocs {
		al := allocs[i]
		if !al.Active() {
			a.rememberReleasedLocked(al)
			continue
		}
		a.byPort[al.Port] = &al
		a.byInstance[al.InstanceID] = al.Port
	}
	allocatedBlocks.Set(float64(len(a.byPort)))
	return a, nil
}

// Allocate reserves the first free block for the instance. Re-allocating for
// an instance that already holds a block returns the existing port.
func (a *Allocator) Allocate(instanceID, catalogID, tenantID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byInstance[instanceID]; ok {
		return port, nil
	}

	for port := a.base; port+a.blockSize-1 <= a.ceiling; port += a.blockSize {
		if _, taken := a.byPort[port]; taken {
			continue
		}
		a.byPort[port] = &store.Allocation{
			Port:        port,
			InstanceID:  instanceID,
			CatalogID:   catalogID,
			TenantID:    tenantID,
			AllocatedAt: time.Now(),
		}
		a.byInstance[instanceID] = port
		allocatedBlocks.Set(float64(len(a.byPort)))
		a.persistLocked()
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// Release frees the instance's block and stamps the release timestamp on the
// retained record. Releasing an instance that holds nothing returns (0, false).
func (a *Allocator) Release(instanceID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byInstance[instanceID]
	if !ok {
		return 0, false
	}
	al := *a.byPort[port]
	now := time.Now()
	al.ReleasedAt = &now
	a.rememberReleasedLocked(al)
	delete(a.byInstance, instanceID)
	delete(a.byPort, port)
	allocatedBlocks.Set(float64(len(a.byPort)))
	a.persistLocked()
	return port, true
}

// Allocations returns the active allocations ordered by port.
func (a *Allocator) Allocations() []store.Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked()
}

// ReleasedHistory returns the retained released allocations, oldest first.
func (a *Allocator) ReleasedHistory() []store.Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]store.Allocation, len(a.released))
	copy(out, a.released)
	return out
}

// PortFor returns the block start held by the instance, if any.
func (a *Allocator) PortFor(instanceID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byInstance[instanceID]
	return port, ok
}

// Capacity returns total and allocated block counts.
func (a *Allocator) Capacity() (total, allocated int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return (a.ceiling - a.base + 1) / a.blockSize, len(a.byPort)
}

// BlockSize returns the configured block size.
func (a *Allocator) BlockSize() int { return a.blockSize }

// Reconcile diffs active allocations against the live instance set. It never
// mutates state: orphans may belong to containers still starting up.
func (a *Allocator) Reconcile(liveInstanceIDs []string) ReconcileReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	live := make(map[string]bool, len(liveInstanceIDs))
	for _, id := range liveInstanceIDs {
		live[id] = true
	}

	var report ReconcileReport
	for port, al := range a.byPort {
		if !live[al.InstanceID] {
			report.OrphanedPorts = append(report.OrphanedPorts, port)
		}
	}
	sort.Ints(report.OrphanedPorts)
	for _, id := range liveInstanceIDs {
		if _, ok := a.byInstance[id]; !ok {
			report.MissingAllocations = append(report.MissingAllocations, id)
		}
	}
	sort.Strings(report.MissingAllocations)
	return report
}

// ReleaseOrphans frees every allocation whose instance is not in the live
// set and returns the released ports.
func (a *Allocator) ReleaseOrphans(liveInstanceIDs []string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	live := make(map[string]bool, len(liveInstanceIDs))
	for _, id := range liveInstanceIDs {
		live[id] = true
	}

	now := time.Now()
	var released []int
	for port, al := range a.byPort {
		if live[al.InstanceID] {
			continue
		}
		cp := *al
		cp.ReleasedAt = &now
		a.rememberReleasedLocked(cp)
		delete(a.byInstance, al.InstanceID)
		delete(a.byPort, port)
		released = append(released, port)
	}
	if len(released) > 0 {
		allocatedBlocks.Set(float64(len(a.byPort)))
		a.persistLocked()
	}
	sort.Ints(released)
	return released
}

func (a *Allocator) activeLocked() []store.Allocation {
	out := make([]store.Allocation, 0, len(a.byPort))
	for _, al := range a.byPort {
		out = append(out, *al)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// snapshotLocked is the persisted form: active allocations first, then the
// released history.
func (a *Allocator) snapshotLocked() []store.Allocation {
	return append(a.activeLocked(), a.released...)
}

func (a *Allocator) rememberReleasedLocked(al store.Allocation) {
	a.released = append(a.released, al)
	if len(a.released) > releasedHistorySize {
		a.released = a.released[len(a.released)-releasedHistorySize:]
	}
}

// persistLocked writes the snapshot. Persistence is at-least-once: a failed
// write is logged but never fails the in-memory operation.
func (a *Allocator) persistLocked() {
	if err := a.store.SaveAllocations(context.Background(), a.snapshotLocked()); err != nil {
		log.Error().Err(err).Msg("failed to persist port allocations")
	}
}
