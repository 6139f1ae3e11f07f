package performance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/presigncheck/internal/performance/metrics"
)

// VUPool owns the Virtual Users of a run.
//
// It provides:
//   - VU creation with unique IDs
//   - the per-VU iteration loop
//   - coordinated stop and bounded waiting
//
// The pool is used by executors to control VU counts.
type VUPool struct {
	workload *Workload
	metrics  *metrics.Engine

	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32
}

// NewVUPool creates an empty pool.
func NewVUPool(workload *Workload, metricsEngine *metrics.Engine) *VUPool {
	return &VUPool{
		workload: workload,
		metrics:  metricsEngine,
		vus:      make(map[int]*VirtualUser),
	}
}

// SpawnVU creates and registers a new Virtual User. The caller runs it.
func (p *VUPool) SpawnVU() *VirtualUser {
	id := int(p.nextVUID.Add(1))
	vu := NewVirtualUser(id, p.workload, p.metrics)

	p.vusMu.Lock()
	p.vus[id] = vu
	p.vusMu.Unlock()

	return vu
}

// GetActiveVUCount returns the count of non-stopped VUs.
func (p *VUPool) GetActiveVUCount() int {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()

	count := 0
	for _, vu := range p.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// StateCounts returns how many VUs are in each state.
func (p *VUPool) StateCounts() map[VUState]int {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()

	counts := make(map[VUState]int)
	for _, vu := range p.vus {
		counts[vu.GetState()]++
	}
	return counts
}

// StopAllVUs requests all VUs to stop after their current iteration.
func (p *VUPool) StopAllVUs() {
	p.vusMu.RLock()
	defer p.vusMu.RUnlock()

	for _, vu := range p.vus {
		vu.RequestStop()
	}
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns the number of VUs that did not stop within the timeout.
func (p *VUPool) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	p.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(p.vus))
	for _, vu := range p.vus {
		vus = append(vus, vu)
	}
	p.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 || !vu.WaitForStop(remaining) {
			notStopped++
		}
	}
	return notStopped
}

// RunVU runs iterations until the VU is asked to stop or ctx ends.
//
// Stop is observed only between iterations. A panic inside an iteration
// stops this VU alone and is logged.
func (p *VUPool) RunVU(ctx context.Context, vu *VirtualUser, onIteration func()) {
	defer vu.MarkStopped()
	defer func() {
		if r := recover(); r != nil {
			p.logger().Error("Virtual user aborted", zap.Int("vu", vu.ID), zap.String("panic", fmt.Sprint(r)))
		}
	}()

	for {
		if ctx.Err() != nil || vu.StopRequested() {
			return
		}

		if _, err := vu.RunIteration(ctx); err != nil {
			return
		}
		if onIteration != nil {
			onIteration()
		}

		if !vu.WaitBetweenIterations(ctx) {
			return
		}
	}
}

func (p *VUPool) logger() *zap.Logger {
	if p.workload.Logger == nil {
		return zap.NewNop()
	}
	return p.workload.Logger
}

