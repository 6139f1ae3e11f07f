package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/presigncheck/internal/performance"
	"github.com/wesleyorama2/presigncheck/internal/performance/metrics"
)

// defaultDrainTimeout applies when the config leaves DrainTimeout unset.
const defaultDrainTimeout = 30 * time.Second

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// Every VU loops independently until the stop signal is raised. The
// signal fires when the duration has elapsed, when the caller's context
// ends, or when Stop is called. VUs observe it between iterations only,
// so an in-flight transfer is allowed to finish until DrainTimeout.
type ConstantVUs struct {
	config  *Config
	metrics *metrics.Engine

	mu          sync.RWMutex
	startTime   time.Time
	steadyStart time.Time
	abandoned   int

	activeVUs  atomic.Int32
	iterations atomic.Int64
	running    atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeConstantVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantVUs, config.Type)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run spawns all VUs and blocks until they have stopped.
func (e *ConstantVUs) Run(ctx context.Context, pool *performance.VUPool, metricsEngine *metrics.Engine) error {
	if e.config == nil {
		return fmt.Errorf("executor not initialized")
	}
	defer close(e.doneCh)

	e.metrics = metricsEngine
	e.running.Store(true)
	defer e.running.Store(false)

	e.mu.Lock()
	e.startTime = time.Now()
	e.mu.Unlock()
	e.setPhase(metrics.PhaseStartup)

	// VUs run on a context detached from the caller's so that cancelling
	// ctx raises the stop signal instead of aborting transfers. The hard
	// cancel is reserved for the drain timeout.
	vuCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	var started sync.WaitGroup
	var g errgroup.Group

	started.Add(e.config.VUs)
	for i := 0; i < e.config.VUs; i++ {
		vu := pool.SpawnVU()
		g.Go(func() error {
			e.vuStarted()
			started.Done()
			defer e.vuExited()

			pool.RunVU(vuCtx, vu, func() { e.iterations.Add(1) })
			return nil
		})
	}

	if e.config.StartupMode != StartupFromConfig {
		started.Wait()
	}
	e.mu.Lock()
	if e.config.StartupMode == StartupFromConfig {
		e.steadyStart = e.startTime
	} else {
		e.steadyStart = time.Now()
	}
	remaining := e.config.Duration - time.Since(e.steadyStart)
	e.mu.Unlock()
	e.setPhase(metrics.PhaseSteady)

	timer := time.NewTimer(max(remaining, 0))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-e.stopCh:
	}

	e.setPhase(metrics.PhaseDraining)
	e.raiseStop()
	pool.StopAllVUs()

	drain := e.config.DrainTimeout
	if drain == 0 {
		drain = defaultDrainTimeout
	}
	if left := pool.WaitForAllVUs(drain); left > 0 {
		e.mu.Lock()
		e.abandoned = left
		e.mu.Unlock()
		hardCancel()
	}

	err := g.Wait()
	e.setPhase(metrics.PhaseDone)
	return err
}

func (e *ConstantVUs) setPhase(p metrics.Phase) {
	if e.metrics != nil {
		e.metrics.SetPhase(p)
	}
}

func (e *ConstantVUs) vuStarted() {
	n := e.activeVUs.Add(1)
	if e.metrics != nil {
		e.metrics.SetActiveVUs(int(n))
	}
}

func (e *ConstantVUs) vuExited() {
	n := e.activeVUs.Add(-1)
	if e.metrics != nil {
		e.metrics.SetActiveVUs(int(n))
	}
}

func (e *ConstantVUs) raiseStop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	e.mu.RLock()
	start, steady := e.startTime, e.steadyStart
	e.mu.RUnlock()

	if !e.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}
	if steady.IsZero() || e.config.Duration <= 0 {
		return 0.0
	}

	progress := float64(time.Since(steady)) / float64(e.config.Duration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetActiveVUs returns current active VU count.
func (e *ConstantVUs) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var elapsed time.Duration
	if !e.startTime.IsZero() {
		elapsed = time.Since(e.startTime)
	}

	stats := &Stats{
		StartTime:   e.startTime,
		SteadyStart: e.steadyStart,
		CurrentTime: time.Now(),
		Elapsed:     elapsed,
		ActiveVUs:   int(e.activeVUs.Load()),
		Iterations:  e.iterations.Load(),
		Abandoned:   e.abandoned,
	}
	if e.config != nil {
		stats.TotalDuration = e.config.Duration
		stats.TargetVUs = e.config.VUs
	}
	return stats
}

// Stop raises the stop signal and waits for Run to return.
func (e *ConstantVUs) Stop(ctx context.Context) error {
	e.raiseStop()
	if !e.running.Load() {
		return nil
	}

	select {
	case <-e.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure ConstantVUs implements Executor
var _ Executor = (*ConstantVUs)(nil)
