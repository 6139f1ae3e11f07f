// Package engine orchestrates an upload run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/presigncheck/internal/performance"
	"github.com/wesleyorama2/presigncheck/internal/performance/config"
	"github.com/wesleyorama2/presigncheck/internal/performance/executor"
	"github.com/wesleyorama2/presigncheck/internal/performance/metrics"
	"github.com/wesleyorama2/presigncheck/internal/staging"
	"github.com/wesleyorama2/presigncheck/internal/telemetry"
	"github.com/wesleyorama2/presigncheck/internal/transport"
)

// ErrAlreadyRunning is returned by Run on an engine that is running.
var ErrAlreadyRunning = errors.New("engine is already running")

// Dependencies are the shared handles a run is built from. They are
// constructed once by the caller and shared read-only by every VU.
type Dependencies struct {
	Issuer    performance.LinkIssuer
	Stager    staging.Stager
	Transport transport.Doer

	// Sink defaults to telemetry.Nop.
	Sink telemetry.Sink

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Engine is the orchestrator for an upload run.
//
// It coordinates:
//   - the VU pool and the constant-VUs executor
//   - metrics collection and aggregation
//   - threshold evaluation
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("run.yaml")
//	eng, _ := engine.New(cfg, deps)
//	result, _ := eng.Run(ctx)
//	fmt.Printf("Run passed: %v\n", result.Passed)
type Engine struct {
	config *config.RunConfig
	deps   Dependencies

	mu            sync.RWMutex
	metricsEngine *metrics.Engine
	executor      *executor.ConstantVUs
	pool          *performance.VUPool
	startTime     time.Time
	running       bool
}

// Result contains the aggregate outcome of a run. A run with zero
// successes is still a valid Result.
type Result struct {
	Name      string        `json:"name,omitempty"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	Users      int              `json:"users"`
	Iterations int64            `json:"iterations"`
	Successes  int64            `json:"successes"`
	Failures   int64            `json:"failures"`
	ByKind     map[string]int64 `json:"byKind"`

	// Abandoned counts VUs whose transfer was cancelled at the drain timeout.
	Abandoned int `json:"abandoned,omitempty"`

	Latency metrics.LatencyStats `json:"latency"`
	LinkAge metrics.LatencyStats `json:"linkAge"`

	Metrics    *metrics.Snapshot     `json:"metrics"`
	TimeSeries []*metrics.TimeBucket `json:"timeSeries,omitempty"`

	Passed     bool              `json:"passed"`
	Thresholds []ThresholdResult `json:"thresholds,omitempty"`
}

// New validates cfg and deps. cfg must already have defaults applied.
func New(cfg *config.RunConfig, deps Dependencies) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("invalid configuration: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if deps.Issuer == nil {
		return nil, fmt.Errorf("invalid dependencies: issuer is required")
	}
	if deps.Stager == nil {
		return nil, fmt.Errorf("invalid dependencies: stager is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("invalid dependencies: transport is required")
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Engine{config: cfg, deps: deps}, nil
}

// Run executes the run and returns its aggregate result.
//
// Cancelling ctx raises the stop signal early. In-flight transfers are
// still allowed to finish within the drain timeout.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.startTime = time.Now()

	e.metricsEngine = metrics.NewEngine()
	e.pool = performance.NewVUPool(e.workload(), e.metricsEngine)
	e.executor = executor.NewConstantVUs()
	exec, pool, metricsEngine := e.executor, e.pool, e.metricsEngine
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	metricsEngine.SetPhase(metrics.PhaseInit)

	execConfig := &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          e.config.ConcurrentUsers,
		Duration:     time.Duration(e.config.RunDuration),
		StartupMode:  executor.StartupMode(e.config.StartupMode),
		DrainTimeout: e.config.DrainTimeout(),
	}
	if err := exec.Init(ctx, execConfig); err != nil {
		metricsEngine.Stop()
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	log := e.deps.Logger
	log.Info("Starting run",
		zap.String("bucket", e.config.Bucket),
		zap.Int("users", e.config.ConcurrentUsers),
		zap.Duration("duration", execConfig.Duration),
		zap.Duration("link_ttl", time.Duration(e.config.LinkTTL)),
		zap.String("startup_mode", string(execConfig.StartupMode)),
	)

	runErr := exec.Run(ctx, pool, metricsEngine)
	metricsEngine.Stop()

	stats := exec.GetStats()
	if stats.Abandoned > 0 {
		log.Warn("Drain timeout reached, in-flight transfers were cancelled",
			zap.Int("abandoned", stats.Abandoned),
			zap.Duration("drain_timeout", execConfig.DrainTimeout),
		)
	}

	snapshot := metricsEngine.GetSnapshot()
	thresholds := EvaluateThresholds(e.config.Thresholds, snapshot)
	passed := true
	for _, tr := range thresholds {
		if !tr.Passed {
			passed = false
			break
		}
	}

	result := &Result{
		Name:       e.config.Name,
		StartTime:  e.startTime,
		EndTime:    time.Now(),
		Duration:   time.Since(e.startTime),
		Users:      e.config.ConcurrentUsers,
		Iterations: snapshot.Iterations,
		Successes:  snapshot.Successes,
		Failures:   snapshot.Failures,
		ByKind:     snapshot.ByKind,
		Abandoned:  stats.Abandoned,
		Latency:    snapshot.Latency,
		LinkAge:    snapshot.LinkAge,
		Metrics:    snapshot,
		TimeSeries: metricsEngine.GetTimeSeries(),
		Passed:     passed,
		Thresholds: thresholds,
	}

	log.Info("Run finished",
		zap.Int64("iterations", result.Iterations),
		zap.Int64("successes", result.Successes),
		zap.Int64("failures", result.Failures),
		zap.Duration("elapsed", result.Duration),
		zap.Bool("passed", result.Passed),
	)

	return result, runErr
}

func (e *Engine) workload() *performance.Workload {
	return &performance.Workload{
		Bucket:          e.config.Bucket,
		KeyPrefix:       e.config.KeyPrefix,
		ContentType:     e.config.ContentType,
		LinkTTL:         time.Duration(e.config.LinkTTL),
		Wait:            time.Duration(e.config.Wait),
		TransferTimeout: time.Duration(e.config.TransferTimeout),
		Issuer:          e.deps.Issuer,
		Stager:          e.deps.Stager,
		Transport:       e.deps.Transport,
		Sink:            e.deps.Sink,
		Logger:          e.deps.Logger,
	}
}

// GetMetrics returns the current metrics snapshot, or nil before Run.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	e.mu.RLock()
	m := e.metricsEngine
	e.mu.RUnlock()

	if m == nil {
		return nil
	}
	return m.GetSnapshot()
}

// GetVUStates returns how many VUs are in each state.
func (e *Engine) GetVUStates() map[performance.VUState]int {
	e.mu.RLock()
	pool := e.pool
	e.mu.RUnlock()

	if pool == nil {
		return nil
	}
	return pool.StateCounts()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// GetProgress returns the run progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	exec := e.executor
	e.mu.RUnlock()

	if exec == nil {
		return 0.0
	}
	return exec.GetProgress()
}

// Stop raises the stop signal and waits for in-flight iterations.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	exec := e.executor
	running := e.running
	e.mu.RUnlock()

	if !running || exec == nil {
		return nil
	}
	return exec.Stop(ctx)
}
