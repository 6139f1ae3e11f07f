// Package metrics aggregates iteration samples from concurrent virtual users.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Engine collects and aggregates run metrics.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Counters use atomic operations,
// HDR histograms are guarded by a mutex because RecordValue is not
// goroutine-safe, and the bucket emitter runs in its own goroutine.
type Engine struct {
	hists   map[string]*hdrhistogram.Histogram
	histsMu sync.Mutex

	iterations atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	bytes      atomic.Int64

	kinds   map[string]*atomic.Int64
	kindsMu sync.RWMutex

	activeVUs atomic.Int32

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time

	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config EngineConfig
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a metrics engine and starts its bucket emitter.
// Call Stop to release it.
func NewEngineWithConfig(config EngineConfig) *Engine {
	if config.BucketInterval <= 0 {
		config.BucketInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		hists:         make(map[string]*hdrhistogram.Histogram),
		kinds:         make(map[string]*atomic.Int64),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		startTime:     time.Now(),
		emitterCancel: cancel,
		config:        config,
	}
	for _, name := range []string{HistTransfer, HistLinkAge, HistSign} {
		e.hists[name] = e.newHistogram()
	}

	e.emitterWg.Add(1)
	go e.runEmitter(ctx)

	return e
}

func (e *Engine) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(e.config.HistogramMin, e.config.HistogramMax, e.config.HistogramSigFigs)
}

// Record adds one iteration sample.
func (e *Engine) Record(s Sample) {
	e.iterations.Add(1)
	if s.Success {
		e.successes.Add(1)
		e.bytes.Add(s.Bytes)
	} else {
		e.failures.Add(1)
	}
	if s.Kind != "" {
		e.kindCounter(s.Kind).Add(1)
	}

	e.histsMu.Lock()
	if s.Transferred {
		e.hists[HistTransfer].RecordValue(e.clamp(s.Elapsed))
		e.hists[HistLinkAge].RecordValue(e.clamp(s.LinkAge))
	}
	if s.Sign > 0 {
		e.hists[HistSign].RecordValue(e.clamp(s.Sign))
	}
	e.histsMu.Unlock()

	e.bucketStore.RecordIteration(s.Success)
}

func (e *Engine) kindCounter(kind string) *atomic.Int64 {
	e.kindsMu.RLock()
	c, ok := e.kinds[kind]
	e.kindsMu.RUnlock()
	if ok {
		return c
	}

	e.kindsMu.Lock()
	defer e.kindsMu.Unlock()
	if c, ok = e.kinds[kind]; !ok {
		c = &atomic.Int64{}
		e.kinds[kind] = c
	}
	return c
}

// clamp converts to microseconds within the histogram range.
func (e *Engine) clamp(d time.Duration) int64 {
	v := d.Microseconds()
	if v < e.config.HistogramMin {
		v = e.config.HistogramMin
	}
	if v > e.config.HistogramMax {
		v = e.config.HistogramMax
	}
	return v
}

// SetPhase records a phase transition.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}
	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:      phase,
		Timestamp:  time.Now(),
		Iterations: e.iterations.Load(),
	})
}

// GetPhase returns the current phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// GetPhaseHistory returns a copy of the phase transitions.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// SetActiveVUs updates the active VU count.
func (e *Engine) SetActiveVUs(count int) {
	e.activeVUs.Store(int32(count))
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

func (e *Engine) runEmitter(ctx context.Context) {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	e.bucketStore.CreateBucket(
		e.iterations.Load(), e.successes.Load(), e.failures.Load(), e.bytes.Load(),
		e.GetLatencyPercentiles(), e.GetActiveVUs(), e.GetPhase(),
	)
}

// GetLatencyPercentiles returns transfer latency percentiles.
func (e *Engine) GetLatencyPercentiles() LatencyPercentiles {
	e.histsMu.Lock()
	defer e.histsMu.Unlock()

	h := e.hists[HistTransfer]
	return LatencyPercentiles{
		Min: micros(h.Min()),
		Max: micros(h.Max()),
		P50: micros(h.ValueAtQuantile(50)),
		P90: micros(h.ValueAtQuantile(90)),
		P95: micros(h.ValueAtQuantile(95)),
		P99: micros(h.ValueAtQuantile(99)),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func statsOf(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   micros(int64(h.Mean())),
		StdDev: micros(int64(h.StdDev())),
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

// GetSnapshot returns a point-in-time view of all metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	e.histsMu.Lock()
	latency := statsOf(e.hists[HistTransfer])
	linkAge := statsOf(e.hists[HistLinkAge])
	sign := statsOf(e.hists[HistSign])
	e.histsMu.Unlock()

	elapsed := time.Since(e.startTime)
	iterations := e.iterations.Load()
	failures := e.failures.Load()

	overall := 0.0
	if elapsed.Seconds() > 0 {
		overall = float64(iterations) / elapsed.Seconds()
	}
	steady, steadyBuckets := e.bucketStore.SteadyStateRate()
	rate := overall
	if steadyBuckets > 0 {
		rate = steady
	}

	errorRate := 0.0
	if iterations > 0 {
		errorRate = float64(failures) / float64(iterations)
	}

	return &Snapshot{
		Iterations:          iterations,
		Successes:           e.successes.Load(),
		Failures:            failures,
		Bytes:               e.bytes.Load(),
		ByKind:              e.kindCounts(),
		Latency:             latency,
		LinkAge:             linkAge,
		Sign:                sign,
		IterationsPerSecond: rate,
		SteadyStateRate:     steady,
		ErrorRate:           errorRate,
		ActiveVUs:           e.GetActiveVUs(),
		CurrentPhase:        e.GetPhase(),
		Elapsed:             elapsed,
		StartTime:           e.startTime,
		Timestamp:           time.Now(),
	}
}

func (e *Engine) kindCounts() map[string]int64 {
	e.kindsMu.RLock()
	defer e.kindsMu.RUnlock()

	out := make(map[string]int64, len(e.kinds))
	for k, c := range e.kinds {
		out[k] = c.Load()
	}
	return out
}

// Kinds returns the outcome kinds seen so far, sorted.
func (e *Engine) Kinds() []string {
	e.kindsMu.RLock()
	defer e.kindsMu.RUnlock()

	out := make([]string, 0, len(e.kinds))
	for k := range e.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetTimeSeries returns all time-series buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetLatestBucket returns the most recent bucket, or nil.
func (e *Engine) GetLatestBucket() *TimeBucket {
	return e.bucketStore.GetLatestBucket()
}

// Stop halts the emitter and emits a final bucket. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
	})
}
