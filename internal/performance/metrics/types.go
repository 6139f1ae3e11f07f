package metrics

import "time"

// Phase represents a phase of the run.
type Phase string

const (
	// PhaseInit is before any virtual user has started.
	PhaseInit Phase = "init"

	// PhaseStartup lasts until the last virtual user has started.
	PhaseStartup Phase = "startup"

	// PhaseSteady is the measured window at full concurrency.
	PhaseSteady Phase = "steady"

	// PhaseDraining begins at the stop signal; in-flight transfers finish.
	PhaseDraining Phase = "draining"

	// PhaseDone indicates the run has completed.
	PhaseDone Phase = "done"
)

// Histogram names.
const (
	HistTransfer = "transfer"
	HistLinkAge  = "link_age"
	HistSign     = "sign"
)

// Sample is what a single iteration contributes to the aggregate.
type Sample struct {
	// Kind is the outcome classification, e.g. "success" or "transfer".
	Kind    string
	Success bool

	// Transferred is false when the iteration ended before the network
	// transfer; Elapsed and LinkAge are then ignored.
	Transferred bool

	Elapsed time.Duration
	LinkAge time.Duration

	// Sign is the issuance latency. Zero when no link was requested.
	Sign time.Duration

	Bytes int64
}

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	Iterations int64 `json:"iterations"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	Bytes      int64 `json:"bytes"`

	// ByKind counts iterations per outcome kind.
	ByKind map[string]int64 `json:"byKind"`

	// Latency is issuance to response for iterations that transferred.
	Latency LatencyStats `json:"latency"`
	LinkAge LatencyStats `json:"linkAge"`
	Sign    LatencyStats `json:"sign"`

	// IterationsPerSecond prefers the steady-state rate when available.
	IterationsPerSecond float64 `json:"iterationsPerSecond"`
	SteadyStateRate     float64 `json:"steadyStateRate"`
	ErrorRate           float64 `json:"errorRate"`

	ActiveVUs    int           `json:"activeVUs"`
	CurrentPhase Phase         `json:"currentPhase"`
	Elapsed      time.Duration `json:"elapsed"`
	StartTime    time.Time     `json:"startTime"`
	Timestamp    time.Time     `json:"timestamp"`
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// LatencyPercentiles holds latency percentile values.
type LatencyPercentiles struct {
	Min time.Duration
	Max time.Duration
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// TimeBucket captures the state of the run at the end of one interval.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	// Cumulative counters since run start
	TotalIterations int64 `json:"totalIterations"`
	TotalSuccesses  int64 `json:"totalSuccesses"`
	TotalFailures   int64 `json:"totalFailures"`
	TotalBytes      int64 `json:"totalBytes"`

	// Interval metrics
	IntervalIterations int64   `json:"intervalIterations"`
	IntervalRate       float64 `json:"intervalRate"`
	IntervalErrorRate  float64 `json:"intervalErrorRate"`

	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveVUs int   `json:"activeVUs"`
	Phase     Phase `json:"phase"`
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase      Phase
	Timestamp  time.Time
	Iterations int64
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// BucketInterval is the interval for time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}
