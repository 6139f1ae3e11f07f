// Package executor provides the load generation strategy for a run.
package executor

import (
	"context"
	"time"

	"github.com/wesleyorama2/presigncheck/internal/performance"
	"github.com/wesleyorama2/presigncheck/internal/performance/metrics"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"
)

// StartupMode selects the instant the run duration is measured from.
type StartupMode string

const (
	// StartupAfterStart starts the clock once the last VU has started.
	StartupAfterStart StartupMode = "after-start"

	// StartupFromConfig starts the clock when Run is entered.
	StartupFromConfig StartupMode = "from-config"
)

// Executor defines the interface for load generation strategies.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init initializes the executor with configuration.
	// Called once before Run().
	Init(ctx context.Context, config *Config) error

	// Run starts the executor and blocks until every VU has stopped or
	// the drain timeout forced them off.
	Run(ctx context.Context, pool *performance.VUPool, metrics *metrics.Engine) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop raises the stop signal early and waits for the drain.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	Type Type `json:"type" yaml:"type"`

	VUs      int           `json:"vus" yaml:"vus"`
	Duration time.Duration `json:"duration" yaml:"duration"`

	// StartupMode defaults to StartupAfterStart.
	StartupMode StartupMode `json:"startupMode,omitempty" yaml:"startupMode,omitempty"`

	// DrainTimeout bounds the wait for in-flight iterations after stop.
	// When it expires the remaining transfers are cancelled.
	DrainTimeout time.Duration `json:"drainTimeout,omitempty" yaml:"drainTimeout,omitempty"`
}

// Stats contains real-time executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	SteadyStart   time.Time     `json:"steadyStart"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	Iterations int64 `json:"iterations"`

	// Abandoned counts VUs still running when the drain timeout expired.
	Abandoned int `json:"abandoned"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}
	if c.Type != TypeConstantVUs {
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}
	if c.VUs <= 0 {
		return &ValidationError{Field: "vus", Message: "vus must be > 0"}
	}
	if c.Duration < 0 {
		return &ValidationError{Field: "duration", Message: "duration must be >= 0"}
	}
	if c.DrainTimeout < 0 {
		return &ValidationError{Field: "drainTimeout", Message: "drainTimeout must be >= 0"}
	}
	switch c.StartupMode {
	case "", StartupAfterStart, StartupFromConfig:
	default:
		return &ValidationError{Field: "startupMode", Message: "unknown startup mode: " + string(c.StartupMode)}
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
