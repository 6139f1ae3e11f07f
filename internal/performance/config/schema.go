// Package config provides parsing and validation of run definitions.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Startup modes select the instant the run duration is measured from.
const (
	StartupAfterStart = "after-start"
	StartupFromConfig = "from-config"
)

// RunConfig is the root configuration for an upload run.
//
// Example YAML:
//
//	name: "nightly upload check"
//	concurrent_users: 5
//	run_duration: 5m
//	link_timeout: 10
//	bucket: my-upload-bucket
//	source: ./fixtures/sample.pdf
//	thresholds:
//	  iteration_failed:
//	    - "rate < 0.01"
//
// Fields tagged env may be overridden from the environment.
type RunConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// ConcurrentUsers is the number of virtual users (default 5).
	ConcurrentUsers int `json:"concurrent_users,omitempty" yaml:"concurrent_users,omitempty" env:"PRESIGNCHECK_CONCURRENT_USERS"`

	// RunDuration is measured according to StartupMode.
	RunDuration Duration `json:"run_duration,omitempty" yaml:"run_duration,omitempty" env:"PRESIGNCHECK_RUN_DURATION"`

	// Wait is the fixed delay between iterations (default 1s).
	Wait Duration `json:"wait,omitempty" yaml:"wait,omitempty" env:"PRESIGNCHECK_WAIT"`

	// LinkTTL is the validity window of each signed link (default 10s).
	LinkTTL Duration `json:"link_timeout,omitempty" yaml:"link_timeout,omitempty" env:"PRESIGNCHECK_LINK_TIMEOUT"`

	Bucket      string `json:"bucket,omitempty" yaml:"bucket,omitempty" env:"PRESIGNCHECK_BUCKET"`
	KeyPrefix   string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty" env:"PRESIGNCHECK_KEY_PREFIX"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`

	// Source is the payload file copied for every iteration.
	Source string `json:"source,omitempty" yaml:"source,omitempty" env:"PRESIGNCHECK_SOURCE"`

	// PayloadSize generates an in-memory payload when Source is empty.
	PayloadSize int64 `json:"payload_size,omitempty" yaml:"payload_size,omitempty"`

	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty" env:"PRESIGNCHECK_WORK_DIR"`

	Profile   string `json:"profile,omitempty" yaml:"profile,omitempty" env:"AWS_PROFILE"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty" env:"AWS_REGION"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" env:"PRESIGNCHECK_ENDPOINT"`
	PathStyle bool   `json:"path_style,omitempty" yaml:"path_style,omitempty"`

	// TransferTimeout bounds a single upload (default 50m).
	TransferTimeout Duration `json:"transfer_timeout,omitempty" yaml:"transfer_timeout,omitempty"`

	// GracefulStop is added to TransferTimeout to bound the drain.
	GracefulStop Duration `json:"graceful_stop,omitempty" yaml:"graceful_stop,omitempty"`

	StartupMode string `json:"startup_mode,omitempty" yaml:"startup_mode,omitempty"`

	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// ThresholdsConfig defines pass/fail criteria for a run.
type ThresholdsConfig struct {
	// TransferDuration thresholds, e.g. ["p95 < 2s", "avg < 500ms"].
	TransferDuration []string `json:"transfer_duration,omitempty" yaml:"transfer_duration,omitempty"`

	// IterationFailed thresholds on the failure rate, e.g. ["rate < 0.01"].
	IterationFailed []string `json:"iteration_failed,omitempty" yaml:"iteration_failed,omitempty"`

	// Iterations thresholds on count or rate, e.g. ["count > 100"].
	Iterations []string `json:"iterations,omitempty" yaml:"iterations,omitempty"`
}

// DrainTimeout is how long in-flight iterations may run after stop.
func (c *RunConfig) DrainTimeout() time.Duration {
	return time.Duration(c.TransferTimeout) + time.Duration(c.GracefulStop)
}

// Duration is a time.Duration read from "30s" style strings or bare
// integer seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	if s == "null" {
		s = ""
	}
	return d.SetValue(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	return d.SetValue(value.Value)
}

// SetValue parses s into d. It lets cleanenv read durations from the
// environment.
func (d *Duration) SetValue(s string) error {
	dur, err := ParseDurationString(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	seconds, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}
