package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/wesleyorama2/presigncheck/internal/signing"
)

const maxLinkTTL = signing.MaxTTL

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the run configuration. Start from NewRunConfig or
// call ApplyDefaults first.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *RunConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.ConcurrentUsers <= 0 {
		errs.Add("concurrent_users", "must be greater than 0")
	}
	if c.RunDuration < 0 {
		errs.Add("run_duration", "cannot be negative")
	}
	if c.Wait < 0 {
		errs.Add("wait", "cannot be negative")
	}

	ttl := time.Duration(c.LinkTTL)
	switch {
	case ttl <= 0:
		errs.Add("link_timeout", "must be greater than 0")
	case ttl%time.Second != 0:
		errs.Add("link_timeout", "must be a whole number of seconds")
	case ttl > maxLinkTTL:
		errs.Add("link_timeout", fmt.Sprintf("cannot exceed %s", maxLinkTTL))
	}

	if strings.TrimSpace(c.Bucket) == "" {
		errs.Add("bucket", "bucket is required")
	}
	if strings.TrimSpace(c.ContentType) == "" {
		errs.Add("content_type", "content type is required")
	}

	switch {
	case strings.TrimSpace(c.Source) == "" && c.PayloadSize <= 0:
		errs.Add("source", "either source or payload_size is required")
	case c.Source != "" && c.PayloadSize > 0:
		errs.Add("payload_size", "cannot be combined with source")
	case c.PayloadSize < 0:
		errs.Add("payload_size", "cannot be negative")
	}

	if c.TransferTimeout <= 0 {
		errs.Add("transfer_timeout", "must be greater than 0")
	}
	if c.GracefulStop < 0 {
		errs.Add("graceful_stop", "cannot be negative")
	}

	switch c.StartupMode {
	case StartupAfterStart, StartupFromConfig:
	default:
		errs.Add("startup_mode", fmt.Sprintf("unknown startup mode: %s", c.StartupMode))
	}

	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil {
			errs.Add("endpoint", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("endpoint", "scheme must be http or https")
		}
	}

	if c.Thresholds != nil {
		validateThresholds(c.Thresholds, errs)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateThresholds validates threshold configuration.
func validateThresholds(t *ThresholdsConfig, errs *ValidationErrors) {
	check := func(field string, exprs []string, metrics ...string) {
		for i, expr := range exprs {
			if err := ValidateThresholdExpression(expr, metrics...); err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", field, i), err.Error())
			}
		}
	}

	check("transfer_duration", t.TransferDuration, "p50", "p90", "p95", "p99", "min", "max", "avg", "med")
	check("iteration_failed", t.IterationFailed, "rate")
	check("iterations", t.Iterations, "count", "rate")
}

var thresholdPattern = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// ParseThresholdExpression splits an expression like "p95 < 500ms".
func ParseThresholdExpression(expr string) (metric, op, value string, err error) {
	expr = strings.TrimSpace(expr)

	matches := thresholdPattern.FindStringSubmatch(expr)
	if len(matches) != 4 {
		return "", "", "", fmt.Errorf("invalid expression format: %s", expr)
	}

	return matches[1], matches[2], strings.TrimSpace(matches[3]), nil
}

// ValidateThresholdExpression checks that expr uses one of the allowed
// metrics and a known comparison operator.
func ValidateThresholdExpression(expr string, metrics ...string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("threshold expression cannot be empty")
	}
	metric, op, _, err := ParseThresholdExpression(expr)
	if err != nil {
		return err
	}

	known := false
	for _, m := range metrics {
		if m == metric {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("threshold must start with one of (%s), got %q", strings.Join(metrics, ", "), metric)
	}

	switch op {
	case "<", ">", "<=", ">=", "==", "!=":
	default:
		return fmt.Errorf("threshold must contain a comparison operator (<, >, <=, >=, ==, !=)")
	}
	return nil
}
