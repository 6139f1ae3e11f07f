package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/presigncheck/internal/performance/engine"
	"github.com/wesleyorama2/presigncheck/internal/performance/metrics"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0ms"},
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDurationShort(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDurationShort(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatNumber(tt.number)
			if result != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, result, tt.expected)
			}
		})
	}
}

func TestConsoleOutputCreation(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{
		RunName:       "Upload run",
		TotalDuration: time.Minute,
		Writer:        &buf,
	})

	if output == nil {
		t.Fatal("NewConsoleOutput returned nil")
	}
	if output.runName != "Upload run" {
		t.Errorf("runName = %q, want %q", output.runName, "Upload run")
	}

	// Should not be TTY when writing to buffer
	if output.IsTTY() {
		t.Error("Expected non-TTY when writing to buffer")
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		progress float64
		width    int
		filled   int
	}{
		{0.0, 20, 0},
		{0.5, 20, 10},
		{1.0, 20, 20},
		{1.7, 20, 20},
		{-1, 20, 0},
	}

	for _, tt := range tests {
		result := renderProgressBar(tt.progress, tt.width)

		if !strings.HasPrefix(result, "[") || !strings.HasSuffix(result, "]") {
			t.Errorf("Progress bar should be wrapped in brackets: %q", result)
		}

		// Count runes (not bytes) because we use multi-byte Unicode characters
		if runeCount := len([]rune(result)); runeCount != tt.width+2 {
			t.Errorf("Progress bar rune count = %d, want %d", runeCount, tt.width+2)
		}
		if n := strings.Count(result, progressFilled); n != tt.filled {
			t.Errorf("renderProgressBar(%v) filled = %d, want %d", tt.progress, n, tt.filled)
		}
	}
}

func TestPrintHeader(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{
		RunName:       "nightly",
		TotalDuration: 30 * time.Second,
		Writer:        &buf,
	})
	output.PrintHeader("uploads", 5, 10*time.Second)

	header := buf.String()
	for _, want := range []string{"nightly", "Bucket: uploads", "Users: 5", "Link TTL: 10.0s"} {
		if !strings.Contains(header, want) {
			t.Errorf("header missing %q:\n%s", want, header)
		}
	}
	if strings.Contains(header, "\033[") {
		t.Error("header should not contain ANSI codes when not a TTY")
	}
}

func TestUpdateIsNoopWithoutTTY(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{Writer: &buf})
	output.Update(&LiveStats{Progress: 0.5})

	if buf.Len() != 0 {
		t.Errorf("Update wrote %q to a non-TTY writer", buf.String())
	}
}

func TestUpdateRedrawsOnTTY(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{Writer: &buf, ForceTTY: true})
	output.Update(&LiveStats{Progress: 0.25, ActiveVUs: 3, TargetVUs: 3, CurrentPhase: "steady"})
	first := buf.String()
	if !strings.Contains(first, "25%") || !strings.Contains(first, "steady") {
		t.Errorf("unexpected live output:\n%s", first)
	}
	if strings.Contains(first, "\033[4A") {
		t.Error("first update should not move the cursor")
	}

	output.Update(&LiveStats{Progress: 0.5, CurrentPhase: "steady"})
	if !strings.Contains(buf.String()[len(first):], "\033[4A") {
		t.Error("second update should move the cursor up over the previous lines")
	}
}

func TestPrintNonInteractiveUpdate(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{Writer: &buf})
	output.PrintNonInteractiveUpdate(&LiveStats{
		Progress:   0.5,
		Elapsed:    15 * time.Second,
		ActiveVUs:  4,
		Iterations: 120,
		Rate:       8,
		Failures:   6,
		ErrorRate:  0.05,
		LatencyP95: 120 * time.Millisecond,
	})

	line := buf.String()
	want := "[15.0s] Progress: 50% | VUs: 4 | Iterations: 120 | Rate: 8.0/s | Failures: 6 (5.0%) | P95: 120ms\n"
	if line != want {
		t.Errorf("line = %q, want %q", line, want)
	}
}

func testResult(passed bool) *engine.Result {
	latency := metrics.LatencyStats{
		Min:   10 * time.Millisecond,
		Max:   100 * time.Millisecond,
		Mean:  30 * time.Millisecond,
		P50:   25 * time.Millisecond,
		P90:   50 * time.Millisecond,
		P95:   60 * time.Millisecond,
		P99:   80 * time.Millisecond,
		Count: 990,
	}
	return &engine.Result{
		Name:       "Nightly",
		Duration:   30 * time.Second,
		Users:      5,
		Iterations: 1000,
		Successes:  990,
		Failures:   10,
		ByKind:     map[string]int64{"success": 990, "transfer": 10},
		Latency:    latency,
		LinkAge:    latency,
		Metrics:    &metrics.Snapshot{Latency: latency},
		Passed:     passed,
		Thresholds: []engine.ThresholdResult{
			{
				Metric:     "transfer_duration",
				Expression: "p95 < 100ms",
				Passed:     passed,
				Value:      "60ms",
				Message:    "p95 is 60ms, threshold: < 50ms",
			},
		},
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{RunName: "Nightly", Writer: &buf})
	output.PrintSummary(testResult(true))

	summary := buf.String()
	for _, want := range []string{
		"Nightly",
		"Completed ✓",
		"1,000",
		"99.0%",
		"KIND",
		"success",
		"transfer",
		"60ms",
		"p95 < 100ms",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
	if strings.Contains(summary, "Abandoned") {
		t.Error("summary should not mention abandoned transfers when none were cancelled")
	}
}

func TestPrintSummaryFailed(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{Writer: &buf})
	result := testResult(false)
	result.Abandoned = 2
	output.PrintSummary(result)

	summary := buf.String()
	if !strings.Contains(summary, "Failed ✗") {
		t.Error("summary should show failure status")
	}
	if !strings.Contains(summary, "Abandoned:     2") {
		t.Error("summary should report abandoned transfers")
	}
	if !strings.Contains(summary, "threshold: < 50ms") {
		t.Error("summary should include the threshold failure message")
	}
}

func TestPrintSummaryQuiet(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{Writer: &buf, Quiet: true})
	output.PrintSummary(testResult(false))

	if got := buf.String(); got != "FAILED\n" {
		t.Errorf("quiet summary = %q, want %q", got, "FAILED\n")
	}
}

func TestStatsFromMetrics(t *testing.T) {
	snapshot := &metrics.Snapshot{
		Iterations:          500,
		Successes:           490,
		Failures:            10,
		ErrorRate:           0.02,
		IterationsPerSecond: 50.0,
		ActiveVUs:           10,
		CurrentPhase:        metrics.PhaseSteady,
		Elapsed:             30 * time.Second,
		Latency: metrics.LatencyStats{
			Mean: 20 * time.Millisecond,
			P95:  50 * time.Millisecond,
		},
		LinkAge: metrics.LatencyStats{Max: 2 * time.Second},
	}

	stats := StatsFromMetrics(snapshot, 0.5, time.Minute, 20)

	if stats.Progress != 0.5 {
		t.Errorf("Progress = %f, want 0.5", stats.Progress)
	}
	if stats.ActiveVUs != 10 {
		t.Errorf("ActiveVUs = %d, want 10", stats.ActiveVUs)
	}
	if stats.TargetVUs != 20 {
		t.Errorf("TargetVUs = %d, want 20", stats.TargetVUs)
	}
	if stats.Rate != 50.0 {
		t.Errorf("Rate = %f, want 50.0", stats.Rate)
	}
	if stats.Remaining != 30*time.Second {
		t.Errorf("Remaining = %v, want 30s", stats.Remaining)
	}
	if stats.LinkAgeMax != 2*time.Second {
		t.Errorf("LinkAgeMax = %v, want 2s", stats.LinkAgeMax)
	}
	if stats.CurrentPhase != "steady" {
		t.Errorf("CurrentPhase = %q, want steady", stats.CurrentPhase)
	}
}

func TestStatsFromMetricsNil(t *testing.T) {
	stats := StatsFromMetrics(nil, 0, time.Minute, 5)
	if stats.CurrentPhase != "initializing" || stats.TargetVUs != 5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
