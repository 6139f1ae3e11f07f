// Package output renders run progress and the final summary to a console.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/wesleyorama2/presigncheck/internal/performance/engine"
	"github.com/wesleyorama2/presigncheck/internal/performance/metrics"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal  = "━"
	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int

	Rate       float64
	Iterations int64
	Failures   int64
	ErrorRate  float64

	LatencyP95 time.Duration
	LatencyAvg time.Duration
	LinkAgeMax time.Duration

	CurrentPhase string
}

// palette holds per-console colour printers so one console can be
// monochrome while another is not.
type palette struct {
	header  func(a ...interface{}) string
	bold    func(a ...interface{}) string
	dim     func(a ...interface{}) string
	good    func(a ...interface{}) string
	warn    func(a ...interface{}) string
	bad     func(a ...interface{}) string
	accent  func(a ...interface{}) string
	latency func(a ...interface{}) string
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) func(a ...interface{}) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return palette{
		header:  mk(color.FgCyan),
		bold:    mk(color.Bold),
		dim:     mk(color.Faint),
		good:    mk(color.FgGreen),
		warn:    mk(color.FgYellow),
		bad:     mk(color.FgRed),
		accent:  mk(color.FgMagenta),
		latency: mk(color.FgBlue),
	}
}

// ConsoleOutput manages console output during a run.
type ConsoleOutput struct {
	runName       string
	totalDuration time.Duration
	writer        io.Writer
	isTTY         bool
	quiet         bool
	colors        palette

	mu          sync.Mutex
	linesOutput int
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	RunName       string
	TotalDuration time.Duration
	Writer        io.Writer
	Quiet         bool
	ForceColors   bool
	ForceTTY      bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.RunName == "" {
		config.RunName = "presigncheck"
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := config.ForceColors || (isTTY && supportsColors())

	return &ConsoleOutput{
		runName:       config.RunName,
		totalDuration: config.TotalDuration,
		writer:        config.Writer,
		isTTY:         isTTY,
		quiet:         config.Quiet,
		colors:        newPalette(useColors),
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok && (f == os.Stdout || f == os.Stderr) {
		return checkIsTerminal(f)
	}
	return false
}

func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// PrintHeader prints the run header.
func (c *ConsoleOutput) PrintHeader(bucket string, users int, linkTTL time.Duration) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.colors.header(line))
	c.writeln(c.colors.bold(fmt.Sprintf("%s - Running [constant-vus]", c.runName)))
	c.writeln(fmt.Sprintf("Bucket: %s | Users: %d | Duration: %s | Link TTL: %s",
		bucket, users, formatDuration(c.totalDuration), formatDuration(linkTTL)))
	c.writeln(c.colors.header(line))
	c.writeln("")
}

// Update redraws the live display. It is a no-op unless writing to a TTY.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))

	return []string{
		fmt.Sprintf("Progress: %s %s | %s",
			c.colors.good(renderProgressBar(stats.Progress, 40)),
			c.colors.bold(fmt.Sprintf("%.0f%%", stats.Progress*100)),
			c.colors.dim(timeInfo)),
		fmt.Sprintf("Phase:    %s", c.colors.accent(stats.CurrentPhase)),
		fmt.Sprintf("VUs: %s/%d | Iterations: %s | Rate: %s/s | Failures: %s",
			c.colors.header(strconv.Itoa(stats.ActiveVUs)), stats.TargetVUs,
			c.colors.header(formatNumber(stats.Iterations)),
			c.colors.good(fmt.Sprintf("%.1f", stats.Rate)),
			c.errorColor(stats.ErrorRate)(fmt.Sprintf("%d (%.1f%%)", stats.Failures, stats.ErrorRate*100))),
		fmt.Sprintf("P95: %s | Avg: %s | Max link age: %s",
			c.colors.latency(formatDurationShort(stats.LatencyP95)),
			c.colors.latency(formatDurationShort(stats.LatencyAvg)),
			c.colors.latency(formatDurationShort(stats.LinkAgeMax))),
	}
}

func (c *ConsoleOutput) errorColor(rate float64) func(a ...interface{}) string {
	switch {
	case rate > 0.05:
		return c.colors.bad
	case rate > 0.01:
		return c.colors.warn
	default:
		return c.colors.good
	}
}

func renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintNonInteractiveUpdate prints a one-line status update.
// Used when output is not a TTY (e.g., piped to a file or CI/CD).
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d | Iterations: %d | Rate: %.1f/s | Failures: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.Iterations,
		stats.Rate,
		stats.Failures,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// PrintSummary prints the final run summary.
func (c *ConsoleOutput) PrintSummary(result *engine.Result) {
	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.good("PASSED"))
		} else {
			c.writeln(c.colors.bad("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.good("Completed ✓")
	if !result.Passed {
		status = c.colors.bad("Failed ✗")
	}

	c.writeln("")
	c.writeln(c.colors.header(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.bold(c.runName), status))
	c.writeln(c.colors.header(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.header(formatDuration(result.Duration))))
	c.writeln(fmt.Sprintf("Users:         %s", c.colors.header(strconv.Itoa(result.Users))))
	c.writeln(fmt.Sprintf("Iterations:    %s", c.colors.header(formatNumber(result.Iterations))))

	successRate := 0.0
	if result.Iterations > 0 {
		successRate = float64(result.Successes) / float64(result.Iterations)
	}
	c.writeln(fmt.Sprintf("Success Rate:  %s", c.errorColor(1-successRate)(fmt.Sprintf("%.1f%%", successRate*100))))
	if result.Abandoned > 0 {
		c.writeln(c.colors.warn(fmt.Sprintf("Abandoned:     %d transfer(s) cancelled at drain timeout", result.Abandoned)))
	}
	c.writeln("")

	c.writeln(c.colors.bold("Outcomes:"))
	outcomes := tablewriter.NewWriter(c.writer)
	outcomes.SetHeader([]string{"Kind", "Count", "Share"})
	outcomes.SetBorder(true)
	for _, kind := range sortedKinds(result.ByKind) {
		n := result.ByKind[kind]
		share := 0.0
		if result.Iterations > 0 {
			share = float64(n) / float64(result.Iterations) * 100
		}
		outcomes.Append([]string{kind, formatNumber(n), fmt.Sprintf("%.1f%%", share)})
	}
	outcomes.Render()
	c.writeln("")

	if result.Latency.Count > 0 {
		c.writeln(c.colors.bold("Latency Distribution:"))
		latency := tablewriter.NewWriter(c.writer)
		latency.SetHeader([]string{"Metric", "Min", "P50", "P90", "P95", "P99", "Max"})
		latency.SetBorder(true)
		latency.Append(latencyRow("transfer", result.Latency))
		latency.Append(latencyRow("link age", result.LinkAge))
		if result.Metrics != nil && result.Metrics.Sign.Count > 0 {
			latency.Append(latencyRow("signing", result.Metrics.Sign))
		}
		latency.Render()
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(c.colors.bold("Thresholds:"))
		for _, t := range result.Thresholds {
			mark := c.colors.good("✓")
			if !t.Passed {
				mark = c.colors.bad("✗")
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, t.Value))
			if t.Message != "" && !t.Passed {
				c.writeln(c.colors.dim("      " + t.Message))
			}
		}
		c.writeln("")
	}
}

func latencyRow(name string, s metrics.LatencyStats) []string {
	return []string{
		name,
		formatDurationShort(s.Min),
		formatDurationShort(s.P50),
		formatDurationShort(s.P90),
		formatDurationShort(s.P95),
		formatDurationShort(s.P99),
		formatDurationShort(s.Max),
	}
}

func sortedKinds(byKind map[string]int64) []string {
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := strconv.FormatInt(n, 10)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// StatsFromMetrics creates LiveStats from a metrics snapshot.
func StatsFromMetrics(snapshot *metrics.Snapshot, progress float64, totalDuration time.Duration, targetVUs int) *LiveStats {
	if snapshot == nil {
		return &LiveStats{
			Progress:     progress,
			TargetVUs:    targetVUs,
			CurrentPhase: "initializing",
		}
	}

	elapsed := snapshot.Elapsed
	remaining := time.Duration(0)
	if progress > 0 && progress < 1 {
		remaining = time.Duration(float64(elapsed) * (1 - progress) / progress)
	} else if totalDuration > 0 && progress < 1 {
		remaining = max(totalDuration-elapsed, 0)
	}

	return &LiveStats{
		Progress:     progress,
		Elapsed:      elapsed,
		Remaining:    remaining,
		ActiveVUs:    snapshot.ActiveVUs,
		TargetVUs:    targetVUs,
		Rate:         snapshot.IterationsPerSecond,
		Iterations:   snapshot.Iterations,
		Failures:     snapshot.Failures,
		ErrorRate:    snapshot.ErrorRate,
		LatencyP95:   snapshot.Latency.P95,
		LatencyAvg:   snapshot.Latency.Mean,
		LinkAgeMax:   snapshot.LinkAge.Max,
		CurrentPhase: string(snapshot.CurrentPhase),
	}
}
