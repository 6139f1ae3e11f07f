package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wesleyorama2/presigncheck/internal/performance/config"
	"github.com/wesleyorama2/presigncheck/internal/performance/engine"
	"github.com/wesleyorama2/presigncheck/internal/performance/output"
	"github.com/wesleyorama2/presigncheck/internal/session"
	"github.com/wesleyorama2/presigncheck/internal/signing"
	"github.com/wesleyorama2/presigncheck/internal/staging"
	"github.com/wesleyorama2/presigncheck/internal/telemetry"
	"github.com/wesleyorama2/presigncheck/internal/transport"
)

// ErrThresholdsFailed is returned when a run completes but a threshold fails.
var ErrThresholdsFailed = errors.New("one or more thresholds failed")

// newSessionProvider builds the one session provider used by a command.
var newSessionProvider = func(cfg *config.RunConfig, skipIdentity bool) *session.Provider {
	var opts []session.Option
	if cfg.Region != "" {
		opts = append(opts, session.WithRegion(cfg.Region))
	}
	if skipIdentity {
		opts = append(opts, session.WithoutIdentityCheck())
	}
	return session.NewProvider(opts...)
}

// runOptions are command settings that are not part of the run definition.
type runOptions struct {
	skipIdentity bool
	metricsAddr  string
	quiet        bool
	outputPath   string
	interval     time.Duration
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an upload load test",
		Long: `Drive concurrent virtual users that sign and use presigned PUT links.

Config file mode:
  presigncheck run --config run.yaml

Quick CLI mode:
  presigncheck run --bucket my-bucket --source ./sample.pdf \
    --content-type application/pdf --users 20 --duration 5m

Values are taken from the config file, then PRESIGNCHECK_* environment
variables, then flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildRunConfig(cmd.Flags())
			if err != nil {
				return err
			}
			opts := readRunOptions(cmd.Flags())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessions := newSessionProvider(cfg, opts.skipIdentity)
			return executeRun(ctx, cmd.OutOrStdout(), cfg, sessions, opts)
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}

// addRunFlags registers the flags shared by run and trigger.
func addRunFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Run definition file (YAML or JSON)")

	flags.IntP("users", "u", 0, "Number of concurrent virtual users")
	flags.StringP("duration", "d", "", "Run duration (e.g. 30s, 5m, or seconds)")
	flags.String("wait", "", "Delay between iterations")
	flags.String("link-timeout", "", "Validity window of each signed link")
	flags.String("transfer-timeout", "", "Timeout for a single upload")
	flags.String("graceful-stop", "", "Extra time in-flight uploads get after stop")
	flags.String("startup-mode", "", "When the duration clock starts: after-start or from-config")

	flags.String("bucket", "", "Destination bucket")
	flags.String("key-prefix", "", "Object key prefix")
	flags.String("content-type", "", "Content type bound into each link")
	flags.String("source", "", "Payload file copied for every iteration")
	flags.Int64("payload-size", 0, "Generate an in-memory payload of this many bytes instead of --source")
	flags.String("work-dir", "", "Directory for staged payload copies")

	flags.String("profile", "", "AWS shared config profile")
	flags.String("region", "", "AWS region")
	flags.String("endpoint", "", "S3 endpoint override for S3-compatible services")
	flags.Bool("path-style", false, "Use path-style addressing")
	flags.Bool("skip-identity-check", false, "Do not call sts:GetCallerIdentity")

	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.BoolP("quiet", "q", false, "Only print the final PASSED/FAILED line")
	flags.StringP("output", "o", "", "Write the JSON result to this file")
	flags.Duration("interval", time.Second, "Progress update interval")
}

func readRunOptions(flags *pflag.FlagSet) runOptions {
	var opts runOptions
	opts.skipIdentity, _ = flags.GetBool("skip-identity-check")
	opts.metricsAddr, _ = flags.GetString("metrics-addr")
	opts.quiet, _ = flags.GetBool("quiet")
	opts.outputPath, _ = flags.GetString("output")
	opts.interval, _ = flags.GetDuration("interval")
	return opts
}

// buildRunConfig loads the run definition and validates it.
func buildRunConfig(flags *pflag.FlagSet) (*config.RunConfig, error) {
	cfg, err := loadRunConfig(flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRunConfig layers the config file, environment and changed flags over
// the defaults. Explicit zero values are kept for Validate to judge.
func loadRunConfig(flags *pflag.FlagSet) (*config.RunConfig, error) {
	cfg := config.NewRunConfig()

	if path, _ := flags.GetString("config"); path != "" {
		if err := config.LoadConfigInto(path, cfg); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(flags, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.RunConfig) error {
	durations := map[string]*config.Duration{
		"duration":         &cfg.RunDuration,
		"wait":             &cfg.Wait,
		"link-timeout":     &cfg.LinkTTL,
		"transfer-timeout": &cfg.TransferTimeout,
		"graceful-stop":    &cfg.GracefulStop,
	}
	for name, dst := range durations {
		if !flags.Changed(name) {
			continue
		}
		v, _ := flags.GetString(name)
		d, err := config.ParseDurationString(v)
		if err != nil {
			return fmt.Errorf("invalid --%s: %w", name, err)
		}
		*dst = config.Duration(d)
	}

	strs := map[string]*string{
		"bucket":       &cfg.Bucket,
		"key-prefix":   &cfg.KeyPrefix,
		"content-type": &cfg.ContentType,
		"source":       &cfg.Source,
		"work-dir":     &cfg.WorkDir,
		"profile":      &cfg.Profile,
		"region":       &cfg.Region,
		"endpoint":     &cfg.Endpoint,
		"startup-mode": &cfg.StartupMode,
	}
	for name, dst := range strs {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	if flags.Changed("users") {
		cfg.ConcurrentUsers, _ = flags.GetInt("users")
	}
	if flags.Changed("payload-size") {
		cfg.PayloadSize, _ = flags.GetInt64("payload-size")
	}
	if flags.Changed("path-style") {
		cfg.PathStyle, _ = flags.GetBool("path-style")
	}

	// A source given on the command line replaces a generated payload from the file.
	if flags.Changed("source") && !flags.Changed("payload-size") {
		cfg.PayloadSize = 0
	}
	if flags.Changed("payload-size") && !flags.Changed("source") {
		cfg.Source = ""
	}
	return nil
}

// executeRun builds the shared dependencies once, runs the engine and prints
// the summary. Setup failures abort before any virtual user starts.
func executeRun(ctx context.Context, out io.Writer, cfg *config.RunConfig, sessions *session.Provider, opts runOptions) error {
	sess, err := sessions.Create(ctx, cfg.Profile)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	logger.Debug("Session ready",
		zap.String("region", sess.Region),
		zap.String("account", sess.AccountID),
		zap.String("profile", sess.Profile),
	)

	issuer, err := signing.NewProvider(clientConfig(cfg)).Get(sess)
	if err != nil {
		return fmt.Errorf("failed to create link issuer: %w", err)
	}

	stager, err := newStager(cfg)
	if err != nil {
		return err
	}

	tr := transport.NewClient(transport.DefaultConfig(), transport.WithTimeout(time.Duration(cfg.TransferTimeout)))
	defer tr.CloseIdleConnections()

	sinks := telemetry.Multi{telemetry.NewLogSink(logger)}
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		promSink, err := telemetry.NewPrometheusSink(reg)
		if err != nil {
			return err
		}
		sinks = append(sinks, promSink)

		shutdown := serveMetrics(opts.metricsAddr, reg)
		defer shutdown()
	}

	eng, err := engine.New(cfg, engine.Dependencies{
		Issuer:    issuer,
		Stager:    stager,
		Transport: tr,
		Sink:      sinks,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("error creating engine: %w", err)
	}

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		RunName:       cfg.Name,
		TotalDuration: time.Duration(cfg.RunDuration),
		Writer:        out,
		Quiet:         opts.quiet,
	})
	console.PrintHeader(cfg.Bucket, cfg.ConcurrentUsers, time.Duration(cfg.LinkTTL))

	result, runErr := runWithProgress(ctx, eng, console, cfg, opts)
	if result == nil {
		return fmt.Errorf("error running test: %w", runErr)
	}
	if runErr != nil {
		logger.Error("Run ended with an error", zap.Error(runErr))
	}

	console.PrintSummary(result)

	if opts.outputPath != "" {
		if err := writeJSONResult(result, opts.outputPath); err != nil {
			return err
		}
	}

	if runErr != nil {
		return fmt.Errorf("error running test: %w", runErr)
	}
	if !result.Passed {
		return ErrThresholdsFailed
	}
	return nil
}

// runWithProgress runs eng and refreshes the console until it returns.
func runWithProgress(ctx context.Context, eng *engine.Engine, console *output.ConsoleOutput, cfg *config.RunConfig, opts runOptions) (*engine.Result, error) {
	type runResult struct {
		result *engine.Result
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		result, err := eng.Run(ctx)
		done <- runResult{result, err}
	}()

	interval := opts.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case r := <-done:
			return r.result, r.err
		case <-ticker.C:
			if !eng.IsRunning() {
				continue
			}
			stats := output.StatsFromMetrics(
				eng.GetMetrics(),
				eng.GetProgress(),
				time.Duration(cfg.RunDuration),
				cfg.ConcurrentUsers,
			)
			if console.IsTTY() {
				console.Update(stats)
			} else {
				console.PrintNonInteractiveUpdate(stats)
			}
		}
	}
}

func clientConfig(cfg *config.RunConfig) signing.ClientConfig {
	return signing.ClientConfig{
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.PathStyle,
	}
}

func newStager(cfg *config.RunConfig) (staging.Stager, error) {
	if cfg.Source != "" {
		s, err := staging.NewFileStager(cfg.Source, cfg.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare payload: %w", err)
		}
		return s, nil
	}
	return staging.NewSizedMemoryStager(int(cfg.PayloadSize)), nil
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// writeJSONResult saves the run result as indented JSON.
func writeJSONResult(result *engine.Result, outputPath string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	logger.Info("Result written", zap.String("path", outputPath))
	return nil
}
