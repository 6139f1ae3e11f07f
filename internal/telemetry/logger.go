// Package telemetry carries per-iteration correlation context and delivers
// iteration outcomes to structured logs and metrics.
package telemetry

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Settings are read from the environment.
type Settings struct {
	LogLevel string `env:"PRESIGNCHECK_LOG_LEVEL" env-default:"debug" env-description:"log level (debug, info, warn, error)"`

	// ExecutionEnv is set by the AWS runtime. When present, logs are JSON.
	ExecutionEnv string `env:"AWS_EXECUTION_ENV" env-description:"AWS execution environment, switches to JSON logs"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := cleanenv.ReadEnv(&s); err != nil {
		return Settings{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return s, nil
}

// JSON reports whether logs should be machine-readable.
func (s Settings) JSON() bool {
	return s.ExecutionEnv != ""
}

// NewLogger builds the process logger. Inside AWS it emits JSON; elsewhere a
// human-readable console format with timestamps.
func NewLogger(s Settings, opts ...zap.Option) (*zap.Logger, error) {
	level := zapcore.DebugLevel
	if s.LogLevel != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(s.LogLevel))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
		}
		level = parsed
	}

	var cfg zap.Config
	if s.JSON() {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04.05")
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build(append([]zap.Option{zap.AddCaller()}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
