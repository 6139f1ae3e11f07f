package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Sink consumes outcomes. Record is called synchronously by the virtual
// user that produced the outcome and must be safe for concurrent use.
type Sink interface {
	Record(o Outcome)
}

// Multi fans an outcome out to every sink in order.
type Multi []Sink

func (m Multi) Record(o Outcome) {
	for _, s := range m {
		s.Record(o)
	}
}

// Nop discards outcomes.
type Nop struct{}

func (Nop) Record(Outcome) {}

// LogSink writes one structured event per outcome.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(o Outcome) {
	if o.Success {
		s.logger.Info("Successful S3 transfer", o.Fields()...)
		return
	}
	switch o.Kind {
	case KindStaging:
		s.logger.Error("Failed to stage payload", o.Fields()...)
	case KindSigning:
		s.logger.Error("Failed to issue signed link", o.Fields()...)
	default:
		s.logger.Error("Failed to process S3 transfer", o.Fields()...)
	}
}

// PrometheusSink exports outcome counters and latency histograms.
type PrometheusSink struct {
	outcomes *prometheus.CounterVec
	elapsed  *prometheus.HistogramVec
	linkAge  prometheus.Histogram
	bytes    prometheus.Counter
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	s := &PrometheusSink{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presigncheck",
			Name:      "iterations_total",
			Help:      "Completed iterations by outcome kind",
		}, []string{"kind"}),
		elapsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "presigncheck",
			Name:      "transfer_duration_seconds",
			Help:      "Time from link issuance to transfer response",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
		}, []string{"kind"}),
		linkAge: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "presigncheck",
			Name:      "link_age_seconds",
			Help:      "Age of the signed link when the transfer started",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presigncheck",
			Name:      "uploaded_bytes_total",
			Help:      "Payload bytes sent in successful transfers",
		}),
	}

	for _, c := range []prometheus.Collector{s.outcomes, s.elapsed, s.linkAge, s.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	// Pre-create every label so absent kinds export as zero.
	for _, k := range Kinds {
		s.outcomes.WithLabelValues(string(k))
	}
	return s, nil
}

func (s *PrometheusSink) Record(o Outcome) {
	s.outcomes.WithLabelValues(string(o.Kind)).Inc()
	if o.Kind == KindSigning || o.Kind == KindStaging {
		return
	}
	s.elapsed.WithLabelValues(string(o.Kind)).Observe(o.Elapsed.Seconds())
	s.linkAge.Observe(o.LinkAge.Seconds())
	if o.Success {
		s.bytes.Add(float64(o.Bytes))
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var (
	_ Sink = Multi(nil)
	_ Sink = Nop{}
	_ Sink = (*LogSink)(nil)
	_ Sink = (*PrometheusSink)(nil)
)
