// Package performance runs virtual users that acquire a signed upload link,
// transfer a staged payload through it and report the outcome.
package performance

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/presigncheck/internal/performance/metrics"
	"github.com/wesleyorama2/presigncheck/internal/signing"
	"github.com/wesleyorama2/presigncheck/internal/staging"
	"github.com/wesleyorama2/presigncheck/internal/telemetry"
	"github.com/wesleyorama2/presigncheck/internal/transport"
)

// VUState is the position of a Virtual User in its iteration cycle.
type VUState int32

const (
	// VUStateIdle is between iterations.
	VUStateIdle VUState = iota
	// VUStateLinkAcquired means a signed link is held and the transfer has not started.
	VUStateLinkAcquired
	// VUStateTransferring means the upload is in flight.
	VUStateTransferring
	// VUStateReported means the outcome has been recorded.
	VUStateReported
	// VUStateStopping means stop was requested; the current iteration may still finish.
	VUStateStopping
	// VUStateStopped means the VU will run no more iterations.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateLinkAcquired:
		return "link-acquired"
	case VUStateTransferring:
		return "transferring"
	case VUStateReported:
		return "reported"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LinkIssuer issues signed links. *signing.Issuer satisfies it.
type LinkIssuer interface {
	Issue(ctx context.Context, req signing.Request) (*signing.Link, error)
}

// Workload is the shared, read-only description of what every VU does.
type Workload struct {
	Bucket      string
	KeyPrefix   string
	ContentType string
	LinkTTL     time.Duration

	// Wait is the fixed delay between iterations.
	Wait time.Duration

	// TransferTimeout bounds a single upload.
	TransferTimeout time.Duration

	Issuer    LinkIssuer
	Stager    staging.Stager
	Transport transport.Doer
	Sink      telemetry.Sink
	Logger    *zap.Logger

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (w *Workload) now() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}

// VirtualUser is one simulated client running acquire-then-upload iterations.
//
// A VU is driven by a single goroutine. State reads are lock-free so the
// pool and progress reporting can observe it concurrently.
type VirtualUser struct {
	ID int

	workload *Workload
	metrics  *metrics.Engine

	state     atomic.Int32
	iteration atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once
}

// NewVirtualUser creates a Virtual User.
func NewVirtualUser(id int, workload *Workload, metricsEngine *metrics.Engine) *VirtualUser {
	return &VirtualUser{
		ID:       id,
		workload: workload,
		metrics:  metricsEngine,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// transition moves to an iteration state unless a stop has been requested.
func (vu *VirtualUser) transition(to VUState) {
	for {
		cur := vu.state.Load()
		if s := VUState(cur); s == VUStateStopping || s == VUStateStopped {
			return
		}
		if vu.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// StopRequested reports whether RequestStop has been called.
func (vu *VirtualUser) StopRequested() bool {
	select {
	case <-vu.stopCh:
		return true
	default:
		return false
	}
}

// RunIteration performs one acquire-stage-transfer-report cycle.
//
// Per-iteration failures are never returned as errors; they are classified
// in the Outcome. An error is returned only when the VU was already
// stopping and the iteration did not start.
func (vu *VirtualUser) RunIteration(ctx context.Context) (telemetry.Outcome, error) {
	if vu.StopRequested() || vu.GetState() == VUStateStopped {
		return telemetry.Outcome{}, fmt.Errorf("VU %d is stopping or stopped", vu.ID)
	}

	w := vu.workload
	ic := telemetry.NewIterationContext(w.Logger, vu.ID, vu.iteration.Add(1))

	outcome := telemetry.Outcome{
		RunID:     ic.RunID,
		VUID:      vu.ID,
		Iteration: ic.Iteration,
		ObjectKey: w.KeyPrefix + ic.RunID,
	}
	sample := metrics.Sample{}

	vu.execute(ctx, ic, &outcome, &sample)

	sample.Kind = string(outcome.Kind)
	sample.Success = outcome.Success
	vu.transition(VUStateReported)
	if vu.metrics != nil {
		vu.metrics.Record(sample)
	}
	if w.Sink != nil {
		w.Sink.Record(outcome)
	}
	vu.transition(VUStateIdle)

	return outcome, nil
}

func (vu *VirtualUser) execute(ctx context.Context, ic *telemetry.IterationContext, out *telemetry.Outcome, sample *metrics.Sample) {
	w := vu.workload

	payload, err := w.Stager.Stage(ctx, ic.RunID)
	if err != nil {
		out.Kind = telemetry.KindStaging
		out.Error = err.Error()
		return
	}
	defer func() {
		if err := payload.Release(); err != nil {
			ic.Logger.Warn("Failed to remove staged payload", zap.String("path", payload.Name), zap.Error(err))
		}
	}()

	signStart := w.now()
	link, err := w.Issuer.Issue(ctx, signing.Request{
		Bucket:      w.Bucket,
		Key:         out.ObjectKey,
		ContentType: w.ContentType,
		Operation:   signing.OperationPut,
		TTL:         w.LinkTTL,
	})
	sample.Sign = w.now().Sub(signStart)
	if err != nil {
		out.Kind = telemetry.KindSigning
		out.Error = err.Error()
		return
	}
	vu.transition(VUStateLinkAcquired)
	ic.Logger = ic.Logger.With(
		zap.Duration("sign_time", sample.Sign),
		zap.Time("expires_at", link.ExpiresAt),
	)

	out.Verb = link.Method
	out.URL = link.URL
	out.RequestHeaders = link.SignedHeaders.Clone()

	body, err := payload.Open()
	if err != nil {
		out.Kind = telemetry.KindStaging
		out.Error = err.Error()
		return
	}
	defer body.Close()

	transferStart := w.now()
	out.LinkAge = transferStart.Sub(link.IssuedAt)
	ic.Logger.Info(fmt.Sprintf("Uploading file, link age is %.3f seconds", out.LinkAge.Seconds()))

	if link.Expired(transferStart) {
		out.Kind = telemetry.KindTransfer
		out.Error = fmt.Sprintf("signed link expired at %s before transfer started", link.ExpiresAt.Format(time.RFC3339Nano))
		return
	}

	vu.transition(VUStateTransferring)
	sample.Transferred = true

	tctx := ctx
	if w.TransferTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, w.TransferTimeout)
		defer cancel()
	}

	resp, err := w.Transport.Do(tctx, &transport.Request{
		Method:        link.Method,
		URL:           link.URL,
		Header:        link.SignedHeaders.Clone(),
		Body:          body,
		ContentLength: payload.Size,
	})
	out.Elapsed = w.now().Sub(link.IssuedAt)
	sample.Elapsed = out.Elapsed
	sample.LinkAge = out.LinkAge

	if err != nil {
		out.Kind = telemetry.KindTransfer
		out.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			out.Error = fmt.Sprintf("transfer timed out after %s: %v", w.TransferTimeout, err)
		}
		return
	}

	out.StatusCode = resp.StatusCode
	out.ResponseHeaders = resp.Header
	if !resp.OK() {
		out.Kind = telemetry.KindTransfer
		out.Error = describeStatus(resp)
		return
	}

	out.Kind = telemetry.KindSuccess
	out.Success = true
	out.Bytes = payload.Size
	sample.Bytes = payload.Size
}

// s3Error is the XML error document S3 returns for rejected requests.
type s3Error struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func describeStatus(resp *transport.Response) string {
	msg := fmt.Sprintf("unexpected status %s", resp.Status)
	if resp.Status == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	var e s3Error
	if len(resp.Body) > 0 && xml.Unmarshal(resp.Body, &e) == nil && e.Code != "" {
		msg += fmt.Sprintf(": %s: %s", e.Code, e.Message)
	}
	return msg
}

// WaitBetweenIterations blocks for the workload's fixed delay. It returns
// false if the VU was asked to stop or ctx ended while waiting.
func (vu *VirtualUser) WaitBetweenIterations(ctx context.Context) bool {
	if vu.workload.Wait <= 0 {
		return !vu.StopRequested() && ctx.Err() == nil
	}
	timer := time.NewTimer(vu.workload.Wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-vu.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// RequestStop signals the VU to stop after its current iteration.
func (vu *VirtualUser) RequestStop() {
	vu.stopOnce.Do(func() {
		close(vu.stopCh)
	})
	for {
		cur := vu.state.Load()
		if VUState(cur) == VUStateStopped || VUState(cur) == VUStateStopping {
			return
		}
		if vu.state.CompareAndSwap(cur, int32(VUStateStopping)) {
			return
		}
	}
}

// StopCh is closed when stop is requested.
func (vu *VirtualUser) StopCh() <-chan struct{} {
	return vu.stopCh
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

// MarkStopped marks the VU as fully stopped.
// Called by the goroutine driving the VU when it exits.
func (vu *VirtualUser) MarkStopped() {
	vu.state.Store(int32(VUStateStopped))
	vu.doneOnce.Do(func() {
		close(vu.doneCh)
	})
}
