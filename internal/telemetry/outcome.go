package telemetry

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies an iteration outcome.
type Kind string

const (
	KindSuccess Kind = "success"

	// KindSigning means no link was issued; no transfer was attempted.
	KindSigning Kind = "signing"

	// KindStaging means the payload could not be prepared; no network activity happened.
	KindStaging Kind = "staging"

	// KindTransfer covers network errors, timeouts, expired links and non-2xx responses.
	KindTransfer Kind = "transfer"
)

// Kinds lists every outcome kind in reporting order.
var Kinds = []Kind{KindSuccess, KindSigning, KindStaging, KindTransfer}

// IterationContext correlates everything one iteration logs.
// It is owned by a single virtual user and never shared.
type IterationContext struct {
	RunID     string
	VUID      int
	Iteration int64

	// Logger is bound with run_id, vu and iteration.
	Logger *zap.Logger
}

// NewIterationContext allocates a fresh run ID and binds it to base.
func NewIterationContext(base *zap.Logger, vuID int, iteration int64) *IterationContext {
	runID := uuid.NewString()
	if base == nil {
		base = zap.NewNop()
	}
	return &IterationContext{
		RunID:     runID,
		VUID:      vuID,
		Iteration: iteration,
		Logger: base.With(
			zap.String("run_id", runID),
			zap.Int("vu", vuID),
			zap.Int64("iteration", iteration),
		),
	}
}

// Outcome is the structured result of one iteration.
type Outcome struct {
	RunID     string
	VUID      int
	Iteration int64

	Verb      string
	URL       string
	ObjectKey string

	StatusCode      int
	RequestHeaders  http.Header
	ResponseHeaders http.Header

	// LinkAge is the time between issuance and the start of the transfer.
	LinkAge time.Duration

	// Elapsed runs from issuance to the end of the response.
	Elapsed time.Duration

	Bytes   int64
	Success bool
	Kind    Kind
	Error   string
}

// Fields renders the outcome as log fields. The URL is redacted.
func (o Outcome) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("run_id", o.RunID),
		zap.Int("vu", o.VUID),
		zap.Int64("iteration", o.Iteration),
		zap.String("kind", string(o.Kind)),
		zap.String("object_key", o.ObjectKey),
	}
	if o.Verb != "" {
		fields = append(fields, zap.String("verb", o.Verb))
	}
	if o.URL != "" {
		fields = append(fields, zap.String("url", RedactURL(o.URL)))
	}
	if o.StatusCode != 0 {
		fields = append(fields, zap.Int("status", o.StatusCode))
	}
	fields = append(fields,
		zap.Duration("link_age", o.LinkAge),
		zap.Duration("response_time", o.Elapsed),
	)
	if o.Bytes > 0 {
		fields = append(fields, zap.Int64("bytes", o.Bytes))
	}
	if !o.Success {
		if len(o.RequestHeaders) > 0 {
			fields = append(fields, zap.Any("headers", flattenHeaders(o.RequestHeaders)))
		}
		if len(o.ResponseHeaders) > 0 {
			fields = append(fields, zap.Any("response_headers", flattenHeaders(o.ResponseHeaders)))
		}
		fields = append(fields, zap.String("error", o.Error))
	}
	return fields
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

var sensitiveParams = []string{"X-Amz-Signature", "X-Amz-Credential", "X-Amz-Security-Token"}

// RedactURL masks signature material in a presigned URL so it is safe to log.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	q := u.Query()
	changed := false
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
