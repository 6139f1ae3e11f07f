// Package signing issues time-bound presigned S3 links.
//
// An Issuer validates a Request, delegates to the S3 presign client and
// returns a Link whose expiry is exactly IssuedAt + TTL. The issuer holds no
// per-call state and is safe for concurrent use once constructed.
package signing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	// ErrInvalidArgument is returned for malformed requests. No backend call is made.
	ErrInvalidArgument = errors.New("signing: invalid argument")

	// ErrPreconditionFailed is returned when an issuer is built without a session.
	ErrPreconditionFailed = errors.New("signing: precondition failed")

	// ErrSigning wraps failures reported by the presign backend.
	ErrSigning = errors.New("signing: backend failure")
)

// DefaultContentType is bound into GET links when the caller supplies none.
const DefaultContentType = "application/octet-stream"

// Operation is the single purpose a link is signed for.
type Operation string

const (
	OperationPut Operation = "PUT"
	OperationGet Operation = "GET"
)

// Request describes the link to sign.
type Request struct {
	Bucket string
	Key    string

	// ContentType is required for PUT and optional for GET.
	ContentType string

	Operation Operation

	// TTL must be a positive whole number of seconds.
	TTL time.Duration
}

// Link is an immutable presigned URL.
type Link struct {
	URL       string
	Operation Operation

	// Method is the HTTP verb the link must be used with.
	Method string

	// SignedHeaders must be sent unchanged with the transfer.
	SignedHeaders http.Header

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TTL returns the validity window of the link.
func (l *Link) TTL() time.Duration {
	return l.ExpiresAt.Sub(l.IssuedAt)
}

// Expired reports whether the link can no longer be used at now.
// A link is valid strictly before ExpiresAt.
func (l *Link) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Presigner is the signing backend. *s3.PresignClient satisfies it.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the clock used for IssuedAt.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// Issuer produces signed links.
type Issuer struct {
	presigner Presigner
	now       func() time.Time
}

// New creates an Issuer over an existing presigner.
func New(presigner Presigner, opts ...IssuerOption) (*Issuer, error) {
	if presigner == nil {
		return nil, fmt.Errorf("%w: presigner is required", ErrPreconditionFailed)
	}
	i := &Issuer{
		presigner: presigner,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue validates req and returns a signed link.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Link, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	issuedAt := i.now()
	expires := func(opts *s3.PresignOptions) {
		opts.Expires = req.TTL
	}

	var (
		signed *v4.PresignedHTTPRequest
		err    error
	)
	switch req.Operation {
	case OperationPut:
		signed, err = i.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(req.Bucket),
			Key:         aws.String(req.Key),
			ContentType: aws.String(req.ContentType),
		}, expires)
	case OperationGet:
		contentType := req.ContentType
		if contentType == "" {
			contentType = DefaultContentType
		}
		signed, err = i.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket:                     aws.String(req.Bucket),
			Key:                        aws.String(req.Key),
			ResponseContentType:        aws.String(contentType),
			ResponseContentDisposition: aws.String("attachment"),
		}, expires)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: presign %s s3://%s/%s: %v", ErrSigning, req.Operation, req.Bucket, req.Key, err)
	}
	if signed == nil || signed.URL == "" {
		return nil, fmt.Errorf("%w: presign %s returned no URL", ErrSigning, req.Operation)
	}

	headers := http.Header{}
	for k, v := range signed.SignedHeader {
		// Host is set by the transport from the URL.
		if strings.EqualFold(k, "Host") {
			continue
		}
		headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	if req.Operation == OperationPut {
		headers.Set("Content-Type", req.ContentType)
	}

	method := signed.Method
	if method == "" {
		method = string(req.Operation)
	}

	return &Link{
		URL:           signed.URL,
		Operation:     req.Operation,
		Method:        method,
		SignedHeaders: headers,
		IssuedAt:      issuedAt,
		ExpiresAt:     issuedAt.Add(req.TTL),
	}, nil
}

// MaxTTL is the longest validity S3 accepts for a SigV4 presigned URL.
const MaxTTL = 7 * 24 * time.Hour

// Validate checks the request without contacting the backend.
//
// Fields are checked for emptiness explicitly; there is no truthiness rule,
// so values such as "0" are accepted as bucket names or keys.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if strings.TrimSpace(r.Key) == "" {
		missing = append(missing, "key")
	}

	switch r.Operation {
	case OperationPut:
		if strings.TrimSpace(r.ContentType) == "" {
			missing = append(missing, "content type")
		}
	case OperationGet:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidArgument, r.Operation)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidArgument, strings.Join(missing, ", "))
	}

	if r.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be greater than zero, got %s", ErrInvalidArgument, r.TTL)
	}
	if r.TTL%time.Second != 0 {
		return fmt.Errorf("%w: ttl must be a whole number of seconds, got %s", ErrInvalidArgument, r.TTL)
	}
	if r.TTL > MaxTTL {
		return fmt.Errorf("%w: ttl cannot exceed %s, got %s", ErrInvalidArgument, MaxTTL, r.TTL)
	}
	return nil
}

// TTLSeconds converts a positive integer second count into a TTL.
func TTLSeconds(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
