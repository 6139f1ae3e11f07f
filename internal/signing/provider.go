package signing

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wesleyorama2/presigncheck/internal/session"
)

// ClientConfig controls how the underlying S3 client is built.
type ClientConfig struct {
	// Endpoint overrides the S3 endpoint (MinIO and other S3-compatible services).
	Endpoint string

	// UsePathStyle switches from virtual-hosted to path-style addressing.
	UsePathStyle bool
}

// Provider builds the process-wide Issuer once.
//
// The first successful Get wins; later calls return the same Issuer
// regardless of the session passed. Construction failures are not cached.
type Provider struct {
	config ClientConfig
	opts   []IssuerOption

	mu     sync.Mutex
	issuer *Issuer
}

// NewProvider creates a Provider.
func NewProvider(config ClientConfig, opts ...IssuerOption) *Provider {
	return &Provider{
		config: config,
		opts:   opts,
	}
}

// Get returns the shared Issuer, building it from sess on first use.
func (p *Provider) Get(sess *session.Context) (*Issuer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.issuer != nil {
		return p.issuer, nil
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: an active session is required", ErrPreconditionFailed)
	}

	issuer, err := New(s3.NewPresignClient(NewClient(sess, p.config)), p.opts...)
	if err != nil {
		return nil, err
	}
	p.issuer = issuer
	return p.issuer, nil
}

// NewClient builds an S3 client for sess honouring the endpoint and
// addressing overrides in config.
func NewClient(sess *session.Context, config ClientConfig) *s3.Client {
	return s3.NewFromConfig(sess.Config, func(o *s3.Options) {
		if sess.Region != "" {
			o.Region = sess.Region
		}
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})
}
