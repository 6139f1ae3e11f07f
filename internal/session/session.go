// Package session resolves and caches the AWS credential context shared by
// every virtual user in a run.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// ErrAuth is returned when credentials or the caller identity cannot be resolved.
var ErrAuth = errors.New("session: authentication failed")

// Context is an authenticated, region-scoped credential context.
// It is immutable once created.
type Context struct {
	// Config carries the resolved credential provider and region.
	Config aws.Config

	Region    string
	AccountID string

	// Profile is the named shared-config profile, empty for the ambient chain.
	Profile string
}

// ConfigLoader loads an aws.Config. config.LoadDefaultConfig satisfies it.
type ConfigLoader func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)

// IdentityClient performs the identity check round trip.
type IdentityClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Option configures a Provider.
type Option func(*Provider)

// WithConfigLoader replaces config.LoadDefaultConfig.
func WithConfigLoader(loader ConfigLoader) Option {
	return func(p *Provider) {
		p.loader = loader
	}
}

// WithIdentityClient replaces the STS client built from the loaded config.
func WithIdentityClient(fn func(aws.Config) IdentityClient) Option {
	return func(p *Provider) {
		p.identity = fn
	}
}

// WithRegion forces the region instead of taking it from the profile or environment.
func WithRegion(region string) Option {
	return func(p *Provider) {
		p.region = region
	}
}

// WithStaticCredentials uses a fixed key pair, typically for S3-compatible endpoints.
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) Option {
	return func(p *Provider) {
		if accessKeyID == "" || secretAccessKey == "" {
			return
		}
		p.credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)
	}
}

// WithoutIdentityCheck skips the STS round trip. The account ID is left empty.
// Useful against S3-compatible backends that do not implement STS.
func WithoutIdentityCheck() Option {
	return func(p *Provider) {
		p.skipIdentity = true
	}
}

// Provider creates a Context once and hands the same instance to every caller.
//
// Resolving the caller identity is a network round trip, so concurrent first
// callers are serialized and only the first successful result is kept.
// Failures are not cached; a later Create retries.
type Provider struct {
	loader       ConfigLoader
	identity     func(aws.Config) IdentityClient
	region       string
	credentials  aws.CredentialsProvider
	skipIdentity bool

	mu      sync.Mutex
	current *Context
}

// NewProvider creates a Provider backed by the default AWS credential chain.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		loader: config.LoadDefaultConfig,
		identity: func(cfg aws.Config) IdentityClient {
			return sts.NewFromConfig(cfg)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Create returns the cached Context, resolving it on first use.
//
// When profile is non-empty, credentials come from that shared-config profile;
// otherwise from the ambient environment or role. The profile argument of
// later calls is ignored once a Context exists.
func (p *Provider) Create(ctx context.Context, profile string) (*Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		return p.current, nil
	}

	var loadOpts []func(*config.LoadOptions) error
	if profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(profile))
	}
	if p.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(p.region))
	}
	if p.credentials != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(p.credentials))
	}

	cfg, err := p.loader(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %v", ErrAuth, err)
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("%w: no region configured", ErrAuth)
	}

	var accountID string
	if !p.skipIdentity {
		accountID, err = p.resolveAccount(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	p.current = &Context{
		Config:    cfg,
		Region:    cfg.Region,
		AccountID: accountID,
		Profile:   profile,
	}
	return p.current, nil
}

// Current returns the cached Context or nil.
func (p *Provider) Current() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Provider) resolveAccount(ctx context.Context, cfg aws.Config) (string, error) {
	out, err := p.identity(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: identity check rejected (%s): %s", ErrAuth, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("%w: identity check failed: %v", ErrAuth, err)
	}
	// An account of "0" is a legitimate value; only absence is an error.
	if out == nil || out.Account == nil || *out.Account == "" {
		return "", fmt.Errorf("%w: identity check returned no account", ErrAuth)
	}
	return *out.Account, nil
}
