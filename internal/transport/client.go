// Package transport performs the HTTP transfer of a payload through a
// presigned link and reports status, headers and phase timings.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// ErrTransfer wraps transport-level failures: connection errors, timeouts
// and cancelled requests. Non-2xx responses are not errors at this layer.
var ErrTransfer = errors.New("transport: transfer failed")

// maxBodySnippet bounds how much of a response body is retained for
// failure reports. The rest is drained and counted.
const maxBodySnippet = 4 << 10

// Config contains HTTP client configuration.
type Config struct {
	// Timeout bounds a whole transfer, including the upload body.
	Timeout time.Duration

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DisableKeepAlives   bool

	// InsecureSkipVerify skips TLS certificate verification (local S3-compatible endpoints).
	InsecureSkipVerify bool
}

// DefaultConfig returns defaults suited to large uploads from many users.
func DefaultConfig() Config {
	return Config{
		Timeout:             50 * time.Minute,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Request is a single transfer.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   io.Reader

	// ContentLength must be set for streamed bodies; S3 rejects chunked PUTs
	// on presigned links. Zero with a streamed body sends an empty body.
	ContentLength int64
}

// Timing holds the phase breakdown of a transfer.
type Timing struct {
	StartTime        time.Time
	DNSLookupTime    time.Duration
	TCPConnectTime   time.Duration
	TLSHandshakeTime time.Duration
	TimeToFirstByte  time.Duration
	TotalTime        time.Duration
}

// Response is the result of a completed HTTP exchange.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header

	// Bytes is the number of response body bytes read.
	Bytes int64

	// Body holds at most the first 4 KiB of the response body.
	Body []byte

	Timing Timing
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Doer performs transfers. *Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Client is the shared HTTP client used by every virtual user.
type Client struct {
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-transfer timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config, options ...ClientOption) *Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for local endpoints
	}

	c := &Client{
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   cfg.Timeout,
		},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Do executes req. A response with any status code is returned with a nil
// error; only failures to complete the exchange yield ErrTransfer.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: build %s request: %v", ErrTransfer, req.Method, err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	switch {
	case req.Body != nil && req.ContentLength > 0:
		httpReq.ContentLength = req.ContentLength
	case req.ContentLength == 0 && httpReq.ContentLength == 0 && httpReq.Body != nil:
		// An unsized reader would otherwise go out chunked.
		httpReq.Body = http.NoBody
		httpReq.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	}

	timing := Timing{StartTime: time.Now()}

	var dnsStart, connectStart, tlsStart time.Time
	lastPhaseEnd := timing.StartTime

	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			dnsStart = time.Now()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			now := time.Now()
			timing.DNSLookupTime = now.Sub(dnsStart)
			lastPhaseEnd = now
		},
		ConnectStart: func(network, addr string) {
			connectStart = time.Now()
		},
		ConnectDone: func(network, addr string, err error) {
			if err == nil {
				now := time.Now()
				timing.TCPConnectTime = now.Sub(connectStart)
				lastPhaseEnd = now
			}
		},
		TLSHandshakeStart: func() {
			tlsStart = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				now := time.Now()
				timing.TLSHandshakeTime = now.Sub(tlsStart)
				lastPhaseEnd = now
			}
		},
		GotFirstResponseByte: func() {
			timing.TimeToFirstByte = time.Since(lastPhaseEnd)
		},
	}
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, trace))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransfer, req.Method, err)
	}
	defer httpResp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySnippet))
	rest, _ := io.Copy(io.Discard, httpResp.Body)
	timing.TotalTime = time.Since(timing.StartTime)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Bytes:      int64(len(snippet)) + rest,
		Body:       snippet,
		Timing:     timing,
	}, nil
}

var _ Doer = (*Client)(nil)
