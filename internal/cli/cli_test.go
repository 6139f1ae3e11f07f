package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/presigncheck/internal/fetch"
	"github.com/wesleyorama2/presigncheck/internal/performance/config"
	"github.com/wesleyorama2/presigncheck/internal/session"
	"github.com/wesleyorama2/presigncheck/internal/signing"
)

// uploadServer accepts presigned PUTs and records what it received.
type uploadServer struct {
	status int

	mu    sync.Mutex
	keys  []string
	bytes int64
}

func (u *uploadServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.keys = append(u.keys, r.URL.Path)
	u.bytes += int64(len(body))
	u.mu.Unlock()

	if u.status != 0 && u.status != http.StatusOK {
		w.WriteHeader(u.status)
		_, _ = w.Write([]byte("<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (u *uploadServer) uploads() ([]string, int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.keys...), u.bytes
}

// useStaticSession replaces the default credential chain with fixed test
// credentials and counts how often AWS config is loaded.
func useStaticSession(t *testing.T, loadErr error) *atomic.Int32 {
	t.Helper()
	var loads atomic.Int32
	prev := newSessionProvider
	newSessionProvider = func(cfg *config.RunConfig, skipIdentity bool) *session.Provider {
		return session.NewProvider(
			session.WithoutIdentityCheck(),
			session.WithConfigLoader(func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
				loads.Add(1)
				if loadErr != nil {
					return aws.Config{}, loadErr
				}
				return aws.Config{
					Region:      "us-east-1",
					Credentials: credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
				}, nil
			}),
		)
	}
	t.Cleanup(func() { newSessionProvider = prev })
	return &loads
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "presigncheck "+version+"\n", out)
}

func TestInvalidLogLevel(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"version", "--log-level", "loud"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestBuildRunConfig_Layering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: layered
concurrent_users: 3
run_duration: 1m
bucket: from-file
payload_size: 1024
content_type: application/pdf
`), 0644))

	t.Setenv("PRESIGNCHECK_CONCURRENT_USERS", "7")

	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--bucket", "from-flag",
		"--link-timeout", "30",
		"--wait", "250ms",
	}))

	cfg, err := buildRunConfig(cmd.Flags())
	require.NoError(t, err)

	assert.Equal(t, "layered", cfg.Name)
	assert.Equal(t, 7, cfg.ConcurrentUsers, "environment overrides the file")
	assert.Equal(t, "from-flag", cfg.Bucket, "flags override the file")
	assert.Equal(t, time.Minute, time.Duration(cfg.RunDuration))
	assert.Equal(t, 30*time.Second, time.Duration(cfg.LinkTTL))
	assert.Equal(t, 250*time.Millisecond, time.Duration(cfg.Wait))
	assert.Equal(t, int64(1024), cfg.PayloadSize)
	assert.Equal(t, config.DefaultKeyPrefix, cfg.KeyPrefix)
	assert.Equal(t, config.StartupAfterStart, cfg.StartupMode)
}

func TestBuildRunConfig_SourceFlagReplacesPayloadSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bucket": "b", "payload_size": 64}`), 0644))

	cmd := newRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--source", "./payload.bin"}))

	cfg, err := buildRunConfig(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, "./payload.bin", cfg.Source)
	assert.Zero(t, cfg.PayloadSize)
}

func TestBuildRunConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing bucket", []string{"--payload-size", "10"}, "bucket"},
		{"missing payload", []string{"--bucket", "b"}, "source"},
		{"bad duration", []string{"--bucket", "b", "--payload-size", "1", "--duration", "soon"}, "invalid --duration"},
		{"fractional ttl", []string{"--bucket", "b", "--payload-size", "1", "--link-timeout", "1500ms"}, "whole number of seconds"},
		{"missing file", []string{"--config", "does-not-exist.yaml"}, "error loading config"},
		{"zero users", []string{"--bucket", "b", "--payload-size", "10", "--users", "0"}, "concurrent_users"},
		{"zero link timeout", []string{"--bucket", "b", "--payload-size", "10", "--link-timeout", "0"}, "link_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRunCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))
			_, err := buildRunConfig(cmd.Flags())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildRunConfig_ExplicitZeroValues(t *testing.T) {
	t.Run("zero users from env", func(t *testing.T) {
		t.Setenv("PRESIGNCHECK_CONCURRENT_USERS", "0")
		cmd := newRunCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--bucket", "b", "--payload-size", "10"}))
		_, err := buildRunConfig(cmd.Flags())
		assert.ErrorContains(t, err, "concurrent_users")
	})

	t.Run("zero wait kept", func(t *testing.T) {
		cmd := newRunCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--bucket", "b", "--payload-size", "10", "--wait", "0"}))
		cfg, err := buildRunConfig(cmd.Flags())
		require.NoError(t, err)
		assert.Zero(t, cfg.Wait)
		assert.Equal(t, config.DefaultConcurrentUsers, cfg.ConcurrentUsers)
	})

	t.Run("zero wait from file kept", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run.yaml")
		require.NoError(t, os.WriteFile(path, []byte("bucket: b\npayload_size: 10\nwait: 0\n"), 0644))
		cmd := newRunCmd()
		require.NoError(t, cmd.ParseFlags([]string{"--config", path}))
		cfg, err := buildRunConfig(cmd.Flags())
		require.NoError(t, err)
		assert.Zero(t, cfg.Wait)
		assert.Equal(t, time.Duration(config.DefaultLinkTTL), time.Duration(cfg.LinkTTL))
	})
}

func TestRunCommand(t *testing.T) {
	useStaticSession(t, nil)
	server := &uploadServer{}
	ts := httptest.NewServer(server)
	defer ts.Close()

	resultPath := filepath.Join(t.TempDir(), "out", "result.json")
	out, err := executeCommand(t, "run",
		"--bucket", "uploads",
		"--payload-size", "128",
		"--content-type", "application/pdf",
		"--users", "2",
		"--duration", "1s",
		"--wait", "50ms",
		"--endpoint", ts.URL,
		"--path-style",
		"--interval", "200ms",
		"--output", resultPath,
	)
	require.NoError(t, err)

	assert.Contains(t, out, "Bucket: uploads")
	assert.Contains(t, out, "Completed ✓")
	assert.Contains(t, out, "Progress:")

	keys, received := server.uploads()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "/uploads/testdocs/"), "unexpected key %s", k)
	}
	assert.Equal(t, int64(len(keys))*128, received)

	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	var result struct {
		Iterations int64 `json:"iterations"`
		Successes  int64 `json:"successes"`
		Passed     bool  `json:"passed"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.Passed)
	assert.Equal(t, int64(len(keys)), result.Successes)
	assert.Equal(t, result.Iterations, result.Successes)
}

func TestRunCommand_ThresholdFailure(t *testing.T) {
	useStaticSession(t, nil)
	ts := httptest.NewServer(&uploadServer{status: http.StatusForbidden})
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bucket: uploads
payload_size: 16
run_duration: 1
wait: 50ms
thresholds:
  iteration_failed:
    - "rate < 0.5"
`), 0644))

	out, err := executeCommand(t, "run", "--config", path, "--users", "1", "--endpoint", ts.URL, "--path-style", "--quiet")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrThresholdsFailed))
	assert.Equal(t, "FAILED\n", out)
}

func TestRunCommand_SessionFailureAbortsBeforeUpload(t *testing.T) {
	loads := useStaticSession(t, errors.New("no credentials"))
	server := &uploadServer{}
	ts := httptest.NewServer(server)
	defer ts.Close()

	_, err := executeCommand(t, "run", "--bucket", "uploads", "--payload-size", "8", "--duration", "1s",
		"--endpoint", ts.URL, "--path-style")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrAuth))
	assert.Contains(t, err.Error(), "failed to create session")
	assert.Equal(t, int32(1), loads.Load())

	keys, _ := server.uploads()
	assert.Empty(t, keys)
}

func TestSignCommand(t *testing.T) {
	useStaticSession(t, nil)

	out, err := executeCommand(t, "sign",
		"--bucket", "uploads", "--key", "docs/a.pdf", "--content-type", "application/pdf",
		"--ttl", "60", "--endpoint", "http://127.0.0.1:9000", "--path-style")
	require.NoError(t, err)

	url := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(url, "http://127.0.0.1:9000/uploads/docs/a.pdf?"), url)
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=60")
}

func TestSignCommand_JSON(t *testing.T) {
	useStaticSession(t, nil)

	out, err := executeCommand(t, "sign", "--method", "get",
		"--bucket", "uploads", "--key", "docs/a.pdf", "--ttl", "5m",
		"--endpoint", "http://127.0.0.1:9000", "--path-style", "--json")
	require.NoError(t, err)

	var link signedLink
	require.NoError(t, json.Unmarshal([]byte(out), &link))
	assert.Equal(t, http.MethodGet, link.Method)
	assert.Equal(t, 5*time.Minute, link.ExpiresAt.Sub(link.IssuedAt))
	assert.Contains(t, link.URL, "response-content-disposition=attachment")
}

func TestSignCommand_InvalidRequestSkipsSession(t *testing.T) {
	loads := useStaticSession(t, nil)

	_, err := executeCommand(t, "sign", "--bucket", "uploads", "--key", "a.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, signing.ErrInvalidArgument))

	_, err = executeCommand(t, "sign", "--bucket", "uploads", "--key", "a.pdf", "--content-type", "text/plain", "--ttl", "0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, signing.ErrInvalidArgument))

	_, err = executeCommand(t, "sign", "--bucket", "uploads", "--key", "a.pdf", "--content-type", "text/plain", "--ttl", "192h")
	require.Error(t, err)
	assert.ErrorContains(t, err, "cannot exceed")

	assert.Equal(t, int32(0), loads.Load())
}

type payloadDownloader struct {
	data  []byte
	calls atomic.Int32
}

func (d *payloadDownloader) Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	d.calls.Add(1)
	n, err := w.WriteAt(d.data, 0)
	return int64(n), err
}

func useDownloader(t *testing.T, d fetch.Downloader) {
	t.Helper()
	prev := newDownloader
	newDownloader = func(*session.Context, signing.ClientConfig) fetch.Downloader { return d }
	t.Cleanup(func() { newDownloader = prev })
}

func TestTriggerCommand(t *testing.T) {
	loads := useStaticSession(t, nil)
	dl := &payloadDownloader{data: bytes.Repeat([]byte("x"), 300)}
	useDownloader(t, dl)

	server := &uploadServer{}
	ts := httptest.NewServer(server)
	defer ts.Close()

	dir := t.TempDir()
	eventPath := filepath.Join(dir, "event.json")
	require.NoError(t, os.WriteFile(eventPath, []byte(`{"bucket": "payloads", "file": "300b.bin"}`), 0644))

	out, err := executeCommand(t, "trigger",
		"--event", eventPath,
		"--work-dir", filepath.Join(dir, "work"),
		"--users", "1",
		"--duration", "1s",
		"--wait", "50ms",
		"--endpoint", ts.URL,
		"--path-style",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Bucket: payloads", "upload bucket defaults to the event bucket")

	assert.Equal(t, int32(1), dl.calls.Load())
	assert.Equal(t, int32(1), loads.Load(), "the session is created once and reused for the run")

	keys, received := server.uploads()
	require.NotEmpty(t, keys)
	assert.Equal(t, int64(len(keys))*300, received)
	assert.True(t, strings.HasPrefix(keys[0], "/payloads/testdocs/"))

	_, err = os.Stat(filepath.Join(dir, "work", "300b.bin"))
	assert.NoError(t, err, "downloaded payload stays in the work dir")
}

func TestReadTarget(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    fetch.Target
		wantErr string
	}{
		{
			name: "flags",
			args: []string{"--from-bucket", "payloads", "--from-key", "a.bin"},
			want: fetch.Target{Bucket: "payloads", Key: "a.bin"},
		},
		{
			name:  "stdin notification",
			args:  []string{"--event", "-"},
			stdin: `{"Records":[{"s3":{"bucket":{"name":"payloads"},"object":{"key":"dir/b.bin"}}}]}`,
			want:  fetch.Target{Bucket: "payloads", Key: "dir/b.bin"},
		},
		{
			name:    "nothing given",
			args:    nil,
			wantErr: "--event",
		},
		{
			name:    "missing event file",
			args:    []string{"--event", "nope.json"},
			wantErr: "failed to read event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newTriggerCmd()
			cmd.SetIn(strings.NewReader(tt.stdin))
			require.NoError(t, cmd.ParseFlags(tt.args))

			got, err := readTarget(cmd)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
