// Package fetch resolves a trigger event to an S3 object and downloads it
// into a local work directory so it can be used as the run payload.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wesleyorama2/presigncheck/internal/session"
	"github.com/wesleyorama2/presigncheck/internal/signing"
)

var (
	// ErrEvent is returned when a trigger event names no object.
	ErrEvent = errors.New("fetch: invalid event")

	// ErrFetch wraps download failures.
	ErrFetch = errors.New("fetch: download failed")
)

// Target identifies the object holding the run payload.
type Target struct {
	Bucket string
	Key    string
}

func (t Target) String() string {
	return "s3://" + t.Bucket + "/" + t.Key
}

// ParseEvent extracts the target object from a trigger event.
//
// Two shapes are accepted: a flat {"bucket": ..., "file": ...} document and
// an S3 event notification, whose first record names the object. Notification
// keys are URL-encoded and are decoded here.
func ParseEvent(data []byte) (Target, error) {
	if !gjson.ValidBytes(data) {
		return Target{}, fmt.Errorf("%w: not valid JSON", ErrEvent)
	}

	doc := gjson.ParseBytes(data)

	if rec := doc.Get("Records.0.s3"); rec.Exists() {
		key, err := url.QueryUnescape(rec.Get("object.key").String())
		if err != nil {
			return Target{}, fmt.Errorf("%w: bad object key: %v", ErrEvent, err)
		}
		return checkTarget(Target{
			Bucket: rec.Get("bucket.name").String(),
			Key:    key,
		})
	}

	return checkTarget(Target{
		Bucket: doc.Get("bucket").String(),
		Key:    doc.Get("file").String(),
	})
}

func checkTarget(t Target) (Target, error) {
	if strings.TrimSpace(t.Bucket) == "" {
		return Target{}, fmt.Errorf("%w: bucket is required", ErrEvent)
	}
	if strings.TrimSpace(t.Key) == "" {
		return Target{}, fmt.Errorf("%w: object key is required", ErrEvent)
	}
	return t, nil
}

// Downloader is the subset of *manager.Downloader used here.
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

// NewS3Downloader builds a concurrent part downloader for sess.
func NewS3Downloader(sess *session.Context, config signing.ClientConfig) *manager.Downloader {
	return manager.NewDownloader(signing.NewClient(sess, config))
}

// Fetcher downloads trigger payloads into a work directory.
type Fetcher struct {
	downloader Downloader
	workDir    string
	logger     *zap.Logger
}

// New creates a Fetcher. A nil logger disables logging.
func New(downloader Downloader, workDir string, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		downloader: downloader,
		workDir:    workDir,
		logger:     logger,
	}
}

// Fetch downloads target to WorkDir/<base name of key> and returns the local path.
// A partially written file is removed on failure.
func (f *Fetcher) Fetch(ctx context.Context, target Target) (string, error) {
	if _, err := checkTarget(target); err != nil {
		return "", err
	}

	name := path.Base(target.Key)
	if strings.HasSuffix(target.Key, "/") || name == "." || name == ".." {
		return "", fmt.Errorf("%w: object key %q has no file name", ErrEvent, target.Key)
	}

	if err := os.MkdirAll(f.workDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create work dir: %v", ErrFetch, err)
	}

	dest := filepath.Join(f.workDir, name)
	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	start := time.Now()
	n, err := f.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(target.Bucket),
		Key:    aws.String(target.Key),
	})
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("%w: %s: %v", ErrFetch, target, err)
	}

	f.logger.Info("Downloaded run payload",
		zap.String("source", target.String()),
		zap.String("path", dest),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return dest, nil
}
