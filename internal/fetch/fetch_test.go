package fetch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		want    Target
		wantErr bool
	}{
		{
			name:  "flat event",
			event: `{"bucket": "payloads", "file": "40mb.bin"}`,
			want:  Target{Bucket: "payloads", Key: "40mb.bin"},
		},
		{
			name: "s3 notification",
			event: `{"Records": [{"eventName": "ObjectCreated:Put", "s3": {
				"bucket": {"name": "payloads"},
				"object": {"key": "runs/big+file%281%29.bin", "size": 42}
			}}]}`,
			want: Target{Bucket: "payloads", Key: "runs/big file(1).bin"},
		},
		{
			name:    "missing bucket",
			event:   `{"file": "40mb.bin"}`,
			wantErr: true,
		},
		{
			name:    "blank key",
			event:   `{"bucket": "payloads", "file": "  "}`,
			wantErr: true,
		},
		{
			name:    "notification without key",
			event:   `{"Records": [{"s3": {"bucket": {"name": "payloads"}, "object": {}}}]}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			event:   `{"bucket":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.event))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrEvent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "s3://payloads/a/b.bin", Target{Bucket: "payloads", Key: "a/b.bin"}.String())
}

type fakeDownloader struct {
	data  []byte
	err   error
	input *s3.GetObjectInput
}

func (d *fakeDownloader) Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	d.input = input
	if d.err != nil {
		// Leave a partial write behind like an interrupted multipart download.
		w.WriteAt([]byte("partial"), 0)
		return 0, d.err
	}
	n, err := w.WriteAt(d.data, 0)
	return int64(n), err
}

func TestFetch(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	dir := filepath.Join(t.TempDir(), "work")
	d := &fakeDownloader{data: []byte("payload bytes")}

	f := New(d, dir, zap.New(core))
	path, err := f.Fetch(context.Background(), Target{Bucket: "payloads", Key: "runs/40mb.bin"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "40mb.bin"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload bytes", string(data))

	require.NotNil(t, d.input)
	assert.Equal(t, "payloads", aws.ToString(d.input.Bucket))
	assert.Equal(t, "runs/40mb.bin", aws.ToString(d.input.Key))

	entries := logs.FilterMessage("Downloaded run payload").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(len("payload bytes")), entries[0].ContextMap()["bytes"])
	assert.Equal(t, "s3://payloads/runs/40mb.bin", entries[0].ContextMap()["source"])
}

func TestFetchFailureRemovesPartialFile(t *testing.T) {
	dir := t.TempDir()
	d := &fakeDownloader{err: errors.New("NoSuchKey: The specified key does not exist.")}

	f := New(d, dir, nil)
	_, err := f.Fetch(context.Background(), Target{Bucket: "payloads", Key: "missing.bin"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFetch))
	assert.Contains(t, err.Error(), "s3://payloads/missing.bin")
	assert.Contains(t, err.Error(), "NoSuchKey")

	_, statErr := os.Stat(filepath.Join(dir, "missing.bin"))
	assert.True(t, os.IsNotExist(statErr), "partial download should be removed")
}

func TestFetchRejectsInvalidTarget(t *testing.T) {
	d := &fakeDownloader{}
	f := New(d, t.TempDir(), nil)

	_, err := f.Fetch(context.Background(), Target{Bucket: "payloads", Key: "runs/"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEvent))

	_, err = f.Fetch(context.Background(), Target{Key: "a.bin"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEvent))

	assert.Nil(t, d.input, "no download should be attempted")
}
