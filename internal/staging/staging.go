// Package staging prepares the payload each iteration uploads.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrStaging marks failures that happen before any network activity.
var ErrStaging = errors.New("staging: payload unavailable")

// Payload is a staged copy owned by one iteration.
type Payload struct {
	// Name identifies the staged copy, a file path for on-disk payloads.
	Name string
	Size int64

	open    func() (io.ReadCloser, error)
	release func() error
}

// Open returns a fresh reader over the payload.
func (p *Payload) Open() (io.ReadCloser, error) {
	rc, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStaging, p.Name, err)
	}
	return rc, nil
}

// Release discards the staged copy. Safe to call more than once.
func (p *Payload) Release() error {
	if p.release == nil {
		return nil
	}
	release := p.release
	p.release = nil
	return release()
}

// Stager produces one Payload per iteration.
type Stager interface {
	Stage(ctx context.Context, id string) (*Payload, error)
}

// FileStager copies a source file into a working directory for every
// iteration and removes the copy on release.
type FileStager struct {
	source  string
	workDir string
}

// NewFileStager checks that source is a readable regular file.
// An empty workDir uses a directory under os.TempDir.
func NewFileStager(source, workDir string) (*FileStager, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaging, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrStaging, source)
	}
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "presigncheck")
	}
	return &FileStager{source: source, workDir: workDir}, nil
}

// WorkDir returns the directory staged copies are written to.
func (s *FileStager) WorkDir() string {
	return s.workDir
}

// Stage copies the source to workDir/id.
func (s *FileStager) Stage(ctx context.Context, id string) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaging, err)
	}
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("%w: invalid staging id %q", ErrStaging, id)
	}
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create work dir: %v", ErrStaging, err)
	}

	dst := filepath.Join(s.workDir, id)
	size, err := copyFile(s.source, dst)
	if err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("%w: copy %s: %v", ErrStaging, s.source, err)
	}

	return &Payload{
		Name: dst,
		Size: size,
		open: func() (io.ReadCloser, error) {
			return os.Open(dst)
		},
		release: func() error {
			if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		},
	}, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// MemoryStager serves a fixed in-memory payload. Nothing touches disk.
type MemoryStager struct {
	data []byte
}

// NewMemoryStager creates a stager over data.
func NewMemoryStager(data []byte) *MemoryStager {
	return &MemoryStager{data: data}
}

// NewSizedMemoryStager creates a stager with a payload of size bytes.
func NewSizedMemoryStager(size int) *MemoryStager {
	return NewMemoryStager(bytes.Repeat([]byte{'0'}, size))
}

// Stage returns a payload backed by the shared buffer.
func (s *MemoryStager) Stage(ctx context.Context, id string) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaging, err)
	}
	return &Payload{
		Name: "memory:" + id,
		Size: int64(len(s.data)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(s.data)), nil
		},
	}, nil
}

var (
	_ Stager = (*FileStager)(nil)
	_ Stager = (*MemoryStager)(nil)
)
