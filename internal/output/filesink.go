package output

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/batchkeeper/pkg/atomicfile"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var _ Sink = (*FileSink)(nil)

const fileScheme = "file://"

// FileSink writes each delivery to <dir>/<job id>.results.jsonl.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &FileSink{dir: abs}, nil
}

// Dir returns the absolute output directory.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Deliver(ctx context.Context, id types.JobID, r io.Reader) (Delivery, error) {
	path := filepath.Join(s.dir, string(id)+".results.jsonl")
	if _, err := atomicfile.Write(path, contextReader{ctx: ctx, r: r}); err != nil {
		return Delivery{}, fmt.Errorf("deliver %s: %w", id, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return Delivery{}, err
	}
	defer f.Close()
	ok, failed, err := Count(f)
	if err != nil {
		if errors.Is(err, ErrMalformedResult) {
			os.Remove(path)
		}
		return Delivery{}, fmt.Errorf("deliver %s: %w", id, err)
	}

	return Delivery{
		JobID:     id,
		Ref:       fileScheme + path,
		Succeeded: ok,
		Failed:    failed,
	}, nil
}

func (s *FileSink) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path, ok := strings.CutPrefix(ref, fileScheme)
	if !ok || filepath.Dir(path) != s.dir {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	return f, err
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
