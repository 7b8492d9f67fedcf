package batchfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/batchkeeper/pkg/atomicfile"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// Stager keeps a durable copy of a job's input so a job that crashed before
// the provider accepted it can be submitted again.
type Stager interface {
	Stage(ctx context.Context, id types.JobID, data []byte) (ref string, err error)
	Load(ctx context.Context, ref string) ([]byte, error)
	Remove(ctx context.Context, ref string) error
}

const fileScheme = "file://"

// DirStager stores inputs as <dir>/<job id>.input.jsonl.
type DirStager struct {
	dir string
}

// NewDirStager creates dir if needed.
func NewDirStager(dir string) (*DirStager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &DirStager{dir: abs}, nil
}

func (s *DirStager) Stage(_ context.Context, id types.JobID, data []byte) (string, error) {
	path := filepath.Join(s.dir, string(id)+".input.jsonl")
	if err := atomicfile.WriteBytes(path, data); err != nil {
		return "", fmt.Errorf("stage input: %w", err)
	}
	return fileScheme + path, nil
}

func (s *DirStager) Load(_ context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes the staged copy. A missing file is not an error.
func (s *DirStager) Remove(_ context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DirStager) path(ref string) (string, error) {
	path, ok := strings.CutPrefix(ref, fileScheme)
	if !ok || filepath.Dir(path) != s.dir {
		return "", fmt.Errorf("staged input %q is not under %s", ref, s.dir)
	}
	return path, nil
}
