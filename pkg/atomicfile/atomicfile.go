// Package atomicfile replaces files so readers see either the old content
// or the new content, never a mix, and the new content survives a crash
// once Write returns.
package atomicfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Write streams r into a temp file next to path, fsyncs it, renames it over
// path and fsyncs the directory. It returns the number of bytes written.
func Write(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(step string, err error) (int64, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%s %s: %w", step, path, err)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename %s: %w", path, err)
	}
	SyncDir(dir)
	return n, nil
}

// WriteBytes is Write for an in-memory payload.
func WriteBytes(path string, data []byte) error {
	_, err := Write(path, bytes.NewReader(data))
	return err
}

// SyncDir makes a rename in dir durable. Errors are ignored: some
// filesystems do not support syncing directories.
func SyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
