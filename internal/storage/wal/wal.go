package wal

// ============================================================================
// Write-ahead log
// Responsibilities:
// 1. Append job records to an append-only JSON-lines file
// 2. Replay records newer than a snapshot to rebuild state
// 3. Rotate the log after a snapshot has captured its contents
// 4. Detect torn tails left by a crash and cut them off on open
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

// logFile is the part of *os.File the log writes through.
type logFile interface {
	io.Writer
	io.Seeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WAL is an append-only event log backed by one file.
type WAL struct {
	mu      sync.Mutex
	file    logFile
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool
}

// Open opens or creates the log at path.
//
// Behavior:
//   - an existing file is scanned to recover the last sequence number
//   - an incomplete final record (crash mid-write) is truncated away
//   - a bad record followed by more data fails with ErrCorruptedWAL
func Open(path string, opts Options) (*WAL, error) {
	goodEnd, lastSeq, torn, err := scan(path, nil)
	if err != nil {
		return nil, err
	}
	if torn {
		log.Warn("Truncating torn WAL tail", "path", path, "offset", goodEnd)
		if err := os.Truncate(path, goodEnd); err != nil {
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	return &WAL{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
		seq:     lastSeq,
		opts:    opts,
	}, nil
}

// Append writes one record and returns its sequence number. With
// SyncOnAppend the record is on disk when Append returns.
func (w *WAL) Append(eventType EventType, jobID string, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	seq := w.seq + 1
	event := Event{
		Seq:       seq,
		Type:      eventType,
		JobID:     types.JobID(jobID),
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  CalculateChecksum(seq, eventType, jobID, payload),
	}

	start, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}

	// Encode issues a single write of the record plus its newline.
	if err := w.encoder.Encode(event); err != nil {
		return 0, w.rollback(start, fmt.Errorf("wal: append seq=%d: %w", seq, err))
	}
	if w.opts.SyncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, w.rollback(start, fmt.Errorf("%w: seq=%d: %v", ErrSyncFailed, seq, err))
		}
	}

	w.seq = seq
	return seq, nil
}

// rollback cuts the file back to start after a failed append, so a partial
// record never ends up in front of the next one. When that fails too the log
// is closed: its tail is unknown and appending would bury it mid-file.
func (w *WAL) rollback(start int64, cause error) error {
	err := w.file.Truncate(start)
	if err == nil {
		_, err = w.file.Seek(start, io.SeekStart)
	}
	if err != nil {
		log.Error("Failed to roll back WAL append, closing log",
			"path", w.path, "offset", start, "error", err)
		w.closed = true
		w.file.Close()
		return fmt.Errorf("%w: %w", ErrWALClosed, cause)
	}
	return cause
}

// Replay calls handler for every record with a sequence number above afterSeq.
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, _, _, err := scan(w.path, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
	return err
}

// Rotate starts a fresh log file. Sequence numbers keep increasing across
// rotations so a snapshot's LastSeq stays comparable. The old segment is
// archived as gzip or removed, depending on Options.ArchiveRotated.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return fmt.Errorf("wal: rotate rename: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: rotate reopen: %w", err)
	}
	w.file = file
	w.encoder = json.NewEncoder(file)

	if w.opts.ArchiveRotated {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			log.Warn("Failed to archive rotated WAL segment", "path", backupPath, "error", err)
			return nil
		}
	}
	if err := os.Remove(backupPath); err != nil {
		log.Warn("Failed to remove rotated WAL segment", "path", backupPath, "error", err)
	}
	return nil
}

// Close syncs and closes the file. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// LastSeq returns the sequence number of the last appended record.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// EnsureSeq raises the sequence counter to at least min. After a rotation
// the file is empty, so the owner passes the snapshot's LastSeq here to keep
// new records numbered above it.
func (w *WAL) EnsureSeq(min uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < min {
		w.seq = min
	}
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// ============================================================================
// Internal helpers
// ============================================================================

// scan reads the file record by record. It returns the offset just past the
// last good record, that record's sequence number, and whether the file ends
// in an incomplete record. A missing file is an empty log.
func scan(path string, fn EventHandler) (goodEnd int64, lastSeq uint64, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("wal: open for scan: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, readErr := r.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return goodEnd, lastSeq, false, fmt.Errorf("wal: read: %w", readErr)
		}
		if len(line) == 0 {
			return goodEnd, lastSeq, false, nil
		}

		// Acknowledged records always end with a newline, so a final line
		// without one was never confirmed to a caller.
		complete := readErr == nil
		if !complete {
			return goodEnd, lastSeq, true, nil
		}

		body := bytes.TrimSpace(line)
		if len(body) > 0 {
			var event Event
			if err := json.Unmarshal(body, &event); err != nil {
				return goodEnd, lastSeq, false, &CorruptionError{Offset: goodEnd, Cause: err}
			}
			if !VerifyChecksum(event) {
				return goodEnd, lastSeq, false, &ChecksumError{
					Seq:      event.Seq,
					Expected: CalculateChecksum(event.Seq, event.Type, string(event.JobID), event.Payload),
					Actual:   event.Checksum,
				}
			}
			if fn != nil {
				if err := fn(event); err != nil {
					return goodEnd, lastSeq, false, err
				}
			}
			lastSeq = event.Seq
		}
		goodEnd += int64(len(line))
	}
}

// compressWALFile gzips a rotated segment.
func compressWALFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return dst.Sync()
}
