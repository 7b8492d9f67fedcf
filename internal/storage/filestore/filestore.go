// ============================================================================
// batchkeeper file store - WAL + snapshot persistence
// ============================================================================
//
// Package: internal/storage/filestore
//
// Write path (write-ahead):
//   Put    -> WAL.Append(PUT, full record) -> fsync -> apply to index
//   Delete -> WAL.Append(DELETE)            -> fsync -> remove from index
//   A record is visible to readers only after it is durable.
//
// Recovery (Open):
//   1. snapshot.Load()        - records as of snapshot.LastSeq
//   2. WAL.Replay(LastSeq)    - newer PUT/DELETE records, applied in order
//   3. WAL.EnsureSeq(LastSeq) - new records stay numbered above the snapshot
//   PUT records carry the whole job, so replay needs no per-event logic and
//   replaying the same record twice is harmless.
//
// Compaction:
//   Compact writes a snapshot stamped with the WAL's last sequence, then
//   rotates the WAL. A crash between the two leaves a WAL whose records are
//   all at or below LastSeq, which replay skips.
//
// ============================================================================

package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/batchkeeper/internal/jobmanager"
	"github.com/ChuLiYu/batchkeeper/internal/snapshot"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/internal/storage/wal"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

const (
	walFile      = "jobs.wal"
	snapshotFile = "jobs.snapshot.json"
)

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.Compactor = (*Store)(nil)
)

// Options configures a file store.
type Options struct {
	Dir            string
	SyncOnAppend   bool
	ArchiveRotated bool
}

// Store keeps every record in memory and makes each write durable in a WAL
// before exposing it.
type Store struct {
	mu       sync.Mutex // serializes the write path
	index    *jobmanager.JobManager
	wal      *wal.WAL
	snapshot *snapshot.Manager
	closed   bool
}

// Open recovers the store found in opts.Dir, creating it if needed.
func Open(opts Options) (*Store, error) {
	start := time.Now()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	snap := snapshot.NewManager(filepath.Join(opts.Dir, snapshotFile))
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	index := jobmanager.NewJobManager()
	index.Restore(data)

	w, err := wal.Open(filepath.Join(opts.Dir, walFile), wal.Options{
		SyncOnAppend:   opts.SyncOnAppend,
		ArchiveRotated: opts.ArchiveRotated,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	w.EnsureSeq(data.LastSeq)

	replayed := 0
	err = w.Replay(data.LastSeq, func(event wal.Event) error {
		replayed++
		switch event.Type {
		case wal.EventPut:
			job, err := event.Job()
			if err != nil {
				return fmt.Errorf("decode seq=%d: %w", event.Seq, err)
			}
			index.Apply(job)
		case wal.EventDelete:
			index.Remove(event.JobID)
		default:
			log.Warn("Skipping unknown WAL event", "seq", event.Seq, "type", event.Type)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	log.Info("File store recovered",
		"dir", opts.Dir,
		"snapshotJobs", len(data.Jobs),
		"snapshotSeq", data.LastSeq,
		"replayed", replayed,
		"jobs", index.Len(),
		"duration", time.Since(start))

	return &Store{index: index, wal: w, snapshot: snap}, nil
}

// Put appends the full record to the WAL, then publishes it.
func (s *Store) Put(_ context.Context, job *types.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.Unavailable("put", wal.ErrWALClosed)
	}
	if _, err := s.wal.Append(wal.EventPut, string(job.ID), payload); err != nil {
		return storage.Unavailable("put", err)
	}
	s.index.Apply(job.Clone())
	return nil
}

func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return s.index.Get(ctx, id)
}

func (s *Store) ListByState(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	return s.index.ListByState(ctx, states...)
}

// Delete appends a DELETE record, then drops the job from the index.
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.Unavailable("delete", wal.ErrWALClosed)
	}
	if _, err := s.index.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.wal.Append(wal.EventDelete, string(id), nil); err != nil {
		return storage.Unavailable("delete", err)
	}
	s.index.Remove(id)
	return nil
}

// Compact folds the WAL into a fresh snapshot.
func (s *Store) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.Unavailable("compact", wal.ErrWALClosed)
	}
	return s.compactLocked()
}

// Close writes a final snapshot and closes the WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.compactLocked(); err != nil {
		log.Error("Final snapshot failed, WAL kept for replay", "error", err)
	}
	return s.wal.Close()
}

// Stats reports the number of jobs per state.
func (s *Store) Stats() map[types.JobState]int {
	return s.index.Stats()
}

func (s *Store) compactLocked() error {
	start := time.Now()
	seq := s.wal.LastSeq()
	if err := s.snapshot.Write(s.index.Snapshot(seq)); err != nil {
		return storage.Unavailable("snapshot", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return storage.Unavailable("rotate", err)
	}
	log.Debug("File store compacted", "seq", seq, "jobs", s.index.Len(), "duration", time.Since(start))
	return nil
}
