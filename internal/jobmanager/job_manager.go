// ============================================================================
// batchkeeper job manager - in-memory job index
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: hold every job record in memory, indexed by state
//
// Design:
//   Two structures are kept in step under one RWMutex:
//   1. jobs map - the record of each job, the single source of truth
//   2. byState  - state -> set of job ids, so ListByState never scans
//
//   jobs    map[JobID]*Job
//   byState map[JobState]map[JobID]struct{}
//
// Copy semantics:
//   Put stores a clone and Get/ListByState return clones. Callers can never
//   mutate a stored record behind the manager's back, which is what makes a
//   Put atomic for readers.
//
// Snapshot support:
//   - Snapshot() serializes all records together with the WAL sequence
//   - Restore() rebuilds both structures from a snapshot
//   The file store combines these with the WAL to survive restarts; used on
//   its own the manager is the "memory" store driver.
//
// ============================================================================

package jobmanager

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var _ storage.Store = (*JobManager)(nil)

// JobManager is a state-indexed, concurrency-safe job table.
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job
	byState map[types.JobState]map[types.JobID]struct{}
}

// NewJobManager returns an empty manager.
//
// Example:
//
//	jm := NewJobManager()
//	_ = jm.Put(ctx, &types.Job{ID: "job-001", State: types.StatePrepared})
//	jobs, _ := jm.ListByState(ctx, types.StatePrepared)
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.JobID]*types.Job),
		byState: make(map[types.JobState]map[types.JobID]struct{}),
	}
}

// Put inserts or replaces the record for job.ID.
func (jm *JobManager) Put(_ context.Context, job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.putLocked(job.Clone())
	return nil
}

// Get returns a copy of the job or storage.ErrNotFound.
func (jm *JobManager) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return job.Clone(), nil
}

// ListByState returns copies of every job in one of states, oldest first.
// With no states it returns every job.
func (jm *JobManager) ListByState(_ context.Context, states ...types.JobState) ([]*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var out []*types.Job
	if len(states) == 0 {
		out = make([]*types.Job, 0, len(jm.jobs))
		for _, job := range jm.jobs {
			out = append(out, job.Clone())
		}
	} else {
		seen := make(map[types.JobState]bool, len(states))
		for _, state := range states {
			if seen[state] {
				continue
			}
			seen[state] = true
			for id := range jm.byState[state] {
				out = append(out, jm.jobs[id].Clone())
			}
		}
	}

	SortByCreation(out)
	return out, nil
}

// Delete removes the record, or returns storage.ErrNotFound.
func (jm *JobManager) Delete(_ context.Context, id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, ok := jm.jobs[id]; !ok {
		return storage.ErrNotFound
	}
	jm.deleteLocked(id)
	return nil
}

// Close is a no-op; the manager holds no external resources.
func (jm *JobManager) Close() error { return nil }

// Stats returns the number of jobs per state.
func (jm *JobManager) Stats() map[types.JobState]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.JobState]int, len(types.AllStates))
	for _, state := range types.AllStates {
		stats[state] = len(jm.byState[state])
	}
	return stats
}

// Len returns the total number of records.
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Restore replaces the whole table with the contents of a snapshot.
func (jm *JobManager) Restore(data types.SnapshotData) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.byState = make(map[types.JobState]map[types.JobID]struct{})
	for _, job := range data.Jobs {
		jm.putLocked(job.Clone())
	}
}

// Snapshot captures every record, stamped with the WAL sequence it covers.
func (jm *JobManager) Snapshot(lastSeq uint64) types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobs[id] = job.Clone()
	}
	return types.SnapshotData{Jobs: jobs, LastSeq: lastSeq}
}

// Apply replays a recorded write without cloning twice. Used by WAL replay.
func (jm *JobManager) Apply(job *types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.putLocked(job)
}

// Remove replays a recorded delete; unknown ids are ignored.
func (jm *JobManager) Remove(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.deleteLocked(id)
}

// ============================================================================
// Internal helpers (caller holds jm.mu)
// ============================================================================

func (jm *JobManager) putLocked(job *types.Job) {
	if old, ok := jm.jobs[job.ID]; ok && old.State != job.State {
		delete(jm.byState[old.State], job.ID)
	}
	jm.jobs[job.ID] = job

	set, ok := jm.byState[job.State]
	if !ok {
		set = make(map[types.JobID]struct{})
		jm.byState[job.State] = set
	}
	set[job.ID] = struct{}{}
}

func (jm *JobManager) deleteLocked(id types.JobID) {
	old, ok := jm.jobs[id]
	if !ok {
		return
	}
	delete(jm.byState[old.State], id)
	delete(jm.jobs, id)
}

// SortByCreation orders jobs oldest first, breaking ties by id so listings
// are deterministic.
func SortByCreation(jobs []*types.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
