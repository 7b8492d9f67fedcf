// Package storage defines the job store contract shared by every backend.
//
// A store is typed persistence only: it keeps one record per job, queryable
// by state, and never decides whether a state change is legal. Backends live
// in sub-packages (filestore, sqlite, postgres, redis); the in-memory index
// in internal/jobmanager satisfies the same contract.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var (
	// ErrNotFound is returned by Get and Delete for unknown job ids.
	ErrNotFound = errors.New("job not found")

	// ErrStoreUnavailable wraps every failure of the backing medium. The
	// operation had no effect and the caller should retry the whole cycle.
	ErrStoreUnavailable = errors.New("job store unavailable")
)

// Reader is the read side of a Store.
type Reader interface {
	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id types.JobID) (*types.Job, error)

	// ListByState returns copies of all jobs whose state is one of states,
	// ordered by creation time.
	ListByState(ctx context.Context, states ...types.JobState) ([]*types.Job, error)
}

// Store persists job records.
type Store interface {
	Reader

	// Put writes a full snapshot of job. Readers observe either the previous
	// record or the new one, never a mix.
	Put(ctx context.Context, job *types.Job) error

	// Delete removes the record.
	Delete(ctx context.Context, id types.JobID) error

	Close() error
}

// Compactor is implemented by stores that benefit from periodic compaction.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Unavailable wraps err as ErrStoreUnavailable, keeping the cause visible.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
