// Package storagetest holds the conformance suite every storage.Store
// backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("ListByState", func(t *testing.T) { testListByState(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testReturnsCopies(t, newStore(t)) })
	t.Run("ConcurrentDistinctJobs", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

// NewJob builds a job with every field populated.
func NewJob(id string, state types.JobState, created time.Time) *types.Job {
	at := created.Add(time.Second)
	return &types.Job{
		ID:               types.JobID(id),
		State:            state,
		RemoteBatchID:    "batch_" + id,
		CreatedAt:        created,
		LastTransitionAt: at,
		RetrievalCount:   0,
		Config: types.SubmitConfig{
			RetryBudget:  types.RetryBudget{MaxAttempts: 5, MaxDuration: time.Hour},
			PollInterval: 30 * time.Second,
			AutoCleanup:  true,
		},
		InputRef:      "/tmp/" + id + ".jsonl",
		Description:   "job " + id,
		RequestCounts: types.RequestCounts{Total: 10, Completed: 9, Failed: 1},
		ErrorInfo: &types.ErrorInfo{
			Kind:    types.ErrorPartial,
			Message: "1 of 10 requests failed",
			At:      at,
		},
		History: []types.Transition{
			{From: types.StatePrepared, To: types.StateSubmitted, Event: "submit_accepted", At: at},
		},
	}
}

func closeStore(t *testing.T, s storage.Store) {
	t.Helper()
	assert.NoError(t, s.Close())
}

func testPutGet(t *testing.T, s storage.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Microsecond)
	job := NewJob("job-put", types.StateSubmitted, created)
	require.NoError(t, s.Put(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.State, got.State)
	assert.Equal(t, job.RemoteBatchID, got.RemoteBatchID)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", job.CreatedAt, got.CreatedAt)
	assert.True(t, job.LastTransitionAt.Equal(got.LastTransitionAt))
	assert.Equal(t, job.Config, got.Config)
	assert.Equal(t, job.InputRef, got.InputRef)
	assert.Equal(t, job.RequestCounts, got.RequestCounts)
	require.NotNil(t, got.ErrorInfo)
	assert.Equal(t, job.ErrorInfo.Message, got.ErrorInfo.Message)
	require.Len(t, got.History, 1)
	assert.Equal(t, types.StateSubmitted, got.History[0].To)
}

func testGetMissing(t *testing.T, s storage.Store) {
	defer closeStore(t, s)

	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testOverwrite(t *testing.T, s storage.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	job := NewJob("job-overwrite", types.StateSubmitted, time.Now().UTC())
	require.NoError(t, s.Put(ctx, job))

	job.State = types.StateMonitoring
	job.ErrorInfo = nil
	require.NoError(t, s.Put(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateMonitoring, got.State)
	assert.Nil(t, got.ErrorInfo)

	old, err := s.ListByState(ctx, types.StateSubmitted)
	require.NoError(t, err)
	assert.Empty(t, old, "previous state must no longer list the job")

	cur, err := s.ListByState(ctx, types.StateMonitoring)
	require.NoError(t, err)
	assert.Len(t, cur, 1)
}

func testListByState(t *testing.T, s storage.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	fixtures := []struct {
		id    string
		state types.JobState
	}{
		{"job-c", types.StateMonitoring},
		{"job-a", types.StateSubmitted},
		{"job-b", types.StateMonitoring},
		{"job-d", types.StateRetrieved},
	}
	for i, f := range fixtures {
		require.NoError(t, s.Put(ctx, NewJob(f.id, f.state, base.Add(time.Duration(i)*time.Minute))))
	}

	watch, err := s.ListByState(ctx, types.StateSubmitted, types.StateMonitoring)
	require.NoError(t, err)
	require.Len(t, watch, 3)
	assert.Equal(t, types.JobID("job-c"), watch[0].ID, "oldest first")
	assert.Equal(t, types.JobID("job-a"), watch[1].ID)
	assert.Equal(t, types.JobID("job-b"), watch[2].ID)

	repeated, err := s.ListByState(ctx, types.StateMonitoring, types.StateSubmitted, types.StateMonitoring)
	require.NoError(t, err)
	assert.Len(t, repeated, 3, "a repeated state lists its jobs once")

	none, err := s.ListByState(ctx, types.StateCleaned)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := s.ListByState(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testDelete(t *testing.T, s storage.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	job := NewJob("job-delete", types.StateCleaned, time.Now().UTC())
	require.NoError(t, s.Put(ctx, job))
	require.NoError(t, s.Delete(ctx, job.ID))

	_, err := s.Get(ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	listed, err := s.ListByState(ctx, types.StateCleaned)
	require.NoError(t, err)
	assert.Empty(t, listed)

	assert.ErrorIs(t, s.Delete(ctx, job.ID), storage.ErrNotFound)
}

func testReturnsCopies(t *testing.T, s storage.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	job := NewJob("job-copy", types.StateProcessed, time.Now().UTC())
	require.NoError(t, s.Put(ctx, job))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	got.State = types.StateCleaned
	got.History = append(got.History, types.Transition{From: "x", To: "y"})

	again, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessed, again.State)
	assert.Len(t, again.History, 1)
}

func testConcurrent(t *testing.T, s storage.Store) {
	defer closeStore(t, s)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := NewJob(fmt.Sprintf("job-%02d", i), types.StateSubmitted, time.Now().UTC())
			if err := s.Put(ctx, job); err != nil {
				errs <- err
				return
			}
			job.State = types.StateMonitoring
			errs <- s.Put(ctx, job)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	listed, err := s.ListByState(ctx, types.StateMonitoring)
	require.NoError(t, err)
	assert.Len(t, listed, n)
}
