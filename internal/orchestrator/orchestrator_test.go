package orchestrator

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// ============================================================================
// Submit
// ============================================================================

func TestSubmit_PersistsSubmitted(t *testing.T) {
	f := newFixture(t)

	job := f.submit(nil, 3)

	assert.Equal(t, types.StateSubmitted, job.State)
	assert.NotEmpty(t, job.RemoteBatchID)
	assert.Equal(t, 3, job.RequestCounts.Total)
	assert.Equal(t, DefaultSubmitConfig(), job.Config)
	assert.Equal(t, []string{"submit_accepted"}, events(job))

	stored := f.get(job.ID)
	assert.Equal(t, job, stored)

	req, ok := f.provider.Request(job.RemoteBatchID)
	require.True(t, ok)
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, "test batch", req.Description)
	assert.Equal(t, 1, f.provider.Calls(provider.OpSubmit))
}

func TestSubmit_InvalidRecordsCreatesNoJob(t *testing.T) {
	f := newFixture(t)

	_, err := f.o.Submit(f.ctx, SubmitInput{Records: []byte("{not json}\n")})

	assert.ErrorIs(t, err, batchfile.ErrInvalidRecord)
	assert.ErrorIs(t, err, provider.ErrPermanent)
	assert.Zero(t, f.mem.Len())
	assert.Zero(t, f.provider.Calls(provider.OpSubmit))
}

func TestSubmit_MergesPartialConfig(t *testing.T) {
	f := newFixture(t)

	job := f.submit(&types.SubmitConfig{AllowRepeatRetrieval: true}, 1)

	assert.True(t, job.Config.AllowRepeatRetrieval)
	assert.False(t, job.Config.AutoCleanup, "booleans are taken as given")
	assert.Equal(t, DefaultSubmitConfig().RetryBudget, job.Config.RetryBudget)
	assert.Equal(t, DefaultSubmitConfig().PollInterval, job.Config.PollInterval)
}

func TestSubmit_PermanentRejectionFailsJob(t *testing.T) {
	f := newFixture(t)
	f.provider.Fail(provider.OpSubmit, provider.PermanentError(provider.OpSubmit, errors.New("invalid file")))

	job := f.submit(nil, 2)

	assert.Equal(t, types.StateFailed, job.State)
	assert.Empty(t, job.RemoteBatchID)
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, types.ErrorPermanent, job.ErrorInfo.Kind)
	assert.Equal(t, provider.OpSubmit, job.ErrorInfo.Op)
	assert.Equal(t, []string{"submit_rejected"}, events(job))
	assert.Equal(t, []NotificationKind{Failed}, f.notifications(job.ID))

	// A failed job is never sent again.
	n, err := f.o.ResubmitOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.provider.Calls(provider.OpSubmit))
}

func TestSubmit_TransientFailureIsResubmitted(t *testing.T) {
	f := newFixture(t)
	f.provider.Fail(provider.OpSubmit, provider.TransientError(provider.OpSubmit, errors.New("503")))

	job := f.submit(nil, 2)
	assert.Equal(t, types.StatePrepared, job.State)
	assert.Equal(t, 1, job.TransientFailures)
	require.NotNil(t, job.FirstTransientAt)

	// Not due before the backoff has passed.
	n, err := f.o.ResubmitOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Second)
	n, err = f.o.ResubmitOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job = f.get(job.ID)
	assert.Equal(t, types.StateSubmitted, job.State)
	assert.Zero(t, job.TransientFailures)
	assert.Nil(t, job.FirstTransientAt)
	assert.Equal(t, 2, f.provider.Calls(provider.OpSubmit))
	assert.Equal(t, 1, f.provider.Batches())
}

func TestSubmit_RetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	boom := provider.TransientError(provider.OpSubmit, errors.New("connection reset"))
	f.provider.Fail(provider.OpSubmit, boom, boom)

	job := f.submit(&types.SubmitConfig{RetryBudget: types.RetryBudget{MaxAttempts: 2}}, 1)
	require.Equal(t, types.StatePrepared, job.State)

	f.clock.Advance(2 * time.Second)
	_, err := f.o.ResubmitOnce(f.ctx)
	require.NoError(t, err)

	job = f.get(job.ID)
	assert.Equal(t, types.StateFailed, job.State)
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, types.ErrorTransient, job.ErrorInfo.Kind)
	assert.Equal(t, 2, job.ErrorInfo.Attempts)
	assert.Equal(t, []string{"fault"}, events(job))
	assert.Equal(t, []NotificationKind{Failed}, f.notifications(job.ID))
}

// ============================================================================
// Observation
// ============================================================================

func TestObserveStatus_FirstPollTerminalIsTwoSteps(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil, 2)
	f.finish(job, types.ProviderCompleted, 2, 0)

	f.poll()

	job = f.get(job.ID)
	assert.Equal(t, types.StateProcessed, job.State)
	assert.Equal(t, []string{"submit_accepted", "provider_running", "provider_completed"}, events(job))
	assert.Equal(t, types.RequestCounts{Total: 2, Completed: 2}, job.RequestCounts)
	assert.Zero(t, f.o.Monitor().Watching())
}

func TestObserveStatus_DuplicateObservationsApplyOnce(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil, 2)
	st := provider.Status{State: types.ProviderCompleted, Counts: types.RequestCounts{Total: 2, Completed: 2}}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := f.o.ObserveStatus(f.ctx, job.ID, st)
			assert.NoError(t, err)
			assert.Equal(t, types.StateProcessed, state)
		}()
	}
	wg.Wait()

	job = f.get(job.ID)
	assert.Equal(t, []string{"submit_accepted", "provider_running", "provider_completed"}, events(job))

	// A late running report changes nothing either.
	state, err := f.o.ObserveStatus(f.ctx, job.ID, provider.Status{State: types.ProviderRunning})
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessed, state)
	assert.Len(t, f.get(job.ID).History, 3)
	assert.Zero(t, f.o.locks.held())
}

func TestObserveStatus_ExpiredAndFailedNotify(t *testing.T) {
	f := newFixture(t)
	expired := f.submit(nil, 2)
	failed := f.submit(nil, 2)
	f.finish(expired, types.ProviderExpired, 2, 0)
	f.provider.Finish(failed.RemoteBatchID, provider.Status{State: types.ProviderFailed, Message: "validation failed"}, nil)

	f.poll()

	e := f.get(expired.ID)
	assert.Equal(t, types.StateExpired, e.State)
	require.NotNil(t, e.ErrorInfo)
	assert.Contains(t, e.ErrorInfo.Message, "completion window expired")
	assert.Equal(t, []NotificationKind{Expired}, f.notifications(e.ID))

	x := f.get(failed.ID)
	assert.Equal(t, types.StateFailed, x.State)
	require.NotNil(t, x.ErrorInfo)
	assert.Contains(t, x.ErrorInfo.Message, "validation failed")
	assert.Equal(t, []NotificationKind{Failed}, f.notifications(x.ID))
}

func TestObserveStatus_PartialTolerance(t *testing.T) {
	f := newFixture(t)
	within := f.submit(nil, 10)
	beyond := f.submit(nil, 10)
	f.finish(within, types.ProviderPartiallyCompleted, 10, 3)
	f.finish(beyond, types.ProviderPartiallyCompleted, 10, 7)

	f.poll()

	w := f.get(within.ID)
	assert.Equal(t, types.StatePartiallyProcessed, w.State)
	require.NotNil(t, w.ErrorInfo)
	assert.Equal(t, types.ErrorPartial, w.ErrorInfo.Kind)
	assert.Equal(t, "3 of 10 requests failed", w.ErrorInfo.Message)

	b := f.get(beyond.ID)
	assert.Equal(t, types.StateFailed, b.State)
	assert.Equal(t, "provider_failed", events(b)[len(b.History)-1])
	require.NotNil(t, b.ErrorInfo)
	assert.Equal(t, types.ErrorPartial, b.ErrorInfo.Kind)
	assert.Contains(t, b.ErrorInfo.Message, "exceeds tolerance 0.50")
}

func TestReportFailure_RetryBudget(t *testing.T) {
	f := newFixture(t)
	job := f.submit(&types.SubmitConfig{RetryBudget: types.RetryBudget{MaxAttempts: 3}}, 1)
	timeout := provider.TransientError(provider.OpPoll, errors.New("i/o timeout"))

	for range 2 {
		state, err := f.o.ReportFailure(f.ctx, job.ID, provider.OpPoll, timeout)
		require.NoError(t, err)
		assert.Equal(t, types.StateSubmitted, state)
	}
	assert.Equal(t, 2, f.get(job.ID).TransientFailures)

	// A successful poll resets the budget.
	_, err := f.o.ObserveStatus(f.ctx, job.ID, provider.Status{State: types.ProviderRunning})
	require.NoError(t, err)
	assert.Zero(t, f.get(job.ID).TransientFailures)

	for i := range 3 {
		state, err := f.o.ReportFailure(f.ctx, job.ID, provider.OpPoll, timeout)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, types.StateMonitoring, state)
		} else {
			assert.Equal(t, types.StateFailed, state)
		}
	}
	assert.Equal(t, []NotificationKind{Failed}, f.notifications(job.ID))
}

func TestReportFailure_MaxDuration(t *testing.T) {
	f := newFixture(t)
	job := f.submit(&types.SubmitConfig{RetryBudget: types.RetryBudget{MaxDuration: 10 * time.Minute}}, 1)
	timeout := provider.TransientError(provider.OpPoll, errors.New("i/o timeout"))

	state, err := f.o.ReportFailure(f.ctx, job.ID, provider.OpPoll, timeout)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, state)

	f.clock.Advance(11 * time.Minute)
	state, err = f.o.ReportFailure(f.ctx, job.ID, provider.OpPoll, timeout)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, state)
}

func TestReportFailure_PermanentFailsAtOnce(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil, 1)

	state, err := f.o.ReportFailure(f.ctx, job.ID, provider.OpPoll,
		provider.PermanentError(provider.OpPoll, errors.New("batch not found")))
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, state)

	job = f.get(job.ID)
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, types.ErrorPermanent, job.ErrorInfo.Kind)

	// Stale reports for a job that left the watch set are ignored.
	state, err = f.o.ReportFailure(f.ctx, job.ID, provider.OpPoll, errors.New("late"))
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, state)
	assert.Len(t, f.get(job.ID).History, 2)
}

func TestStoreUnavailable_LeavesJobUnchanged(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil, 1)
	f.store.failNextPuts(1)

	_, err := f.o.ObserveStatus(f.ctx, job.ID, provider.Status{State: types.ProviderRunning})
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Equal(t, types.StateSubmitted, f.get(job.ID).State)

	// The next cycle applies the observation.
	state, err := f.o.ObserveStatus(f.ctx, job.ID, provider.Status{State: types.ProviderRunning})
	require.NoError(t, err)
	assert.Equal(t, types.StateMonitoring, state)
}

// ============================================================================
// Retrieval
// ============================================================================

func processedJob(t *testing.T, f *fixture, cfg *types.SubmitConfig) *types.Job {
	t.Helper()
	job := f.submit(cfg, 2)
	f.finish(job, types.ProviderCompleted, 2, 0)
	f.poll()
	job = f.get(job.ID)
	require.Equal(t, types.StateProcessed, job.State)
	return job
}

func TestRetrieve_DeliversOnce(t *testing.T) {
	f := newFixture(t)
	job := processedJob(t, f, nil)

	res, err := f.o.Retrieve(f.ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Delivery)
	require.NotNil(t, res.Delivery.Results)
	data, err := io.ReadAll(res.Delivery.Results)
	require.NoError(t, err)
	require.NoError(t, res.Delivery.Results.Close())
	assert.Equal(t, string(results(2, 0)), string(data))
	assert.Equal(t, types.Complete, res.Delivery.Completeness)

	job = f.get(job.ID)
	assert.Equal(t, types.StateRetrieved, job.State)
	assert.Equal(t, 1, job.RetrievalCount)
	assert.Equal(t, res.Delivery.Ref, job.ResultRef)
	assert.Equal(t, []NotificationKind{Delivered}, f.notifications(job.ID))

	// The second call is a no-op without a second fetch.
	again, err := f.o.Retrieve(f.ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, again.NoNewWork)
	assert.ErrorIs(t, again.Reason, ErrAlreadyRetrieved)
	assert.Equal(t, 1, f.provider.Calls(provider.OpFetch))
	assert.Equal(t, 1, f.get(job.ID).RetrievalCount)
}

func TestRetrieve_ConcurrentCallersFetchOnce(t *testing.T) {
	f := newFixture(t)
	job := processedJob(t, f, nil)
	f.provider.SetFetchDelay(20 * time.Millisecond)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.o.Retrieve(f.ctx, job.ID)
			assert.NoError(t, err)
			if res.Delivery != nil {
				res.Delivery.Results.Close()
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, f.provider.Calls(provider.OpFetch))
	assert.Equal(t, 1, f.get(job.ID).RetrievalCount)
}

func TestRetrieve_RepeatAllowedReopensOutput(t *testing.T) {
	f := newFixture(t)
	job := processedJob(t, f, &types.SubmitConfig{AllowRepeatRetrieval: true})

	first, err := f.o.Retrieve(f.ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Delivery)
	first.Delivery.Results.Close()

	second, err := f.o.Retrieve(f.ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, second.Delivery)
	defer second.Delivery.Results.Close()

	assert.Equal(t, first.Delivery.Ref, second.Delivery.Ref)
	assert.Equal(t, 2, second.Delivery.Succeeded)
	assert.Equal(t, 2, f.get(job.ID).RetrievalCount)
	assert.Equal(t, 1, f.provider.Calls(provider.OpFetch))
	assert.Equal(t, types.StateRetrieved, f.get(job.ID).State)
}

func TestRetrieve_NotReady(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil, 1)

	_, err := f.o.Retrieve(f.ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, f.provider.Calls(provider.OpFetch))
}

func TestRetrieve_MalformedResultsFailTheJob(t *testing.T) {
	f := newFixture(t)
	job := processedJob(t, f, &types.SubmitConfig{
		RetryBudget: types.RetryBudget{MaxAttempts: 2},
	})
	f.provider.SetResults(job.RemoteBatchID, []byte("{not json\n"))

	for range 10 {
		res, err := f.o.Retrieve(f.ctx, job.ID)
		if err == nil {
			assert.Nil(t, res.Delivery)
		}
	}

	job = f.get(job.ID)
	assert.Equal(t, types.StateFailed, job.State)
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, types.ErrorPermanent, job.ErrorInfo.Kind)
	assert.Equal(t, provider.OpFetch, job.ErrorInfo.Op)
	assert.Zero(t, job.RetrievalCount)
	assert.Equal(t, 1, f.provider.Calls(provider.OpFetch))
	assert.Contains(t, f.notifications(job.ID), Failed)
}

func TestRetrieve_PartialIsNeverUpgraded(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil, 4)
	f.finish(job, types.ProviderPartiallyCompleted, 4, 1)
	f.poll()

	res, err := f.o.Retrieve(f.ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Delivery)
	res.Delivery.Results.Close()

	assert.Equal(t, types.Partial, res.Delivery.Completeness)
	assert.Equal(t, 3, res.Delivery.Succeeded)
	assert.Equal(t, 1, res.Delivery.Failed)

	job = f.get(job.ID)
	assert.Equal(t, types.Partial, job.Completeness)
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, types.ErrorPartial, job.ErrorInfo.Kind)
}

func TestRetrieve_MissingLinesMarkPartial(t *testing.T) {
	f := newFixture(t)
	job := f.submit(nil, 3)
	f.provider.Finish(job.RemoteBatchID, provider.Status{
		State:  types.ProviderCompleted,
		Counts: types.RequestCounts{Total: 3, Completed: 3},
	}, results(2, 0))
	f.poll()

	res, err := f.o.Retrieve(f.ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Delivery)
	res.Delivery.Results.Close()

	assert.Equal(t, types.Partial, res.Delivery.Completeness)
	assert.Equal(t, 1, res.Delivery.Missing)
	assert.Contains(t, f.get(job.ID).ErrorInfo.Message, "1 missing")
}

func TestRetrieve_FetchFailureChargesBudget(t *testing.T) {
	f := newFixture(t)
	job := processedJob(t, f, &types.SubmitConfig{RetryBudget: types.RetryBudget{MaxAttempts: 2}})
	boom := provider.TransientError(provider.OpFetch, errors.New("reset"))
	f.provider.Fail(provider.OpFetch, boom, boom)

	_, err := f.o.Retrieve(f.ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, types.StateProcessed, f.get(job.ID).State)
	assert.Equal(t, 1, f.get(job.ID).TransientFailures)

	_, err = f.o.Retrieve(f.ctx, job.ID)
	require.Error(t, err)
	assert.Equal(t, types.StateFailed, f.get(job.ID).State)
	assert.Zero(t, f.get(job.ID).RetrievalCount)
}

// ============================================================================
// Cleanup
// ============================================================================

func retrievedJob(t *testing.T, f *fixture, cfg *types.SubmitConfig) *types.Job {
	t.Helper()
	job := processedJob(t, f, cfg)
	_, err := f.o.Retriever().RunOnce(f.ctx)
	require.NoError(t, err)
	job = f.get(job.ID)
	require.Equal(t, types.StateRetrieved, job.State)
	return job
}

func TestCleanup_DeleteFailsThreeTimes(t *testing.T) {
	f := newFixture(t)
	job := retrievedJob(t, f, nil)
	boom := provider.TransientError(provider.OpCleanup, errors.New("503"))
	f.provider.Fail(provider.OpCleanup, boom, boom, boom)

	rep, err := f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	job = f.get(job.ID)
	assert.Equal(t, types.StateRetrieved, job.State)
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, types.ErrorCleanup, job.ErrorInfo.Kind)
	assert.Equal(t, 3, job.ErrorInfo.Attempts)
	assert.Equal(t, 3, job.CleanupAttempts)
	assert.False(t, f.provider.Deleted(job.RemoteBatchID))

	// A later cycle retries and succeeds.
	rep, err = f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cleaned)

	job = f.get(job.ID)
	assert.Equal(t, types.StateCleaned, job.State)
	assert.Nil(t, job.ErrorInfo)
	assert.True(t, f.provider.Deleted(job.RemoteBatchID))
	assert.Equal(t, []NotificationKind{Delivered, Cleaned}, f.notifications(job.ID))
}

func TestCleanup_AlreadyCleaned(t *testing.T) {
	f := newFixture(t)
	job := retrievedJob(t, f, nil)

	state, err := f.o.CleanupSucceeded(f.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCleaned, state)

	_, err = f.o.CleanupSucceeded(f.ctx, job.ID)
	assert.ErrorIs(t, err, ErrAlreadyCleaned)
	assert.Len(t, f.get(job.ID).History, 5)
}

func TestCleanup_RequiresPolicy(t *testing.T) {
	f := newFixture(t)
	job := retrievedJob(t, f, &types.SubmitConfig{AutoCleanup: false})

	_, err := f.o.CleanupSucceeded(f.ctx, job.ID)
	assert.ErrorIs(t, err, ErrCleanupNotAllowed)

	rep, err := f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Cleaned)
	assert.Zero(t, f.provider.Calls(provider.OpCleanup))
}

func TestCleanup_FailedJobsAfterRetention(t *testing.T) {
	f := newFixture(t)
	job := f.submit(&types.SubmitConfig{CleanupFailed: true, Retention: time.Hour}, 1)
	f.finish(job, types.ProviderExpired, 1, 0)
	f.poll()
	require.Equal(t, types.StateExpired, f.get(job.ID).State)

	rep, err := f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Cleaned, "retention has not passed")

	f.clock.Advance(2 * time.Hour)
	rep, err = f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cleaned)
	assert.Equal(t, types.StateCleaned, f.get(job.ID).State)
}

func TestPurgeRecord_AfterRecordRetention(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RecordRetention = 24 * time.Hour })
	job := retrievedJob(t, f, nil)

	_, err := f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	require.Equal(t, types.StateCleaned, f.get(job.ID).State)

	assert.ErrorIs(t, f.o.PurgeRecord(f.ctx, job.ID), ErrNotPurgeable)

	f.clock.Advance(25 * time.Hour)
	rep, err := f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Purged)

	_, err = f.o.Get(f.ctx, job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// ============================================================================
// Notifications
// ============================================================================

func TestSubscribe_SeesPersistedState(t *testing.T) {
	f := newFixture(t)

	var seen []types.JobState
	unsubscribe := f.o.Subscribe(func(n Notification) {
		job, err := f.o.Get(f.ctx, n.JobID)
		require.NoError(t, err)
		seen = append(seen, job.State)
		assert.Equal(t, n.State, job.State)
	})

	job := processedJob(t, f, nil)
	_, err := f.o.Retriever().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.JobState{types.StateRetrieved}, seen)

	unsubscribe()
	_, err = f.o.Collector().RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Len(t, seen, 1)
	assert.Equal(t, types.StateCleaned, f.get(job.ID).State)
}
