package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/batchkeeper/internal/jobmanager"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/provider/fake"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// stubReporter moves jobs the way a minimal orchestrator would: a running
// report makes a job monitoring, anything terminal takes it out of the
// watch set.
type stubReporter struct {
	mu       sync.Mutex
	store    *jobmanager.JobManager
	observed map[types.JobID][]types.ProviderState
	failures map[types.JobID]int
}

func newStubReporter(store *jobmanager.JobManager) *stubReporter {
	return &stubReporter{
		store:    store,
		observed: map[types.JobID][]types.ProviderState{},
		failures: map[types.JobID]int{},
	}
}

func (r *stubReporter) ObserveStatus(ctx context.Context, id types.JobID, st provider.Status) (types.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[id] = append(r.observed[id], st.State)

	job, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	switch st.State {
	case types.ProviderRunning:
		job.State = types.StateMonitoring
	case types.ProviderCompleted:
		job.State = types.StateProcessed
	default:
		job.State = types.StateFailed
	}
	return job.State, r.store.Put(ctx, job)
}

func (r *stubReporter) ReportFailure(ctx context.Context, id types.JobID, _ string, _ error) (types.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id]++
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *jobmanager.JobManager
	provider *fake.Provider
	reporter *stubReporter
	clock    *clock
	monitor  *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    jobmanager.NewJobManager(),
		provider: fake.New(),
		clock:    &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.reporter = newStubReporter(f.store)
	f.monitor = New(Config{Workers: 2, DefaultPollInterval: time.Minute, Now: f.clock.Now}, f.store, f.provider, f.reporter)
	return f
}

// addJob submits to the fake provider and stores the job as submitted.
func (f *fixture) addJob(t *testing.T, id types.JobID, interval time.Duration) string {
	t.Helper()
	ctx := context.Background()
	remote, err := f.provider.Submit(ctx, provider.SubmitRequest{JobID: id})
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, &types.Job{
		ID:            id,
		State:         types.StateSubmitted,
		RemoteBatchID: remote,
		CreatedAt:     f.clock.Now(),
		Config:        types.SubmitConfig{PollInterval: interval},
	}))
	return remote
}

func TestRunOnce_PollsAtMostOncePerInterval(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "job-1", 10*time.Minute)
	ctx := context.Background()

	rep, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Watched: 1, Polled: 1}, rep)

	f.clock.Advance(5 * time.Minute)
	rep, err = f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Polled, "interval has not elapsed")

	f.clock.Advance(5 * time.Minute)
	rep, err = f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Polled)
	assert.Equal(t, 2, f.provider.Calls(provider.OpPoll))
}

func TestRunOnce_DefaultInterval(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "job-1", 0)
	ctx := context.Background()

	_, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)
	rep, _ := f.monitor.RunOnce(ctx)
	assert.Equal(t, 0, rep.Polled)
	f.clock.Advance(30 * time.Second)
	rep, _ = f.monitor.RunOnce(ctx)
	assert.Equal(t, 1, rep.Polled)
}

func TestRunOnce_StopsPollingFinishedJobs(t *testing.T) {
	f := newFixture(t)
	remote := f.addJob(t, "job-1", time.Minute)
	ctx := context.Background()

	f.provider.SetStatus(remote, provider.Status{State: types.ProviderCompleted})
	rep, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Left)
	assert.Zero(t, f.monitor.Watching())

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		rep, err = f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Watched)
	}
	assert.Equal(t, 1, f.provider.Calls(provider.OpPoll), "processed jobs are never polled again")
	assert.Equal(t, []types.ProviderState{types.ProviderCompleted}, f.reporter.observed["job-1"])
}

func TestRunOnce_ReportsFailures(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "job-1", time.Minute)
	f.provider.Fail(provider.OpPoll, provider.TransientError(provider.OpPoll, errors.New("503")))

	_, err := f.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.reporter.failures["job-1"])
	assert.Empty(t, f.reporter.observed["job-1"])
	assert.Equal(t, 1, f.monitor.Watching(), "a failed poll keeps the job watched")
}

func TestRunOnce_PrunesJobsThatLeftElsewhere(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "job-1", time.Minute)
	ctx := context.Background()

	_, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.monitor.Watching())

	job, _ := f.store.Get(ctx, "job-1")
	job.State = types.StateFailed
	require.NoError(t, f.store.Put(ctx, job))

	_, err = f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.monitor.Watching())
}

func TestRunOnce_ManyJobsConcurrently(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.addJob(t, types.JobID("job-"+string(rune('a'+i))), time.Minute)
	}

	rep, err := f.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Polled)
	assert.Equal(t, 20, f.provider.Calls(provider.OpPoll))
	assert.Equal(t, 20, f.store.Stats()[types.StateMonitoring])
}

func TestPoll_Immediate(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "job-1", time.Hour)
	ctx := context.Background()
	job, _ := f.store.Get(ctx, "job-1")

	assert.True(t, f.monitor.Poll(ctx, job))

	rep, err := f.monitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Polled, "an immediate poll counts toward the interval")
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx, 10*time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
