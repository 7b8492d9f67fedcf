package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/jobmanager"
	"github.com/ChuLiYu/batchkeeper/internal/lifecycle"
	"github.com/ChuLiYu/batchkeeper/internal/metrics"
	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/provider/fake"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/backoff"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// ============================================================================
// Recording store
// ============================================================================

// recordingStore checks every Put: the stored history must be a legal path
// from prepared that only ever grows, and must end in the stored state.
type recordingStore struct {
	storage.Store

	mu         sync.Mutex
	historyLen map[types.JobID]int
	violations []string
	puts       int
	failPuts   int
}

func newRecordingStore(inner storage.Store) *recordingStore {
	return &recordingStore{Store: inner, historyLen: make(map[types.JobID]int)}
}

func (r *recordingStore) Put(ctx context.Context, job *types.Job) error {
	r.mu.Lock()
	if r.failPuts > 0 {
		r.failPuts--
		r.mu.Unlock()
		return storage.Unavailable("put "+string(job.ID), fmt.Errorf("disk on fire"))
	}
	r.puts++
	if err := lifecycle.ValidPath(job.History); err != nil {
		r.violations = append(r.violations, fmt.Sprintf("%s: %v", job.ID, err))
	}
	last := types.StatePrepared
	if n := len(job.History); n > 0 {
		last = job.History[n-1].To
	}
	if last != job.State {
		r.violations = append(r.violations, fmt.Sprintf("%s: state %s but history ends in %s", job.ID, job.State, last))
	}
	if len(job.History) < r.historyLen[job.ID] {
		r.violations = append(r.violations, fmt.Sprintf("%s: history shrank", job.ID))
	}
	r.historyLen[job.ID] = len(job.History)
	r.mu.Unlock()

	return r.Store.Put(ctx, job)
}

// failNextPuts makes the next n Puts fail with ErrStoreUnavailable.
func (r *recordingStore) failNextPuts(n int) {
	r.mu.Lock()
	r.failPuts = n
	r.mu.Unlock()
}

// ============================================================================
// Clock
// ============================================================================

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

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	t        *testing.T
	ctx      context.Context
	cfg      Config
	mem      *jobmanager.JobManager
	store    *recordingStore
	provider *fake.Provider
	sink     *output.FileSink
	stager   *batchfile.DirStager
	clock    *clock
	metrics  *metrics.Collector
	o        *Orchestrator

	mu    sync.Mutex
	notes []Notification
}

func testConfig() Config {
	cfg := DefaultConfig()
	fast := backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond}
	cfg.CleanupBackoff = fast
	cfg.SubmitBackoff = backoff.Policy{Initial: time.Second, Max: time.Second}
	cfg.RecordRetention = 0
	return cfg
}

func newFixture(t *testing.T, tweak ...func(*Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}

	sink, err := output.NewFileSink(t.TempDir())
	require.NoError(t, err)
	stager, err := batchfile.NewDirStager(t.TempDir())
	require.NoError(t, err)

	mem := jobmanager.NewJobManager()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		cfg:      cfg,
		mem:      mem,
		store:    newRecordingStore(mem),
		provider: fake.New(),
		sink:     sink,
		stager:   stager,
		clock:    &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		metrics:  metrics.NewCollector(prometheus.NewRegistry()),
	}
	f.o = f.restart()

	t.Cleanup(func() {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		assert.Empty(t, f.store.violations, "every persisted history must be a legal path")
	})
	return f
}

// restart builds a fresh orchestrator over the same store, provider, sink
// and stager, as a process restart would.
func (f *fixture) restart() *Orchestrator {
	f.t.Helper()
	o, err := New(f.cfg, Deps{
		Store:   f.store,
		Gateway: f.provider,
		Sink:    f.sink,
		Stager:  f.stager,
		Metrics: f.metrics,
	}, WithClock(f.clock.Now))
	require.NoError(f.t, err)
	o.Subscribe(func(n Notification) {
		f.mu.Lock()
		f.notes = append(f.notes, n)
		f.mu.Unlock()
	})
	f.o = o
	return o
}

func (f *fixture) notifications(id types.JobID) []NotificationKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []NotificationKind
	for _, n := range f.notes {
		if n.JobID == id {
			kinds = append(kinds, n.Kind)
		}
	}
	return kinds
}

func records(t *testing.T, n int) []byte {
	t.Helper()
	lines := make([]batchfile.Line, 0, n)
	for i := range n {
		l, err := batchfile.ChatRequest(fmt.Sprintf("req-%d", i), "", []batchfile.Message{
			{Role: batchfile.RoleUser, Content: fmt.Sprintf("question %d", i)},
		}, 0)
		require.NoError(t, err)
		lines = append(lines, l)
	}
	data, err := batchfile.Marshal(lines)
	require.NoError(t, err)
	return data
}

func results(n, failed int) []byte {
	var lines [][]byte
	for i := range n {
		id := fmt.Sprintf("req-%d", i)
		if i < failed {
			lines = append(lines, fake.ErrorLine(id, "model overloaded"))
		} else {
			lines = append(lines, fake.ResultLine(id, "answer"))
		}
	}
	return fake.Lines(lines...)
}

func (f *fixture) submit(cfg *types.SubmitConfig, n int) *types.Job {
	f.t.Helper()
	job, err := f.o.Submit(f.ctx, SubmitInput{Records: records(f.t, n), Description: "test batch", Config: cfg})
	require.NoError(f.t, err)
	return job
}

func (f *fixture) get(id types.JobID) *types.Job {
	f.t.Helper()
	job, err := f.o.Get(f.ctx, id)
	require.NoError(f.t, err)
	return job
}

// finish makes the provider report st for job, with matching result lines.
func (f *fixture) finish(job *types.Job, ps types.ProviderState, total, failed int) {
	f.t.Helper()
	st := provider.Status{
		State:  ps,
		Counts: types.RequestCounts{Total: total, Completed: total - failed, Failed: failed},
	}
	var out []byte
	if ps == types.ProviderCompleted || ps == types.ProviderPartiallyCompleted {
		out = results(total, failed)
	}
	f.provider.Finish(job.RemoteBatchID, st, out)
}

// poll runs one monitor cycle with every job due.
func (f *fixture) poll() {
	f.t.Helper()
	f.clock.Advance(2 * time.Minute)
	_, err := f.o.Monitor().RunOnce(f.ctx)
	require.NoError(f.t, err)
}

func events(job *types.Job) []string {
	out := make([]string, len(job.History))
	for i, tr := range job.History {
		out[i] = tr.Event
	}
	return out
}
