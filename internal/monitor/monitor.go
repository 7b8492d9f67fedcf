// ============================================================================
// batchkeeper monitor - provider status polling
// ============================================================================
//
// Package: internal/monitor
//
// Each cycle:
//   1. watch set = store.ListByState(submitted, monitoring)
//   2. forget poll times of jobs no longer in the set
//   3. poll every job whose poll_interval has elapsed, at most Workers at once
//   4. hand the observation (or the failure) to the Reporter
//   5. forget the job at once if the Reporter says it left the watch set
//
// The monitor keeps no list of its own: membership is recomputed from the
// store every cycle, so it cannot drift from what the state machine says.
// It never changes a job; deciding what an observation means belongs to
// the Reporter.
//
// ============================================================================

package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

// Reporter receives observations. Both methods return the job's state after
// the report was applied.
type Reporter interface {
	ObserveStatus(ctx context.Context, id types.JobID, st provider.Status) (types.JobState, error)
	ReportFailure(ctx context.Context, id types.JobID, op string, err error) (types.JobState, error)
}

// Config tunes the monitor.
type Config struct {
	// Workers bounds concurrent polls. Default 4.
	Workers int
	// DefaultPollInterval applies to jobs without their own interval.
	// Default 1m.
	DefaultPollInterval time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Monitor polls watchable jobs.
type Monitor struct {
	cfg      Config
	store    storage.Reader
	gateway  provider.Gateway
	reporter Reporter

	mu       sync.Mutex
	lastPoll map[types.JobID]time.Time
}

// New builds a monitor.
func New(cfg Config, store storage.Reader, gw provider.Gateway, rep Reporter) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultPollInterval <= 0 {
		cfg.DefaultPollInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:      cfg,
		store:    store,
		gateway:  gw,
		reporter: rep,
		lastPoll: make(map[types.JobID]time.Time),
	}
}

// Report summarizes one cycle.
type Report struct {
	Watched int
	Polled  int
	Left    int // jobs that left the watch set during the cycle
}

// RunOnce performs one monitoring cycle. Poll and report failures are
// logged and do not abort the cycle; only a failed store listing does.
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	jobs, err := m.store.ListByState(ctx, types.StateSubmitted, types.StateMonitoring)
	if err != nil {
		return Report{}, err
	}

	now := m.cfg.Now()
	due := m.prune(jobs, now)
	rep := Report{Watched: len(jobs), Polled: len(due)}

	var (
		mu   sync.Mutex
		left int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, job := range due {
		g.Go(func() error {
			if !m.poll(gctx, job) {
				mu.Lock()
				left++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Left = left
	return rep, ctx.Err()
}

// Poll observes one job immediately, regardless of its interval. It reports
// whether the job is still watchable afterwards.
func (m *Monitor) Poll(ctx context.Context, job *types.Job) bool {
	m.mu.Lock()
	m.lastPoll[job.ID] = m.cfg.Now()
	m.mu.Unlock()
	return m.poll(ctx, job)
}

// Watching returns the number of jobs with a recorded poll time.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastPoll)
}

// prune drops entries for jobs outside the watch set and returns the jobs
// due for a poll, stamping their poll time.
func (m *Monitor) prune(jobs []*types.Job, now time.Time) []*types.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	watch := make(map[types.JobID]struct{}, len(jobs))
	var due []*types.Job
	for _, job := range jobs {
		watch[job.ID] = struct{}{}
		interval := job.Config.PollInterval
		if interval <= 0 {
			interval = m.cfg.DefaultPollInterval
		}
		if last, ok := m.lastPoll[job.ID]; ok && now.Sub(last) < interval {
			continue
		}
		m.lastPoll[job.ID] = now
		due = append(due, job)
	}
	for id := range m.lastPoll {
		if _, ok := watch[id]; !ok {
			delete(m.lastPoll, id)
		}
	}
	return due
}

func (m *Monitor) forget(id types.JobID) {
	m.mu.Lock()
	delete(m.lastPoll, id)
	m.mu.Unlock()
}

// poll queries the provider once and reports the result.
func (m *Monitor) poll(ctx context.Context, job *types.Job) bool {
	if job.RemoteBatchID == "" {
		log.Warn("Watchable job has no remote batch id", "jobID", job.ID, "state", job.State)
		return true
	}

	var (
		state types.JobState
		err   error
	)
	st, pollErr := m.gateway.PollStatus(ctx, job.RemoteBatchID)
	if pollErr != nil {
		if ctx.Err() != nil {
			// Shutting down; the next start polls again.
			return true
		}
		log.Debug("Poll failed", "jobID", job.ID, "batchID", job.RemoteBatchID, "error", pollErr)
		state, err = m.reporter.ReportFailure(ctx, job.ID, provider.OpPoll, pollErr)
	} else {
		state, err = m.reporter.ObserveStatus(ctx, job.ID, st)
	}
	if err != nil {
		log.Error("Failed to report poll result", "jobID", job.ID, "error", err)
		return true
	}

	if !state.IsWatchable() {
		m.forget(job.ID)
		log.Debug("Job left the watch set", "jobID", job.ID, "state", state)
		return false
	}
	return true
}

// Run calls RunOnce every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("Monitor cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			log.Info("Monitor loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}
