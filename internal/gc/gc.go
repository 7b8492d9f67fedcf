// ============================================================================
// batchkeeper garbage collector - remote artifact cleanup
// ============================================================================
//
// Package: internal/gc
//
// Cleanup is policy gated per job:
//   retrieved       -> only with auto_cleanup
//   failed, expired -> only with cleanup_failed, once retention has passed
//                      since the job reached that state, and only when the
//                      provider ever issued a batch id
//
// One round calls DeleteRemoteArtifacts up to Retries times with
// exponential backoff in between. Success goes to CleanupSucceeded; an
// exhausted round goes to CleanupFailed and the job is retried on a later
// cycle. Cleaned records older than RecordRetention are purged.
//
// ============================================================================

package gc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/backoff"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

// ErrSkip is wrapped by Reporter answers meaning "nothing to do", such as an
// already cleaned job.
var ErrSkip = errors.New("cleanup skipped")

// Reporter is the orchestrator side of cleanup.
type Reporter interface {
	CleanupSucceeded(ctx context.Context, id types.JobID) (types.JobState, error)
	CleanupFailed(ctx context.Context, id types.JobID, attempts int, cause error) error
	PurgeRecord(ctx context.Context, id types.JobID) error
}

// Config tunes the collector.
type Config struct {
	// Retries is the number of delete attempts per round. Default 3.
	Retries int
	// Backoff spaces attempts within a round.
	Backoff backoff.Policy
	// RecordRetention is how long cleaned records are kept; 0 keeps them
	// forever.
	RecordRetention time.Duration
	// Workers bounds concurrent cleanups. Default 2.
	Workers int
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Collector deletes remote artifacts of finished jobs.
type Collector struct {
	cfg      Config
	store    storage.Reader
	gateway  provider.Gateway
	reporter Reporter
}

// New builds a collector.
func New(cfg Config, store storage.Reader, gw provider.Gateway, rep Reporter) *Collector {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{cfg: cfg, store: store, gateway: gw, reporter: rep}
}

// Eligible reports whether policy allows cleaning job at now.
func Eligible(job *types.Job, now time.Time) bool {
	switch job.State {
	case types.StateRetrieved:
		return job.Config.AutoCleanup
	case types.StateFailed, types.StateExpired:
		return job.Config.CleanupFailed &&
			job.RemoteBatchID != "" &&
			now.Sub(job.LastTransitionAt) >= job.Config.Retention
	default:
		return false
	}
}

// Result of cleaning one job.
type Result int

const (
	Cleaned Result = iota
	Skipped
	Failed
)

// Clean runs one cleanup round for job.
func (c *Collector) Clean(ctx context.Context, job *types.Job) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Failed, ctx.Err()
			case <-time.After(c.cfg.Backoff.Delay(attempt - 1)):
			}
		}

		lastErr = c.gateway.DeleteRemoteArtifacts(ctx, job.RemoteBatchID)
		if lastErr == nil {
			_, err := c.reporter.CleanupSucceeded(ctx, job.ID)
			if errors.Is(err, ErrSkip) {
				return Skipped, nil
			}
			if err != nil {
				return Failed, err
			}
			log.Info("Remote artifacts deleted", "jobID", job.ID, "batchID", job.RemoteBatchID, "attempt", attempt)
			return Cleaned, nil
		}
		if ctx.Err() != nil {
			return Failed, ctx.Err()
		}
		log.Warn("Delete remote artifacts failed",
			"jobID", job.ID,
			"attempt", attempt,
			"of", c.cfg.Retries,
			"error", lastErr)
	}

	if err := c.reporter.CleanupFailed(ctx, job.ID, c.cfg.Retries, lastErr); err != nil && !errors.Is(err, ErrSkip) {
		return Failed, err
	}
	return Failed, lastErr
}

// Report summarizes one cycle.
type Report struct {
	Cleaned int
	Skipped int
	Failed  int
	Purged  int
}

// RunOnce cleans every eligible job and purges expired records.
func (c *Collector) RunOnce(ctx context.Context) (Report, error) {
	now := c.cfg.Now()
	jobs, err := c.store.ListByState(ctx, types.StateRetrieved, types.StateFailed, types.StateExpired)
	if err != nil {
		return Report{}, err
	}

	var eligible []*types.Job
	for _, job := range jobs {
		if Eligible(job, now) {
			eligible = append(eligible, job)
		}
	}

	results := make([]Result, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, job := range eligible {
		g.Go(func() error {
			res, err := c.Clean(gctx, job)
			if err != nil && gctx.Err() == nil {
				log.Warn("Cleanup round failed", "jobID", job.ID, "error", err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var rep Report
	for _, res := range results {
		switch res {
		case Cleaned:
			rep.Cleaned++
		case Skipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}

	purged, err := c.purge(ctx, now)
	rep.Purged = purged
	if err != nil {
		return rep, err
	}
	return rep, ctx.Err()
}

func (c *Collector) purge(ctx context.Context, now time.Time) (int, error) {
	if c.cfg.RecordRetention <= 0 {
		return 0, nil
	}
	cleaned, err := c.store.ListByState(ctx, types.StateCleaned)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range cleaned {
		if now.Sub(job.LastTransitionAt) < c.cfg.RecordRetention {
			continue
		}
		if err := c.reporter.PurgeRecord(ctx, job.ID); err != nil {
			if !errors.Is(err, ErrSkip) {
				log.Warn("Failed to purge record", "jobID", job.ID, "error", err)
			}
			continue
		}
		n++
	}
	return n, nil
}

// Run calls RunOnce every tick until ctx ends.
func (c *Collector) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("Garbage collection cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			log.Info("Garbage collector loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}
