package orchestrator

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/batchkeeper/internal/gc"
	"github.com/ChuLiYu/batchkeeper/internal/lifecycle"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var _ gc.Reporter = (*Orchestrator)(nil)

// cleanupAllowed reports whether the job's policy permits deleting its
// remote artifacts in its current state.
func cleanupAllowed(job *types.Job) bool {
	switch job.State {
	case types.StateRetrieved:
		return job.Config.AutoCleanup
	case types.StateFailed, types.StateExpired:
		return job.Config.CleanupFailed
	default:
		return false
	}
}

// CleanupSucceeded marks the job cleaned after its remote artifacts were
// deleted.
func (o *Orchestrator) CleanupSucceeded(ctx context.Context, id types.JobID) (types.JobState, error) {
	var out outbox
	defer o.flush(&out)
	defer o.locks.Lock(id)()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.State == types.StateCleaned {
		o.metrics.RecordNoop("already_cleaned")
		return job.State, ErrAlreadyCleaned
	}
	if !cleanupAllowed(job) {
		return job.State, fmt.Errorf("%w: job %s is %s", ErrCleanupNotAllowed, id, job.State)
	}

	next, err := o.advance(ctx, job, lifecycle.EventCleaned, func(j *types.Job) {
		if j.ErrorInfo != nil && j.ErrorInfo.Kind == types.ErrorCleanup {
			j.ErrorInfo = nil
		}
	})
	if err != nil {
		return job.State, err
	}
	out.add(Cleaned, next)

	if next.InputRef != "" {
		if err := o.stager.Remove(ctx, next.InputRef); err != nil {
			log.Warn("Failed to remove staged input", "jobID", id, "error", err)
		}
	}
	return next.State, nil
}

// CleanupFailed records a cleanup round that ran out of attempts. The job
// keeps its state; a retrieved job gets error_info so the failure is
// visible until a later round succeeds.
func (o *Orchestrator) CleanupFailed(ctx context.Context, id types.JobID, attempts int, cause error) error {
	defer o.locks.Lock(id)()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State == types.StateCleaned {
		return ErrAlreadyCleaned
	}

	next, err := o.save(ctx, job, func(j *types.Job) {
		j.CleanupAttempts += attempts
		if j.State == types.StateRetrieved {
			j.ErrorInfo = &types.ErrorInfo{
				Kind:     types.ErrorCleanup,
				Op:       provider.OpCleanup,
				Message:  cause.Error(),
				Attempts: j.CleanupAttempts,
				At:       o.now(),
			}
		}
	})
	if err != nil {
		return err
	}

	o.metrics.RecordCleanupFailure()
	log.Warn("Cleanup round failed",
		"jobID", id,
		"state", next.State,
		"attempts", next.CleanupAttempts,
		"error", cause)
	return nil
}

// PurgeRecord deletes a cleaned job whose record retention has passed.
func (o *Orchestrator) PurgeRecord(ctx context.Context, id types.JobID) error {
	defer o.locks.Lock(id)()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != types.StateCleaned || o.cfg.RecordRetention <= 0 ||
		o.now().Sub(job.LastTransitionAt) < o.cfg.RecordRetention {
		return fmt.Errorf("%w: job %s is %s", ErrNotPurgeable, id, job.State)
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	log.Info("Job record purged", "jobID", id)
	return nil
}
