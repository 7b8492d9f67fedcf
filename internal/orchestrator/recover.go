package orchestrator

import (
	"context"
	"time"

	"github.com/ChuLiYu/batchkeeper/internal/gc"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// RecoveryReport summarizes a reconciliation scan.
type RecoveryReport struct {
	Scanned     int
	Resubmitted int
	Polled      int
	Retrieved   int
	Cleaned     int
	Skipped     int
	Failed      int
	Duration    time.Duration
}

// Recover is the startup reconciliation scan. It visits every job that
// still needs work exactly once, in creation order:
//
//	prepared                       -> resubmitted (never with a batch id)
//	submitted, monitoring          -> polled immediately
//	processed, partially_processed -> retrieved
//	pending cleanup                -> cleaned
//
// Individual failures are counted and logged; only a failed store listing
// aborts the scan.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	start := time.Now()
	log.Info("Starting recovery scan")

	jobs, err := o.store.ListByState(ctx,
		types.StatePrepared,
		types.StateSubmitted,
		types.StateMonitoring,
		types.StateProcessed,
		types.StatePartiallyProcessed,
		types.StateRetrieved,
		types.StateFailed,
		types.StateExpired,
	)
	if err != nil {
		return RecoveryReport{}, err
	}

	rep := RecoveryReport{Scanned: len(jobs)}
	now := o.now()
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		o.recoverJob(ctx, job, now, &rep)
	}

	rep.Duration = time.Since(start)
	o.metrics.SetRecoveryTime(rep.Duration)
	log.Info("Recovery scan completed",
		"scanned", rep.Scanned,
		"resubmitted", rep.Resubmitted,
		"polled", rep.Polled,
		"retrieved", rep.Retrieved,
		"cleaned", rep.Cleaned,
		"failed", rep.Failed,
		"duration", rep.Duration)
	return rep, nil
}

func (o *Orchestrator) recoverJob(ctx context.Context, job *types.Job, now time.Time, rep *RecoveryReport) {
	switch {
	case job.State == types.StatePrepared:
		_, attempted, err := o.resubmit(ctx, job)
		switch {
		case err != nil:
			rep.Failed++
			log.Warn("Recovery resubmission failed", "jobID", job.ID, "error", err)
		case attempted:
			rep.Resubmitted++
		default:
			rep.Skipped++
		}

	case job.State.IsWatchable():
		o.monitor.Poll(ctx, job)
		rep.Polled++

	case job.State.AwaitsRetrieval():
		res, err := o.retriever.Retrieve(ctx, job.ID)
		switch {
		case err != nil:
			rep.Failed++
			log.Warn("Recovery retrieval failed", "jobID", job.ID, "error", err)
		case res.NoNewWork:
			rep.Skipped++
		default:
			rep.Retrieved++
		}

	case gc.Eligible(job, now):
		res, err := o.gc.Clean(ctx, job)
		switch {
		case res == gc.Cleaned:
			rep.Cleaned++
		case res == gc.Skipped:
			rep.Skipped++
		default:
			rep.Failed++
			log.Warn("Recovery cleanup failed", "jobID", job.ID, "error", err)
		}

	default:
		rep.Skipped++
	}
}
