package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/batchkeeper/internal/lifecycle"
	"github.com/ChuLiYu/batchkeeper/internal/monitor"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var _ monitor.Reporter = (*Orchestrator)(nil)

// ObserveStatus applies a polled provider status to the job and returns
// the job's state afterwards. Repeated and stale observations change
// nothing.
func (o *Orchestrator) ObserveStatus(ctx context.Context, id types.JobID, st provider.Status) (types.JobState, error) {
	var out outbox
	defer o.flush(&out)
	defer o.locks.Lock(id)()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	ev, ok := lifecycle.ForProvider(st.State)
	if !ok {
		o.metrics.RecordNoop("unknown_provider_state")
		return job.State, fmt.Errorf("job %s: unknown provider state %q", id, st.State)
	}

	ratio := st.Counts.FailedRatio()
	overTolerance := ev == lifecycle.EventProviderPartial && ratio > o.cfg.PartialFailureTolerance
	if overTolerance {
		ev = lifecycle.EventProviderFailed
	}

	// A batch seen finished on its first poll still passes through
	// monitoring so the stored history stays a path of legal edges.
	if job.State == types.StateSubmitted && ev != lifecycle.EventProviderRunning {
		job, err = o.advance(ctx, job, lifecycle.EventProviderRunning, func(j *types.Job) {
			applyCounts(j, st.Counts)
			resetBudget(j)
		})
		if err != nil && !isNoop(err) {
			return job.State, err
		}
	}

	next, err := o.advance(ctx, job, ev, func(j *types.Job) {
		applyCounts(j, st.Counts)
		resetBudget(j)
		j.ErrorInfo = o.observedError(j, ev, st, overTolerance)
	})
	if isNoop(err) {
		if job.TransientFailures > 0 && job.State.IsWatchable() {
			// A successful poll is progress for the retry budget.
			if saved, serr := o.save(ctx, job, resetBudget); serr == nil {
				job = saved
			}
		}
		return job.State, nil
	}
	if err != nil {
		return job.State, err
	}

	if kind, ok := terminalNotice(next.State); ok {
		out.add(kind, next)
	}
	if next.State == types.StatePartiallyProcessed || overTolerance {
		log.Warn("Batch finished with failed requests",
			"jobID", id,
			"completed", next.RequestCounts.Completed,
			"failed", next.RequestCounts.Failed,
			"total", next.RequestCounts.Total)
	}
	return next.State, nil
}

// applyCounts stores the provider's tallies, keeping the locally known
// total when the provider does not report one.
func applyCounts(j *types.Job, c types.RequestCounts) {
	total := j.RequestCounts.Total
	if c.Total > 0 {
		total = c.Total
	}
	if c.Total == 0 && c.Completed == 0 && c.Failed == 0 {
		return
	}
	j.RequestCounts = types.RequestCounts{Total: total, Completed: c.Completed, Failed: c.Failed}
}

// observedError builds error_info for a job entering a state through ev.
func (o *Orchestrator) observedError(j *types.Job, ev lifecycle.Event, st provider.Status, overTolerance bool) *types.ErrorInfo {
	c := j.RequestCounts
	now := o.now()
	switch {
	case overTolerance:
		return &types.ErrorInfo{
			Kind: types.ErrorPartial,
			Op:   provider.OpPoll,
			Message: fmt.Sprintf("%d of %d requests failed, ratio %.2f exceeds tolerance %.2f",
				c.Failed, c.Total, c.FailedRatio(), o.cfg.PartialFailureTolerance),
			At: now,
		}
	case ev == lifecycle.EventProviderPartial:
		return &types.ErrorInfo{
			Kind:    types.ErrorPartial,
			Op:      provider.OpPoll,
			Message: fmt.Sprintf("%d of %d requests failed", c.Failed, c.Total),
			At:      now,
		}
	case ev == lifecycle.EventProviderFailed:
		msg := "provider reported the batch failed"
		if st.Message != "" {
			msg += ": " + st.Message
		}
		return &types.ErrorInfo{Kind: types.ErrorPermanent, Op: provider.OpPoll, Message: msg, At: now}
	case ev == lifecycle.EventProviderExpired:
		return &types.ErrorInfo{
			Kind: types.ErrorPermanent,
			Op:   provider.OpPoll,
			Message: fmt.Sprintf("completion window expired with %d of %d requests completed",
				c.Completed, c.Total),
			At: now,
		}
	default:
		return j.ErrorInfo
	}
}

// ReportFailure charges a failed provider call against the job. Permanent
// errors fail the job at once; transient ones count against its retry
// budget. The job's state afterwards is returned.
func (o *Orchestrator) ReportFailure(ctx context.Context, id types.JobID, op string, cause error) (types.JobState, error) {
	var out outbox
	defer o.flush(&out)
	defer o.locks.Lock(id)()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !failureApplies(op, job.State) {
		o.metrics.RecordNoop("stale_failure")
		log.Debug("Stale failure report ignored", "jobID", id, "op", op, "state", job.State)
		return job.State, nil
	}

	if provider.IsPermanent(cause) {
		job, err = o.fault(ctx, job, op, cause, &out)
	} else {
		job, err = o.chargeBudget(ctx, job, op, cause, &out)
	}
	if err != nil && !errors.Is(err, lifecycle.ErrAlreadyApplied) {
		return job.State, err
	}
	return job.State, nil
}

// failureApplies reports whether a failure of op still concerns a job in
// state; reports that raced with a transition are dropped.
func failureApplies(op string, state types.JobState) bool {
	switch op {
	case provider.OpSubmit:
		return state == types.StatePrepared
	case provider.OpPoll:
		return state.IsWatchable()
	case provider.OpFetch:
		return state.AwaitsRetrieval()
	default:
		return false
	}
}
