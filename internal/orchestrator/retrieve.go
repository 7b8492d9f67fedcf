package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/batchkeeper/internal/lifecycle"
	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/retriever"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var _ retriever.Reporter = (*Orchestrator)(nil)

// BeginRetrieval claims the job's retrieval. Only one claim per job exists
// at a time; the claim is released by CompleteRetrieval or AbortRetrieval.
func (o *Orchestrator) BeginRetrieval(ctx context.Context, id types.JobID) (retriever.Claim, error) {
	defer o.locks.Lock(id)()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return retriever.Claim{}, err
	}

	repeatable := job.Config.AllowRepeatRetrieval && job.ResultRef != "" &&
		(job.State == types.StateRetrieved || job.State == types.StateCleaned)

	switch {
	case job.State.AwaitsRetrieval() && job.RetrievalCount == 0:
		if !o.claim(id, claimRetrieve) {
			o.metrics.RecordNoop("retrieval_in_progress")
			return retriever.Claim{}, ErrRetrievalInProgress
		}
		return retriever.Claim{Job: job}, nil

	case repeatable:
		if !o.claim(id, claimRetrieve) {
			o.metrics.RecordNoop("retrieval_in_progress")
			return retriever.Claim{}, ErrRetrievalInProgress
		}
		return retriever.Claim{Job: job, Repeat: true}, nil

	case job.RetrievalCount > 0 || job.State == types.StateRetrieved || job.State == types.StateCleaned:
		o.metrics.RecordNoop("already_retrieved")
		return retriever.Claim{}, ErrAlreadyRetrieved

	default:
		return retriever.Claim{}, fmt.Errorf("%w: job %s is %s", ErrNotReady, id, job.State)
	}
}

// CompleteRetrieval records a finished delivery and releases the claim.
func (o *Orchestrator) CompleteRetrieval(ctx context.Context, id types.JobID, d output.Delivery) (*types.Job, error) {
	var out outbox
	defer o.flush(&out)
	defer o.locks.Lock(id)()
	defer o.release(id, claimRetrieve)

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.State == types.StateRetrieved || job.State == types.StateCleaned {
		if !job.Config.AllowRepeatRetrieval {
			o.metrics.RecordNoop("already_retrieved")
			return nil, ErrAlreadyRetrieved
		}
		next, err := o.save(ctx, job, func(j *types.Job) { j.RetrievalCount++ })
		if err != nil {
			return nil, err
		}
		o.metrics.RecordRetrieval(next.Completeness)
		out.add(Delivered, next)
		return next, nil
	}

	missing := 0
	if total := job.RequestCounts.Total; total > 0 {
		missing = max(total-d.Succeeded-d.Failed, 0)
	}
	completeness := types.Complete
	if job.State == types.StatePartiallyProcessed || d.Failed > 0 || missing > 0 {
		completeness = types.Partial
	}

	next, err := o.advance(ctx, job, lifecycle.EventRetrieved, func(j *types.Job) {
		j.RetrievalCount++
		j.ResultRef = d.Ref
		j.Completeness = completeness
		resetBudget(j)
		if completeness == types.Partial && j.ErrorInfo == nil {
			j.ErrorInfo = &types.ErrorInfo{
				Kind:    types.ErrorPartial,
				Op:      provider.OpFetch,
				Message: fmt.Sprintf("%d succeeded, %d failed, %d missing", d.Succeeded, d.Failed, missing),
				At:      j.LastTransitionAt,
			}
		}
	})
	if isNoop(err) {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, id, job.State)
	}
	if err != nil {
		return nil, err
	}

	o.metrics.RecordRetrieval(completeness)
	out.add(Delivered, next)
	return next, nil
}

// AbortRetrieval releases the claim after a failed retrieval. Fetch
// failures count against the job's retry budget; sink failures are ours
// and are retried on the next cycle without charge.
func (o *Orchestrator) AbortRetrieval(ctx context.Context, id types.JobID, op string, cause error) error {
	var out outbox
	defer o.flush(&out)
	defer o.locks.Lock(id)()
	defer o.release(id, claimRetrieve)

	if op != provider.OpFetch {
		log.Warn("Retrieval aborted", "jobID", id, "op", op, "error", cause)
		return nil
	}

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !failureApplies(op, job.State) {
		return nil
	}
	if provider.IsPermanent(cause) {
		_, err = o.fault(ctx, job, op, cause, &out)
	} else {
		_, err = o.chargeBudget(ctx, job, op, cause, &out)
	}
	return err
}

// Retrieve performs a caller-driven retrieval with the same rules as the
// retrieval loop. A delivery comes back with Results opened on the stored
// output; the caller closes it. A job with nothing new to deliver returns an
// Outcome with NoNewWork set and no error.
func (o *Orchestrator) Retrieve(ctx context.Context, id types.JobID) (retriever.Outcome, error) {
	res, err := o.retriever.Retrieve(ctx, id)
	if err != nil || res.Delivery == nil {
		return res, err
	}
	rc, err := o.sink.Open(ctx, res.Delivery.Ref)
	if err != nil {
		return res, fmt.Errorf("open delivered output: %w", err)
	}
	res.Delivery.Results = rc
	return res, nil
}

// IsNoNewWork reports whether err is a "nothing to do" answer.
func IsNoNewWork(err error) bool {
	return errors.Is(err, retriever.ErrNoNewWork)
}
