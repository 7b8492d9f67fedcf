package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/lifecycle"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// SubmitInput is one batch handed in by a caller.
type SubmitInput struct {
	// Records is the JSONL request set.
	Records []byte
	// Description is forwarded to the provider as batch metadata.
	Description string
	// Config overrides the defaults; nil takes them as is.
	Config *types.SubmitConfig
}

// resolveConfig fills the zero fields of in from the defaults. Booleans are
// taken as given.
func (o *Orchestrator) resolveConfig(in *types.SubmitConfig) types.SubmitConfig {
	def := o.cfg.Defaults
	if in == nil {
		return def
	}
	cfg := *in
	if cfg.RetryBudget.MaxAttempts == 0 && cfg.RetryBudget.MaxDuration == 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return cfg
}

// Submit validates and stages the records, persists a prepared job and
// sends it to the provider.
//
// The returned job reflects the outcome: submitted on success, failed when
// the provider rejected the batch or the retry budget ran out, prepared
// when a transient failure left it for the resubmit loop. An error means
// the job could not be created or its outcome could not be persisted.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*types.Job, error) {
	count, err := batchfile.Validate(in.Records)
	if err != nil {
		o.metrics.RecordSubmission("invalid")
		return nil, err
	}

	id := types.JobID(uuid.NewString())
	ref, err := o.stager.Stage(ctx, id, in.Records)
	if err != nil {
		return nil, fmt.Errorf("stage input for %s: %w", id, err)
	}

	now := o.now()
	job := &types.Job{
		ID:               id,
		State:            types.StatePrepared,
		CreatedAt:        now,
		LastTransitionAt: now,
		Config:           o.resolveConfig(in.Config),
		InputRef:         ref,
		Description:      in.Description,
		RequestCounts:    types.RequestCounts{Total: count},
	}

	o.claim(id, claimSubmit)
	defer o.release(id, claimSubmit)

	if err := o.store.Put(ctx, job); err != nil {
		if rerr := o.stager.Remove(ctx, ref); rerr != nil {
			log.Warn("Failed to remove staged input", "jobID", id, "error", rerr)
		}
		return nil, fmt.Errorf("persist prepared job: %w", err)
	}
	log.Info("Job prepared", "jobID", id, "requests", count)

	return o.attemptSubmit(ctx, job, in.Records)
}

// attemptSubmit sends a prepared job to the provider and records the
// outcome. The caller holds the submit claim.
//
// A crash after the provider accepted the batch but before submitted was
// persisted leaves a prepared job whose batch exists remotely; recovery
// then submits it again.
func (o *Orchestrator) attemptSubmit(ctx context.Context, job *types.Job, records []byte) (*types.Job, error) {
	remoteID, callErr := o.gateway.Submit(ctx, provider.SubmitRequest{
		JobID:       job.ID,
		Records:     records,
		Description: job.Description,
	})

	var out outbox
	defer o.flush(&out)
	defer o.locks.Lock(job.ID)()

	current, err := o.store.Get(ctx, job.ID)
	if err != nil {
		return job, err
	}
	if current.State != types.StatePrepared {
		if callErr == nil {
			log.Warn("Provider accepted a batch for a job that moved on",
				"jobID", job.ID, "state", current.State, "batchID", remoteID)
		}
		return current, nil
	}

	switch {
	case callErr == nil:
		next, err := o.advance(ctx, current, lifecycle.EventSubmitAccepted, func(j *types.Job) {
			j.RemoteBatchID = remoteID
			resetBudget(j)
		})
		if err != nil {
			return next, err
		}
		o.metrics.RecordSubmission("accepted")
		o.clearResubmit(job.ID)
		log.Info("Batch submitted", "jobID", job.ID, "batchID", remoteID)
		return next, nil

	case provider.IsPermanent(callErr):
		next, err := o.advance(ctx, current, lifecycle.EventSubmitRejected, func(j *types.Job) {
			j.ErrorInfo = &types.ErrorInfo{
				Kind:     types.ErrorPermanent,
				Op:       provider.OpSubmit,
				Message:  callErr.Error(),
				Attempts: j.TransientFailures + 1,
				At:       o.now(),
			}
		})
		if err != nil {
			return next, err
		}
		o.metrics.RecordSubmission("rejected")
		o.clearResubmit(job.ID)
		out.add(Failed, next)
		return next, nil

	default:
		next, err := o.chargeBudget(ctx, current, provider.OpSubmit, callErr, &out)
		if err != nil {
			return next, err
		}
		if next.State == types.StatePrepared {
			o.metrics.RecordSubmission("deferred")
			o.scheduleResubmit(next)
		} else {
			o.metrics.RecordSubmission("exhausted")
			o.clearResubmit(job.ID)
		}
		return next, nil
	}
}

// ============================================================================
// Resubmission
// ============================================================================

func (o *Orchestrator) scheduleResubmit(job *types.Job) {
	at := o.now().Add(o.cfg.SubmitBackoff.Delay(job.TransientFailures))
	o.mu.Lock()
	o.nextSubmit[job.ID] = at
	o.mu.Unlock()
	log.Debug("Resubmission scheduled", "jobID", job.ID, "at", at)
}

func (o *Orchestrator) clearResubmit(id types.JobID) {
	o.mu.Lock()
	delete(o.nextSubmit, id)
	o.mu.Unlock()
}

func (o *Orchestrator) resubmitDue(id types.JobID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	at, ok := o.nextSubmit[id]
	return !ok || !o.now().Before(at)
}

// resubmit sends a stored prepared job again. It reports false when the
// job was skipped.
func (o *Orchestrator) resubmit(ctx context.Context, job *types.Job) (*types.Job, bool, error) {
	if job.RemoteBatchID != "" {
		log.Warn("Prepared job already carries a batch id, not resubmitting",
			"jobID", job.ID, "batchID", job.RemoteBatchID)
		return job, false, nil
	}
	if !o.claim(job.ID, claimSubmit) {
		return job, false, nil
	}
	defer o.release(job.ID, claimSubmit)

	records, err := o.stager.Load(ctx, job.InputRef)
	if err != nil {
		if ctx.Err() != nil {
			return job, false, ctx.Err()
		}
		// The input is gone; nothing can ever be submitted for this job.
		var out outbox
		defer o.flush(&out)
		defer o.locks.Lock(job.ID)()
		current, gerr := o.store.Get(ctx, job.ID)
		if gerr != nil {
			return job, false, gerr
		}
		if current.State != types.StatePrepared {
			return current, false, nil
		}
		next, ferr := o.fault(ctx, current, provider.OpSubmit, fmt.Errorf("load staged input: %w", err), &out)
		return next, true, ferr
	}

	log.Info("Resubmitting prepared job", "jobID", job.ID, "failures", job.TransientFailures)
	next, err := o.attemptSubmit(ctx, job, records)
	return next, true, err
}

// ResubmitOnce retries every due prepared job and returns how many were
// attempted.
func (o *Orchestrator) ResubmitOnce(ctx context.Context) (int, error) {
	jobs, err := o.store.ListByState(ctx, types.StatePrepared)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if !o.resubmitDue(job.ID) {
			continue
		}
		_, attempted, err := o.resubmit(ctx, job)
		if err != nil {
			log.Warn("Resubmission failed", "jobID", job.ID, "error", err)
		}
		if attempted {
			n++
		}
	}
	return n, nil
}
