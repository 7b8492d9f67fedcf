// ============================================================================
// batchkeeper retriever - result delivery
// ============================================================================
//
// Package: internal/retriever
//
// For one job:
//   1. Reporter.BeginRetrieval   - claims the job or answers "no new work"
//   2. Gateway.FetchResults      - raw result stream (skipped on a repeat
//                                  retrieval, which re-opens the sink output)
//   3. Sink.Deliver              - stores the stream, counts result lines
//   4. Reporter.CompleteRetrieval - persists retrieved, retrieval_count, ref
//   A failure in 2 or 3 goes to Reporter.AbortRetrieval, which releases the
//   claim. The retriever never decides that a job failed; it only marks a
//   malformed result stream as a permanent fetch error.
//
// Already retrieved and in-progress jobs are not errors: they come back as
// Outcome{NoNewWork: true} with the reason attached.
//
// ============================================================================

package retriever

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

// ErrNoNewWork is wrapped by every "nothing to do" answer of a Reporter,
// such as an already retrieved job.
var ErrNoNewWork = errors.New("no new work")

// OpDeliver names a failure of the output sink in AbortRetrieval.
const OpDeliver = "deliver"

// Claim grants one retrieval.
type Claim struct {
	Job *types.Job
	// Repeat is set for an allowed second retrieval of a retrieved job; the
	// stored output at Job.ResultRef is re-opened instead of fetched.
	Repeat bool
}

// Reporter is the orchestrator side of retrieval.
type Reporter interface {
	BeginRetrieval(ctx context.Context, id types.JobID) (Claim, error)
	CompleteRetrieval(ctx context.Context, id types.JobID, d output.Delivery) (*types.Job, error)
	AbortRetrieval(ctx context.Context, id types.JobID, op string, cause error) error
}

// Outcome of one retrieval attempt.
type Outcome struct {
	Job       *types.Job
	Delivery  *output.Delivery
	NoNewWork bool
	Reason    error // why there was no new work
}

// Config tunes the retriever.
type Config struct {
	// Workers bounds concurrent retrievals. Default 2.
	Workers int
}

// Retriever delivers results of finished jobs.
type Retriever struct {
	cfg      Config
	store    storage.Reader
	gateway  provider.Gateway
	sink     output.Sink
	reporter Reporter
}

// New builds a retriever.
func New(cfg Config, store storage.Reader, gw provider.Gateway, sink output.Sink, rep Reporter) *Retriever {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Retriever{cfg: cfg, store: store, gateway: gw, sink: sink, reporter: rep}
}

// Retrieve runs one retrieval for id.
func (r *Retriever) Retrieve(ctx context.Context, id types.JobID) (Outcome, error) {
	claim, err := r.reporter.BeginRetrieval(ctx, id)
	if errors.Is(err, ErrNoNewWork) {
		return Outcome{NoNewWork: true, Reason: err}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	job := claim.Job

	var (
		stream io.ReadCloser
		op     = provider.OpFetch
	)
	if claim.Repeat {
		op = OpDeliver
		stream, err = r.sink.Open(ctx, job.ResultRef)
	} else {
		stream, err = r.gateway.FetchResults(ctx, job.RemoteBatchID)
	}
	if err != nil {
		return Outcome{}, r.abort(ctx, id, op, err)
	}

	var d output.Delivery
	if claim.Repeat {
		// Re-count the stored output without rewriting it.
		ok, failed, cerr := output.Count(stream)
		stream.Close()
		if cerr != nil {
			return Outcome{}, r.abort(ctx, id, OpDeliver, cerr)
		}
		d = output.Delivery{JobID: id, Ref: job.ResultRef, Succeeded: ok, Failed: failed}
	} else {
		d, err = r.sink.Deliver(ctx, id, stream)
		stream.Close()
		if err != nil {
			// A stream that broke mid-read is the provider's fault. A
			// malformed one is too, and refetching it cannot help.
			switch {
			case errors.Is(err, output.ErrMalformedResult):
				op = provider.OpFetch
				err = provider.PermanentError(op, err)
			case provider.IsTimeout(err) || ctx.Err() != nil:
				op = provider.OpFetch
			default:
				op = OpDeliver
			}
			return Outcome{}, r.abort(ctx, id, op, err)
		}
	}

	updated, err := r.reporter.CompleteRetrieval(ctx, id, d)
	if errors.Is(err, ErrNoNewWork) {
		return Outcome{NoNewWork: true, Reason: err}, nil
	}
	if err != nil {
		// The claim is released by CompleteRetrieval on failure; the
		// delivery is rewritten on the next attempt.
		return Outcome{}, fmt.Errorf("complete retrieval of %s: %w", id, err)
	}
	d.Completeness = updated.Completeness
	if total := updated.RequestCounts.Total; total > d.Succeeded+d.Failed {
		d.Missing = total - d.Succeeded - d.Failed
	}

	log.Info("Results delivered",
		"jobID", id,
		"completeness", d.Completeness,
		"succeeded", d.Succeeded,
		"failed", d.Failed,
		"repeat", claim.Repeat)
	return Outcome{Job: updated, Delivery: &d}, nil
}

func (r *Retriever) abort(ctx context.Context, id types.JobID, op string, cause error) error {
	if err := r.reporter.AbortRetrieval(context.WithoutCancel(ctx), id, op, cause); err != nil {
		log.Error("Failed to abort retrieval", "jobID", id, "error", err)
	}
	return fmt.Errorf("retrieve %s: %s: %w", id, op, cause)
}

// Report summarizes one cycle.
type Report struct {
	Candidates int
	Delivered  int
	NoNewWork  int
	Failed     int
}

// RunOnce retrieves every processed or partially processed job.
func (r *Retriever) RunOnce(ctx context.Context) (Report, error) {
	jobs, err := r.store.ListByState(ctx, types.StateProcessed, types.StatePartiallyProcessed)
	if err != nil {
		return Report{}, err
	}

	outcomes := make([]Outcome, len(jobs))
	errs := make([]error, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i], errs[i] = r.Retrieve(gctx, job.ID)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Candidates: len(jobs)}
	for i := range jobs {
		switch {
		case errs[i] != nil:
			rep.Failed++
			log.Warn("Retrieval failed", "jobID", jobs[i].ID, "error", errs[i])
		case outcomes[i].NoNewWork:
			rep.NoNewWork++
		default:
			rep.Delivered++
		}
	}
	return rep, ctx.Err()
}

// Run calls RunOnce every tick until ctx ends.
func (r *Retriever) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("Retriever cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			log.Info("Retriever loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}
