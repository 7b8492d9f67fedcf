// ============================================================================
// batchkeeper orchestrator - job lifecycle coordinator
// ============================================================================
//
// Package: internal/orchestrator
//
// The orchestrator owns every state change of every job. Monitor, retriever
// and garbage collector only observe the provider and report back through
// the Reporter methods implemented here; the orchestrator decides the
// resulting transition with lifecycle.Next and persists it.
//
// Ordering rules:
//   - one mutex per job id; different jobs proceed in parallel
//   - gateway calls are never made while a job lock is held
//   - a transition is Put to the store before anything that depends on it
//     (notifications, the next side effect) happens
//   - a failed Put leaves the job unchanged; the caller retries the cycle
//
// Startup:
//   Recover() visits every non-terminal job once and drives it forward:
//   prepared -> resubmit, submitted/monitoring -> poll,
//   processed/partially_processed -> retrieve, pending cleanup -> clean.
//   Run() calls Recover() and then starts the periodic loops.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/gc"
	"github.com/ChuLiYu/batchkeeper/internal/lifecycle"
	"github.com/ChuLiYu/batchkeeper/internal/metrics"
	"github.com/ChuLiYu/batchkeeper/internal/monitor"
	"github.com/ChuLiYu/batchkeeper/internal/output"
	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/internal/retriever"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/backoff"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

var (
	// ErrAlreadyRetrieved means the job's single retrieval was used.
	ErrAlreadyRetrieved = fmt.Errorf("job already retrieved: %w", retriever.ErrNoNewWork)

	// ErrRetrievalInProgress means another caller holds the retrieval claim.
	ErrRetrievalInProgress = fmt.Errorf("retrieval in progress: %w", retriever.ErrNoNewWork)

	// ErrNotReady means the job has no results to retrieve yet.
	ErrNotReady = errors.New("job not ready for retrieval")

	// ErrAlreadyCleaned means remote artifacts were already deleted.
	ErrAlreadyCleaned = fmt.Errorf("job already cleaned: %w", gc.ErrSkip)

	// ErrCleanupNotAllowed means the job's policy does not permit cleanup.
	ErrCleanupNotAllowed = fmt.Errorf("cleanup not allowed: %w", gc.ErrSkip)

	// ErrNotPurgeable means the record is not cleaned or still retained.
	ErrNotPurgeable = fmt.Errorf("record not purgeable: %w", gc.ErrSkip)
)

// ============================================================================
// Configuration
// ============================================================================

// Config tunes the orchestrator and the loops it runs.
type Config struct {
	// Defaults fills SubmitConfig fields a submission leaves zero, and is
	// used as is when a submission carries no config at all.
	Defaults types.SubmitConfig `yaml:"-"`

	// PartialFailureTolerance is the largest failed-request ratio still
	// accepted as partially_processed. Above it the batch counts as failed.
	PartialFailureTolerance float64 `yaml:"partial_failure_tolerance"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	RetrieveInterval time.Duration `yaml:"retrieve_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	ResubmitInterval time.Duration `yaml:"resubmit_interval"`
	GaugeInterval    time.Duration `yaml:"gauge_interval"`
	CompactInterval  time.Duration `yaml:"compact_interval"`

	MonitorWorkers  int `yaml:"monitor_workers"`
	RetrieveWorkers int `yaml:"retrieve_workers"`
	CleanupWorkers  int `yaml:"cleanup_workers"`

	CleanupRetries  int            `yaml:"cleanup_retries"`
	CleanupBackoff  backoff.Policy `yaml:"cleanup_backoff"`
	SubmitBackoff   backoff.Policy `yaml:"submit_backoff"`
	RecordRetention time.Duration  `yaml:"record_retention"`
}

// DefaultSubmitConfig is the per-job policy used when a caller supplies
// none. Cleanup of failed and expired jobs is opt-in.
func DefaultSubmitConfig() types.SubmitConfig {
	return types.SubmitConfig{
		RetryBudget:  types.RetryBudget{MaxAttempts: 5, MaxDuration: time.Hour},
		PollInterval: time.Minute,
		AutoCleanup:  true,
		Retention:    24 * time.Hour,
	}
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Defaults:                DefaultSubmitConfig(),
		PartialFailureTolerance: 0.5,
		PollInterval:            10 * time.Second,
		RetrieveInterval:        15 * time.Second,
		CleanupInterval:         time.Minute,
		ResubmitInterval:        10 * time.Second,
		GaugeInterval:           15 * time.Second,
		CompactInterval:         10 * time.Minute,
		MonitorWorkers:          4,
		RetrieveWorkers:         2,
		CleanupWorkers:          2,
		CleanupRetries:          3,
		CleanupBackoff:          backoff.Policy{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.2},
		SubmitBackoff:           backoff.Policy{Initial: 5 * time.Second, Max: 5 * time.Minute, Jitter: 0.2},
		RecordRetention:         7 * 24 * time.Hour,
	}
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store   storage.Store
	Gateway provider.Gateway
	Sink    output.Sink
	Stager  batchfile.Stager
	Metrics *metrics.Collector // optional
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for every component the orchestrator builds.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator coordinates the job lifecycle.
type Orchestrator struct {
	cfg     Config
	store   storage.Store
	gateway provider.Gateway
	sink    output.Sink
	stager  batchfile.Stager
	metrics *metrics.Collector
	now     func() time.Time

	locks *keyedMutex

	monitor   *monitor.Monitor
	retriever *retriever.Retriever
	gc        *gc.Collector

	mu         sync.Mutex
	claims     map[types.JobID]claimKind
	nextSubmit map[types.JobID]time.Time
	handlers   map[int]Handler
	handlerSeq int
}

type claimKind int

const (
	claimSubmit claimKind = iota + 1
	claimRetrieve
)

// New wires an orchestrator and its monitor, retriever and collector.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Gateway == nil:
		return nil, errors.New("orchestrator: gateway is required")
	case deps.Sink == nil:
		return nil, errors.New("orchestrator: output sink is required")
	case deps.Stager == nil:
		return nil, errors.New("orchestrator: input stager is required")
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		gateway:    deps.Gateway,
		sink:       deps.Sink,
		stager:     deps.Stager,
		metrics:    deps.Metrics,
		now:        time.Now,
		locks:      newKeyedMutex(),
		claims:     make(map[types.JobID]claimKind),
		nextSubmit: make(map[types.JobID]time.Time),
		handlers:   make(map[int]Handler),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.monitor = monitor.New(monitor.Config{
		Workers:             cfg.MonitorWorkers,
		DefaultPollInterval: cfg.Defaults.PollInterval,
		Now:                 o.now,
	}, o.store, o.gateway, o)
	o.retriever = retriever.New(retriever.Config{
		Workers: cfg.RetrieveWorkers,
	}, o.store, o.gateway, o.sink, o)
	o.gc = gc.New(gc.Config{
		Retries:         cfg.CleanupRetries,
		Backoff:         cfg.CleanupBackoff,
		RecordRetention: cfg.RecordRetention,
		Workers:         cfg.CleanupWorkers,
		Now:             o.now,
	}, o.store, o.gateway, o)

	return o, nil
}

// Get returns the stored job.
func (o *Orchestrator) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return o.store.Get(ctx, id)
}

// List returns jobs in the given states, all jobs when none are given.
func (o *Orchestrator) List(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	return o.store.ListByState(ctx, states...)
}

// Monitor exposes the monitor for callers that drive cycles by hand.
func (o *Orchestrator) Monitor() *monitor.Monitor { return o.monitor }

// Retriever exposes the retriever for callers that drive cycles by hand.
func (o *Orchestrator) Retriever() *retriever.Retriever { return o.retriever }

// Collector exposes the garbage collector for callers that drive cycles by hand.
func (o *Orchestrator) Collector() *gc.Collector { return o.gc }

// ============================================================================
// Transitions
// ============================================================================

// advance applies ev to job, lets mutate adjust the new record and persists
// it. On any error the returned job is the unchanged input.
func (o *Orchestrator) advance(ctx context.Context, job *types.Job, ev lifecycle.Event, mutate func(*types.Job)) (*types.Job, error) {
	to, err := lifecycle.Next(job.State, ev)
	if err != nil {
		o.noop(job, ev, err)
		return job, err
	}

	now := o.now()
	next := job.Clone()
	next.History = append(next.History, types.Transition{
		From:  job.State,
		To:    to,
		Event: string(ev),
		At:    now,
	})
	next.State = to
	next.LastTransitionAt = now
	if mutate != nil {
		mutate(next)
	}

	if err := o.store.Put(ctx, next); err != nil {
		return job, fmt.Errorf("persist %s -> %s for job %s: %w", job.State, to, job.ID, err)
	}

	o.metrics.RecordTransition(job.State, to)
	log.Info("Job transitioned", "jobID", job.ID, "from", job.State, "to", to, "event", ev)
	return next, nil
}

// save persists a non-transition update of job.
func (o *Orchestrator) save(ctx context.Context, job *types.Job, mutate func(*types.Job)) (*types.Job, error) {
	next := job.Clone()
	mutate(next)
	if err := o.store.Put(ctx, next); err != nil {
		return job, fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return next, nil
}

func (o *Orchestrator) noop(job *types.Job, ev lifecycle.Event, err error) {
	if errors.Is(err, lifecycle.ErrAlreadyApplied) {
		o.metrics.RecordNoop("already_applied")
		log.Debug("Duplicate event ignored", "jobID", job.ID, "state", job.State, "event", ev)
		return
	}
	o.metrics.RecordNoop("invalid_transition")
	log.Warn("Invalid transition dropped", "jobID", job.ID, "state", job.State, "event", ev)
}

func isNoop(err error) bool {
	return errors.Is(err, lifecycle.ErrAlreadyApplied) || errors.Is(err, lifecycle.ErrInvalidTransition)
}

// ============================================================================
// Retry budget
// ============================================================================

func resetBudget(j *types.Job) {
	j.TransientFailures = 0
	j.FirstTransientAt = nil
}

// exhausted reports whether job has used up its retry budget at now.
// MaxAttempts counts failed attempts, so with MaxAttempts 5 the fifth
// consecutive transient failure is the last one tolerated.
func exhausted(job *types.Job, now time.Time) bool {
	b := job.Config.RetryBudget
	if b.MaxAttempts > 0 && job.TransientFailures >= b.MaxAttempts {
		return true
	}
	if b.MaxDuration > 0 && job.FirstTransientAt != nil && now.Sub(*job.FirstTransientAt) >= b.MaxDuration {
		return true
	}
	return false
}

// chargeBudget records one transient failure of op against job, faulting
// it once the budget is exhausted. Callers hold the job lock.
func (o *Orchestrator) chargeBudget(ctx context.Context, job *types.Job, op string, cause error, out *outbox) (*types.Job, error) {
	now := o.now()
	charged := job.Clone()
	charged.TransientFailures++
	if charged.FirstTransientAt == nil {
		at := now
		charged.FirstTransientAt = &at
	}

	if !exhausted(charged, now) {
		log.Warn("Transient failure charged to retry budget",
			"jobID", job.ID,
			"op", op,
			"failures", charged.TransientFailures,
			"error", cause)
		return o.save(ctx, job, func(j *types.Job) {
			j.TransientFailures = charged.TransientFailures
			j.FirstTransientAt = charged.FirstTransientAt
		})
	}

	info := &types.ErrorInfo{
		Kind:     types.ErrorTransient,
		Op:       op,
		Message:  "retry budget exhausted: " + cause.Error(),
		Attempts: charged.TransientFailures,
		At:       now,
	}
	next, err := o.advance(ctx, job, lifecycle.EventFault, func(j *types.Job) {
		j.TransientFailures = charged.TransientFailures
		j.FirstTransientAt = charged.FirstTransientAt
		j.ErrorInfo = info
	})
	if err == nil {
		out.add(Failed, next)
	}
	return next, err
}

// fault fails job on a permanent error.
func (o *Orchestrator) fault(ctx context.Context, job *types.Job, op string, cause error, out *outbox) (*types.Job, error) {
	next, err := o.advance(ctx, job, lifecycle.EventFault, func(j *types.Job) {
		j.ErrorInfo = &types.ErrorInfo{
			Kind:     types.ErrorPermanent,
			Op:       op,
			Message:  cause.Error(),
			Attempts: j.TransientFailures + 1,
			At:       o.now(),
		}
	})
	if err == nil {
		out.add(Failed, next)
	}
	return next, err
}

// ============================================================================
// Claims
// ============================================================================

func (o *Orchestrator) claim(id types.JobID, kind claimKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, taken := o.claims[id]; taken {
		return false
	}
	o.claims[id] = kind
	return true
}

func (o *Orchestrator) release(id types.JobID, kind claimKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.claims[id] == kind {
		delete(o.claims, id)
	}
}
