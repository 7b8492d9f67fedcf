// Package types defines the core domain model shared by every batchkeeper package.
package types

import (
	"time"
)

// JobID uniquely identifies a batch job.
type JobID string

// JobState is the lifecycle state of a batch job.
type JobState string

const (
	StatePrepared           JobState = "prepared"            // record created, not yet accepted by the provider
	StateSubmitted          JobState = "submitted"           // provider accepted the batch
	StateMonitoring         JobState = "monitoring"          // provider reported the batch running
	StateProcessed          JobState = "processed"           // provider finished, results ready
	StateFailed             JobState = "failed"              // rejected, failed remotely or out of retry budget
	StateExpired            JobState = "expired"             // provider gave up on the completion window
	StatePartiallyProcessed JobState = "partially_processed" // provider finished with some failed requests
	StateRetrieved          JobState = "retrieved"           // results delivered to the caller
	StateCleaned            JobState = "cleaned"             // remote artifacts deleted
)

// AllStates lists every state in lifecycle order.
var AllStates = []JobState{
	StatePrepared,
	StateSubmitted,
	StateMonitoring,
	StateProcessed,
	StateFailed,
	StateExpired,
	StatePartiallyProcessed,
	StateRetrieved,
	StateCleaned,
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsWatchable reports whether the monitor polls jobs in this state.
func (s JobState) IsWatchable() bool {
	return s == StateSubmitted || s == StateMonitoring
}

// AwaitsRetrieval reports whether results are ready to be fetched.
func (s JobState) AwaitsRetrieval() bool {
	return s == StateProcessed || s == StatePartiallyProcessed
}

// ProviderState is the batch status as reported by the remote provider.
type ProviderState string

const (
	ProviderRunning            ProviderState = "running"
	ProviderCompleted          ProviderState = "completed"
	ProviderFailed             ProviderState = "failed"
	ProviderExpired            ProviderState = "expired"
	ProviderPartiallyCompleted ProviderState = "partially_completed"
)

// Completeness marks whether a delivery contains every requested result.
type Completeness string

const (
	Complete Completeness = "complete"
	Partial  Completeness = "partial"
)

// ErrorKind classifies the failure recorded in ErrorInfo.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorPermanent ErrorKind = "permanent"
	ErrorPartial   ErrorKind = "partial"
	ErrorCleanup   ErrorKind = "cleanup"
)

// ErrorInfo records the most recent failure attached to a job.
type ErrorInfo struct {
	Kind     ErrorKind `json:"kind"`
	Op       string    `json:"op,omitempty"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
}

// RequestCounts mirrors the per-request tallies a provider reports for a batch.
type RequestCounts struct {
	Total     int `json:"total" yaml:"total"`
	Completed int `json:"completed" yaml:"completed"`
	Failed    int `json:"failed" yaml:"failed"`
}

// FailedRatio returns the share of failed requests, or 0 when nothing was counted.
func (c RequestCounts) FailedRatio() float64 {
	total := c.Total
	if total == 0 {
		total = c.Completed + c.Failed
	}
	if total == 0 {
		return 0
	}
	return float64(c.Failed) / float64(total)
}

// RetryBudget bounds how long a job may keep hitting transient errors.
// A zero field disables that bound.
type RetryBudget struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`
}

// SubmitConfig carries the per-job policy supplied with a submission.
type SubmitConfig struct {
	RetryBudget          RetryBudget   `json:"retry_budget" yaml:"retry_budget"`
	PollInterval         time.Duration `json:"poll_interval" yaml:"poll_interval"`
	AutoCleanup          bool          `json:"auto_cleanup" yaml:"auto_cleanup"`
	AllowRepeatRetrieval bool          `json:"allow_repeat_retrieval" yaml:"allow_repeat_retrieval"`

	// CleanupFailed extends garbage collection to failed and expired jobs
	// once Retention has passed since they reached that state.
	CleanupFailed bool          `json:"cleanup_failed" yaml:"cleanup_failed"`
	Retention     time.Duration `json:"retention" yaml:"retention"`
}

// Transition is one persisted edge in a job's history.
type Transition struct {
	From  JobState  `json:"from"`
	To    JobState  `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// Job is the persisted record of one batch submission.
type Job struct {
	ID               JobID     `json:"id"`
	State            JobState  `json:"state"`
	RemoteBatchID    string    `json:"remote_batch_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`

	RetrievalCount int          `json:"retrieval_count"`
	ResultRef      string       `json:"result_ref,omitempty"`
	Completeness   Completeness `json:"completeness,omitempty"`
	ErrorInfo      *ErrorInfo   `json:"error_info,omitempty"`

	Config        SubmitConfig  `json:"config"`
	InputRef      string        `json:"input_ref,omitempty"`
	Description   string        `json:"description,omitempty"`
	RequestCounts RequestCounts `json:"request_counts"`

	// Retry budget accounting, reset whenever the job makes progress.
	TransientFailures int        `json:"transient_failures,omitempty"`
	FirstTransientAt  *time.Time `json:"first_transient_at,omitempty"`
	CleanupAttempts   int        `json:"cleanup_attempts,omitempty"`

	History []Transition `json:"history,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ErrorInfo != nil {
		info := *j.ErrorInfo
		c.ErrorInfo = &info
	}
	if j.FirstTransientAt != nil {
		at := *j.FirstTransientAt
		c.FirstTransientAt = &at
	}
	if j.History != nil {
		c.History = append([]Transition(nil), j.History...)
	}
	return &c
}

// SnapshotData is the on-disk image of the file store.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schema_ver"`
	LastSeq   uint64         `json:"last_seq"`
}
