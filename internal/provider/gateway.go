// Package provider defines the boundary to the remote batch API.
//
// A Gateway submits record sets, reports batch status, streams results and
// deletes remote artifacts. Implementations classify every failure as
// transient or permanent (see Error) and never retry; retry policy belongs
// to the orchestrator. Decorators in middleware.go add deadlines, rate
// limiting, a circuit breaker, tracing and metrics around any Gateway.
package provider

import (
	"context"
	"io"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// Operation names used in errors, spans and metrics.
const (
	OpSubmit  = "submit"
	OpPoll    = "poll"
	OpFetch   = "fetch"
	OpCleanup = "cleanup"
)

// SubmitRequest is one batch handed to the provider.
type SubmitRequest struct {
	// JobID is forwarded as metadata so a batch can be traced back to the
	// local record.
	JobID       types.JobID
	Records     []byte // validated JSONL
	Description string
}

// Status is one observation of a remote batch.
type Status struct {
	State   types.ProviderState
	Counts  types.RequestCounts
	Message string
}

// Gateway is the capability the orchestrator consumes.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (remoteBatchID string, err error)
	PollStatus(ctx context.Context, remoteBatchID string) (Status, error)
	// FetchResults streams the raw result lines. The caller closes the reader.
	FetchResults(ctx context.Context, remoteBatchID string) (io.ReadCloser, error)
	// DeleteRemoteArtifacts succeeds if the artifacts are already gone.
	DeleteRemoteArtifacts(ctx context.Context, remoteBatchID string) error
}
