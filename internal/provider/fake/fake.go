// Package fake is a scriptable in-memory provider.Gateway for tests and the
// demo. Batches start running; tests move them along with SetStatus and
// SetResults and inject failures with Fail.
package fake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var _ provider.Gateway = (*Provider)(nil)

// ErrUnknownBatch is returned, as a permanent error, for ids the provider
// never issued.
var ErrUnknownBatch = errors.New("unknown batch")

type batch struct {
	req     provider.SubmitRequest
	status  provider.Status
	results []byte
	deleted bool
}

// Provider is the fake gateway. The zero value is not usable; call New.
type Provider struct {
	mu         sync.Mutex
	seq        int
	batches    map[string]*batch
	byJob      map[types.JobID]string
	failures   map[string][]error
	calls      map[string]int
	fetchDelay time.Duration
}

// New returns an empty provider.
func New() *Provider {
	return &Provider{
		batches:  make(map[string]*batch),
		byJob:    make(map[types.JobID]string),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Fail queues errors returned, in order, by the next calls of op
// (provider.OpSubmit, OpPoll, OpFetch, OpCleanup).
func (p *Provider) Fail(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// SetStatus sets what PollStatus reports for remoteID.
func (p *Provider) SetStatus(remoteID string, st provider.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.batches[remoteID]; ok {
		b.status = st
	}
}

// SetResults sets the output stream of remoteID.
func (p *Provider) SetResults(remoteID string, results []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.batches[remoteID]; ok {
		b.results = results
	}
}

// Finish is SetStatus plus SetResults.
func (p *Provider) Finish(remoteID string, st provider.Status, results []byte) {
	p.SetStatus(remoteID, st)
	p.SetResults(remoteID, results)
}

// SetFetchDelay makes FetchResults wait d before answering.
func (p *Provider) SetFetchDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchDelay = d
}

// Calls returns how many times op was invoked, failed calls included.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// RemoteID returns the batch id issued for jobID, if any.
func (p *Provider) RemoteID(jobID types.JobID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byJob[jobID]
	return id, ok
}

// Request returns the submission behind remoteID.
func (p *Provider) Request(remoteID string) (provider.SubmitRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.batches[remoteID]
	if !ok {
		return provider.SubmitRequest{}, false
	}
	return b.req, true
}

// Deleted reports whether DeleteRemoteArtifacts succeeded for remoteID.
func (p *Provider) Deleted(remoteID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.batches[remoteID]
	return ok && b.deleted
}

// Batches returns the number of batches ever submitted.
func (p *Provider) Batches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

// begin counts the call and pops a queued failure. Callers hold p.mu.
func (p *Provider) begin(op string) error {
	p.calls[op]++
	if q := p.failures[op]; len(q) > 0 {
		p.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(provider.OpSubmit); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", provider.TransientError(provider.OpSubmit, err)
	}

	p.seq++
	id := fmt.Sprintf("batch_%04d", p.seq)
	p.batches[id] = &batch{
		req:    req,
		status: provider.Status{State: types.ProviderRunning},
	}
	p.byJob[req.JobID] = id
	return id, nil
}

func (p *Provider) PollStatus(ctx context.Context, remoteID string) (provider.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(provider.OpPoll); err != nil {
		return provider.Status{}, err
	}
	b, ok := p.batches[remoteID]
	if !ok {
		return provider.Status{}, provider.PermanentError(provider.OpPoll, fmt.Errorf("%w: %s", ErrUnknownBatch, remoteID))
	}
	return b.status, nil
}

func (p *Provider) FetchResults(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	p.mu.Lock()
	delay := p.fetchDelay
	err := p.begin(provider.OpFetch)
	b, ok := p.batches[remoteID]
	var results []byte
	deleted := false
	if ok {
		results = append([]byte(nil), b.results...)
		deleted = b.deleted
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, provider.TransientError(provider.OpFetch, ctx.Err())
		}
	}
	if !ok || deleted {
		return nil, provider.PermanentError(provider.OpFetch, fmt.Errorf("%w: %s", ErrUnknownBatch, remoteID))
	}
	return io.NopCloser(bytes.NewReader(results)), nil
}

func (p *Provider) DeleteRemoteArtifacts(ctx context.Context, remoteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(provider.OpCleanup); err != nil {
		return err
	}
	if b, ok := p.batches[remoteID]; ok {
		b.deleted = true
	}
	return nil
}

// ============================================================================
// Result line helpers
// ============================================================================

// ResultLine builds one successful output line in the provider's format.
func ResultLine(customID, content string) []byte {
	line, _ := json.Marshal(map[string]any{
		"id":        "req_" + customID,
		"custom_id": customID,
		"response": map[string]any{
			"status_code": 200,
			"body": map[string]any{
				"choices": []map[string]any{
					{"index": 0, "message": map[string]string{"role": "assistant", "content": content}},
				},
			},
		},
		"error": nil,
	})
	return append(line, '\n')
}

// ErrorLine builds one failed output line.
func ErrorLine(customID, message string) []byte {
	line, _ := json.Marshal(map[string]any{
		"id":        "req_" + customID,
		"custom_id": customID,
		"response":  nil,
		"error":     map[string]string{"code": "server_error", "message": message},
	})
	return append(line, '\n')
}

// Lines concatenates result lines.
func Lines(lines ...[]byte) []byte {
	return bytes.Join(lines, nil)
}
