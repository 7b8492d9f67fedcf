// Package output is where retrieved batch results end up.
//
// A Sink stores the raw result stream of a job and hands back a Ref that
// can be opened later. Deliver is idempotent per job: delivering the same
// job again replaces the stored output. The orchestrator relies on that to
// finish a retrieval that crashed after the sink write but before the job
// record said so.
package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// ErrUnknownRef is returned by Open for refs the sink did not issue.
var ErrUnknownRef = errors.New("unknown output ref")

// ErrMalformedResult marks a result stream that is not valid result JSONL,
// including a line longer than MaxLineBytes. Fetching it again returns the
// same bytes.
var ErrMalformedResult = errors.New("malformed result")

// Delivery is what a caller gets for one retrieved job.
type Delivery struct {
	JobID        types.JobID        `json:"job_id"`
	Completeness types.Completeness `json:"completeness"`
	Ref          string             `json:"ref"`
	Succeeded    int                `json:"succeeded"`
	Failed       int                `json:"failed"`
	// Missing counts requests the provider reported but returned no line for.
	Missing int `json:"missing"`

	// Results streams the delivered lines when the delivery was opened for
	// the caller. The caller closes it.
	Results io.ReadCloser `json:"-"`
}

// Sink stores delivered results.
type Sink interface {
	// Deliver consumes r and stores it under id. The returned Delivery has
	// Ref and the line counts set.
	Deliver(ctx context.Context, id types.JobID, r io.Reader) (Delivery, error)
	// Open reads back a stored delivery.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Result is one parsed output line.
type Result struct {
	ID         string          `json:"id"`
	CustomID   string          `json:"custom_id"`
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
	Error      *ResultError    `json:"error,omitempty"`
}

// ResultError is the per-request failure reported by the provider.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK reports whether the request succeeded.
func (r Result) OK() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

type wireLine struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *ResultError `json:"error"`
}

// MaxLineBytes bounds a single result line.
const MaxLineBytes = 16 << 20

// Scan parses result lines from r and calls fn for each. Blank lines are
// skipped.
func Scan(r io.Reader, fn func(Result) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), MaxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var w wireLine
		if err := json.Unmarshal(raw, &w); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrMalformedResult, n, err)
		}
		res := Result{ID: w.ID, CustomID: w.CustomID, Error: w.Error}
		if w.Response != nil {
			res.StatusCode = w.Response.StatusCode
			res.Body = w.Response.Body
		}
		if res.Error == nil && !res.OK() {
			res.Error = &ResultError{Code: fmt.Sprint(res.StatusCode), Message: "request failed"}
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: line %d exceeds %d bytes", ErrMalformedResult, n+1, MaxLineBytes)
		}
		return err
	}
	return nil
}

// Count tallies succeeded and failed lines.
func Count(r io.Reader) (succeeded, failed int, err error) {
	err = Scan(r, func(res Result) error {
		if res.OK() {
			succeeded++
		} else {
			failed++
		}
		return nil
	})
	return succeeded, failed, err
}
