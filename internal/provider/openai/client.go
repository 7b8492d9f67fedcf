// Package openai implements provider.Gateway against the OpenAI Batch API.
//
// Submit uploads the JSONL record set as a file with purpose "batch" and
// creates a batch on it. Status polls map the provider's batch status onto
// types.ProviderState. Results are the output file followed by the error
// file. Cleanup deletes the input, output and error files; a file that is
// already gone counts as deleted.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/batchkeeper/internal/provider"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var log = slog.Default()

var _ provider.Gateway = (*Client)(nil)

const (
	DefaultBaseURL          = "https://api.openai.com/v1"
	DefaultEndpoint         = "/v1/chat/completions"
	DefaultCompletionWindow = "24h"
)

// ErrNoOutput is returned by FetchResults for a batch with neither an
// output nor an error file.
var ErrNoOutput = errors.New("batch has no output files")

// Config configures a Client. Zero values take defaults.
type Config struct {
	BaseURL          string        `yaml:"base_url" env:"BASE_URL"`
	APIKey           string        `yaml:"-" env:"API_KEY"`
	Endpoint         string        `yaml:"endpoint" env:"ENDPOINT"`
	CompletionWindow string        `yaml:"completion_window" env:"COMPLETION_WINDOW"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// Client talks to the Batch API over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.CompletionWindow == "" {
		cfg.CompletionWindow = DefaultCompletionWindow
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// ============================================================================
// Wire types
// ============================================================================

type fileObject struct {
	ID string `json:"id"`
}

type createBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type batchObject struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	InputFileID   string `json:"input_file_id"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Errors *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

// kind classifies an HTTP status.
func (e *APIError) kind() provider.Kind {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusConflict,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return provider.Transient
	default:
		return provider.Permanent
	}
}

// ============================================================================
// Gateway
// ============================================================================

func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	fileID, err := c.uploadFile(ctx, string(req.JobID)+".jsonl", req.Records)
	if err != nil {
		return "", classify(provider.OpSubmit, fmt.Errorf("upload input: %w", err))
	}

	meta := map[string]string{"job_id": string(req.JobID)}
	if req.Description != "" {
		meta["description"] = req.Description
	}
	body := createBatchRequest{
		InputFileID:      fileID,
		Endpoint:         c.cfg.Endpoint,
		CompletionWindow: c.cfg.CompletionWindow,
		Metadata:         meta,
	}

	var batch batchObject
	if err := c.doJSON(ctx, http.MethodPost, "/batches", body, &batch); err != nil {
		// Do not leak the uploaded file when the batch is refused.
		if derr := c.deleteFile(ctx, fileID); derr != nil {
			log.Warn("Failed to delete orphaned input file", "fileID", fileID, "error", derr)
		}
		return "", classify(provider.OpSubmit, fmt.Errorf("create batch: %w", err))
	}
	log.Debug("Batch created", "jobID", req.JobID, "batchID", batch.ID, "inputFileID", fileID)
	return batch.ID, nil
}

func (c *Client) PollStatus(ctx context.Context, remoteID string) (provider.Status, error) {
	batch, err := c.getBatch(ctx, remoteID)
	if err != nil {
		return provider.Status{}, classify(provider.OpPoll, err)
	}
	return mapStatus(batch), nil
}

func (c *Client) FetchResults(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	batch, err := c.getBatch(ctx, remoteID)
	if err != nil {
		return nil, classify(provider.OpFetch, err)
	}

	var streams []io.ReadCloser
	for _, id := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if id == "" {
			continue
		}
		rc, err := c.fileContent(ctx, id)
		if err != nil {
			for _, s := range streams {
				s.Close()
			}
			return nil, classify(provider.OpFetch, fmt.Errorf("file %s: %w", id, err))
		}
		streams = append(streams, rc)
	}
	if len(streams) == 0 {
		return nil, provider.PermanentError(provider.OpFetch, fmt.Errorf("%w: %s", ErrNoOutput, remoteID))
	}
	return newMultiReadCloser(streams), nil
}

func (c *Client) DeleteRemoteArtifacts(ctx context.Context, remoteID string) error {
	batch, err := c.getBatch(ctx, remoteID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return classify(provider.OpCleanup, err)
	}

	// Every file is attempted. The combined error is permanent only when
	// each failure was.
	var (
		errs      error
		transient bool
	)
	for _, id := range []string{batch.InputFileID, batch.OutputFileID, batch.ErrorFileID} {
		if id == "" {
			continue
		}
		if err := c.deleteFile(ctx, id); err != nil {
			ferr := classify(provider.OpCleanup, fmt.Errorf("delete file %s: %w", id, err))
			transient = transient || provider.IsTransient(ferr)
			errs = multierr.Append(errs, ferr)
		}
	}
	if errs == nil {
		return nil
	}
	kind := provider.Permanent
	if transient {
		kind = provider.Transient
	}
	return &provider.Error{Kind: kind, Op: provider.OpCleanup, Err: errs}
}

// mapStatus folds the API's batch status into a provider state.
func mapStatus(b batchObject) provider.Status {
	st := provider.Status{
		Counts: types.RequestCounts{
			Total:     b.RequestCounts.Total,
			Completed: b.RequestCounts.Completed,
			Failed:    b.RequestCounts.Failed,
		},
		Message: b.Status,
	}

	switch b.Status {
	case "validating", "in_progress", "finalizing", "cancelling":
		st.State = types.ProviderRunning
	case "completed":
		switch {
		case st.Counts.Failed == 0:
			st.State = types.ProviderCompleted
		case st.Counts.Completed > 0:
			st.State = types.ProviderPartiallyCompleted
		default:
			st.State = types.ProviderFailed
			st.Message = "completed with no successful requests"
		}
	case "expired":
		st.State = types.ProviderExpired
	case "failed", "cancelled":
		st.State = types.ProviderFailed
		if b.Errors != nil && len(b.Errors.Data) > 0 {
			st.Message = b.Status + ": " + b.Errors.Data[0].Message
		}
	default:
		// Unknown statuses are treated as still running so a new API value
		// never fails a job.
		st.State = types.ProviderRunning
	}
	return st
}

// ============================================================================
// HTTP plumbing
// ============================================================================

func (c *Client) getBatch(ctx context.Context, id string) (batchObject, error) {
	var b batchObject
	err := c.doJSON(ctx, http.MethodGet, "/batches/"+url.PathEscape(id), nil, &b)
	return b, err
}

func (c *Client) uploadFile(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var f fileObject
	if err := c.do(req, &f); err != nil {
		return "", err
	}
	return f.ID, nil
}

func (c *Client) fileContent(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/files/"+url.PathEscape(id)+"/content", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp.Body, nil
}

func (c *Client) deleteFile(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/files/"+url.PathEscape(id), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return provider.PermanentError("encode", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return readAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// classify maps HTTP and transport failures onto provider error kinds.
// Everything that is not a definite client error is worth retrying.
func classify(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &provider.Error{Kind: apiErr.kind(), Op: op, Err: err}
	}
	return provider.Classify(op, err)
}

// multiReadCloser reads streams back to back and closes all of them.
type multiReadCloser struct {
	io.Reader
	closers []io.Closer
}

func newMultiReadCloser(streams []io.ReadCloser) *multiReadCloser {
	readers := make([]io.Reader, 0, 2*len(streams))
	closers := make([]io.Closer, len(streams))
	for i, s := range streams {
		if i > 0 {
			// A file may lack a trailing newline; blank lines are skipped downstream.
			readers = append(readers, strings.NewReader("\n"))
		}
		readers = append(readers, s)
		closers[i] = s
	}
	return &multiReadCloser{Reader: io.MultiReader(readers...), closers: closers}
}

func (m *multiReadCloser) Close() error {
	var err error
	for _, c := range m.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
