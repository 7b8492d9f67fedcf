package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// Client calls BatchService over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit sends records as a new batch. A nil cfg takes the daemon defaults.
func (c *Client) Submit(ctx context.Context, records []byte, description string, cfg *types.SubmitConfig) (*types.Job, error) {
	req, err := toStruct(submitRequest{Records: string(records), Description: description, Config: cfg})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SubmitBatch"), req, out); err != nil {
		return nil, err
	}
	return JobFromStruct(out)
}

// Get fetches one job.
func (c *Client) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetJob"), wrapperspb.String(string(id)), out); err != nil {
		return nil, err
	}
	return JobFromStruct(out)
}

// List fetches jobs in the given states, all jobs when none are given.
func (c *Client) List(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	req, err := toStruct(listRequest{States: states})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("ListJobs"), req, out); err != nil {
		return nil, err
	}
	var resp listResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Retrieve asks the daemon to deliver the job's results.
func (c *Client) Retrieve(ctx context.Context, id types.JobID) (*RetrieveResult, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("RetrieveJob"), wrapperspb.String(string(id)), out); err != nil {
		return nil, err
	}
	var res RetrieveResult
	if err := fromStruct(out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
