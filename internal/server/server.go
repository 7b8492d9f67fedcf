// Package server exposes the orchestrator over gRPC as
// batchkeeper.v1.BatchService.
package server

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/batchkeeper/internal/batchfile"
	"github.com/ChuLiYu/batchkeeper/internal/orchestrator"
	"github.com/ChuLiYu/batchkeeper/internal/retriever"
	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// MaxInlineResults bounds the result bytes returned by RetrieveJob. Larger
// outputs are cut and flagged as truncated; the full output stays at Ref.
const MaxInlineResults = 1 << 20

// Service is the part of the orchestrator the server drives.
type Service interface {
	Submit(ctx context.Context, in orchestrator.SubmitInput) (*types.Job, error)
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	List(ctx context.Context, states ...types.JobState) ([]*types.Job, error)
	Retrieve(ctx context.Context, id types.JobID) (retriever.Outcome, error)
}

var _ BatchServiceServer = (*Server)(nil)

// Server implements BatchServiceServer.
type Server struct {
	svc Service
}

// NewServer creates a new gRPC server instance.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// SubmitBatch handles batch submission from clients.
func (s *Server) SubmitBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in submitRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	job, err := s.svc.Submit(ctx, orchestrator.SubmitInput{
		Records:     []byte(in.Records),
		Description: in.Description,
		Config:      in.Config,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(job)
}

func (s *Server) GetJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	job, err := s.svc.Get(ctx, types.JobID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(job)
}

func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in listRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	for _, st := range in.States {
		if !st.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown state %q", st)
		}
	}
	jobs, err := s.svc.List(ctx, in.States...)
	if err != nil {
		return nil, toStatus(err)
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	return encode(listResponse{Jobs: jobs})
}

func (s *Server) RetrieveJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	res, err := s.svc.Retrieve(ctx, types.JobID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	out := RetrieveResult{Job: res.Job, NoNewWork: res.NoNewWork}
	if res.Reason != nil {
		out.Reason = res.Reason.Error()
	}
	if d := res.Delivery; d != nil {
		out.Ref = d.Ref
		out.Completeness = d.Completeness
		out.Succeeded = d.Succeeded
		out.Failed = d.Failed
		out.Missing = d.Missing
		if d.Results != nil {
			data, err := io.ReadAll(io.LimitReader(d.Results, MaxInlineResults+1))
			d.Results.Close()
			if err != nil {
				return nil, status.Errorf(codes.Internal, "read results: %v", err)
			}
			if len(data) > MaxInlineResults {
				data, out.Truncated = data[:MaxInlineResults], true
			}
			out.Results = string(data)
		}
	}
	return encode(out)
}

func encode(v any) (*structpb.Struct, error) {
	st, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, batchfile.ErrInvalidRecord):
		code = codes.InvalidArgument
	case errors.Is(err, storage.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, orchestrator.ErrNotReady):
		code = codes.FailedPrecondition
	case errors.Is(err, storage.ErrStoreUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
