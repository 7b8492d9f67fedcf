package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "batchkeeper.v1.BatchService"

// BatchServiceServer is the server API. Messages are protobuf well-known
// types: job records travel as structpb.Struct in their JSON shape, ids as
// wrapperspb.StringValue.
type BatchServiceServer interface {
	// SubmitBatch takes {records, description, config} and returns the job.
	SubmitBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// GetJob returns the job with the given id.
	GetJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// ListJobs takes {states: [...]} and returns {jobs: [...]}.
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// RetrieveJob delivers the job's results once.
	RetrieveJob(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// ServiceDesc describes BatchService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BatchServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitBatch", newStruct, BatchServiceServer.SubmitBatch),
		unary("GetJob", newString, BatchServiceServer.GetJob),
		unary("ListJobs", newStruct, BatchServiceServer.ListJobs),
		unary("RetrieveJob", newString, BatchServiceServer.RetrieveJob),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "batchkeeper/v1/batch.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv BatchServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds the method descriptor for one request/response call.
func unary[Req proto.Message, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(BatchServiceServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(BatchServiceServer)
			if ic == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			})
		},
	}
}
