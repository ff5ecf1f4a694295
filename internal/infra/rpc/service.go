package rpc

import (
	"context"

	"google.golang.org/grpc"

	"jobmesh/internal/domain"
)

const (
	serviceName      = "jobmesh.Node"
	executeJobMethod = "/" + serviceName + "/ExecuteJob"
	createJobMethod  = "/" + serviceName + "/CreateJob"
)

// ExecuteJobRequest asks a node to hand a job to one of its workers.
type ExecuteJobRequest struct {
	Worker domain.WorkerHandle `json:"worker"`
	Job    domain.ExecuteJob   `json:"job"`
}

type ExecuteJobResponse struct{}

// CreateJobRequest submits a new job to the dispatcher's node.
type CreateJobRequest struct {
	Name string `json:"name"`
}

type CreateJobResponse struct {
	JobID int    `json:"job_id"`
	Name  string `json:"name"`
}

// NodeServer is the server API of a cluster node.
type NodeServer interface {
	ExecuteJob(ctx context.Context, req *ExecuteJobRequest) (*ExecuteJobResponse, error)
	CreateJob(ctx context.Context, req *CreateJobRequest) (*CreateJobResponse, error)
}

// RegisterNodeServer registers srv with a gRPC server.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteJob", Handler: executeJobHandler},
		{MethodName: "CreateJob", Handler: createJobHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobmesh/node",
}

func executeJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).ExecuteJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).ExecuteJob(ctx, req.(*ExecuteJobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func createJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateJobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).CreateJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).CreateJob(ctx, req.(*CreateJobRequest))
	}
	return interceptor(ctx, in, info, handler)
}
