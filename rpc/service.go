package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/isdmx/plcoordinator/api"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "plcoordinator.Coordinator"

const (
	startMethod = "/" + ServiceName + "/StartContainer"
	stopMethod  = "/" + ServiceName + "/StopContainer"
)

// serviceDesc is what protoc would generate for:
//
//	service Coordinator {
//	  rpc StartContainer(StartContainerRequest) returns (StartContainerResponse);
//	  rpc StopContainer(StopContainerRequest) returns (StopContainerResponse);
//	}
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*api.Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartContainer", Handler: startHandler},
		{MethodName: "StopContainer", Handler: stopHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "plcoordinator.proto",
}

func startHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(api.StartContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(api.Service).StartContainer(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: startMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(api.Service).StartContainer(ctx, req.(*api.StartContainerRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}

func stopHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(api.StopContainerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(api.Service).StopContainer(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stopMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(api.Service).StopContainer(ctx, req.(*api.StopContainerRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}
