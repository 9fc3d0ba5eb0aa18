// Package configv1 holds the gRPC contract of oxmon.config.v1.ConfigService.
//
// The service only uses well-known types, so the descriptor is maintained by
// hand alongside config.proto instead of running protoc.
package configv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "oxmon.config.v1.ConfigService"

	GetRuntimeConfigMethod  = "/oxmon.config.v1.ConfigService/GetRuntimeConfig"
	ListSystemConfigsMethod = "/oxmon.config.v1.ConfigService/ListSystemConfigs"
)

// ConfigServiceServer is the server API for ConfigService.
type ConfigServiceServer interface {
	GetRuntimeConfig(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListSystemConfigs(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// RegisterConfigServiceServer registers srv on s.
func RegisterConfigServiceServer(s grpc.ServiceRegistrar, srv ConfigServiceServer) {
	s.RegisterService(&ConfigService_ServiceDesc, srv)
}

// ConfigServiceClient is the client API for ConfigService.
type ConfigServiceClient interface {
	GetRuntimeConfig(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListSystemConfigs(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error)
}

type configServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewConfigServiceClient wraps an established connection.
func NewConfigServiceClient(cc grpc.ClientConnInterface) ConfigServiceClient {
	return &configServiceClient{cc: cc}
}

func (c *configServiceClient) GetRuntimeConfig(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetRuntimeConfigMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *configServiceClient) ListSystemConfigs(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ListSystemConfigsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func getRuntimeConfigHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConfigServiceServer).GetRuntimeConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetRuntimeConfigMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConfigServiceServer).GetRuntimeConfig(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listSystemConfigsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConfigServiceServer).ListSystemConfigs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListSystemConfigsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConfigServiceServer).ListSystemConfigs(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ConfigService_ServiceDesc is the grpc.ServiceDesc for ConfigService.
var ConfigService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConfigServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRuntimeConfig", Handler: getRuntimeConfigHandler},
		{MethodName: "ListSystemConfigs", Handler: listSystemConfigsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/proto/v1/config.proto",
}
