package host

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bufferrouter.v1.StageService"

// Full method names, for clients invoking the service directly.
const (
	MethodGetCapabilities = "/" + ServiceName + "/GetCapabilities"
	MethodGetOutputNames  = "/" + ServiceName + "/GetOutputNames"
	MethodNewInstance     = "/" + ServiceName + "/NewInstance"
	MethodConfigure       = "/" + ServiceName + "/Configure"
	MethodEvaluate        = "/" + ServiceName + "/Evaluate"
	MethodReleaseInstance = "/" + ServiceName + "/ReleaseInstance"
)

// StageServer is the server API of the stage service. Messages are
// protobuf well-known types; batch payloads are encoded by package wire.
type StageServer interface {
	GetCapabilities(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetOutputNames(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	NewInstance(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Configure(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Evaluate(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	ReleaseInstance(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// StageServiceDesc describes the stage service for grpc.Server.RegisterService.
var StageServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetCapabilities", func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s StageServer, ctx context.Context, in *emptypb.Empty) (any, error) { return s.GetCapabilities(ctx, in) }),
		unary("GetOutputNames", func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s StageServer, ctx context.Context, in *emptypb.Empty) (any, error) { return s.GetOutputNames(ctx, in) }),
		unary("NewInstance", func() *structpb.Struct { return new(structpb.Struct) },
			func(s StageServer, ctx context.Context, in *structpb.Struct) (any, error) { return s.NewInstance(ctx, in) }),
		unary("Configure", func() *wrapperspb.BytesValue { return new(wrapperspb.BytesValue) },
			func(s StageServer, ctx context.Context, in *wrapperspb.BytesValue) (any, error) { return s.Configure(ctx, in) }),
		unary("Evaluate", func() *wrapperspb.BytesValue { return new(wrapperspb.BytesValue) },
			func(s StageServer, ctx context.Context, in *wrapperspb.BytesValue) (any, error) { return s.Evaluate(ctx, in) }),
		unary("ReleaseInstance", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
			func(s StageServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
				return s.ReleaseInstance(ctx, in)
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bufferrouter/v1/stage.proto",
}

func unary[Req proto.Message](name string, newReq func() Req, call func(StageServer, context.Context, Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StageServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StageServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterStageServer registers srv on s.
func RegisterStageServer(s grpc.ServiceRegistrar, srv StageServer) {
	s.RegisterService(&StageServiceDesc, srv)
}
