package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "geoseg.v1.ModelService"

// ModelServiceServer is the server API for the model service. Requests and
// responses are JSON-shaped structs.
type ModelServiceServer interface {
	Build(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterModelServiceServer registers srv with s.
func RegisterModelServiceServer(s grpc.ServiceRegistrar, srv ModelServiceServer) {
	s.RegisterService(&ModelServiceDesc, srv)
}

type unaryMethod func(ModelServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ModelServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ModelServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ModelServiceDesc describes the model service for grpc.Server.
var ModelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Build", Handler: unaryHandler("Build", ModelServiceServer.Build)},
		{MethodName: "Validate", Handler: unaryHandler("Validate", ModelServiceServer.Validate)},
		{MethodName: "SubmitJob", Handler: unaryHandler("SubmitJob", ModelServiceServer.SubmitJob)},
		{MethodName: "GetJob", Handler: unaryHandler("GetJob", ModelServiceServer.GetJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "geoseg/v1/model.proto",
}

// ModelServiceClient calls a remote model service.
type ModelServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewModelServiceClient wraps a connection.
func NewModelServiceClient(cc grpc.ClientConnInterface) *ModelServiceClient {
	return &ModelServiceClient{cc: cc}
}

func (c *ModelServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ModelServiceClient) Build(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Build", in, opts...)
}

func (c *ModelServiceClient) Validate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Validate", in, opts...)
}

func (c *ModelServiceClient) SubmitJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SubmitJob", in, opts...)
}

func (c *ModelServiceClient) GetJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetJob", in, opts...)
}
