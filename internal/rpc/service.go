package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "virtmanager.VirtManager"

// VirtManagerServer is the server side of the VirtManager service.
type VirtManagerServer interface {
	StartVm(context.Context, *StartVmRequest) (*StartVmResponse, error)
	ListVms(context.Context, *ListVmsRequest) (*ListVmsResponse, error)
	DebugHoldVmRef(context.Context, *HandleRequest) (*Empty, error)
	DebugDropVmRef(context.Context, *DebugDropVmRefRequest) (*DebugDropVmRefResponse, error)
	GetCid(context.Context, *HandleRequest) (*GetCidResponse, error)
	ReleaseVm(context.Context, *HandleRequest) (*Empty, error)
}

// RegisterVirtManagerServer registers srv on s.
func RegisterVirtManagerServer(s grpc.ServiceRegistrar, srv VirtManagerServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VirtManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartVm", Handler: unaryHandler("StartVm", VirtManagerServer.StartVm)},
		{MethodName: "ListVms", Handler: unaryHandler("ListVms", VirtManagerServer.ListVms)},
		{MethodName: "DebugHoldVmRef", Handler: unaryHandler("DebugHoldVmRef", VirtManagerServer.DebugHoldVmRef)},
		{MethodName: "DebugDropVmRef", Handler: unaryHandler("DebugDropVmRef", VirtManagerServer.DebugDropVmRef)},
		{MethodName: "GetCid", Handler: unaryHandler("GetCid", VirtManagerServer.GetCid)},
		{MethodName: "ReleaseVm", Handler: unaryHandler("ReleaseVm", VirtManagerServer.ReleaseVm)},
	},
	Metadata: "virtmanager.cbor",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryHandler builds the grpc.MethodHandler for one method, decoding
// the request and running it through the server interceptor.
func unaryHandler[Req, Resp any](method string, call func(VirtManagerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	full := fullMethod(method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(VirtManagerServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}
