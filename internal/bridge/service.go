// Package bridge carries session commands between the host and its worker
// processes over a single bidirectional gRPC stream per worker.
//
// Every frame is a structpb.ListValue holding one of:
//
//	[sessionID, method, correlationID, ...args]  a command
//	[correlationID, ...]                         a response, encoded as a channel event
//	[false, topic, payload]                      a broadcast
package bridge

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "mobius.bridge.v1.WorkerBridge"

const attachMethod = "/" + ServiceName + "/Attach"

// WorkerIndexKey is the metadata key a worker identifies itself with
const WorkerIndexKey = "mobius-worker-index"

// BridgeServer is implemented by the host
type BridgeServer interface {
	Attach(stream AttachServer) error
}

// AttachServer is the host end of a worker stream
type AttachServer interface {
	Send(*structpb.ListValue) error
	Recv() (*structpb.ListValue, error)
	grpc.ServerStream
}

// AttachClient is the worker end of the stream
type AttachClient interface {
	Send(*structpb.ListValue) error
	Recv() (*structpb.ListValue, error)
	grpc.ClientStream
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "mobius/bridge/v1/bridge.proto",
}

// RegisterBridgeServer registers srv with a gRPC server
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&serviceDesc, srv)
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BridgeServer).Attach(&attachServer{stream})
}

type attachServer struct {
	grpc.ServerStream
}

func (x *attachServer) Send(m *structpb.ListValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *attachServer) Recv() (*structpb.ListValue, error) {
	m := new(structpb.ListValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Attach opens the worker stream on cc
func Attach(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (AttachClient, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], attachMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &attachClient{stream}, nil
}

type attachClient struct {
	grpc.ClientStream
}

func (x *attachClient) Send(m *structpb.ListValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *attachClient) Recv() (*structpb.ListValue, error) {
	m := new(structpb.ListValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
