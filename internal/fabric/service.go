package fabric

import (
	"google.golang.org/grpc"
)

const (
	serviceName    = "driftkv.fabric.Fabric"
	streamMethod   = "/" + serviceName + "/Stream"
	nodeMetaKey    = "x-driftkv-node"
	clusterMetaKey = "x-driftkv-cluster"
)

// streamServer is implemented by the receiving side of the fabric.
// Each connected peer opens one long-lived stream and only sends on it.
type streamServer interface {
	Stream(stream grpc.ServerStream) error
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(streamServer).Stream(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fabric",
}
