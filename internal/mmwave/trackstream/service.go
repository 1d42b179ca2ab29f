// Package trackstream serves published track snapshots over a gRPC
// server-streaming call. Messages are google.protobuf.Struct values, so
// clients in any language can read the stream with the well-known types and
// no generated stubs.
package trackstream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
)

const (
	serviceName = "mmwave.tracker.TrackStream"

	// StreamTracksMethod is the full method name of the snapshot stream.
	StreamTracksMethod = "/" + serviceName + "/StreamTracks"
)

// TrackStreamServer is the server API of the TrackStream service.
type TrackStreamServer interface {
	StreamTracks(*structpb.Struct, TracksStream) error
}

// TracksStream is the server side of one StreamTracks call.
type TracksStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TrackStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamTracks",
		Handler:       streamTracksHandler,
		ServerStreams: true,
	}},
	Metadata: "trackstream",
}

// RegisterService registers srv with a gRPC server.
func RegisterService(gs grpc.ServiceRegistrar, srv TrackStreamServer) {
	gs.RegisterService(&serviceDesc, srv)
}

func streamTracksHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TrackStreamServer).StreamTracks(req, &tracksStream{stream})
}

type tracksStream struct {
	grpc.ServerStream
}

func (s *tracksStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// TracksClient receives snapshots from an open StreamTracks call.
type TracksClient struct {
	stream grpc.ClientStream
}

// StreamTracks opens the snapshot stream on cc. An empty status streams
// every published track, otherwise only tracks in that state are sent.
func StreamTracks(ctx context.Context, cc grpc.ClientConnInterface, status string) (*TracksClient, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], StreamTracksMethod)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"status": status})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &TracksClient{stream: stream}, nil
}

// Recv blocks for the next snapshot. It returns io.EOF when the server ends
// the stream.
func (c *TracksClient) Recv() (l5tracks.TrackSet, error) {
	m := new(structpb.Struct)
	if err := c.stream.RecvMsg(m); err != nil {
		return l5tracks.TrackSet{}, err
	}
	return FromStruct(m)
}
