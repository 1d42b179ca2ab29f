package trackstream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
	"github.com/banshee-data/mmwave.tracker/internal/monitoring"
)

var logf = monitoring.Component("gRPC")

// maxMsgSize bounds a single snapshot message. A full room of tracks is a
// few kilobytes.
const maxMsgSize = 1 << 20

// Publisher is the snapshot source a Server streams from.
type Publisher interface {
	Latest() l5tracks.TrackSet
	Subscribe() (int, <-chan l5tracks.TrackSet)
	Unsubscribe(id int)
}

// Server implements TrackStreamServer on top of a Publisher.
type Server struct {
	tracks Publisher

	done     chan struct{}
	stopOnce sync.Once
}

var _ TrackStreamServer = (*Server)(nil)

// NewServer returns a server streaming from tracks.
func NewServer(tracks Publisher) *Server {
	return &Server{tracks: tracks, done: make(chan struct{})}
}

// StreamTracks sends the latest snapshot, if any frame has been processed,
// then every published snapshot until the client leaves or the server shuts
// down. A client that reads slowly misses snapshots; it never stalls the
// pipeline. The request may carry a "status" string to filter tracks.
func (s *Server) StreamTracks(req *structpb.Struct, stream TracksStream) error {
	keep, err := statusFilter(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id, ch := s.tracks.Subscribe()
	defer s.tracks.Unsubscribe(id)
	logf("StreamTracks client %d connected (status=%q)", id, req.GetFields()["status"].GetStringValue())

	var sent bool
	var lastSeq uint64
	send := func(set l5tracks.TrackSet) error {
		if sent && set.Seq() == lastSeq {
			return nil
		}
		msg, err := ToStruct(filterSet(set, keep))
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		sent, lastSeq = true, set.Seq()
		return nil
	}

	if latest := s.tracks.Latest(); latest.Seq() > 0 {
		if err := send(latest); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			logf("StreamTracks client %d gone: %v", id, ctx.Err())
			return ctx.Err()
		case <-s.done:
			return nil
		case set, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(set); err != nil {
				logf("StreamTracks client %d send error: %v", id, err)
				return err
			}
		}
	}
}

// Serve runs a gRPC server with the TrackStream service on lis until ctx is
// cancelled, then ends open streams and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterService(gs, s)

	errc := make(chan error, 1)
	go func() {
		logf("listening on %s", lis.Addr())
		errc <- gs.Serve(lis)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve gRPC: %w", err)
	case <-ctx.Done():
	}
	s.stopOnce.Do(func() { close(s.done) })
	gs.GracefulStop()
	<-errc
	logf("server stopped")
	return nil
}

// statusFilter returns the track predicate selected by the request.
func statusFilter(req *structpb.Struct) (func(l5tracks.PublishedTrack) bool, error) {
	name := req.GetFields()["status"].GetStringValue()
	if name == "" {
		return nil, nil
	}
	var want l5tracks.TrackStatus
	if err := want.UnmarshalText([]byte(name)); err != nil {
		return nil, err
	}
	if !want.Published() {
		return nil, fmt.Errorf("%s tracks are never published", want)
	}
	return func(t l5tracks.PublishedTrack) bool { return t.Status == want }, nil
}

func filterSet(set l5tracks.TrackSet, keep func(l5tracks.PublishedTrack) bool) l5tracks.TrackSet {
	if keep == nil {
		return set
	}
	var tracks []l5tracks.PublishedTrack
	for _, t := range set.Tracks() {
		if keep(t) {
			tracks = append(tracks, t)
		}
	}
	return l5tracks.NewTrackSet(set.Seq(), set.Timestamp(), tracks)
}
