package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.tracker/internal/config"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/pipeline"
)

func TestSelectSource(t *testing.T) {
	tests := []struct {
		name    string
		flags   sourceFlags
		want    sourceKind
		wantErr string
	}{
		{name: "none", wantErr: "is required"},
		{name: "replay", flags: sourceFlags{replayDir: "/data/run1"}, want: sourceReplay},
		{name: "pcap", flags: sourceFlags{pcapFile: "cap.pcapng"}, want: sourcePCAP},
		{name: "udp", flags: sourceFlags{udpAddr: ":10111"}, want: sourceUDP},
		{name: "serial", flags: sourceFlags{dataPort: "/dev/ttyACM1"}, want: sourceSerial},
		{name: "two", flags: sourceFlags{replayDir: "/data", udpAddr: ":1"}, wantErr: "only one frame source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectSource(tt.flags)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSourceKindLive(t *testing.T) {
	assert.False(t, sourceReplay.live())
	assert.False(t, sourcePCAP.live())
	assert.True(t, sourceUDP.live())
	assert.True(t, sourceSerial.live())
	assert.Equal(t, "pcap", sourcePCAP.String())
}

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, 921600, *dataBaud)
	assert.Equal(t, 10*time.Second, *statsEvery)
	assert.Empty(t, *dbPath, "persistence is opt-in")
	assert.Empty(t, *grpcListen, "the gRPC stream is opt-in")
}

func TestLoadTuning(t *testing.T) {
	cfg, err := loadTuning("")
	require.NoError(t, err)
	assert.Equal(t, config.EmptyTuningConfig().GetClusterEps(), cfg.GetClusterEps())

	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hits_to_confirm": 5}`), 0o644))
	cfg, err = loadTuning(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.GetHitsToConfirm())

	_, err = loadTuning(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// chanSource yields frames from a channel until it is closed or Close is
// called.
type chanSource struct {
	frames chan *l2frames.Frame
	once   sync.Once
	done   chan struct{}
	err    error
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan *l2frames.Frame), done: make(chan struct{})}
}

func (c *chanSource) Next(ctx context.Context) (*l2frames.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			if c.err != nil {
				return nil, c.err
			}
			return nil, io.EOF
		}
		return f, nil
	case <-c.done:
		return nil, errors.New("use of closed source")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanSource) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func newScheduler(t *testing.T) *pipeline.Scheduler {
	t.Helper()
	s, err := pipeline.NewFromTuning(config.EmptyTuningConfig())
	require.NoError(t, err)
	return s
}

func TestRunLiveStopsOnCancel(t *testing.T) {
	sched := newScheduler(t)
	src := newChanSource()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- runLive(ctx, sched, src) }()

	src.frames <- &l2frames.Frame{Seq: 1, Timestamp: time.Now(), Declared: 0}
	require.Eventually(t, func() bool { return sched.Stats().Processed == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runLive did not stop")
	}
	select {
	case <-src.done:
	default:
		t.Error("source was not closed")
	}
}

func TestRunLiveSourceError(t *testing.T) {
	sched := newScheduler(t)
	src := newChanSource()
	src.err = errors.New("device unplugged")
	close(src.frames)

	err := runLive(context.Background(), sched, src)
	assert.ErrorContains(t, err, "device unplugged")
}

type countingSource struct {
	*chanSource
	closes atomic.Int32
}

func (c *countingSource) Close() error {
	c.closes.Add(1)
	return c.chanSource.Close()
}

func TestRunLiveProcessesLastFrame(t *testing.T) {
	for i := 0; i < 20; i++ {
		sched := newScheduler(t)
		inner := newChanSource()
		counted := &countingSource{chanSource: inner}
		src := &onceSource{closingSource: counted}

		errc := make(chan error, 1)
		go func() { errc <- runLive(context.Background(), sched, src) }()

		for seq := uint64(1); seq <= 3; seq++ {
			inner.frames <- &l2frames.Frame{Seq: seq, Timestamp: time.Now()}
		}
		close(inner.frames)

		select {
		case err := <-errc:
			require.NoError(t, err, "a source that ends is not an error")
		case <-time.After(2 * time.Second):
			t.Fatal("runLive did not return at end of source")
		}

		st := sched.Stats()
		assert.Equal(t, uint64(3), sched.Latest().Seq(), "run %d: last frame processed", i)
		assert.Equal(t, uint64(3), st.Processed+st.Dropped)

		// run closes the source again on exit.
		require.NoError(t, src.Close())
		assert.Equal(t, int32(1), counted.closes.Load())
	}
}
