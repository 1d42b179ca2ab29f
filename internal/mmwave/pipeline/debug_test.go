package pipeline

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// The log streams are package globals, so these tests do not run in parallel.

func TestLogStreamsRouting(t *testing.T) {
	var ops, diag, trace lockedBuffer
	SetLogWriters(&ops, &diag, &trace)
	t.Cleanup(func() { SetSingleLogger(nil) })

	s := newTestScheduler(t)
	_, err := s.ProcessFrame(&l2frames.Frame{Seq: 1, Timestamp: epoch, Declared: 3})
	require.ErrorIs(t, err, l2frames.ErrMalformedFrame)

	assert.Contains(t, ops.String(), "[pipeline] ")
	assert.Contains(t, ops.String(), "malformed")
	assert.NotContains(t, diag.String(), "malformed")

	SetSingleLogger(nil)
	_, _ = s.ProcessFrame(&l2frames.Frame{Seq: 2, Timestamp: epoch, Declared: 3})
	assert.Equal(t, 1, strings.Count(ops.String(), "malformed"), "disabled stream stays quiet")
}

func TestReportStats(t *testing.T) {
	var ops lockedBuffer
	SetLogWriters(&ops, nil, nil)
	t.Cleanup(func() { SetSingleLogger(nil) })

	clock := timeutil.NewMockClock(epoch)
	s := newTestScheduler(t, WithClock(clock))
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := s.ProcessFrame(frameAt(seq, personAt(l2frames.Vec3{X: 0, Y: 3, Z: 1}, 10)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.ReportStats(ctx, time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return strings.Contains(ops.String(), "[Stats] processed=3 (+3)")
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReportStats did not return after cancel")
	}
}

func TestReportStatsDisabled(t *testing.T) {
	s := newTestScheduler(t)
	// A non-positive period returns immediately.
	s.ReportStats(context.Background(), 0)
}
