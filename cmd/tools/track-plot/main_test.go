package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
	sqlite "github.com/banshee-data/mmwave.tracker/internal/mmwave/storage/sqlite"
)

// seedStore records one session in which a single person walks along Y.
func seedStore(t *testing.T) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracks.db")
	store, err := sqlite.Open(path)
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.StartSession("replay:/data/walk", nil)
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for seq := uint64(1); seq <= 10; seq++ {
		set := l5tracks.NewTrackSet(seq, start.Add(time.Duration(seq)*100*time.Millisecond), []l5tracks.PublishedTrack{{
			ID:       1,
			Position: l2frames.Vec3{X: 0.1, Y: 1 + 0.1*float64(seq), Z: 1},
			Velocity: l2frames.Vec3{Y: 1},
			Status:   l5tracks.TrackConfirmed,
			Age:      int(seq) + 3,
		}})
		require.NoError(t, rec.PersistTracks(set, l5tracks.StepResult{}))
	}
	require.NoError(t, rec.End())
	return path, rec.ID()
}

func TestRunWritesPNG(t *testing.T) {
	db, id := seedStore(t)
	out := filepath.Join(t.TempDir(), "trails.png")

	require.NoError(t, run(Config{DBPath: db, SessionID: id[:8], Output: out, MinPoints: 5}))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(b, []byte("\x89PNG")))
}

func TestRunWritesHTML(t *testing.T) {
	db, id := seedStore(t)
	out := filepath.Join(t.TempDir(), "session.html")

	require.NoError(t, run(Config{DBPath: db, Output: out}))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "session="+id)
}

func TestRunErrors(t *testing.T) {
	db, _ := seedStore(t)

	err := run(Config{DBPath: db, SessionID: "zzzz", Output: filepath.Join(t.TempDir(), "x.png")})
	assert.ErrorIs(t, err, sqlite.ErrSessionNotFound)

	err = run(Config{DBPath: db, Output: filepath.Join(t.TempDir(), "x.png"), MinPoints: 50})
	assert.Error(t, err, "no trail is long enough")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "01234567", shortID("0123456789"))
}
