package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
	"github.com/banshee-data/mmwave.tracker/internal/monitoring"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Store wraps the track database.
type Store struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; WAL lets the admin SQL console read concurrently.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Session describes one recording run.
type Session struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Config    string     `json:"config,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TrackSummary is the per-track row kept up to date while a session runs.
type TrackSummary struct {
	TrackID   uint64    `json:"track_id"`
	Status    string    `json:"status"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    int       `json:"frames"`
	MaxSpeed  float64   `json:"max_speed_mps"`
}

// Observation is one persisted track position.
type Observation struct {
	TrackID   uint64
	Seq       uint64
	Timestamp time.Time
	X, Y, Z   float64
	VX, VY    float64
	VZ        float64
	Age       int
}

// StartSession inserts a new session and returns a sink that records into
// it. cfg is stored as JSON for later reference and may be nil.
func (s *Store) StartSession(source string, cfg any) (*SessionRecorder, error) {
	var cfgJSON sql.NullString
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode session config: %w", err)
		}
		cfgJSON = sql.NullString{String: string(b), Valid: true}
	}

	id := uuid.NewString()
	now := time.Now()
	if _, err := s.Exec(
		`INSERT INTO sessions (session_id, source, config_json, started_at) VALUES (?, ?, ?, ?)`,
		id, source, cfgJSON, now.UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	monitoring.Logf("[sqlite] session %s started (%s)", id, source)
	return &SessionRecorder{store: s, id: id}, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(id string) error {
	res, err := s.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Sessions lists sessions, most recent first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.Query(`SELECT session_id, source, COALESCE(config_json, ''), started_at, ended_at
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.Config, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession() (Session, error) {
	sessions, err := s.Sessions()
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrSessionNotFound
	}
	return sessions[0], nil
}

// Tracks returns the track summaries of a session ordered by id.
func (s *Store) Tracks(sessionID string) ([]TrackSummary, error) {
	rows, err := s.Query(`SELECT track_id, status, first_seen_ns, last_seen_ns, frames, max_speed_mps
		FROM tracks WHERE session_id = ? ORDER BY track_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackSummary
	for rows.Next() {
		var t TrackSummary
		var first, last int64
		if err := rows.Scan(&t.TrackID, &t.Status, &first, &last, &t.Frames, &t.MaxSpeed); err != nil {
			return nil, err
		}
		t.FirstSeen = time.Unix(0, first).UTC()
		t.LastSeen = time.Unix(0, last).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Trails returns each track's observations in time order, keyed by track id.
func (s *Store) Trails(sessionID string) (map[uint64][]Observation, error) {
	rows, err := s.Query(`SELECT track_id, seq, ts_unix_nanos, x, y, z, vx, vy, vz, age
		FROM track_observations WHERE session_id = ? ORDER BY track_id, ts_unix_nanos, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint64][]Observation)
	for rows.Next() {
		var o Observation
		var ts int64
		if err := rows.Scan(&o.TrackID, &o.Seq, &ts, &o.X, &o.Y, &o.Z, &o.VX, &o.VY, &o.VZ, &o.Age); err != nil {
			return nil, err
		}
		o.Timestamp = time.Unix(0, ts).UTC()
		out[o.TrackID] = append(out[o.TrackID], o)
	}
	return out, rows.Err()
}

// SessionRecorder persists published snapshots for one session. It
// implements pipeline.TrackSink.
type SessionRecorder struct {
	store *Store
	id    string
}

// ID returns the session id.
func (r *SessionRecorder) ID() string { return r.id }

// PersistTracks writes one frame: a frames row, an observation for every
// Confirmed track (Coasting positions are predictions, not measurements),
// summary upserts for every published track and the final status of removed
// ones. It runs in a single transaction.
func (r *SessionRecorder) PersistTracks(set l5tracks.TrackSet, res l5tracks.StepResult) error {
	ctx := context.Background()
	tx, err := r.store.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := set.Timestamp().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO frames (session_id, seq, ts_unix_nanos, published, born, removed, matched)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.id, set.Seq(), ts, set.Len(), len(res.Born), len(res.Removed), len(res.Association.Matches),
	); err != nil {
		return fmt.Errorf("insert frame %d: %w", set.Seq(), err)
	}

	for _, t := range set.Tracks() {
		speed := t.Velocity.Norm()
		if math.IsNaN(speed) || math.IsInf(speed, 0) {
			speed = 0
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracks (session_id, track_id, status, first_seen_ns, last_seen_ns, frames, max_speed_mps)
			 VALUES (?, ?, ?, ?, ?, 1, ?)
			 ON CONFLICT (session_id, track_id) DO UPDATE SET
			   status = excluded.status,
			   last_seen_ns = excluded.last_seen_ns,
			   frames = tracks.frames + 1,
			   max_speed_mps = MAX(tracks.max_speed_mps, excluded.max_speed_mps)`,
			r.id, t.ID, t.Status.String(), ts, ts, speed,
		); err != nil {
			return fmt.Errorf("upsert track %d: %w", t.ID, err)
		}

		if t.Status != l5tracks.TrackConfirmed {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO track_observations
			 (session_id, track_id, seq, ts_unix_nanos, x, y, z, vx, vy, vz, age)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.id, t.ID, set.Seq(), ts,
			t.Position.X, t.Position.Y, t.Position.Z,
			t.Velocity.X, t.Velocity.Y, t.Velocity.Z, t.Age,
		); err != nil {
			return fmt.Errorf("insert observation for track %d: %w", t.ID, err)
		}
	}

	for _, id := range res.Removed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tracks SET status = ? WHERE session_id = ? AND track_id = ?`,
			l5tracks.TrackDead.String(), r.id, id,
		); err != nil {
			return fmt.Errorf("mark track %d dead: %w", id, err)
		}
	}

	return tx.Commit()
}

// End stamps the session's end time.
func (r *SessionRecorder) End() error { return r.store.EndSession(r.id) }
