// Package api serves the tracker's HTTP surface: the latest track set, a
// live event stream, pipeline counters, stored sessions and charts.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/config"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/monitor"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/pipeline"
	sqlite "github.com/banshee-data/mmwave.tracker/internal/mmwave/storage/sqlite"
	"github.com/banshee-data/mmwave.tracker/internal/monitoring"
	"github.com/banshee-data/mmwave.tracker/internal/units"
	"github.com/banshee-data/mmwave.tracker/internal/version"
)

// ANSI escape codes for request logging.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

var apiLog = monitoring.Component("api")

// TrackSource is the slice of the pipeline the API reads from.
// *pipeline.Scheduler satisfies it.
type TrackSource interface {
	Latest() l5tracks.TrackSet
	Stats() pipeline.Stats
	Subscribe() (int, <-chan l5tracks.TrackSet)
	Unsubscribe(id int)
	Reset()
}

type Server struct {
	tracks TrackSource
	store  *sqlite.Store
	tuning *config.TuningConfig

	// cliMu serialises writes to the radar CLI port.
	cliMu sync.Mutex
	cli   io.Writer
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithStore enables the session endpoints and the SQL admin console.
func WithStore(store *sqlite.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithTuning exposes the effective tuning on /api/config.
func WithTuning(cfg *config.TuningConfig) Option {
	return func(s *Server) { s.tuning = cfg }
}

// WithRadarCLI enables /api/radar/command, writing each command as one line
// to w.
func WithRadarCLI(w io.Writer) Option {
	return func(s *Server) { s.cli = w }
}

func NewServer(tracks TrackSource, opts ...Option) *Server {
	s := &Server{tracks: tracks}
	for _, o := range opts {
		o(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration of each request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		apiLog("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux builds the route table. The SQL console and backup routes under
// /debug/ are only mounted when a store is configured.
func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/tracks", s.showTracks)
	mux.HandleFunc("/api/tracks/stream", s.streamTracks)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/api/reset", s.resetTracker)
	mux.HandleFunc("/api/radar/command", s.sendRadarCommand)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/tracks", s.listSessionTracks)
	mux.HandleFunc("/charts/tracks", s.tracksChart)
	mux.HandleFunc("/charts/session", s.sessionChart)

	if s.store != nil {
		if err := s.store.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("attach admin routes: %w", err)
		}
	}
	return mux, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		apiLog("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	cfg := s.tuning
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) showTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	set := s.tracks.Latest()
	if st := r.URL.Query().Get("status"); st != "" {
		var want l5tracks.TrackStatus
		if err := want.UnmarshalText([]byte(st)); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid 'status' parameter: %v", err))
			return
		}
		var keep []l5tracks.PublishedTrack
		for _, t := range set.Tracks() {
			if t.Status == want {
				keep = append(keep, t)
			}
		}
		set = l5tracks.NewTrackSet(set.Seq(), set.Timestamp(), keep)
	}
	writeJSON(w, http.StatusOK, set)
}

// streamTracks sends every published track set as a server-sent event.
func (s *Server) streamTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.tracks.Subscribe()
	defer s.tracks.Unsubscribe(id)

	if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case set, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(set)
			if err != nil {
				apiLog("encode track set %d: %v", set.Seq(), err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", set.Seq(), payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type statsResponse struct {
	pipeline.Stats
	Tracks    int    `json:"tracks"`
	Confirmed int    `json:"confirmed"`
	Seq       uint64 `json:"seq"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	set := s.tracks.Latest()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:     s.tracks.Stats(),
		Tracks:    set.Len(),
		Confirmed: set.Count(l5tracks.TrackConfirmed),
		Seq:       set.Seq(),
	})
}

func (s *Server) resetTracker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.tracks.Reset()
	apiLog("tracker reset via API from %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) sendRadarCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.cli == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "radar CLI port not configured")
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" || strings.ContainsAny(command, "\r\n") {
		writeJSONError(w, http.StatusBadRequest, "missing or multi-line command")
		return
	}

	s.cliMu.Lock()
	_, err := io.WriteString(s.cli, command+"\n")
	s.cliMu.Unlock()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write command: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sent": command})
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "track DB not configured")
		return false
	}
	return true
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.requireStore(w) {
		return
	}
	sessions, err := s.store.Sessions()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []sqlite.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// resolveSession returns the session named by the "id" query parameter, or
// the latest one when it is absent.
func (s *Server) resolveSession(r *http.Request) (sqlite.Session, error) {
	id := r.URL.Query().Get("id")
	if id == "" {
		return s.store.LatestSession()
	}
	sessions, err := s.store.Sessions()
	if err != nil {
		return sqlite.Session{}, err
	}
	for _, sess := range sessions {
		if sess.ID == id {
			return sess, nil
		}
	}
	return sqlite.Session{}, fmt.Errorf("%w: %s", sqlite.ErrSessionNotFound, id)
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, sqlite.ErrSessionNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) listSessionTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.requireStore(w) {
		return
	}
	unit, err := units.Parse(r.URL.Query().Get("units"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.resolveSession(r)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	tracks, err := s.store.Tracks(sess.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get tracks: %v", err))
		return
	}
	if tracks == nil {
		tracks = []sqlite.TrackSummary{}
	}
	// Stored speeds are m/s.
	for i := range tracks {
		tracks[i].MaxSpeed = unit.FromMPS(tracks[i].MaxSpeed)
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "units": unit, "tracks": tracks})
}

func (s *Server) tracksChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var buf strings.Builder
	if err := monitor.RenderTrackScatter(&buf, s.tracks.Latest()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render tracks chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, buf.String())
}

func (s *Server) sessionChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.requireStore(w) {
		return
	}
	sess, err := s.resolveSession(r)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	tracks, err := s.store.Tracks(sess.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get tracks: %v", err))
		return
	}
	trails, err := s.store.Trails(sess.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get trails: %v", err))
		return
	}

	var buf strings.Builder
	if err := monitor.RenderSessionPage(&buf, sess, tracks, trails); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render session chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, buf.String())
}
