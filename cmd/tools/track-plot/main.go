// Command track-plot draws the confirmed trails of a stored tracking session
// as an image, or writes the session's HTML chart page.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/monitor"
	sqlite "github.com/banshee-data/mmwave.tracker/internal/mmwave/storage/sqlite"
)

// Config holds the tool's options.
type Config struct {
	DBPath    string
	SessionID string
	Output    string
	MinPoints int
	List      bool
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.DBPath, "db", "tracks.db", "SQLite track store")
	flag.StringVar(&cfg.SessionID, "session", "", "Session id (latest when empty)")
	flag.StringVar(&cfg.Output, "o", "trails.png", "Output file; .png/.svg/.pdf plot or .html chart page")
	flag.IntVar(&cfg.MinPoints, "min-points", 5, "Skip trails with fewer confirmed observations")
	flag.BoolVar(&cfg.List, "list", false, "List sessions and exit")
	flag.Parse()

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg Config) error {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.List {
		sessions, err := store.Sessions()
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %s\n", s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Source)
		}
		return nil
	}

	sess, err := findSession(store, cfg.SessionID)
	if err != nil {
		return err
	}
	trails, err := store.Trails(sess.ID)
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(cfg.Output), ".html") {
		tracks, err := store.Tracks(sess.ID)
		if err != nil {
			return err
		}
		f, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		if err := monitor.RenderSessionPage(f, sess, tracks, trails); err != nil {
			f.Close()
			return err
		}
		log.Printf("wrote %s (%d tracks)", cfg.Output, len(tracks))
		return f.Close()
	}

	n, err := monitor.SaveTrailPlot(cfg.Output, trails, monitor.TrailPlotOptions{
		Title:     fmt.Sprintf("Session %s (%s)", shortID(sess.ID), sess.Source),
		MinPoints: cfg.MinPoints,
	})
	if err != nil {
		return err
	}
	log.Printf("wrote %s (%d of %d trails)", cfg.Output, n, len(trails))
	return nil
}

func findSession(store *sqlite.Store, id string) (sqlite.Session, error) {
	if id == "" {
		return store.LatestSession()
	}
	sessions, err := store.Sessions()
	if err != nil {
		return sqlite.Session{}, err
	}
	for _, s := range sessions {
		if s.ID == id || strings.HasPrefix(s.ID, id) {
			return s, nil
		}
	}
	return sqlite.Session{}, errors.Join(sqlite.ErrSessionNotFound, fmt.Errorf("no session matches %q", id))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
