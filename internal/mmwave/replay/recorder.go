package replay

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

// DefaultFramesPerFile is the number of frames written before rolling over
// to the next numbered file.
const DefaultFramesPerFile = 200

// Recorder writes frames in the layout Reader consumes. It implements
// pipeline.FrameRecorder.
type Recorder struct {
	dir           string
	framesPerFile int

	mu        sync.Mutex
	fileIndex int
	inFile    int
	file      *os.File
	w         *csv.Writer
	frames    uint64
	rows      uint64
}

// NewRecorder creates dir if needed. Existing numbered files are not
// overwritten; recording starts after the highest one present.
func NewRecorder(dir string, framesPerFile int) (*Recorder, error) {
	if framesPerFile <= 0 {
		framesPerFile = DefaultFramesPerFile
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	last := 0
	for {
		if _, err := os.Stat(filepath.Join(dir, strconv.Itoa(last+1)+".csv")); err != nil {
			break
		}
		last++
	}
	if last > 0 {
		replayLog("appending to recording in %s after %d.csv", dir, last)
	}
	return &Recorder{dir: dir, framesPerFile: framesPerFile, fileIndex: last}, nil
}

// RecordFrame appends the frame's detections, one row each. Empty frames
// write nothing but still count towards the file roll-over.
func (r *Recorder) RecordFrame(frame *l2frames.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil || r.inFile >= r.framesPerFile {
		if err := r.rollLocked(); err != nil {
			return err
		}
	}

	seq := strconv.FormatUint(frame.Seq, 10)
	posix := strconv.FormatInt(frame.Timestamp.UnixMilli(), 10)
	rec := make([]string, numFields)
	for _, d := range frame.Detections {
		rec[0] = seq
		rec[1] = formatFloat(d.Position.X)
		rec[2] = formatFloat(d.Position.Y)
		rec[3] = formatFloat(d.Position.Z)
		rec[4] = formatFloat(d.Doppler)
		rec[5] = formatFloat(d.Intensity)
		rec[6] = posix
		if err := r.w.Write(rec); err != nil {
			return fmt.Errorf("record frame %d: %w", frame.Seq, err)
		}
		r.rows++
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("record frame %d: %w", frame.Seq, err)
	}
	r.inFile++
	r.frames++
	return nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// rollLocked closes the current file and opens the next numbered one.
func (r *Recorder) rollLocked() error {
	if err := r.closeLocked(); err != nil {
		return err
	}
	r.fileIndex++
	path := filepath.Join(r.dir, strconv.Itoa(r.fileIndex)+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	r.file = f
	r.w = csv.NewWriter(f)
	r.inFile = 0
	return nil
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	r.w.Flush()
	werr := r.w.Error()
	cerr := r.file.Close()
	r.file, r.w = nil, nil
	if werr != nil {
		return werr
	}
	return cerr
}

// Stats returns the frames and rows written so far.
func (r *Recorder) Stats() (frames, rows uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.rows
}

// Close flushes and closes the current file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}
