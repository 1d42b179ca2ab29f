package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/monitoring"
)

var replayLog = monitoring.Component("replay")

// numFields is the number of columns in a recording row.
const numFields = 7

// row is one parsed CSV line.
type row struct {
	frame uint64
	det   l2frames.Detection
	posix int64
	bad   bool
}

// Reader yields frames from a recording directory in file and row order.
type Reader struct {
	dir      string
	interval time.Duration

	fileIndex int
	file      *os.File
	csv       *csv.Reader
	line      int

	next    *row // lookahead: first row of the following frame
	done    bool
	frames  uint64
	badRows uint64
}

// OpenReader opens dir, which must contain 1.csv. interval is copied into
// each frame as its nominal cadence.
func OpenReader(dir string, interval time.Duration) (*Reader, error) {
	r := &Reader{dir: dir, interval: interval}
	if err := r.openFile(1); err != nil {
		return nil, err
	}
	if r.file == nil {
		return nil, fmt.Errorf("no recording in %s: %w", dir, os.ErrNotExist)
	}
	return r, nil
}

// openFile opens <index>.csv. A missing file ends the recording.
func (r *Reader) openFile(index int) error {
	path := filepath.Join(r.dir, strconv.Itoa(index)+".csv")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		r.file, r.csv = nil, nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	r.fileIndex = index
	r.file = f
	r.csv = csv.NewReader(f)
	r.csv.FieldsPerRecord = -1
	r.csv.ReuseRecord = true
	r.line = 0
	return nil
}

// readRow returns the next row across file boundaries, or io.EOF.
func (r *Reader) readRow() (*row, error) {
	for r.csv != nil {
		rec, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.file.Close()
			if err := r.openFile(r.fileIndex + 1); err != nil {
				return nil, err
			}
			continue
		}
		r.line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				r.badRows++
				replayLog("%d.csv:%d: %v", r.fileIndex, r.line, err)
				continue
			}
			return nil, err
		}
		return r.parse(rec), nil
	}
	return nil, io.EOF
}

// parse converts one record. A row whose frame number cannot be read is
// dropped; a row with unreadable values is kept as a bad row of its frame.
func (r *Reader) parse(rec []string) *row {
	if len(rec) == 0 {
		return &row{bad: true}
	}
	frame, err := strconv.ParseUint(rec[0], 10, 64)
	if err != nil {
		r.badRows++
		replayLog("%d.csv:%d: bad frame number %q", r.fileIndex, r.line, rec[0])
		return nil
	}
	out := &row{frame: frame}
	if len(rec) != numFields {
		out.bad = true
		return out
	}
	var v [5]float64
	for i := range v {
		if v[i], err = strconv.ParseFloat(rec[i+1], 64); err != nil {
			out.bad = true
			return out
		}
	}
	if out.posix, err = strconv.ParseInt(rec[6], 10, 64); err != nil {
		// Some recorders wrote fractional milliseconds.
		f, ferr := strconv.ParseFloat(rec[6], 64)
		if ferr != nil {
			out.bad = true
			return out
		}
		out.posix = int64(f)
	}
	out.det = l2frames.Detection{
		Position:  l2frames.Vec3{X: v[0], Y: v[1], Z: v[2]},
		Doppler:   v[3],
		Intensity: v[4],
	}
	return out
}

// Next returns the next recorded frame, or io.EOF after the last one. A frame
// containing unparsable rows is returned with a Declared count that includes
// them, so it fails validation and is processed as empty.
func (r *Reader) Next(ctx context.Context) (*l2frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}

	first := r.next
	r.next = nil
	for first == nil {
		rw, err := r.readRow()
		if errors.Is(err, io.EOF) {
			r.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		first = rw
	}

	frame := &l2frames.Frame{Seq: first.frame, Interval: r.interval, Declared: l2frames.UnknownCount}
	bad := 0
	haveTime := false
	add := func(rw *row) {
		if rw.bad {
			bad++
			return
		}
		if !haveTime {
			frame.Timestamp = time.UnixMilli(rw.posix).UTC()
			haveTime = true
		}
		frame.Detections = append(frame.Detections, rw.det)
	}
	add(first)

	for {
		rw, err := r.readRow()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		if rw == nil {
			continue
		}
		if rw.frame != frame.Seq {
			r.next = rw
			break
		}
		add(rw)
	}

	if bad > 0 {
		r.badRows += uint64(bad)
		frame.Declared = len(frame.Detections) + bad
		replayLog("frame %d has %d unreadable rows", frame.Seq, bad)
	}
	r.frames++
	return frame, nil
}

// Stats returns the frames read and the rows that could not be parsed.
func (r *Reader) Stats() (frames, badRows uint64) { return r.frames, r.badRows }

// Close releases the open file, if any.
func (r *Reader) Close() error {
	r.done = true
	if r.file != nil {
		err := r.file.Close()
		r.file, r.csv = nil, nil
		return err
	}
	return nil
}
