package telemetry

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/berr-exo/exodrive/loop"
	"github.com/pkg/errors"
)

// flushEvery is the number of rows buffered between flushes
const flushEvery = 10

// CSVLogger writes every status to a CSV file.  It satisfies loop.Sink.
type CSVLogger struct {
	mu   sync.Mutex
	w    *csv.Writer
	c    io.Closer
	kt   float64
	rows int

	// Path is the file being written, empty when writing to a plain io.Writer
	Path string
}

// NewCSVLogger creates exo-YYYYMMDD-HHMMSS.csv in dir and writes the header.
// torqueConstant (Nm/A) estimates torque when the firmware gives no estimate.
func NewCSVLogger(dir string, start time.Time, torqueConstant float64) (*CSVLogger, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}
	path := filepath.Join(dir, Filename(start))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating telemetry log")
	}
	l, err := NewCSVWriter(f, torqueConstant)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.c = f
	l.Path = path
	return l, nil
}

// NewCSVWriter writes the header to w and returns a logger writing to it
func NewCSVWriter(w io.Writer, torqueConstant float64) (*CSVLogger, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return nil, errors.Wrap(err, "writing telemetry header")
	}
	cw.Flush()
	return &CSVLogger{w: cw, kt: torqueConstant}, cw.Error()
}

// Emit satisfies loop.Sink
func (l *CSVLogger) Emit(s loop.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Write(FromStatus(s, l.kt).Row()); err != nil {
		return err
	}
	l.rows++
	if l.rows%flushEvery == 0 {
		l.w.Flush()
		return l.w.Error()
	}
	return nil
}

// Rows returns the number of rows written
func (l *CSVLogger) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows
}

// Close flushes the log and closes the file
func (l *CSVLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	err := l.w.Error()
	if l.c != nil {
		if cerr := l.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
