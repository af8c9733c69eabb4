// Package tracing keeps a rolling runtime trace that can be downloaded while
// the server runs.
package tracing

import (
	"errors"
	"io"
	"net/http"
	"runtime/trace"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// minAge is how much recent history a snapshot covers at least.
const minAge = 30 * time.Second

// ErrNotEnabled is returned by Snapshot before Start or after Stop.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder wraps a runtime/trace FlightRecorder.
type Recorder struct {
	mu  sync.Mutex
	fr  *trace.FlightRecorder
	max int
}

// New returns a stopped recorder with a ring buffer of bufferSize bytes, or
// DefaultBufferSize when bufferSize is not positive.
func New(bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Recorder{max: bufferSize}
}

// Start begins recording. Starting a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		return nil
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(r.max),
	})
	if err := fr.Start(); err != nil {
		return err
	}
	r.fr = fr
	return nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w in `go tool trace` format.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop stops recording. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// Handler serves a snapshot as an attachment, or 503 when not recording.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !r.Enabled() {
			http.Error(w, "tracing not enabled (set server.trace or --enable-tracing)", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", "attachment; filename=trace.out")
		if err := r.Snapshot(w); err != nil {
			// Headers are already out; the client sees a truncated body.
			log.Warn().Err(err).Msg("write trace snapshot")
		}
	})
}
