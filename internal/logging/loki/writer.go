// Package loki provides a zerolog writer that ships log lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// PushPath is appended to Config.URL.
const PushPath = "/loki/api/v1/push"

// maxReportedErrors bounds how many flush failures are echoed to stderr.
const maxReportedErrors = 3

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static stream labels; job defaults to "refcas"
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
	Clock         clock.Clock       // Entry timestamps and the flush ticker
}

// Writer implements io.Writer. Lines are buffered and pushed by a background
// goroutine every FlushInterval or as soon as BatchSize lines are waiting.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client
	clock  clock.Clock

	mu        sync.Mutex
	buffer    []entry
	batchSize int

	flushInterval time.Duration
	flushing      atomic.Bool
	trigger       chan struct{}
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	stopOnce      sync.Once

	flushErrors atomic.Uint64
}

type entry struct {
	timestamp time.Time
	line      string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewWriter creates a stopped writer; call Start to begin pushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	labels := map[string]string{"job": "refcas"}
	maps.Copy(labels, cfg.Labels)

	return &Writer{
		url:           strings.TrimSuffix(cfg.URL, "/") + PushPath,
		labels:        labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		clock:         cfg.Clock,
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		trigger:       make(chan struct{}, 1),
	}
}

// Write buffers one log line. It never fails, so an unreachable Loki does not
// disrupt logging.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: w.clock.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default: // a flush is already pending
		}
	}
	return len(p), nil
}

// Start begins the background flush goroutine.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	ticker := w.clock.Ticker(w.flushInterval)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Flush()
			case <-w.trigger:
				w.Flush()
			}
		}
	}()
}

// Stop ends the background goroutine and pushes whatever is still buffered.
// It is safe to call Stop more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		w.Flush()
	})
}

// Flush pushes buffered lines now. Concurrent calls return immediately while
// one push is in flight.
func (w *Writer) Flush() {
	if !w.flushing.CompareAndSwap(false, true) {
		return
	}
	defer w.flushing.Store(false)

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := maps.Clone(w.labels)
	w.mu.Unlock()

	values := make([][2]string, len(entries))
	for i, e := range entries {
		values[i] = [2]string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}
	if err := w.push(pushRequest{Streams: []stream{{Stream: labels, Values: values}}}); err != nil {
		// Reporting through zerolog would feed back into this writer.
		if n := w.flushErrors.Add(1); n <= maxReportedErrors {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) push(req pushRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// SetLabels merges labels into the stream labels of future pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	maps.Copy(w.labels, labels)
}
