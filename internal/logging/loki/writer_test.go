package loki

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoki records push requests.
type fakeLoki struct {
	mu     sync.Mutex
	pushes []pushRequest
	status int
}

func newFakeLoki(t *testing.T, status int) (*fakeLoki, *httptest.Server) {
	t.Helper()
	f := &fakeLoki{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PushPath || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.pushes = append(f.pushes, req)
		f.mu.Unlock()
		w.WriteHeader(f.status)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeLoki) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.pushes {
		for _, s := range p.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestNewWriter_Labels(t *testing.T) {
	w := NewWriter(Config{URL: "http://loki:3100/"})
	assert.Equal(t, map[string]string{"job": "refcas"}, w.labels)
	assert.Equal(t, "http://loki:3100"+PushPath, w.url)
	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, 5*time.Second, w.flushInterval)

	w = NewWriter(Config{URL: "http://loki:3100", Labels: map[string]string{"job": "cas", "host": "a"}})
	assert.Equal(t, map[string]string{"job": "cas", "host": "a"}, w.labels)
}

func TestWriter_StopFlushes(t *testing.T) {
	f, srv := newFakeLoki(t, http.StatusNoContent)
	mock := clock.NewMock()
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	mock.Set(at)

	w := NewWriter(Config{URL: srv.URL, Clock: mock, Labels: map[string]string{"host": "h1"}})
	w.Start()

	_, _ = w.Write([]byte("{\"msg\":\"one\"}\n"))
	_, _ = w.Write([]byte("   \n"))
	_, _ = w.Write([]byte(`{"msg":"two"}`))
	w.Stop()
	w.Stop()

	assert.Equal(t, []string{`{"msg":"one"}`, `{"msg":"two"}`}, f.lines())
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.pushes, 1)
	s := f.pushes[0].Streams[0]
	assert.Equal(t, "h1", s.Stream["host"])
	assert.Equal(t, "refcas", s.Stream["job"])
	assert.Equal(t, "1790856000000000000", s.Values[0][0])
	assert.Zero(t, w.FlushErrors())
}

func TestWriter_FullBatchTriggersFlush(t *testing.T) {
	f, srv := newFakeLoki(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 3, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		_, _ = w.Write([]byte(`{"msg":"x"}`))
	}
	assert.Eventually(t, func() bool { return len(f.lines()) == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestWriter_CountsErrors(t *testing.T) {
	_, srv := newFakeLoki(t, http.StatusInternalServerError)
	w := NewWriter(Config{URL: srv.URL})
	_, _ = w.Write([]byte(`{"msg":"x"}`))
	w.Flush()
	assert.Equal(t, uint64(1), w.FlushErrors())

	w.Flush()
	assert.Equal(t, uint64(1), w.FlushErrors(), "empty buffer pushes nothing")
}

func TestWriter_SetLabels(t *testing.T) {
	f, srv := newFakeLoki(t, http.StatusNoContent)
	w := NewWriter(Config{URL: srv.URL})
	w.SetLabels(map[string]string{"instance": "i-1"})
	_, _ = w.Write([]byte(`{"msg":"x"}`))
	w.Flush()

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.pushes, 1)
	assert.Equal(t, "i-1", f.pushes[0].Streams[0].Stream["instance"])
}
