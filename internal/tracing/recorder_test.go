package tracing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Disabled(t *testing.T) {
	r := New(0)
	assert.False(t, r.Enabled())

	var buf bytes.Buffer
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotEnabled)
}

func TestRecorder_StartSnapshotStop(t *testing.T) {
	r := New(DefaultBufferSize)
	require.NoError(t, r.Start())
	defer r.Stop()
	require.NoError(t, r.Start(), "second start is a no-op")
	assert.True(t, r.Enabled())

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))
	assert.NotZero(t, buf.Len())

	r.Stop()
	r.Stop()
	assert.False(t, r.Enabled())
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotEnabled)
}

func TestRecorder_Handler(t *testing.T) {
	r := New(0)

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, r.Start())
	defer r.Stop()

	w = httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=trace.out", w.Header().Get("Content-Disposition"))
	assert.NotZero(t, w.Body.Len())
}
