package pin

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/refcas/internal/attrstore"
	"github.com/tunnelmesh/refcas/internal/attrstore/memstore"
)

func update(t *testing.T, s attrstore.Backend, fn func(obj attrstore.Object)) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), "obj", func(obj attrstore.Object) error {
		fn(obj)
		return nil
	}))
}

func TestTracker_PinOnce(t *testing.T) {
	mock := clock.NewMock()
	first := time.Date(2026, 5, 6, 7, 8, 9, 123456789, time.UTC)
	mock.Set(first)
	tr := NewTracker(mock)
	s := memstore.New()
	defer func() { _ = s.Close() }()

	update(t, s, func(obj attrstore.Object) {
		require.NoError(t, obj.WriteFull([]byte("x")))

		st, err := tr.Status(obj)
		require.NoError(t, err)
		assert.False(t, st.Pinned)
		assert.True(t, st.Since.IsZero())

		newly, err := tr.Pin(obj)
		require.NoError(t, err)
		assert.True(t, newly)
	})

	mock.Add(24 * time.Hour)
	update(t, s, func(obj attrstore.Object) {
		newly, err := tr.Pin(obj)
		require.NoError(t, err)
		assert.False(t, newly, "second pin is a no-op")

		st, err := tr.Status(obj)
		require.NoError(t, err)
		assert.True(t, st.Pinned)
		assert.True(t, st.Since.Equal(first), "pin time is not refreshed")
	})
}

func TestDecode(t *testing.T) {
	ts := time.Date(1999, 12, 31, 23, 59, 59, 999999999, time.UTC)
	got, err := Decode(Encode(ts))
	require.NoError(t, err)
	assert.True(t, got.Equal(ts))

	for _, bad := range [][]byte{nil, {1}, make([]byte, 8), make([]byte, 13)} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrMalformed, "width %d", len(bad))
	}

	outOfRange := Encode(ts)
	outOfRange[8], outOfRange[9], outOfRange[10], outOfRange[11] = 0xff, 0xff, 0xff, 0xff
	_, err = Decode(outOfRange)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTracker_MalformedNotRepaired(t *testing.T) {
	tr := NewTracker(nil)
	s := memstore.New()
	defer func() { _ = s.Close() }()

	update(t, s, func(obj attrstore.Object) {
		require.NoError(t, obj.SetAttr(Attr, []byte("junk")))

		_, err := tr.Status(obj)
		assert.True(t, errdefs.IsDataLoss(err))

		_, err = tr.Pin(obj)
		assert.ErrorIs(t, err, ErrMalformed)

		raw, err := obj.GetAttr(Attr)
		require.NoError(t, err)
		assert.Equal(t, []byte("junk"), raw)
	})
}
