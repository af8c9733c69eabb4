package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/refcas/internal/attrstore"
	"github.com/tunnelmesh/refcas/internal/attrstore/storetest"
)

func TestConformance(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) attrstore.Backend {
		return New()
	})
}

func TestStore_ModTimeFromClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s := New(WithClock(mock))
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		return obj.WriteFull([]byte("x"))
	}))
	mock.Add(time.Hour)
	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		st, err := obj.Stat()
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), st.ModTime)
		return obj.SetAttr("a", []byte("b"))
	}))
	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		st, err := obj.Stat()
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 1, 2, 4, 4, 5, 0, time.UTC), st.ModTime)
		return nil
	}))
	assert.Equal(t, 1, s.Len())
}

func TestStore_ReturnedBytesDoNotAlias(t *testing.T) {
	s := New()
	ctx := context.Background()
	data := []byte("original")

	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		return obj.WriteFull(data)
	}))
	data[0] = 'X'

	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		got, err := obj.Read()
		require.NoError(t, err)
		assert.Equal(t, "original", string(got))
		got[0] = 'Y'
		again, err := obj.Read()
		require.NoError(t, err)
		assert.Equal(t, "original", string(again))
		return nil
	}))
}

func TestStore_Closed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	err := s.Update(context.Background(), "obj", func(attrstore.Object) error { return nil })
	assert.ErrorIs(t, err, attrstore.ErrClosed)
}
