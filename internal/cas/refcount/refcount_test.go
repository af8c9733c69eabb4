package refcount

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/refcas/internal/attrstore"
	"github.com/tunnelmesh/refcas/internal/attrstore/memstore"
)

type fakePinner struct {
	calls int
	err   error
}

func (p *fakePinner) Pin(attrstore.Object) (bool, error) {
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	return p.calls == 1, nil
}

// withObject runs fn against a fresh object seeded with the given counter
// (nil leaves the attribute unset).
func withObject(t *testing.T, seed []byte, fn func(obj attrstore.Object)) {
	t.Helper()
	s := memstore.New()
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Update(context.Background(), "obj", func(obj attrstore.Object) error {
		require.NoError(t, obj.WriteFull([]byte("payload")))
		if seed != nil {
			require.NoError(t, obj.SetAttr(Attr, seed))
		}
		fn(obj)
		return nil
	}))
}

func TestRead(t *testing.T) {
	t.Run("unset is zero", func(t *testing.T) {
		withObject(t, nil, func(obj attrstore.Object) {
			v, err := Read(obj)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), v)
		})
	})

	t.Run("little endian", func(t *testing.T) {
		withObject(t, []byte{0x02, 0x01, 0, 0, 0, 0, 0, 0}, func(obj attrstore.Object) {
			v, err := Read(obj)
			require.NoError(t, err)
			assert.Equal(t, uint64(0x0102), v)
		})
	})

	for _, bad := range [][]byte{{}, {1}, {1, 0, 0, 0}, make([]byte, 9)} {
		withObject(t, bad, func(obj attrstore.Object) {
			_, err := Read(obj)
			assert.ErrorIs(t, err, ErrMalformed, "width %d", len(bad))
			assert.True(t, errdefs.IsDataLoss(err))
		})
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name      string
		start     uint64
		delta     int64
		want      uint64
		saturated bool
		pins      int
	}{
		{name: "increment from unset", start: 0, delta: 1, want: 1},
		{name: "increment", start: 41, delta: 1, want: 42},
		{name: "decrement", start: 2, delta: -1, want: 1},
		{name: "decrement to zero", start: 1, delta: -1, want: 0},
		{name: "zero delta", start: 7, delta: 0, want: 7},
		{name: "reach max exactly", start: math.MaxUint64 - 1, delta: 1, want: math.MaxUint64},
		{name: "overflow clamps", start: math.MaxUint64 - 1, delta: 2, want: math.MaxUint64, saturated: true, pins: 1},
		{name: "increment at max", start: math.MaxUint64, delta: 1, want: math.MaxUint64, saturated: true, pins: 1},
		{name: "large delta", start: 10, delta: math.MaxInt64, want: 10 + math.MaxInt64},
		{name: "min int64", start: math.MaxUint64, delta: math.MinInt64, want: math.MaxUint64 - (1 << 63)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seed []byte
			if tt.start != 0 {
				seed = Encode(tt.start)
			}
			withObject(t, seed, func(obj attrstore.Object) {
				p := &fakePinner{}
				res, err := NewLedger(p).Apply(obj, tt.delta)
				require.NoError(t, err)
				assert.Equal(t, tt.start, res.Old)
				assert.Equal(t, tt.want, res.New)
				assert.Equal(t, tt.saturated, res.Saturated)
				assert.Equal(t, tt.pins, p.calls)
				assert.Equal(t, tt.pins == 1, res.Pinned)

				stored, err := Read(obj)
				require.NoError(t, err)
				assert.Equal(t, tt.want, stored)
			})
		})
	}
}

func TestApply_UnderflowWritesNothing(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		withObject(t, nil, func(obj attrstore.Object) {
			_, err := NewLedger(&fakePinner{}).Apply(obj, -1)
			assert.ErrorIs(t, err, ErrUnderflow)
			assert.True(t, errdefs.IsInvalidArgument(err))

			_, err = obj.GetAttr(Attr)
			assert.ErrorIs(t, err, attrstore.ErrAttrNotExist)
		})
	})

	t.Run("min int64", func(t *testing.T) {
		withObject(t, Encode(5), func(obj attrstore.Object) {
			_, err := NewLedger(&fakePinner{}).Apply(obj, math.MinInt64)
			assert.ErrorIs(t, err, ErrUnderflow)

			v, err := Read(obj)
			require.NoError(t, err)
			assert.Equal(t, uint64(5), v)
		})
	})
}

func TestApply_PinFailureLeavesCounter(t *testing.T) {
	boom := errors.New("pin failed")
	withObject(t, Encode(math.MaxUint64), func(obj attrstore.Object) {
		_, err := NewLedger(&fakePinner{err: boom}).Apply(obj, 1)
		assert.ErrorIs(t, err, boom)

		v, err := Read(obj)
		require.NoError(t, err)
		assert.Equal(t, uint64(math.MaxUint64), v)
	})
}

func TestApply_MalformedIsNotZero(t *testing.T) {
	withObject(t, []byte{1, 2, 3}, func(obj attrstore.Object) {
		_, err := NewLedger(&fakePinner{}).Apply(obj, 1)
		assert.ErrorIs(t, err, ErrMalformed)

		raw, err := obj.GetAttr(Attr)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, raw)
	})
}
