package storetest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/refcas/internal/attrstore"
)

// NewBackendFunc returns a fresh, empty backend. The suite closes it.
type NewBackendFunc func(t *testing.T) attrstore.Backend

// RunConformance checks that a backend honors the attrstore.Backend contract.
func RunConformance(t *testing.T, newBackend NewBackendFunc) {
	t.Helper()

	open := func(t *testing.T) attrstore.Backend {
		t.Helper()
		b := newBackend(t)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	ctx := context.Background()

	t.Run("AbsentObject", func(t *testing.T) {
		b := open(t)
		err := b.Update(ctx, "missing", func(obj attrstore.Object) error {
			assert.Equal(t, "missing", obj.ID())

			_, err := obj.Stat()
			assert.ErrorIs(t, err, attrstore.ErrObjectNotExist)

			_, err = obj.Read()
			assert.ErrorIs(t, err, attrstore.ErrObjectNotExist)

			_, err = obj.GetAttr("k")
			assert.ErrorIs(t, err, attrstore.ErrAttrNotExist)

			attrs, err := obj.ListAttrs("")
			assert.NoError(t, err)
			assert.Empty(t, attrs)

			assert.ErrorIs(t, obj.Remove(), attrstore.ErrObjectNotExist)
			assert.NoError(t, obj.RemoveAttr("k"))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("WriteReadStat", func(t *testing.T) {
		b := open(t)
		data := []byte("hello world")
		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			return obj.WriteFull(data)
		}))

		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			st, err := obj.Stat()
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), st.Size)
			assert.False(t, st.ModTime.IsZero())

			got, err := obj.Read()
			require.NoError(t, err)
			assert.Equal(t, data, got)
			return nil
		}))
	})

	t.Run("WriteFullReplaces", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			if err := obj.WriteFull([]byte("first version, longer")); err != nil {
				return err
			}
			if err := obj.SetAttr("keep", []byte("me")); err != nil {
				return err
			}
			return obj.WriteFull([]byte("second"))
		}))
		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			got, err := obj.Read()
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got)

			v, err := obj.GetAttr("keep")
			require.NoError(t, err)
			assert.Equal(t, []byte("me"), v)
			return nil
		}))
	})

	t.Run("EmptyPayload", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Update(ctx, "empty", func(obj attrstore.Object) error {
			return obj.WriteFull(nil)
		}))
		require.NoError(t, b.Update(ctx, "empty", func(obj attrstore.Object) error {
			st, err := obj.Stat()
			require.NoError(t, err)
			assert.Equal(t, int64(0), st.Size)
			got, err := obj.Read()
			require.NoError(t, err)
			assert.Empty(t, got)
			return nil
		}))
	})

	t.Run("SetAttrCreatesObject", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Update(ctx, "attr-only", func(obj attrstore.Object) error {
			return obj.SetAttr("k", []byte("v"))
		}))
		require.NoError(t, b.Update(ctx, "attr-only", func(obj attrstore.Object) error {
			st, err := obj.Stat()
			require.NoError(t, err)
			assert.Equal(t, int64(0), st.Size)
			v, err := obj.GetAttr("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), v)
			return nil
		}))
	})

	t.Run("Attributes", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			require.NoError(t, obj.WriteFull([]byte("x")))
			require.NoError(t, obj.SetAttr("cas.meta.a", []byte("1")))
			require.NoError(t, obj.SetAttr("cas.meta.b", []byte("2")))
			require.NoError(t, obj.SetAttr("cas.refcount", []byte{1, 0, 0, 0, 0, 0, 0, 0}))
			require.NoError(t, obj.SetAttr("cas.meta.b", []byte("22")))
			return nil
		}))
		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			meta, err := obj.ListAttrs("cas.meta.")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				"cas.meta.a": []byte("1"),
				"cas.meta.b": []byte("22"),
			}, meta)

			all, err := obj.ListAttrs("")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, obj.RemoveAttr("cas.meta.a"))
			_, err = obj.GetAttr("cas.meta.a")
			assert.ErrorIs(t, err, attrstore.ErrAttrNotExist)

			_, err = obj.GetAttr("unset")
			assert.ErrorIs(t, err, attrstore.ErrAttrNotExist)
			return nil
		}))
	})

	t.Run("RemoveDropsPayloadAndAttrs", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			require.NoError(t, obj.WriteFull([]byte("payload")))
			require.NoError(t, obj.SetAttr("a", []byte("1")))
			return obj.Remove()
		}))
		require.NoError(t, b.Update(ctx, "obj", func(obj attrstore.Object) error {
			_, err := obj.Stat()
			assert.ErrorIs(t, err, attrstore.ErrObjectNotExist)
			_, err = obj.GetAttr("a")
			assert.ErrorIs(t, err, attrstore.ErrAttrNotExist)

			// Recreating starts from a clean attribute set.
			require.NoError(t, obj.WriteFull([]byte("again")))
			attrs, err := obj.ListAttrs("")
			require.NoError(t, err)
			assert.Empty(t, attrs)
			return nil
		}))
	})

	t.Run("IDsAreIndependent", func(t *testing.T) {
		b := open(t)
		ids := []string{"a", "a/b", "sha256:00ff", "with space", "ünïcode"}
		for _, id := range ids {
			id := id
			require.NoError(t, b.Update(ctx, id, func(obj attrstore.Object) error {
				return obj.WriteFull([]byte("data:" + id))
			}))
		}
		for _, id := range ids {
			id := id
			require.NoError(t, b.Update(ctx, id, func(obj attrstore.Object) error {
				got, err := obj.Read()
				require.NoError(t, err)
				assert.Equal(t, "data:"+id, string(got))
				return nil
			}))
		}
	})

	t.Run("InvalidID", func(t *testing.T) {
		b := open(t)
		called := false
		err := b.Update(ctx, "", func(attrstore.Object) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, attrstore.ErrInvalidID)
		assert.False(t, called)
	})

	t.Run("CallbackErrorPropagates", func(t *testing.T) {
		b := open(t)
		boom := errors.New("boom")
		err := b.Update(ctx, "obj", func(attrstore.Object) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		b := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := b.Update(cctx, "obj", func(attrstore.Object) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ExclusiveReadModifyWrite", func(t *testing.T) {
		b := open(t)
		const (
			goroutines = 16
			iterations = 25
		)
		var wg sync.WaitGroup
		errs := make(chan error, goroutines)
		wg.Add(goroutines)
		for i := 0; i < goroutines; i++ {
			go func() {
				defer wg.Done()
				for j := 0; j < iterations; j++ {
					if err := b.Update(ctx, "counter", incrementAttr); err != nil {
						errs <- err
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.NoError(t, b.Update(ctx, "counter", func(obj attrstore.Object) error {
			v, err := obj.GetAttr("n")
			require.NoError(t, err)
			assert.Equal(t, uint64(goroutines*iterations), binary.LittleEndian.Uint64(v))
			return nil
		}))
	})

	t.Run("ContextBoundsWaiting", func(t *testing.T) {
		b := open(t)
		held := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.Update(ctx, "busy", func(attrstore.Object) error {
				close(held)
				<-release
				return nil
			})
		}()
		<-held

		tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		err := b.Update(tctx, "busy", func(attrstore.Object) error { return nil })
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(release)
		require.NoError(t, <-done)
	})
}

func incrementAttr(obj attrstore.Object) error {
	var n uint64
	v, err := obj.GetAttr("n")
	switch {
	case errors.Is(err, attrstore.ErrAttrNotExist):
	case err != nil:
		return err
	default:
		if len(v) != 8 {
			return fmt.Errorf("bad counter width %d", len(v))
		}
		n = binary.LittleEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n+1)
	return obj.SetAttr("n", buf)
}
