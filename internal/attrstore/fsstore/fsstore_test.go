package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/refcas/internal/attrstore"
	"github.com/tunnelmesh/refcas/internal/attrstore/storetest"
)

func TestConformance_MemFS(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) attrstore.Backend {
		return New(memfs.New())
	})
}

func TestConformance_OSFS(t *testing.T) {
	storetest.RunConformance(t, func(t *testing.T) attrstore.Backend {
		s, err := Open(t.TempDir(), WithSync(true))
		require.NoError(t, err)
		return s
	})
}

func TestConformance_ProcessLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file locks are unix only")
	}
	storetest.RunConformance(t, func(t *testing.T) attrstore.Backend {
		s, err := Open(t.TempDir(), WithProcessLock())
		require.NoError(t, err)
		return s
	})
}

func TestStore_Layout(t *testing.T) {
	fs := memfs.New()
	s := New(fs)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		if err := obj.WriteFull([]byte("payload")); err != nil {
			return err
		}
		return obj.SetAttr("cas.refcount", []byte{1, 0, 0, 0, 0, 0, 0, 0})
	}))

	shard, name := attrstore.HashedName("obj")
	payload, err := util.ReadFile(fs, filepath.Join(objectsDir, shard, name))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(payload))

	raw, err := util.ReadFile(fs, filepath.Join(objectsDir, shard, name+attrsSuffix))
	require.NoError(t, err)
	attrs, err := decodeAttrs(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, attrs["cas.refcount"])

	entries, err := fs.ReadDir(filepath.Join(objectsDir, shard))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestStore_StaleSidecarIgnored(t *testing.T) {
	fs := memfs.New()
	s := New(fs)
	ctx := context.Background()

	// Simulate a Remove interrupted after the payload was unlinked.
	shard, name := attrstore.HashedName("obj")
	stale, err := encodeAttrs(map[string][]byte{"cas.pinned": []byte("stale")})
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(fs, filepath.Join(objectsDir, shard, name+attrsSuffix), stale, 0o644))

	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		_, err := obj.Stat()
		assert.ErrorIs(t, err, attrstore.ErrObjectNotExist)
		_, err = obj.GetAttr("cas.pinned")
		assert.ErrorIs(t, err, attrstore.ErrAttrNotExist)

		require.NoError(t, obj.WriteFull([]byte("fresh")))
		attrs, err := obj.ListAttrs("")
		require.NoError(t, err)
		assert.Empty(t, attrs)
		return nil
	}))
}

func TestStore_CorruptSidecar(t *testing.T) {
	fs := memfs.New()
	s := New(fs)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "obj", func(obj attrstore.Object) error {
		return obj.WriteFull([]byte("x"))
	}))
	shard, name := attrstore.HashedName("obj")
	require.NoError(t, util.WriteFile(fs, filepath.Join(objectsDir, shard, name+attrsSuffix), []byte{0xff, 0x00}, 0o644))

	err := s.Update(ctx, "obj", func(obj attrstore.Object) error {
		_, err := obj.GetAttr("cas.refcount")
		return err
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, attrstore.ErrAttrNotExist)
}

func TestOpen_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
