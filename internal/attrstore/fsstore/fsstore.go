// Package fsstore is an attrstore.Backend on top of a billy.Filesystem.
//
// Each object is a payload file plus a CBOR attribute sidecar:
//
//	objects/<hh>/<sha256(id)>        payload
//	objects/<hh>/<sha256(id)>.attrs  attributes
//
// Files are replaced by writing a temp file in the same directory and renaming
// it into place. The payload file marks existence: a sidecar without a payload
// is stale (left behind by an interrupted Remove) and is ignored.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/tunnelmesh/refcas/internal/attrstore"
)

const (
	objectsDir  = "objects"
	locksDir    = "locks"
	attrsSuffix = ".attrs"
	tempPrefix  = ".tmp-"
	dirPerm     = 0o755
)

// Store keeps objects as files.
type Store struct {
	fs     billy.Filesystem
	locker attrstore.Locker
	sync   bool
	closed atomic.Bool

	processLock bool
}

// Option configures a Store.
type Option func(*Store)

// WithLocker replaces the default in-process KeyMutex.
func WithLocker(l attrstore.Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithSync fsyncs files before renaming them into place, when the underlying
// filesystem supports it.
func WithSync(enabled bool) Option {
	return func(s *Store) { s.sync = enabled }
}

// WithProcessLock makes Open serialize access across processes with file
// locks under <dir>/locks. It has no effect on New.
func WithProcessLock() Option {
	return func(s *Store) { s.processLock = true }
}

// New returns a Store over fs.
func New(fs billy.Filesystem, opts ...Option) *Store {
	s := &Store{
		fs:     fs,
		locker: attrstore.NewKeyMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a Store rooted at dir on the host filesystem.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := New(osfs.New(dir, osfs.WithBoundOS()), opts...)
	if s.processLock {
		l, err := attrstore.NewFileLocker(filepath.Join(dir, locksDir))
		if err != nil {
			return nil, err
		}
		s.locker = l
	}
	return s, nil
}

// Update implements attrstore.Backend.
func (s *Store) Update(ctx context.Context, id string, fn func(attrstore.Object) error) error {
	if s.closed.Load() {
		return attrstore.ErrClosed
	}
	if err := attrstore.ValidateID(id); err != nil {
		return err
	}
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	shard, name := attrstore.HashedName(id)
	dir := path.Join(objectsDir, shard)
	return fn(&handle{
		store:       s,
		id:          id,
		dir:         dir,
		payloadPath: path.Join(dir, name),
		attrsPath:   path.Join(dir, name+attrsSuffix),
	})
}

// Close implements attrstore.Backend.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// writeFileAtomic writes data to a temp file beside name and renames it over
// name, so readers see either the old or the new content.
func (s *Store) writeFileAtomic(dir, name string, data []byte) error {
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	f, err := s.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := path.Join(dir, path.Base(filepath.ToSlash(f.Name())))

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if s.sync {
		if syncer, ok := f.(interface{ Sync() error }); ok {
			if err := syncer.Sync(); err != nil {
				_ = f.Close()
				_ = s.fs.Remove(tmpPath)
				return fmt.Errorf("sync temp file: %w", err)
			}
		}
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := s.fs.Rename(tmpPath, name); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

type handle struct {
	store       *Store
	id          string
	dir         string
	payloadPath string
	attrsPath   string
}

func (h *handle) ID() string { return h.id }

func (h *handle) exists() (os.FileInfo, bool, error) {
	fi, err := h.store.fs.Stat(h.payloadPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat payload: %w", err)
	}
	return fi, true, nil
}

func (h *handle) Stat() (attrstore.Stat, error) {
	fi, ok, err := h.exists()
	if err != nil {
		return attrstore.Stat{}, err
	}
	if !ok {
		return attrstore.Stat{}, attrstore.ErrObjectNotExist
	}
	return attrstore.Stat{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// loadAttrs returns the live attribute set, which is empty for absent objects.
func (h *handle) loadAttrs() (map[string][]byte, bool, error) {
	_, ok, err := h.exists()
	if err != nil || !ok {
		return map[string][]byte{}, false, err
	}
	data, err := util.ReadFile(h.store.fs, h.attrsPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, true, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("read attrs: %w", err)
	}
	attrs, err := decodeAttrs(data)
	if err != nil {
		return nil, true, err
	}
	return attrs, true, nil
}

func (h *handle) storeAttrs(attrs map[string][]byte) error {
	data, err := encodeAttrs(attrs)
	if err != nil {
		return err
	}
	return h.store.writeFileAtomic(h.dir, h.attrsPath, data)
}

func (h *handle) GetAttr(key string) ([]byte, error) {
	attrs, _, err := h.loadAttrs()
	if err != nil {
		return nil, err
	}
	v, ok := attrs[key]
	if !ok {
		return nil, attrstore.ErrAttrNotExist
	}
	return v, nil
}

func (h *handle) SetAttr(key string, value []byte) error {
	attrs, ok, err := h.loadAttrs()
	if err != nil {
		return err
	}
	attrs[key] = attrstore.CopyBytes(value)
	if attrs[key] == nil {
		attrs[key] = []byte{}
	}
	// The sidecar goes first: if the payload write below is lost, the new
	// sidecar is simply stale.
	if err := h.storeAttrs(attrs); err != nil {
		return err
	}
	if !ok {
		return h.store.writeFileAtomic(h.dir, h.payloadPath, nil)
	}
	return nil
}

func (h *handle) RemoveAttr(key string) error {
	attrs, ok, err := h.loadAttrs()
	if err != nil || !ok {
		return err
	}
	if _, present := attrs[key]; !present {
		return nil
	}
	delete(attrs, key)
	return h.storeAttrs(attrs)
}

func (h *handle) ListAttrs(prefix string) (map[string][]byte, error) {
	attrs, _, err := h.loadAttrs()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for k, v := range attrs {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (h *handle) Read() ([]byte, error) {
	data, err := util.ReadFile(h.store.fs, h.payloadPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, attrstore.ErrObjectNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func (h *handle) WriteFull(data []byte) error {
	_, ok, err := h.exists()
	if err != nil {
		return err
	}
	if !ok {
		if err := h.removeSidecar(); err != nil {
			return err
		}
	}
	return h.store.writeFileAtomic(h.dir, h.payloadPath, data)
}

func (h *handle) Remove() error {
	err := h.store.fs.Remove(h.payloadPath)
	if errors.Is(err, os.ErrNotExist) {
		return attrstore.ErrObjectNotExist
	}
	if err != nil {
		return fmt.Errorf("remove payload: %w", err)
	}
	return h.removeSidecar()
}

func (h *handle) removeSidecar() error {
	err := h.store.fs.Remove(h.attrsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove attrs: %w", err)
	}
	return nil
}
