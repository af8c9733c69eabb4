// Package memstore is an in-memory attrstore.Backend.
package memstore

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tunnelmesh/refcas/internal/attrstore"
)

type object struct {
	payload []byte
	attrs   map[string][]byte
	modTime time.Time
}

// Store keeps objects in a concurrent map. Exclusive access per id comes from
// its Locker; map operations themselves are safe for concurrent use.
type Store struct {
	objects *xsync.MapOf[string, *object]
	locker  attrstore.Locker
	clock   clock.Clock
	closed  atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithLocker replaces the default in-process KeyMutex.
func WithLocker(l attrstore.Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithClock sets the clock used for modification times.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		objects: xsync.NewMapOf[string, *object](),
		locker:  attrstore.NewKeyMutex(),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
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

	return fn(&handle{store: s, id: id})
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	return s.objects.Size()
}

// Close implements attrstore.Backend. Objects are dropped.
func (s *Store) Close() error {
	s.closed.Store(true)
	s.objects.Clear()
	return nil
}

// handle mutates objects copy-on-write so a concurrent reader that ignores
// the lock still never sees a half-applied change.
type handle struct {
	store *Store
	id    string
}

func (h *handle) ID() string { return h.id }

func (h *handle) load() (*object, bool) {
	return h.store.objects.Load(h.id)
}

func (h *handle) Stat() (attrstore.Stat, error) {
	obj, ok := h.load()
	if !ok {
		return attrstore.Stat{}, attrstore.ErrObjectNotExist
	}
	return attrstore.Stat{Size: int64(len(obj.payload)), ModTime: obj.modTime}, nil
}

func (h *handle) GetAttr(key string) ([]byte, error) {
	obj, ok := h.load()
	if !ok {
		return nil, attrstore.ErrAttrNotExist
	}
	v, ok := obj.attrs[key]
	if !ok {
		return nil, attrstore.ErrAttrNotExist
	}
	return attrstore.CopyBytes(v), nil
}

func (h *handle) SetAttr(key string, value []byte) error {
	next := h.clone()
	next.attrs[key] = attrstore.CopyBytes(value)
	h.store.objects.Store(h.id, next)
	return nil
}

func (h *handle) RemoveAttr(key string) error {
	obj, ok := h.load()
	if !ok {
		return nil
	}
	if _, ok := obj.attrs[key]; !ok {
		return nil
	}
	next := h.clone()
	delete(next.attrs, key)
	h.store.objects.Store(h.id, next)
	return nil
}

func (h *handle) ListAttrs(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	obj, ok := h.load()
	if !ok {
		return out, nil
	}
	for k, v := range obj.attrs {
		if strings.HasPrefix(k, prefix) {
			out[k] = attrstore.CopyBytes(v)
		}
	}
	return out, nil
}

func (h *handle) Read() ([]byte, error) {
	obj, ok := h.load()
	if !ok {
		return nil, attrstore.ErrObjectNotExist
	}
	return attrstore.CopyBytes(obj.payload), nil
}

func (h *handle) WriteFull(data []byte) error {
	next := h.clone()
	next.payload = attrstore.CopyBytes(data)
	if next.payload == nil {
		next.payload = []byte{}
	}
	h.store.objects.Store(h.id, next)
	return nil
}

func (h *handle) Remove() error {
	if _, ok := h.store.objects.LoadAndDelete(h.id); !ok {
		return attrstore.ErrObjectNotExist
	}
	return nil
}

// clone returns a private copy of the current object, or a fresh empty one.
// The modification time is bumped on every mutation.
func (h *handle) clone() *object {
	next := &object{
		payload: []byte{},
		attrs:   make(map[string][]byte),
		modTime: h.store.clock.Now(),
	}
	if obj, ok := h.load(); ok {
		next.payload = obj.payload
		for k, v := range obj.attrs {
			next.attrs[k] = v
		}
	}
	return next
}
