// Package ldbstore is an attrstore.Backend on LevelDB.
//
// Key layout:
//
//	o/<id>              8-byte big-endian mtime (unix nanoseconds) + payload
//	a/<id> 0x00 <key>   attribute value
//
// Ids never contain NUL, so the attribute prefix of one id is never a prefix
// of another's. Remove deletes the object key and all attribute keys in one
// batch.
package ldbstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/tunnelmesh/refcas/internal/attrstore"
)

const (
	openFileLimit = 128 // LevelDB OpenFilesCacheCapacity
	mtimeSize     = 8
)

var (
	objectPrefix = []byte("o/")
	attrPrefix   = []byte("a/")
)

// Store keeps objects in a LevelDB database.
type Store struct {
	db     *leveldb.DB
	locker attrstore.Locker
	clock  clock.Clock
	sync   bool
	closed atomic.Bool
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

// WithSync makes every write wait for the LevelDB journal to reach disk.
func WithSync(enabled bool) Option {
	return func(s *Store) { s.sync = enabled }
}

// Open opens or creates a database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: openFileLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newStore(db, opts...), nil
}

// OpenMem opens a database held entirely in memory.
func OpenMem(opts ...Option) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return newStore(db, opts...), nil
}

func newStore(db *leveldb.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		locker: attrstore.NewKeyMutex(),
		clock:  clock.New(),
	}
	for _, o := range opts {
		o(s)
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

// Close implements attrstore.Backend.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) writeOptions() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: s.sync}
}

func objectKey(id string) []byte {
	return append(append([]byte{}, objectPrefix...), id...)
}

func attrIDPrefix(id string) []byte {
	k := append(append([]byte{}, attrPrefix...), id...)
	return append(k, 0)
}

func attrKey(id, key string) []byte {
	return append(attrIDPrefix(id), key...)
}

type handle struct {
	store *Store
	id    string
}

func (h *handle) ID() string { return h.id }

func (h *handle) getObject() ([]byte, bool, error) {
	v, err := h.store.db.Get(objectKey(h.id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get object: %w", err)
	}
	if len(v) < mtimeSize {
		return nil, false, fmt.Errorf("get object: record too short (%d bytes)", len(v))
	}
	return v, true, nil
}

func (h *handle) encodeObject(payload []byte) []byte {
	v := make([]byte, mtimeSize+len(payload))
	binary.BigEndian.PutUint64(v, uint64(h.store.clock.Now().UnixNano()))
	copy(v[mtimeSize:], payload)
	return v
}

func (h *handle) Stat() (attrstore.Stat, error) {
	v, ok, err := h.getObject()
	if err != nil {
		return attrstore.Stat{}, err
	}
	if !ok {
		return attrstore.Stat{}, attrstore.ErrObjectNotExist
	}
	return attrstore.Stat{
		Size:    int64(len(v) - mtimeSize),
		ModTime: time.Unix(0, int64(binary.BigEndian.Uint64(v))),
	}, nil
}

func (h *handle) GetAttr(key string) ([]byte, error) {
	v, err := h.store.db.Get(attrKey(h.id, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, attrstore.ErrAttrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get attr %s: %w", key, err)
	}
	return v, nil
}

// SetAttr also rewrites the object record so the modification time moves and
// an absent object comes into existence in the same batch.
func (h *handle) SetAttr(key string, value []byte) error {
	v, ok, err := h.getObject()
	if err != nil {
		return err
	}
	var payload []byte
	if ok {
		payload = v[mtimeSize:]
	}
	batch := new(leveldb.Batch)
	batch.Put(objectKey(h.id), h.encodeObject(payload))
	batch.Put(attrKey(h.id, key), value)
	if err := h.store.db.Write(batch, h.store.writeOptions()); err != nil {
		return fmt.Errorf("set attr %s: %w", key, err)
	}
	return nil
}

func (h *handle) RemoveAttr(key string) error {
	if err := h.store.db.Delete(attrKey(h.id, key), h.store.writeOptions()); err != nil {
		return fmt.Errorf("remove attr %s: %w", key, err)
	}
	return nil
}

func (h *handle) ListAttrs(prefix string) (map[string][]byte, error) {
	base := attrIDPrefix(h.id)
	iter := h.store.db.NewIterator(util.BytesPrefix(append(base, prefix...)), nil)
	defer iter.Release()

	out := make(map[string][]byte)
	for iter.Next() {
		k := strings.TrimPrefix(string(iter.Key()), string(base))
		out[k] = attrstore.CopyBytes(iter.Value())
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list attrs: %w", err)
	}
	return out, nil
}

func (h *handle) Read() ([]byte, error) {
	v, ok, err := h.getObject()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, attrstore.ErrObjectNotExist
	}
	return v[mtimeSize:], nil
}

// WriteFull on an absent object also clears attribute keys left without an
// object record, so a new object always starts bare.
func (h *handle) WriteFull(data []byte) error {
	_, ok, err := h.getObject()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	if !ok {
		if err := h.deleteAttrsInBatch(batch); err != nil {
			return err
		}
	}
	batch.Put(objectKey(h.id), h.encodeObject(data))
	if err := h.store.db.Write(batch, h.store.writeOptions()); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func (h *handle) Remove() error {
	_, ok, err := h.getObject()
	if err != nil {
		return err
	}
	if !ok {
		return attrstore.ErrObjectNotExist
	}
	batch := new(leveldb.Batch)
	batch.Delete(objectKey(h.id))
	if err := h.deleteAttrsInBatch(batch); err != nil {
		return err
	}
	if err := h.store.db.Write(batch, h.store.writeOptions()); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (h *handle) deleteAttrsInBatch(batch *leveldb.Batch) error {
	iter := h.store.db.NewIterator(util.BytesPrefix(attrIDPrefix(h.id)), nil)
	defer iter.Release()
	for iter.Next() {
		batch.Delete(attrstore.CopyBytes(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan attrs: %w", err)
	}
	return nil
}
