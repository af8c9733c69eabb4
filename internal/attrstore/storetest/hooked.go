// Package storetest provides a conformance suite for attrstore backends and a
// hook-injecting backend wrapper for testing code built on top of them.
package storetest

import (
	"context"
	"sync"

	"github.com/tunnelmesh/refcas/internal/attrstore"
)

// Op names an attrstore.Object method.
type Op string

// Object operations observed by Hooked.
const (
	OpStat       Op = "stat"
	OpGetAttr    Op = "get_attr"
	OpSetAttr    Op = "set_attr"
	OpRemoveAttr Op = "remove_attr"
	OpListAttrs  Op = "list_attrs"
	OpRead       Op = "read"
	OpWriteFull  Op = "write_full"
	OpRemove     Op = "remove"
)

// Call records one object operation.
type Call struct {
	Op  Op
	ID  string
	Key string
}

// Hook runs before every object operation. A non-nil error fails the
// operation without reaching the wrapped backend.
type Hook func(call Call) error

// Hooked wraps a Backend, recording every object operation and running Hook
// before it. Hooks may block, which lets tests force a specific interleaving
// of concurrent Updates.
type Hooked struct {
	Backend attrstore.Backend
	Hook    Hook

	mu    sync.Mutex
	calls []Call
}

// NewHooked wraps b.
func NewHooked(b attrstore.Backend, hook Hook) *Hooked {
	return &Hooked{Backend: b, Hook: hook}
}

// Update implements attrstore.Backend.
func (h *Hooked) Update(ctx context.Context, id string, fn func(attrstore.Object) error) error {
	return h.Backend.Update(ctx, id, func(obj attrstore.Object) error {
		return fn(&hookedObject{Object: obj, h: h})
	})
}

// Close implements attrstore.Backend.
func (h *Hooked) Close() error {
	return h.Backend.Close()
}

// Calls returns a copy of all recorded calls.
func (h *Hooked) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// Count returns how many times op was called.
func (h *Hooked) Count(op Op) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (h *Hooked) Reset() {
	h.mu.Lock()
	h.calls = nil
	h.mu.Unlock()
}

func (h *Hooked) before(op Op, id, key string) error {
	call := Call{Op: op, ID: id, Key: key}
	h.mu.Lock()
	h.calls = append(h.calls, call)
	hook := h.Hook
	h.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(call)
}

type hookedObject struct {
	attrstore.Object
	h *Hooked
}

func (o *hookedObject) Stat() (attrstore.Stat, error) {
	if err := o.h.before(OpStat, o.ID(), ""); err != nil {
		return attrstore.Stat{}, err
	}
	return o.Object.Stat()
}

func (o *hookedObject) GetAttr(key string) ([]byte, error) {
	if err := o.h.before(OpGetAttr, o.ID(), key); err != nil {
		return nil, err
	}
	return o.Object.GetAttr(key)
}

func (o *hookedObject) SetAttr(key string, value []byte) error {
	if err := o.h.before(OpSetAttr, o.ID(), key); err != nil {
		return err
	}
	return o.Object.SetAttr(key, value)
}

func (o *hookedObject) RemoveAttr(key string) error {
	if err := o.h.before(OpRemoveAttr, o.ID(), key); err != nil {
		return err
	}
	return o.Object.RemoveAttr(key)
}

func (o *hookedObject) ListAttrs(prefix string) (map[string][]byte, error) {
	if err := o.h.before(OpListAttrs, o.ID(), prefix); err != nil {
		return nil, err
	}
	return o.Object.ListAttrs(prefix)
}

func (o *hookedObject) Read() ([]byte, error) {
	if err := o.h.before(OpRead, o.ID(), ""); err != nil {
		return nil, err
	}
	return o.Object.Read()
}

func (o *hookedObject) WriteFull(data []byte) error {
	if err := o.h.before(OpWriteFull, o.ID(), ""); err != nil {
		return err
	}
	return o.Object.WriteFull(data)
}

func (o *hookedObject) Remove() error {
	if err := o.h.before(OpRemove, o.ID(), ""); err != nil {
		return err
	}
	return o.Object.Remove()
}

// FailOn returns a Hook failing every call to op (and key, when key is
// non-empty) with err.
func FailOn(op Op, key string, err error) Hook {
	return func(c Call) error {
		if c.Op == op && (key == "" || c.Key == key) {
			return err
		}
		return nil
	}
}
