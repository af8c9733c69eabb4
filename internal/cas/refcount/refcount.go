// Package refcount persists an object's reference counter in the
// cas.refcount attribute and applies saturating deltas to it.
package refcount

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/containerd/errdefs"
	"github.com/tunnelmesh/refcas/internal/attrstore"
)

// Attr is the attribute holding the counter as 8 little-endian bytes.
const Attr = "cas.refcount"

const width = 8

// Ledger errors.
var (
	ErrMalformed = fmt.Errorf("malformed refcount: %w", errdefs.ErrDataLoss)
	ErrUnderflow = fmt.Errorf("refcount underflow: %w", errdefs.ErrInvalidArgument)
)

// Pinner pins an object whose counter saturated.
type Pinner interface {
	Pin(obj attrstore.Object) (newly bool, err error)
}

// Result describes one Apply.
type Result struct {
	Old uint64
	New uint64
	// Saturated is set when the delta would have overflowed and the counter
	// was clamped to math.MaxUint64 instead.
	Saturated bool
	// Pinned is set when this call pinned the object.
	Pinned bool
}

// Ledger applies counter deltas. Callers must hold exclusive access to the
// object for the whole read-modify-write.
type Ledger struct {
	pinner Pinner
}

// NewLedger returns a Ledger that pins saturated objects through p.
func NewLedger(p Pinner) *Ledger {
	return &Ledger{pinner: p}
}

// Encode returns the persisted form of v.
func Encode(v uint64) []byte {
	b := make([]byte, width)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// Decode parses the persisted form. Any width other than 8 is ErrMalformed.
func Decode(b []byte) (uint64, error) {
	if len(b) != width {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Read returns the counter, or 0 when the attribute is unset.
func Read(obj attrstore.Object) (uint64, error) {
	b, err := obj.GetAttr(Attr)
	if errors.Is(err, attrstore.ErrAttrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read refcount: %w", err)
	}
	return Decode(b)
}

// Write overwrites the counter.
func Write(obj attrstore.Object, v uint64) error {
	if err := obj.SetAttr(Attr, Encode(v)); err != nil {
		return fmt.Errorf("write refcount: %w", err)
	}
	return nil
}

// Apply adds delta to the counter and persists the result.
//
// An increment past math.MaxUint64 clamps to the maximum and pins the object
// before the clamped value is written. A decrement below zero returns
// ErrUnderflow and writes nothing.
func (l *Ledger) Apply(obj attrstore.Object, delta int64) (Result, error) {
	cur, err := Read(obj)
	if err != nil {
		return Result{}, err
	}
	res := Result{Old: cur}

	if delta >= 0 {
		d := uint64(delta)
		if cur > math.MaxUint64-d {
			res.New = math.MaxUint64
			res.Saturated = true
			newly, err := l.pinner.Pin(obj)
			if err != nil {
				return Result{}, fmt.Errorf("pin saturated object: %w", err)
			}
			res.Pinned = newly
		} else {
			res.New = cur + d
		}
	} else {
		// -(delta+1) cannot overflow, even for math.MinInt64.
		d := uint64(-(delta + 1)) + 1
		if cur < d {
			return Result{}, fmt.Errorf("%w: %d minus %d", ErrUnderflow, cur, d)
		}
		res.New = cur - d
	}

	if err := Write(obj, res.New); err != nil {
		return Result{}, err
	}
	return res, nil
}
