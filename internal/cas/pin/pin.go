// Package pin tracks the one-way pinned flag of an object. A pinned object is
// never destroyed by a decrement reaching zero.
package pin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/refcas/internal/attrstore"
)

// Attr holds the pin time: 8 bytes little-endian unix seconds followed by
// 4 bytes little-endian nanoseconds.
const Attr = "cas.pinned"

const width = 12

// ErrMalformed is returned for a pin record that cannot be decoded.
var ErrMalformed = fmt.Errorf("malformed pin record: %w", errdefs.ErrDataLoss)

// Status is the pin state of one object.
type Status struct {
	Pinned bool
	Since  time.Time
}

// Tracker reads and sets pins.
type Tracker struct {
	clock clock.Clock
}

// NewTracker returns a Tracker stamping pins with c. A nil clock uses the
// wall clock.
func NewTracker(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.New()
	}
	return &Tracker{clock: c}
}

// Encode returns the persisted form of t.
func Encode(t time.Time) []byte {
	b := make([]byte, width)
	binary.LittleEndian.PutUint64(b[:8], uint64(t.Unix()))
	binary.LittleEndian.PutUint32(b[8:], uint32(t.Nanosecond()))
	return b
}

// Decode parses the persisted form.
func Decode(b []byte) (time.Time, error) {
	if len(b) != width {
		return time.Time{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	sec := int64(binary.LittleEndian.Uint64(b[:8]))
	nsec := binary.LittleEndian.Uint32(b[8:])
	if nsec >= uint32(time.Second) {
		return time.Time{}, fmt.Errorf("%w: nanoseconds out of range", ErrMalformed)
	}
	return time.Unix(sec, int64(nsec)).UTC(), nil
}

// Status reports whether obj is pinned. An unset attribute means not pinned.
func (t *Tracker) Status(obj attrstore.Object) (Status, error) {
	b, err := obj.GetAttr(Attr)
	if errors.Is(err, attrstore.ErrAttrNotExist) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read pin: %w", err)
	}
	since, err := Decode(b)
	if err != nil {
		return Status{}, err
	}
	return Status{Pinned: true, Since: since}, nil
}

// Pin marks obj pinned if it is not already. It reports whether this call
// set the pin; the original pin time is never overwritten.
func (t *Tracker) Pin(obj attrstore.Object) (bool, error) {
	st, err := t.Status(obj)
	if err != nil {
		return false, err
	}
	if st.Pinned {
		return false, nil
	}
	now := t.clock.Now()
	if err := obj.SetAttr(Attr, Encode(now)); err != nil {
		return false, fmt.Errorf("write pin: %w", err)
	}
	log.Debug().Str("id", obj.ID()).Time("since", now).Msg("object pinned")
	return true, nil
}
