// Package attrstore defines the per-object attribute store that refcas objects
// live in: a byte payload plus named binary attributes, mutated under
// exclusive per-object access.
package attrstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// MaxIDLength is the longest object identity accepted by ValidateID.
const MaxIDLength = 1024

// Attribute store errors.
var (
	ErrObjectNotExist = fmt.Errorf("object does not exist: %w", errdefs.ErrNotFound)
	ErrAttrNotExist   = fmt.Errorf("attribute does not exist: %w", errdefs.ErrNotFound)
	ErrInvalidID      = fmt.Errorf("invalid object id: %w", errdefs.ErrInvalidArgument)
	ErrClosed         = errors.New("attribute store closed")
)

// Stat describes an existing object.
type Stat struct {
	Size    int64
	ModTime time.Time
}

// Object is an exclusive handle on one object's state. It is only valid
// inside the callback passed to Backend.Update and must not be retained.
type Object interface {
	// ID returns the object identity.
	ID() string

	// Stat returns ErrObjectNotExist when the object is absent.
	Stat() (Stat, error)

	// GetAttr returns ErrAttrNotExist when the attribute is unset or the
	// object is absent.
	GetAttr(key string) ([]byte, error)

	// SetAttr overwrites one attribute. Setting an attribute on an absent
	// object creates it with an empty payload.
	SetAttr(key string, value []byte) error

	// RemoveAttr is a no-op for unset attributes. The cas operations only
	// ever drop attributes through Remove; RemoveAttr completes the
	// get/set/remove contract and is exercised by storetest.RunConformance.
	RemoveAttr(key string) error

	// ListAttrs returns all attributes whose key starts with prefix.
	ListAttrs(prefix string) (map[string][]byte, error)

	// Read returns the full payload.
	Read() ([]byte, error)

	// WriteFull replaces the payload. Readers never observe a partial write.
	WriteFull(data []byte) error

	// Remove deletes the payload and every attribute as one unit.
	Remove() error
}

// Backend is a durable per-object attribute store.
//
// Update runs fn with exclusive access to the object named id: no other
// Update for the same id runs until fn returns, across every caller the
// backend serves. Updates on different ids do not contend. The context bounds
// acquiring exclusive access only.
type Backend interface {
	Update(ctx context.Context, id string, fn func(Object) error) error
	Close() error
}

// ValidateID reports whether id can name an object.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > MaxIDLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, MaxIDLength)
	case strings.IndexByte(id, 0) >= 0:
		return fmt.Errorf("%w: contains NUL", ErrInvalidID)
	}
	return nil
}

// HashedName maps an id to a filesystem-safe shard directory and file name.
func HashedName(id string) (shard, name string) {
	sum := sha256.Sum256([]byte(id))
	name = hex.EncodeToString(sum[:])
	return name[:2], name
}

// CopyBytes returns a copy of b that never aliases backend memory.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
