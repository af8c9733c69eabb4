// Package metadata stores creation-time key/value metadata as cas.meta.*
// attributes.
package metadata

import (
	"fmt"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/samber/lo"
	"github.com/tunnelmesh/refcas/internal/attrstore"
)

// Prefix namespaces metadata attributes.
const Prefix = "cas.meta."

// MaxKeyLength bounds a single metadata key.
const MaxKeyLength = 255

// ErrInvalidKey is returned by Validate.
var ErrInvalidKey = fmt.Errorf("invalid metadata key: %w", errdefs.ErrInvalidArgument)

// Validate checks every key in md.
func Validate(md map[string]string) error {
	for k := range md {
		switch {
		case k == "":
			return fmt.Errorf("%w: empty", ErrInvalidKey)
		case len(k) > MaxKeyLength:
			return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidKey, k[:16], MaxKeyLength)
		case strings.IndexByte(k, 0) >= 0:
			return fmt.Errorf("%w: %q contains NUL", ErrInvalidKey, k)
		}
	}
	return nil
}

// Store writes each pair as Prefix+key, in sorted key order. A failure stops
// at the failing key; keys already written stay written.
func Store(obj attrstore.Object, md map[string]string) error {
	keys := lo.Keys(md)
	slices.Sort(keys)
	for _, k := range keys {
		if err := obj.SetAttr(Prefix+k, []byte(md[k])); err != nil {
			return fmt.Errorf("write metadata %s: %w", k, err)
		}
	}
	return nil
}

// Load returns all metadata of obj, without the prefix.
func Load(obj attrstore.Object) (map[string]string, error) {
	attrs, err := obj.ListAttrs(Prefix)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	return lo.MapEntries(attrs, func(k string, v []byte) (string, string) {
		return strings.TrimPrefix(k, Prefix), string(v)
	}), nil
}
