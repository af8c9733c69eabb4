package cas

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/tunnelmesh/refcas/internal/cas/refcount"
)

// CAS error types. Each wraps a containerd/errdefs class so callers can
// classify with errdefs.IsNotFound and friends.
var (
	ErrNotFound        = fmt.Errorf("object %w", errdefs.ErrNotFound)
	ErrInvalidArgument = fmt.Errorf("invalid request: %w", errdefs.ErrInvalidArgument)
	ErrTooLarge        = fmt.Errorf("object too large: %w", errdefs.ErrResourceExhausted)
	ErrMalformed       = fmt.Errorf("malformed object state: %w", errdefs.ErrDataLoss)

	// ErrUnderflow is returned by DOWN on a present object whose counter is
	// already zero.
	ErrUnderflow = refcount.ErrUnderflow
)

// Error codes reported by Code.
const (
	CodeNotFound  = "not_found"
	CodeInvalid   = "invalid_argument"
	CodeTooLarge  = "too_large"
	CodeMalformed = "malformed"
	CodeInternal  = "internal"
)

// Code returns a short stable name for err's class, or "" for nil. NotFound
// is checked first: UP and DOWN on an absent object are both NotFound and
// InvalidArgument.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errdefs.IsNotFound(err):
		return CodeNotFound
	case errdefs.IsInvalidArgument(err):
		return CodeInvalid
	case errdefs.IsResourceExhausted(err):
		return CodeTooLarge
	case errdefs.IsDataLoss(err):
		return CodeMalformed
	default:
		return CodeInternal
	}
}

// errAbsent is returned by UP and DOWN on an absent identity.
func errAbsent(id string) error {
	return fmt.Errorf("%w: %w: %q", ErrInvalidArgument, ErrNotFound, id)
}

// classes maps errdefs classes onto the CAS sentinels.
var classes = []struct {
	is       func(error) bool
	sentinel error
}{
	{errdefs.IsNotFound, ErrNotFound},
	{errdefs.IsInvalidArgument, ErrInvalidArgument},
	{errdefs.IsResourceExhausted, ErrTooLarge},
	{errdefs.IsDataLoss, ErrMalformed},
}

// normalize makes classified errors from lower layers match the CAS
// sentinels as well, so errors.Is(err, ErrMalformed) holds for a corrupt
// refcount attribute.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range classes {
		if c.is(err) && !errors.Is(err, c.sentinel) {
			return fmt.Errorf("%w: %w", c.sentinel, err)
		}
	}
	return err
}
