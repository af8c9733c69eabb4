//go:build !unix

package attrstore

import (
	"context"
	"errors"
)

// ErrLockUnsupported is returned where cross-process file locks are unavailable.
var ErrLockUnsupported = errors.New("file locks are not supported on this platform")

// FileLocker is unavailable on this platform.
type FileLocker struct{}

// NewFileLocker always fails on this platform.
func NewFileLocker(string) (*FileLocker, error) {
	return nil, ErrLockUnsupported
}

// Lock implements Locker.
func (*FileLocker) Lock(context.Context, string) (func(), error) {
	return nil, ErrLockUnsupported
}
