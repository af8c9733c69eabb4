//go:build unix

package attrstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockPoll is how often FileLocker retries a contended flock.
const DefaultLockPoll = 2 * time.Millisecond

// FileLocker serializes access to an id across processes with flock(2) on a
// per-id lock file under dir. Goroutines in the same process queue on an
// in-process KeyMutex first so only one of them polls the file lock.
// Lock files are never removed.
type FileLocker struct {
	dir   string
	poll  time.Duration
	local KeyMutex
}

// NewFileLocker creates dir if needed and returns a FileLocker rooted there.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{dir: dir, poll: DefaultLockPoll}, nil
}

// Lock implements Locker.
func (l *FileLocker) Lock(ctx context.Context, id string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, id)
	if err != nil {
		return nil, err
	}

	shard, name := HashedName(id)
	dir := filepath.Join(l.dir, shard)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("create lock shard: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, name+".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := l.flock(ctx, f); err != nil {
		_ = f.Close()
		unlockLocal()
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		unlockLocal()
	}, nil
}

func (l *FileLocker) flock(ctx context.Context, f *os.File) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("flock: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
