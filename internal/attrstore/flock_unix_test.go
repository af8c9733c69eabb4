//go:build unix

package attrstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLocker_ExcludesSecondLocker(t *testing.T) {
	dir := t.TempDir()

	// Two lockers on one directory behave like two processes.
	first, err := NewFileLocker(dir)
	require.NoError(t, err)
	second, err := NewFileLocker(dir)
	require.NoError(t, err)

	unlock, err := first.Lock(context.Background(), "obj")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx, "obj")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other ids are independent.
	unlockOther, err := second.Lock(context.Background(), "other")
	require.NoError(t, err)
	unlockOther()

	unlock()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	unlock2, err := second.Lock(ctx2, "obj")
	require.NoError(t, err)
	unlock2()
}
