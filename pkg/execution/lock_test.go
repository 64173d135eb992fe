package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/strataplane/warrant/pkg/execution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryLocker verifies fail-fast acquisition, release, and idempotent
// release functions.
func TestMemoryLocker(t *testing.T) {
	l := execution.NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "key-1", 0)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "key-1", 0)
	assert.ErrorIs(t, err, execution.ErrLockHeld)

	// Independent keys do not contend.
	release2, err := l.Acquire(ctx, "key-2", 0)
	require.NoError(t, err)
	release2()

	release()
	release() // second call is a no-op

	release3, err := l.Acquire(ctx, "key-1", 0)
	require.NoError(t, err)
	release3()
}

// TestMemoryLocker_IgnoresTTL verifies an in-process lock lives until
// released regardless of the requested lifetime.
func TestMemoryLocker_IgnoresTTL(t *testing.T) {
	l := execution.NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "key-1", time.Nanosecond)
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(ctx, "key-1", 0)
	assert.ErrorIs(t, err, execution.ErrLockHeld)
}
