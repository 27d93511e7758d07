package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnLocksReleaseDropsEntry(t *testing.T) {
	locks := newTurnLocks()

	release, err := locks.acquire(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, locks.size())

	release()
	release()
	assert.Zero(t, locks.size())
}

func TestTurnLocksCanceledWaiterUnrefs(t *testing.T) {
	locks := newTurnLocks()

	release, err := locks.acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, locks.size())
}
