package syncer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrainLock_ExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	path := LockPathFor(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	a, b := NewDrainLock(path), NewDrainLock(path)

	release, err := a.TryAcquire()
	require.NoError(t, err)

	_, err = b.TryAcquire()
	require.ErrorIs(t, err, ErrLocked)

	release()

	releaseB, err := b.TryAcquire()
	require.NoError(t, err)
	releaseB()
}

func TestLockPathFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/data/ledger.db.lock", LockPathFor("/data/ledger.db"))
}
