//go:build unix

package taskorch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const deadPID = 4_000_000

// newTestLocker returns a FileLocker whose liveness check reports only
// deadPID as dead.
func newTestLocker(t *testing.T, path string, clock func() time.Time) *FileLocker {
	t.Helper()

	locker, err := NewFileLocker(FileLockerConfig{
		Path:       path,
		StaleAfter: 30 * time.Second,
		IsAlive:    func(pid int) bool { return pid != deadPID },
		Now:        clock,
		Logger:     NewLogger(io.Discard, "error"),
	})
	require.NoError(t, err)
	return locker
}

// plantOwner writes an owner record as if another process held the lock.
func plantOwner(t *testing.T, locker *FileLocker, owner lockOwner) {
	t.Helper()
	require.NoError(t, locker.writeOwner(&owner))
}

func TestFileLockerExclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db.lock")

	a := newTestLocker(t, path, time.Now)
	b := newTestLocker(t, path, time.Now)

	release, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	require.False(t, ok, "second holder must not acquire a live lock")

	require.NoError(t, release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	releaseB, ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, releaseB())
}

func TestFileLockerStaleReclaim(t *testing.T) {
	ctx := context.Background()
	host, err := os.Hostname()
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cases := []struct {
		name      string
		owner     lockOwner
		reclaimed bool
	}{
		{
			name: "old dead local owner",
			owner: lockOwner{
				PID: deadPID, Host: host, Token: "old",
				AcquiredAt: now.Add(-time.Hour),
			},
			reclaimed: true,
		},
		{
			name: "old live local owner",
			owner: lockOwner{
				PID: os.Getpid(), Host: host, Token: "old",
				AcquiredAt: now.Add(-time.Hour),
			},
		},
		{
			name: "recent dead owner",
			owner: lockOwner{
				PID: deadPID, Host: host, Token: "old",
				AcquiredAt: now.Add(-time.Second),
			},
		},
		{
			name: "old dead owner on another host",
			owner: lockOwner{
				PID: deadPID, Host: host + "-elsewhere", Token: "old",
				AcquiredAt: now.Add(-time.Hour),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tasks.db.lock")
			locker := newTestLocker(t, path, clock)
			plantOwner(t, locker, tc.owner)

			release, ok, err := locker.TryLock(ctx)
			require.NoError(t, err)
			require.Equal(t, tc.reclaimed, ok)
			if !ok {
				owner, err := locker.readOwner()
				require.NoError(t, err)
				require.Equal(t, "old", owner.Token)
				return
			}

			owner, err := locker.readOwner()
			require.NoError(t, err)
			require.Equal(t, os.Getpid(), owner.PID)
			require.NoError(t, release())
		})
	}
}

func TestFileLockerTornOwnerRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db.lock")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	// An unreadable record is treated as an ancient owner with pid 0.
	locker := newTestLocker(t, path, time.Now)
	locker.cfg.IsAlive = func(pid int) bool { return pid != 0 }

	release, ok, err := locker.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release())
}

func TestFileLockerReleaseAfterReclaim(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db.lock")

	now := time.Now()
	clock := func() time.Time { return now }
	first := newTestLocker(t, path, clock)

	release, ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Someone reclaims the lock out from under us.
	host, err := os.Hostname()
	require.NoError(t, err)
	plantOwner(t, first, lockOwner{
		PID: os.Getpid(), Host: host, Token: "thief", AcquiredAt: now,
	})

	require.Error(t, release())
	owner, err := first.readOwner()
	require.NoError(t, err)
	require.Equal(t, "thief", owner.Token)
}

func TestProcessAlive(t *testing.T) {
	require.True(t, processAlive(os.Getpid()))
	require.False(t, processAlive(0))
	require.False(t, processAlive(-1))
}
