package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProcNetDev(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "net_dev")
	content := "Inter-|   Receive\n face |bytes\n"
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDiscoverPoolIntersectsQuartet(t *testing.T) {
	path := writeProcNetDev(t,
		"cvd-etap-01:       0       0    0    0    0     0          0         0        0       0    0    0    0     0       0          0",
		"cvd-mtap-01:       0       0    0    0    0     0          0         0        0       0    0    0    0     0       0          0",
		"cvd-wtap-01:       0       0    0    0    0     0          0         0        0       0    0    0    0     0       0          0",
		"cvd-wifiap-01:     0       0    0    0    0     0          0         0        0       0    0    0    0     0       0          0",
		"cvd-etap-02:       0       0    0    0    0     0          0         0        0       0    0    0    0     0       0          0",
		"cvd-mtap-02:       0       0    0    0    0     0          0         0        0       0    0    0    0     0       0          0",
		"eth0:               0       0    0    0    0     0          0         0        0       0    0    0    0     0       0          0",
	)
	pool, err := DiscoverPool(path)
	require.NoError(t, err)
	_, hasOne := pool[1]
	_, hasTwo := pool[2]
	assert.True(t, hasOne)
	assert.False(t, hasTwo, "id 2 is missing wtap/wifiap members, should not be in pool")
	assert.Len(t, pool, 1)
}

func TestAcquireLockBlocksStatusRoundTrip(t *testing.T) {
	lockDir := t.TempDir()
	m := NewManager(lockDir, writeProcNetDev(t), nil, nil)

	l, err := m.AcquireLock(context.Background(), 3)
	require.NoError(t, err)
	defer l.Close()

	status, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, NotInUse, status)

	require.NoError(t, l.SetStatus(InUse))
	status, err = l.Status()
	require.NoError(t, err)
	assert.Equal(t, InUse, status)
}

func TestTryAcquireLockReturnsNilWhenHeld(t *testing.T) {
	lockDir := t.TempDir()
	m := NewManager(lockDir, writeProcNetDev(t), nil, nil)

	held, err := m.AcquireLock(context.Background(), 5)
	require.NoError(t, err)
	defer held.Close()

	l, err := m.TryAcquireLock(context.Background(), 5)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestTryAcquireLocksSkipsHeldAndOrdersAscending(t *testing.T) {
	lockDir := t.TempDir()
	m := NewManager(lockDir, writeProcNetDev(t), nil, nil)

	held, err := m.AcquireLock(context.Background(), 2)
	require.NoError(t, err)
	defer held.Close()

	locks, err := m.TryAcquireLocks(context.Background(), []uint32{3, 1, 2})
	require.NoError(t, err)
	defer releaseAll(locks)

	require.Len(t, locks, 2)
	assert.Equal(t, uint32(1), locks[0].ID())
	assert.Equal(t, uint32(3), locks[1].ID())
}

func TestLockAllAvailableSkipsInUse(t *testing.T) {
	lockDir := t.TempDir()
	netDev := writeProcNetDev(t,
		"cvd-etap-01: stub", "cvd-mtap-01: stub", "cvd-wtap-01: stub", "cvd-wifiap-01: stub",
		"cvd-etap-02: stub", "cvd-mtap-02: stub", "cvd-wtap-02: stub", "cvd-wifiap-02: stub",
	)
	m := NewManager(lockDir, netDev, nil, nil)

	marked, err := m.AcquireLock(context.Background(), 2)
	require.NoError(t, err)
	require.NoError(t, marked.SetStatus(InUse))
	marked.Close()

	available, err := m.LockAllAvailable(context.Background())
	require.NoError(t, err)
	defer releaseAll(available)

	require.Len(t, available, 1)
	assert.Equal(t, uint32(1), available[0].ID())
}

func TestRemoveLockFileDeletesPath(t *testing.T) {
	lockDir := t.TempDir()
	m := NewManager(lockDir, writeProcNetDev(t), nil, nil)

	l, err := m.AcquireLock(context.Background(), 9)
	require.NoError(t, err)
	l.Close()

	require.NoError(t, m.RemoveLockFile(9))
	_, statErr := os.Stat(filepath.Join(lockDir, "local-instance-9.lock"))
	assert.True(t, os.IsNotExist(statErr))
}
