package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuttlefish/cvd/cmd/cvd/config"
	"github.com/cuttlefish/cvd/lib/acloud"
	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/analyzer"
	"github.com/cuttlefish/cvd/lib/instancedb"
	"github.com/cuttlefish/cvd/lib/lockfile"
)

func writeNetDev(t *testing.T, ids ...uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "net_dev")
	content := ""
	for _, id := range ids {
		for _, prefix := range []string{"cvd-etap-", "cvd-mtap-", "cvd-wtap-", "cvd-wifiap-"} {
			content += prefix + strconv.FormatUint(uint64(id), 10) + ": stub\n"
		}
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestApp(t *testing.T, ids ...uint32) *app {
	t.Helper()
	lockDir := t.TempDir()
	netDevPath := writeNetDev(t, ids...)

	locks := lockfile.NewManager(lockDir, netDevPath, nil, nil)
	alloc := allocator.New(locks, nil, nil)
	db := instancedb.New()
	homeParent := t.TempDir()
	az := analyzer.New(locks, alloc, db, homeParent, "cvd", nil, nil)
	tr := acloud.New(alloc, nil, nil)

	return &app{
		cfg: &config.Config{
			StartBinaryPath: filepath.Join(t.TempDir(), "nonexistent-start-binary"),
			FetchBinaryPath: filepath.Join(t.TempDir(), "nonexistent-fetch-binary"),
		},
		log:   slog.Default(),
		locks: locks,
		alloc: alloc,
		db:    db,
		az:    az,
		tr:    tr,
	}
}

func baseTestEnv(t *testing.T) func() {
	t.Helper()
	old := map[string]string{}
	for _, k := range []string{"ANDROID_HOST_OUT", "ANDROID_PRODUCT_OUT"} {
		old[k] = os.Getenv(k)
	}
	os.Setenv("ANDROID_HOST_OUT", "/host-out")
	os.Setenv("ANDROID_PRODUCT_OUT", "/product-out")
	return func() {
		for k, v := range old {
			os.Setenv(k, v)
		}
	}
}

func TestCmdCreateRegistersGroupAndMarksLocksInUse(t *testing.T) {
	restore := baseTestEnv(t)
	defer restore()

	a := newTestApp(t, 1, 2, 3)
	err := a.cmdCreate(context.Background(), []string{"--num_instances", "2"})
	require.NoError(t, err)

	groups := a.db.FindGroups(instancedb.Query{})
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Instances, 2)
	for _, inst := range groups[0].Instances {
		assert.Equal(t, instancedb.StatePreparing, inst.State)
	}

	l, err := a.locks.TryAcquireLock(context.Background(), groups[0].Instances[0].ID)
	require.NoError(t, err)
	require.NotNil(t, l)
	defer l.Close()
	status, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, lockfile.InUse, status)
}

func TestCmdCreateThenRemoveReleasesLocks(t *testing.T) {
	restore := baseTestEnv(t)
	defer restore()

	a := newTestApp(t, 1, 2)
	require.NoError(t, a.cmdCreate(context.Background(), []string{"--num_instances", "1"}))

	groups := a.db.FindGroups(instancedb.Query{})
	require.Len(t, groups, 1)
	groupName := groups[0].Name
	id := groups[0].Instances[0].ID

	err := a.cmdRemove(context.Background(), []string{"--group_name", groupName})
	require.NoError(t, err)
	assert.False(t, a.db.HasInstanceID(id))

	l, err := a.locks.TryAcquireLock(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, l)
	defer l.Close()
	status, err := l.Status()
	require.NoError(t, err)
	assert.Equal(t, lockfile.NotInUse, status)
}

func TestCmdClearTearsDownEveryGroup(t *testing.T) {
	restore := baseTestEnv(t)
	defer restore()

	a := newTestApp(t, 1, 2, 3, 4)
	require.NoError(t, a.cmdCreate(context.Background(), []string{"--num_instances", "2"}))
	require.NoError(t, a.cmdCreate(context.Background(), []string{"--num_instances", "2", "--group_name", "second"}))
	require.True(t, a.db.HasInstanceGroups())

	require.NoError(t, a.cmdClear(context.Background()))
	assert.False(t, a.db.HasInstanceGroups())
}

func TestCmdStartAndStopUpdateInstanceState(t *testing.T) {
	restore := baseTestEnv(t)
	defer restore()

	a := newTestApp(t, 1)
	require.NoError(t, a.cmdCreate(context.Background(), []string{"--num_instances", "1"}))
	groups := a.db.FindGroups(instancedb.Query{})
	groupName := groups[0].Name

	require.NoError(t, a.cmdStart(context.Background(), []string{"--group_name", groupName}))
	g, err := a.db.FindGroup(instancedb.Query{GroupName: &groupName})
	require.NoError(t, err)
	assert.Equal(t, instancedb.StateRunning, g.Instances[0].State)

	require.NoError(t, a.cmdStop(context.Background(), []string{"--group_name", groupName}))
	g, err = a.db.FindGroup(instancedb.Query{GroupName: &groupName})
	require.NoError(t, err)
	assert.Equal(t, instancedb.StateStopped, g.Instances[0].State)
}

func TestCmdMkdirCreatesNestedDirectories(t *testing.T) {
	a := &app{}
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, a.cmdMkdir([]string{"-p", dir}))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSplitSelectorArgsSeparatesSelectorFlags(t *testing.T) {
	cmdArgs, selectorArgs := splitSelectorArgs([]string{
		"--num_instances", "2", "--group_name", "g1", "--daemon",
	})
	assert.Equal(t, []string{"--num_instances", "2", "--daemon"}, cmdArgs)
	assert.Equal(t, []string{"--group_name", "g1"}, selectorArgs)
}

func TestExitCodeForMapsKnownKinds(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(nil))
	assert.Equal(t, 2, exitCodeFor(&cliError{Kind: "InvalidArgument", Message: "bad"}))
	assert.Equal(t, 4, exitCodeFor(&cliError{Kind: "NotFound", Message: "missing"}))
}
