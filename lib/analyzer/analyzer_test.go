package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/instancedb"
	"github.com/cuttlefish/cvd/lib/lockfile"
)

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestAnalyzer(t *testing.T, ids ...uint32) (*Analyzer, *instancedb.Database) {
	t.Helper()
	lockDir := t.TempDir()
	netDevPath := filepath.Join(t.TempDir(), "net_dev")
	content := ""
	for _, id := range ids {
		for _, prefix := range []string{"cvd-etap-", "cvd-mtap-", "cvd-wtap-", "cvd-wifiap-"} {
			content += prefix + itoa(id) + ": stub\n"
		}
	}
	require.NoError(t, os.WriteFile(netDevPath, []byte(content), 0644))
	locks := lockfile.NewManager(lockDir, netDevPath, nil, nil)
	alloc := allocator.New(locks, nil, nil)
	db := instancedb.New()
	homeParent := t.TempDir()
	a := New(locks, alloc, db, homeParent, "cvd", nil, nil)
	return a, db
}

func baseEnvs() map[string]string {
	return map[string]string{
		"ANDROID_HOST_OUT":    "/h",
		"ANDROID_PRODUCT_OUT": "/p",
	}
}

func releasePlanLocks(p *GroupCreationPlan) {
	if p == nil {
		return
	}
	for _, inst := range p.Instances {
		inst.Lock.Close()
	}
}

func TestAnalyzeNumInstancesOverEmptyDatabase(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "2"},
		Envs:    baseEnvs(),
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	require.Len(t, plan.Instances, 2)
	assert.Equal(t, uint32(1), plan.Instances[0].ID)
	assert.Equal(t, uint32(2), plan.Instances[1].ID)
	assert.Equal(t, "cvd", plan.GroupName)
	assert.Equal(t, "1", plan.Instances[0].Name)
	assert.Equal(t, "2", plan.Instances[1].Name)
}

func TestAnalyzeExplicitInstanceNumsWithNames(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs:      []string{"--instance_nums", "3,4"},
		SelectorArgs: []string{"--name", "foo-a,foo-b"},
		Envs:         baseEnvs(),
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	require.Len(t, plan.Instances, 2)
	assert.Equal(t, uint32(3), plan.Instances[0].ID)
	assert.Equal(t, uint32(4), plan.Instances[1].ID)
	assert.Equal(t, "foo", plan.GroupName)
	assert.Equal(t, "a", plan.Instances[0].Name)
	assert.Equal(t, "b", plan.Instances[1].Name)
}

func TestAnalyzeDerivesGroupSuffixWhenDatabaseNonEmpty(t *testing.T) {
	a, db := newTestAnalyzer(t, 1, 2, 3, 4)
	require.NoError(t, db.AddGroup(instancedb.Group{
		Name:    "cvd",
		HomeDir: "/home/cvd",
		Instances: []instancedb.Instance{
			{ID: 1, Name: "1"},
		},
	}))

	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "2"},
		Envs:    baseEnvs(),
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	require.Len(t, plan.Instances, 2)
	assert.Equal(t, uint32(2), plan.Instances[0].ID)
	assert.Equal(t, uint32(3), plan.Instances[1].ID)
	assert.Equal(t, "cvd_2_3", plan.GroupName)
}

func TestAnalyzeNameMixedWithGroupNameIsInvalid(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	_, err := a.Analyze(context.Background(), Input{
		CmdArgs:      []string{"--num_instances", "1"},
		SelectorArgs: []string{"--name", "x", "--group_name", "y"},
		Envs:         baseEnvs(),
	})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindNameInvalid, aerr.Kind)
}

func TestAnalyzeCountMismatchBetweenNamesAndNumInstances(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	_, err := a.Analyze(context.Background(), Input{
		CmdArgs:      []string{"--num_instances", "3"},
		SelectorArgs: []string{"--instance_name", "a,b"},
		Envs:         baseEnvs(),
	})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindCountMismatch, aerr.Kind)
}

func TestAnalyzeBaseInstanceNumDrivesConsecutiveIds(t *testing.T) {
	a, _ := newTestAnalyzer(t, 5, 6, 7, 8)

	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "2", "--base_instance_num", "6"},
		Envs:    baseEnvs(),
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	require.Len(t, plan.Instances, 2)
	assert.Equal(t, uint32(6), plan.Instances[0].ID)
	assert.Equal(t, uint32(7), plan.Instances[1].ID)
}

func TestAnalyzeCuttlefishInstanceEnvDrivesConsecutiveIds(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	envs := baseEnvs()
	envs["CUTTLEFISH_INSTANCE"] = "3"
	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "1"},
		Envs:    envs,
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	require.Len(t, plan.Instances, 1)
	assert.Equal(t, uint32(3), plan.Instances[0].ID)
}

func TestAnalyzeVsocUserEnvDrivesConsecutiveIds(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	envs := baseEnvs()
	envs["USER"] = "vsoc-02"
	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "1"},
		Envs:    envs,
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	require.Len(t, plan.Instances, 1)
	assert.Equal(t, uint32(2), plan.Instances[0].ID)
}

func TestAnalyzeMissingAndroidHostOutIsMissingEnv(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	_, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "1"},
		Envs:    map[string]string{},
	})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindMissingEnv, aerr.Kind)
}

func TestAnalyzeProductOutDefaultsToHostOut(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "1"},
		Envs:    map[string]string{"ANDROID_HOST_OUT": "/h"},
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	assert.Equal(t, "/h", plan.HostArtifactsPath)
	assert.Equal(t, "/h", plan.ProductOutPath)
}

func TestAnalyzeHomeEnvOverrideIsHonored(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	envs := baseEnvs()
	envs["HOME"] = "/custom/home"
	plan, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "1"},
		Envs:    envs,
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	assert.Equal(t, "/custom/home", plan.HomeDir)
}

func TestAnalyzeHomeTildeIsRejected(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2, 3, 4)

	envs := baseEnvs()
	envs["HOME"] = "~/weird"
	_, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "1"},
		Envs:    envs,
	})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindNameInvalid, aerr.Kind)
}

func TestAnalyzeNoConsecutiveRunWrapsToNoFreeIds(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 3, 5)

	_, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--num_instances", "2"},
		Envs:    baseEnvs(),
	})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindNoFreeIds, aerr.Kind)
}

func TestAnalyzeExplicitIdAlreadyInDatabaseIsLockBusy(t *testing.T) {
	a, db := newTestAnalyzer(t, 1, 2, 3, 4)
	require.NoError(t, db.AddGroup(instancedb.Group{
		Name:    "other",
		HomeDir: "/home/other",
		Instances: []instancedb.Instance{
			{ID: 2, Name: "2"},
		},
	}))

	_, err := a.Analyze(context.Background(), Input{
		CmdArgs: []string{"--instance_nums", "2"},
		Envs:    baseEnvs(),
	})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindLockBusy, aerr.Kind)
}

func TestAnalyzeDeviceNameSelectorDerivesGroupAndInstanceNames(t *testing.T) {
	a, _ := newTestAnalyzer(t, 1, 2)

	plan, err := a.Analyze(context.Background(), Input{
		SelectorArgs: []string{"--device_name", "myg-a"},
		Envs:         baseEnvs(),
	})
	require.NoError(t, err)
	defer releasePlanLocks(plan)

	require.Len(t, plan.Instances, 1)
	assert.Equal(t, "myg", plan.GroupName)
	assert.Equal(t, "a", plan.Instances[0].Name)
}
