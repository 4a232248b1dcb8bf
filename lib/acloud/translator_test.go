package acloud

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/lockfile"
)

func newTestAllocator(t *testing.T, ids ...uint32) *allocator.Allocator {
	t.Helper()
	lockDir := t.TempDir()
	netDevPath := filepath.Join(t.TempDir(), "net_dev")
	content := ""
	for _, id := range ids {
		for _, prefix := range []string{"cvd-etap-", "cvd-mtap-", "cvd-wtap-", "cvd-wifiap-"} {
			content += fmt.Sprintf("%s%d: stub\n", prefix, id)
		}
	}
	require.NoError(t, os.WriteFile(netDevPath, []byte(content), 0644))
	manager := lockfile.NewManager(lockDir, netDevPath, nil, nil)
	return allocator.New(manager, nil, nil)
}

func baseEnv(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		androidHostOut:    t.TempDir(),
		androidProductOut: t.TempDir(),
	}
}

func TestTranslateRejectsMissingLocalInstance(t *testing.T) {
	tr := New(nil, nil, nil)
	_, err := tr.Translate(context.Background(), Input{Args: nil, Envs: baseEnv(t)}, Config{})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindInvalidArgument, aerr.Kind)
}

func TestTranslateRejectsUnrecognizedArgument(t *testing.T) {
	tr := New(nil, nil, nil)
	_, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "1", "--not-a-real-flag"},
		Envs: baseEnv(t),
	}, Config{})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindInvalidArgument, aerr.Kind)
}

func TestTranslateLocalImageRejectsSystemBuildFlags(t *testing.T) {
	tr := New(nil, nil, nil)
	_, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "1", "--local-image", "--system-branch", "main"},
		Envs: baseEnv(t),
	}, Config{})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindIncompatibleFlags, aerr.Kind)
}

func TestTranslateLocalImageRequiresProductOut(t *testing.T) {
	tr := New(nil, nil, nil)
	env := map[string]string{androidHostOut: t.TempDir()}
	_, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "1", "--local-image"},
		Envs: env,
	}, Config{})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindMissingEnv, aerr.Kind)
}

func TestTranslateLocalImageEmitsStartOnlyWithCuttlefishInstanceEnv(t *testing.T) {
	tr := New(nil, nil, nil)
	env := baseEnv(t)
	result, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "2", "--local-image"},
		Envs: env,
	}, Config{})
	require.NoError(t, err)
	assert.Empty(t, result.PrepRequests)
	assert.Equal(t, []string{"cvd", "start"}, result.StartRequest.Argv[:2])
	assert.Equal(t, "2", result.StartRequest.Env[cuttlefishInstance])
	assert.Equal(t, env[androidHostOut], result.StartRequest.Env[androidHostOut])
	assert.Nil(t, result.Lock)
}

func TestTranslateBareLocalInstanceOmitsCuttlefishInstanceEnv(t *testing.T) {
	alloc := newTestAllocator(t, 1, 2, 3)
	tr := New(alloc, nil, nil)
	env := baseEnv(t)

	result, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "--local-image"},
		Envs: env,
	}, Config{})
	require.NoError(t, err)
	defer result.Lock.Close()

	require.NotNil(t, result.Lock)
	_, hasCuttlefishInstance := result.StartRequest.Env[cuttlefishInstance]
	assert.False(t, hasCuttlefishInstance, "auto-allocated --local-instance must not set CUTTLEFISH_INSTANCE")
	assert.Equal(t, map[string]string{
		androidHostOut:    env[androidHostOut],
		androidProductOut: env[androidProductOut],
	}, result.StartRequest.Env)
}

func TestTranslateFetchEmitsMkdirWhenImageDirMissing(t *testing.T) {
	tr := New(nil, nil, nil)
	imageDownloadDir := filepath.Join(t.TempDir(), "not-yet-created")
	env := baseEnv(t)
	result, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "3", "--image-download-dir", imageDownloadDir, "--branch", "aosp-main"},
		Envs: env,
	}, Config{})
	require.NoError(t, err)
	require.Len(t, result.PrepRequests, 2)
	assert.Equal(t, []string{"cvd", "mkdir", "-p", imageDownloadDir}, result.PrepRequests[0].Argv)
	assert.Equal(t, "cvd", result.PrepRequests[1].Argv[0])
	assert.Equal(t, "fetch", result.PrepRequests[1].Argv[1])
	assert.Contains(t, result.FetchCommandString, "default_build=aosp-main")
}

func TestTranslateFetchSuppressedWhenMemoMatches(t *testing.T) {
	tr := New(nil, nil, nil)
	imageDownloadDir := t.TempDir()
	env := baseEnv(t)

	first, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "4", "--image-download-dir", imageDownloadDir, "--branch", "aosp-main"},
		Envs: env,
	}, Config{})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(first.FetchCvdArgsFile), 0755))
	require.NoError(t, os.WriteFile(first.FetchCvdArgsFile, []byte(first.FetchCommandString), 0644))

	second, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "4", "--image-download-dir", imageDownloadDir, "--branch", "aosp-main"},
		Envs: env,
	}, Config{})
	require.NoError(t, err)
	for _, req := range second.PrepRequests {
		assert.NotEqual(t, "fetch", safeArgvAt(req.Argv, 1))
	}
	assert.Empty(t, second.FetchCommandString)
}

func TestTranslatePetNameSplitsGroupAndInstance(t *testing.T) {
	tr := New(nil, nil, nil)
	env := baseEnv(t)
	result, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "5", "--local-image", "--pet-name", "mygroup-myinstance"},
		Envs: env,
	}, Config{})
	require.NoError(t, err)
	assert.Contains(t, result.StartRequest.Argv, "--group_name=mygroup")
	assert.Contains(t, result.StartRequest.Argv, "--instance_name=myinstance")
}

func TestTranslatePetNameRejectsMalformedValue(t *testing.T) {
	tr := New(nil, nil, nil)
	_, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "6", "--local-image", "--pet-name", "noseparator"},
		Envs: baseEnv(t),
	}, Config{})
	require.Error(t, err)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindInvalidArgument, aerr.Kind)
}

func TestTranslateLaunchArgsFromConfigAreTokenizedAndAppended(t *testing.T) {
	tr := New(nil, nil, nil)
	env := baseEnv(t)
	result, err := tr.Translate(context.Background(), Input{
		Args: []string{"--local-instance", "7", "--local-image"},
		Envs: env,
	}, Config{LaunchArgs: `--extra_flag="a value"`})
	require.NoError(t, err)
	assert.Contains(t, result.StartRequest.Argv, `--extra_flag=a value`)
}

func safeArgvAt(argv []string, i int) string {
	if i < len(argv) {
		return argv[i]
	}
	return ""
}

func TestLoadConfigMissingFileYieldsZeroValue(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestLoadConfigParsesLaunchArgs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acloud.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("launch_args: \"--foo=bar\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "--foo=bar", cfg.LaunchArgs)
}
