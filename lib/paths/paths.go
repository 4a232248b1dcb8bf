// Package paths centralizes filesystem path construction for the cvd
// daemon: the lockfile pool directory, per-group HOME directories, and
// the acloud translator's scratch directories. Keeping path construction
// in one place means the on-disk layout (a compatibility contract with
// the legacy Python acloud tool) changes in exactly one file.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// lockSubdir is the fixed directory name, relative to the resolved temp
// directory, that holds one lockfile per candidate instance id. This
// layout must not change: it is shared with the legacy acloud tool.
const lockSubdir = "acloud_cvd_temp"

// acloudImageSubdir is the fixed directory name under the resolved temp
// directory that holds acloud-fetched build artifacts.
const acloudImageSubdir = "acloud_image_artifacts"

// TempDir resolves the base scratch directory, trying in order:
// $TMPDIR, $TEMP, $TMP, /tmp, /var/tmp, /usr/tmp, then the current
// working directory. The first candidate that exists and is a directory
// wins.
func TempDir() (string, error) {
	for _, candidate := range []string{
		os.Getenv("TMPDIR"),
		os.Getenv("TEMP"),
		os.Getenv("TMP"),
		"/tmp",
		"/var/tmp",
		"/usr/tmp",
	} {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve temp dir: no candidate directory exists and cwd is unavailable: %w", err)
	}
	return cwd, nil
}

// LockDir returns the directory holding per-instance lockfiles, creating
// it (and any missing parents) if absent.
func LockDir() (string, error) {
	tmp, err := TempDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(tmp, lockSubdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create lock directory %s: %w", dir, err)
	}
	return dir, nil
}

// LockFilePath returns the path to the lockfile for the given instance id.
func LockFilePath(lockDir string, id uint32) string {
	return filepath.Join(lockDir, fmt.Sprintf("local-instance-%d.lock", id))
}

// GroupHome returns the synthesized HOME directory for a group whose name
// was not overridden by $HOME, creating the directory chain if absent.
func GroupHome(parentDir, groupName string) (string, error) {
	home := filepath.Join(parentDir, groupName, "home")
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create group home %s: %w", home, err)
	}
	return home, nil
}

// AcloudImageDir resolves the directory the acloud translator downloads
// build artifacts into. Unlike LockDir/GroupHome this does not create the
// directory: the translator itself decides whether a "cvd mkdir" prep
// request is needed, based on whether the directory already exists.
func AcloudImageDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	tmp, err := TempDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(tmp, acloudImageSubdir), nil
}

// FetchArgsMemoFile returns the path to the sentinel file the acloud
// translator uses to skip a redundant fetch for an already-populated
// image directory.
func FetchArgsMemoFile(imageDir string) string {
	return filepath.Join(imageDir, "fetch-cvd-args.txt")
}

// DatabaseSnapshotPath returns the path the daemon persists its instance
// database JSON snapshot to between invocations, rooted alongside the
// lockfile directory since both are host-local coordination state.
func DatabaseSnapshotPath() (string, error) {
	tmp, err := TempDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(tmp, lockSubdir, "instance_database.json"), nil
}
