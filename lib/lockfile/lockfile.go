// Package lockfile implements the Lock Manager: one advisory flock(2)
// file per candidate instance id, used to serialise id ownership across
// concurrent cvd processes and in-process callers.
package lockfile

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cuttlefish/cvd/lib/paths"
)

// removeIfExists deletes path, treating an already-missing file as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// InUseState is the single payload byte stored in a LockFile.
type InUseState byte

const (
	NotInUse InUseState = 0x00
	InUse    InUseState = 0x01
)

// LockFile is a held advisory lock on a single candidate instance id. The
// zero value is not usable; obtain one through Manager. Not safe for
// concurrent use from multiple goroutines.
type LockFile struct {
	f  *os.File
	id uint32
}

// ID returns the instance id this lock guards.
func (l *LockFile) ID() uint32 { return l.id }

// Status reads the payload byte, seeking to offset 0 first.
func (l *LockFile) Status() (InUseState, error) {
	if _, err := l.f.Seek(0, 0); err != nil {
		return 0, newErr(KindIoError, "Status", err)
	}
	var buf [1]byte
	n, err := l.f.Read(buf[:])
	if err != nil && n == 0 {
		// An empty freshly-created file reads io.EOF; treat as NotInUse,
		// matching the original's "default to NotInUse on empty read".
		return NotInUse, nil
	}
	if err != nil {
		return 0, newErr(KindIoError, "Status", err)
	}
	switch InUseState(buf[0]) {
	case InUse:
		return InUse, nil
	case NotInUse:
		return NotInUse, nil
	default:
		return 0, newErr(KindCorruptLock, "Status", fmt.Errorf("unexpected state byte %#x", buf[0]))
	}
}

// SetStatus writes the payload byte, seeking to offset 0 first.
func (l *LockFile) SetStatus(state InUseState) error {
	if _, err := l.f.Seek(0, 0); err != nil {
		return newErr(KindIoError, "SetStatus", err)
	}
	if _, err := l.f.Write([]byte{byte(state)}); err != nil {
		return newErr(KindIoError, "SetStatus", err)
	}
	return nil
}

// Close releases the OS-level lock and closes the underlying file
// descriptor. Safe to call once; the lock is also released if the
// process exits without calling Close.
func (l *LockFile) Close() error {
	if l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return newErr(KindIoError, "Close", err)
	}
	return nil
}

// openLockFile opens (creating if absent) the lockfile for id, without
// acquiring the flock.
func openLockFile(lockDir string, id uint32) (*os.File, error) {
	path := paths.LockFilePath(lockDir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, newErr(KindIoError, "openLockFile", fmt.Errorf("open %s: %w", path, err))
	}
	return f, nil
}

// netDevTapPrefixes are the four virtual interface name prefixes whose
// suffix numbers, intersected, give the candidate instance id pool.
var netDevTapPrefixes = []string{"cvd-etap-", "cvd-mtap-", "cvd-wtap-", "cvd-wifiap-"}

// DiscoverPool parses a /proc/net/dev-formatted file at procNetDevPath and
// intersects the suffix-numbers of the four TAP device prefixes,
// producing the set of ids for which a complete TAP quartet exists.
// Exported so tests can point it at a synthetic file.
func DiscoverPool(procNetDevPath string) (map[uint32]struct{}, error) {
	f, err := os.Open(procNetDevPath)
	if err != nil {
		return nil, newErr(KindPoolUnknown, "discoverPool", err)
	}
	defer f.Close()

	sets := make([]map[uint32]struct{}, len(netDevTapPrefixes))
	for i := range sets {
		sets[i] = make(map[uint32]struct{})
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for i, prefix := range netDevTapPrefixes {
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			rest := line[len(prefix):]
			colon := strings.IndexByte(rest, ':')
			if colon < 0 {
				continue
			}
			n, err := strconv.ParseUint(rest[:colon], 10, 32)
			if err != nil {
				continue
			}
			sets[i][uint32(n)] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, newErr(KindPoolUnknown, "discoverPool", err)
	}

	pool := sets[0]
	for _, s := range sets[1:] {
		next := make(map[uint32]struct{})
		for id := range pool {
			if _, ok := s[id]; ok {
				next[id] = struct{}{}
			}
		}
		pool = next
	}
	return pool, nil
}
