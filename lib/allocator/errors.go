package allocator

import (
	"errors"
	"fmt"

	"github.com/cuttlefish/cvd/lib/lockfile"
)

// Kind classifies an allocation failure so callers can map it to the
// exit-code taxonomy without string-matching.
type Kind int

const (
	_ Kind = iota
	// KindNoConsecutiveRun means ModeConsecutive found no run of the
	// requested length in the filtered pool.
	KindNoConsecutiveRun
	// KindNoFreeIds means ModeAny found fewer free ids than requested.
	KindNoFreeIds
	// KindResourceBusy means an explicitly requested id is not in the
	// pool, is already present in the database, or could not be locked.
	KindResourceBusy
	// KindIoError mirrors a lockfile IoError encountered while reserving.
	KindIoError
	// KindCorruptLock mirrors a lockfile CorruptLock.
	KindCorruptLock
	// KindPoolUnknown mirrors a lockfile PoolUnknown.
	KindPoolUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNoConsecutiveRun:
		return "NoConsecutiveRun"
	case KindNoFreeIds:
		return "NoFreeIds"
	case KindResourceBusy:
		return "ResourceBusy"
	case KindIoError:
		return "IoError"
	case KindCorruptLock:
		return "CorruptLock"
	case KindPoolUnknown:
		return "PoolUnknown"
	default:
		return "Unknown"
	}
}

// Error wraps an allocation failure with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("allocator: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("allocator: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// wrapLockErr translates a *lockfile.Error into an *allocator.Error,
// preserving its Kind where one corresponds.
func wrapLockErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var lerr *lockfile.Error
	if errors.As(err, &lerr) {
		switch lerr.Kind {
		case lockfile.KindCorruptLock:
			return newErr(KindCorruptLock, op, err)
		case lockfile.KindPoolUnknown:
			return newErr(KindPoolUnknown, op, err)
		default:
			return newErr(KindIoError, op, err)
		}
	}
	return newErr(KindIoError, op, err)
}
