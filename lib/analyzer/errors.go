package analyzer

import (
	"errors"
	"fmt"

	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/instancedb"
)

// Kind classifies an Analyze failure. This is the exact set named in
// spec.md §4.D.
type Kind int

const (
	_ Kind = iota
	KindNameConflict
	KindNameInvalid
	KindCountMismatch
	KindNoFreeIds
	KindLockBusy
	KindMissingEnv
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindNameConflict:
		return "NameConflict"
	case KindNameInvalid:
		return "NameInvalid"
	case KindCountMismatch:
		return "CountMismatch"
	case KindNoFreeIds:
		return "NoFreeIds"
	case KindLockBusy:
		return "LockBusy"
	case KindMissingEnv:
		return "MissingEnv"
	case KindIoError:
		return "IoError"
	default:
		return "Unknown"
	}
}

// Error wraps an Analyze failure with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analyzer: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("analyzer: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// wrapAllocErr translates an *allocator.Error into an *analyzer.Error.
func wrapAllocErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var aerr *allocator.Error
	if errors.As(err, &aerr) {
		switch aerr.Kind {
		case allocator.KindNoConsecutiveRun, allocator.KindNoFreeIds:
			return newErr(KindNoFreeIds, op, err)
		case allocator.KindResourceBusy:
			return newErr(KindLockBusy, op, err)
		default:
			return newErr(KindIoError, op, err)
		}
	}
	return newErr(KindIoError, op, err)
}

// wrapDbErr translates an *instancedb.Error into an *analyzer.Error.
func wrapDbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var derr *instancedb.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case instancedb.KindDuplicateGroupName, instancedb.KindDuplicateInstanceId:
			return newErr(KindNameConflict, op, err)
		case instancedb.KindInvalidName:
			return newErr(KindNameInvalid, op, err)
		default:
			return newErr(KindIoError, op, err)
		}
	}
	return newErr(KindIoError, op, err)
}
