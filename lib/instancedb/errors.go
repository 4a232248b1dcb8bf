package instancedb

import "fmt"

// Kind classifies a database operation failure.
type Kind int

const (
	_ Kind = iota
	// KindDuplicateGroupName means AddGroup named a group already present.
	KindDuplicateGroupName
	// KindDuplicateInstanceId means an instance id in the new group
	// already belongs to another group in the database.
	KindDuplicateInstanceId
	// KindInvalidName means a GroupName, PerInstanceName, or DeviceName
	// failed its syntax constraint.
	KindInvalidName
	// KindNotFound means a lookup (FindGroup, FindByIdOrName) matched
	// nothing, or UpdateGroup/UpdateInstance targeted a group or instance
	// that does not exist.
	KindNotFound
	// KindAmbiguous means FindGroup matched more than one group, or the
	// id-prefix lookup in FindByIdOrName matched more than one instance.
	KindAmbiguous
	// KindCorruptState means a JSON snapshot violated a uniqueness or
	// name-syntax invariant.
	KindCorruptState
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateGroupName:
		return "DuplicateGroupName"
	case KindDuplicateInstanceId:
		return "DuplicateInstanceId"
	case KindInvalidName:
		return "InvalidName"
	case KindNotFound:
		return "NotFound"
	case KindAmbiguous:
		return "Ambiguous"
	case KindCorruptState:
		return "CorruptState"
	default:
		return "Unknown"
	}
}

// Error wraps a database failure with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("instancedb: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("instancedb: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
