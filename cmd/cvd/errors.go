package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuttlefish/cvd/lib/acloud"
	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/analyzer"
	"github.com/cuttlefish/cvd/lib/instancedb"
	"github.com/cuttlefish/cvd/lib/lockfile"
)

// cliError is the uniform shape every subcommand returns on failure: a
// taxonomy string (spec.md §6/§7's structured response) plus a
// human-readable message. Unlike the library Kind types this one is a
// plain string, since main is the one place that must render a Kind
// from any of the five libraries through a single code path.
type cliError struct {
	Kind    string
	Message string
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// printCLIError renders err to stderr. A *cliError prints its taxonomy
// and message on one line; any other error (a config or I/O failure
// that never reached a library Kind) prints as-is.
func printCLIError(err error) {
	var ce *cliError
	if errors.As(err, &ce) {
		fmt.Fprintf(os.Stderr, "cvd: %s: %s\n", ce.Kind, ce.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "cvd: %v\n", err)
}

// exitCodeFor maps a subcommand failure to a small process exit-code
// taxonomy: 0 success, 1 generic, 2 invalid usage, 3 resource conflict
// (name/id already taken or locked), 4 not found.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var azErr *analyzer.Error
	if errors.As(err, &azErr) {
		switch azErr.Kind {
		case analyzer.KindNameConflict, analyzer.KindLockBusy, analyzer.KindNoFreeIds:
			return 3
		case analyzer.KindNameInvalid, analyzer.KindCountMismatch, analyzer.KindMissingEnv:
			return 2
		default:
			return 1
		}
	}

	var acErr *acloud.Error
	if errors.As(err, &acErr) {
		switch acErr.Kind {
		case acloud.KindInvalidArgument, acloud.KindIncompatibleFlags, acloud.KindMissingEnv:
			return 2
		default:
			return 1
		}
	}

	var dbErr *instancedb.Error
	if errors.As(err, &dbErr) {
		switch dbErr.Kind {
		case instancedb.KindNotFound:
			return 4
		case instancedb.KindDuplicateGroupName, instancedb.KindDuplicateInstanceId, instancedb.KindAmbiguous:
			return 3
		case instancedb.KindInvalidName:
			return 2
		default:
			return 1
		}
	}

	var allocErr *allocator.Error
	if errors.As(err, &allocErr) {
		switch allocErr.Kind {
		case allocator.KindResourceBusy, allocator.KindNoConsecutiveRun, allocator.KindNoFreeIds:
			return 3
		default:
			return 1
		}
	}

	var lockErr *lockfile.Error
	if errors.As(err, &lockErr) {
		return 1
	}

	var ce *cliError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case "InvalidArgument":
			return 2
		case "NotFound":
			return 4
		default:
			return 1
		}
	}

	return 1
}
