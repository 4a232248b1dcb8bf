// Package allocator implements the ID Allocator: selecting a set of N
// unused instance ids from the Lock Manager's candidate pool, optionally
// requiring consecutivity, and reserving them with advisory file locks.
package allocator

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/cuttlefish/cvd/lib/lockfile"
)

// Mode selects how candidate ids are chosen from the pool.
type Mode int

const (
	// ModeExplicit reserves exactly the ids the caller names.
	ModeExplicit Mode = iota
	// ModeConsecutive finds the smallest consecutive run of Count ids.
	ModeConsecutive
	// ModeAny takes the Count smallest free ids, not required to be
	// consecutive.
	ModeAny
)

// Request describes a single allocation call.
type Request struct {
	Mode Mode
	// IDs is used only when Mode == ModeExplicit.
	IDs []uint32
	// Count is used only when Mode == ModeConsecutive or ModeAny.
	Count int
}

// Existing reports whether an id is already present in the instance
// database, so the allocator can defend against a stale lockfile that
// reads free on disk after a crash. Satisfied by *instancedb.Database.
type Existing interface {
	HasInstanceID(id uint32) bool
}

// Allocator reserves ids by delegating locking to a lockfile.Manager.
type Allocator struct {
	locks  *lockfile.Manager
	log    *slog.Logger
	tracer trace.Tracer
}

// New constructs an Allocator over the given Lock Manager.
func New(locks *lockfile.Manager, log *slog.Logger, tracer trace.Tracer) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{locks: locks, log: log, tracer: tracer}
}

func (a *Allocator) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if a.tracer == nil {
		return ctx, noopSpan{}
	}
	return a.tracer.Start(ctx, "allocator."+op)
}

type noopSpan struct{ trace.Span }

func (noopSpan) End(...trace.SpanEndOption) {}

// Allocate resolves req against the pool (filtered to exclude ids already
// present in existing) and reserves the chosen ids' locks in ascending
// order, rolling back on any mid-way failure.
func (a *Allocator) Allocate(ctx context.Context, req Request, existing Existing) ([]*lockfile.LockFile, error) {
	ctx, span := a.startSpan(ctx, "Allocate")
	defer span.End()

	pool, err := a.locks.Pool()
	if err != nil {
		return nil, wrapLockErr("Allocate", err)
	}

	free := make(map[uint32]struct{}, len(pool))
	for id := range pool {
		if existing != nil && existing.HasInstanceID(id) {
			continue
		}
		free[id] = struct{}{}
	}

	var chosen []uint32
	switch req.Mode {
	case ModeExplicit:
		chosen, err = a.chooseExplicit(req.IDs, pool, free)
	case ModeConsecutive:
		chosen, err = a.chooseConsecutive(req.Count, free)
	case ModeAny:
		chosen, err = a.chooseAny(req.Count, free)
	default:
		chosen, err = a.chooseAny(req.Count, free)
	}
	if err != nil {
		return nil, err
	}

	var locks []*lockfile.LockFile
	if req.Mode == ModeExplicit {
		locks, err = a.locks.TryAcquireLocks(ctx, chosen)
		if err == nil && len(locks) < len(chosen) {
			for _, l := range locks {
				l.Close()
			}
			return nil, newErr(KindResourceBusy, "Allocate", nil)
		}
	} else {
		locks, err = a.locks.AcquireLocks(ctx, chosen)
	}
	if err != nil {
		return nil, wrapLockErr("Allocate", err)
	}

	a.log.DebugContext(ctx, "allocated ids", "ids", chosen, "count", len(chosen))
	return locks, nil
}

func (a *Allocator) chooseExplicit(ids []uint32, pool, free map[uint32]struct{}) ([]uint32, error) {
	if len(ids) == 0 {
		return nil, newErr(KindResourceBusy, "chooseExplicit", nil)
	}
	for _, id := range ids {
		if _, inPool := pool[id]; !inPool {
			return nil, newErr(KindResourceBusy, "chooseExplicit", nil)
		}
		if _, isFree := free[id]; !isFree {
			return nil, newErr(KindResourceBusy, "chooseExplicit", nil)
		}
	}
	out := make([]uint32, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (a *Allocator) chooseConsecutive(count int, free map[uint32]struct{}) ([]uint32, error) {
	sorted := sortedKeys(free)
	for i := 0; i+count <= len(sorted); i++ {
		run := sorted[i : i+count]
		if isConsecutive(run) {
			out := make([]uint32, len(run))
			copy(out, run)
			return out, nil
		}
	}
	return nil, newErr(KindNoConsecutiveRun, "chooseConsecutive", nil)
}

func (a *Allocator) chooseAny(count int, free map[uint32]struct{}) ([]uint32, error) {
	sorted := sortedKeys(free)
	if len(sorted) < count {
		return nil, newErr(KindNoFreeIds, "chooseAny", nil)
	}
	out := make([]uint32, count)
	copy(out, sorted[:count])
	return out, nil
}

func sortedKeys(m map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func isConsecutive(run []uint32) bool {
	for i := 1; i < len(run); i++ {
		if run[i] != run[i-1]+1 {
			return false
		}
	}
	return true
}
