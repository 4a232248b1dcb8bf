package lockfile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/otel/trace"

	"github.com/cuttlefish/cvd/lib/logger"
	"github.com/cuttlefish/cvd/lib/paths"
)

// Manager serialises id ownership across concurrent processes and
// in-process callers. Its fields are fixed at construction, so one
// Manager value may be used from multiple goroutines (ReleaseIDs does
// so): the filesystem, not this struct, is the source of truth.
type Manager struct {
	lockDir string
	log     *slog.Logger
	tracer  trace.Tracer

	poolErr error
	pool    map[uint32]struct{}
}

// DefaultProcNetDevPath is the real kernel-provided device table, used by
// the daemon in production.
const DefaultProcNetDevPath = "/proc/net/dev"

// NewManager constructs a Manager rooted at lockDir (see paths.LockDir),
// eagerly discovering the candidate id pool from procNetDevPath (pass
// DefaultProcNetDevPath in production; tests may point this at a
// synthetic file). A pool discovery failure is not returned here: it is
// recorded and surfaced lazily as PoolUnknown on first pool-wide use,
// matching the original's lazy-initialization-error behavior.
func NewManager(lockDir, procNetDevPath string, log *slog.Logger, tracer trace.Tracer) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{lockDir: lockDir, log: log, tracer: tracer}
	pool, err := DiscoverPool(procNetDevPath)
	if err != nil {
		m.poolErr = err
		return m
	}
	m.pool = pool
	return m
}

// Pool returns the candidate instance id pool discovered at construction.
func (m *Manager) Pool() (map[uint32]struct{}, error) {
	if m.poolErr != nil {
		return nil, m.poolErr
	}
	return m.pool, nil
}

func (m *Manager) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, noopSpan{}
	}
	return m.tracer.Start(ctx, "lockfile."+op)
}

// AcquireLock opens (or creates) the lockfile for id and blocks until an
// exclusive advisory lock is granted.
func (m *Manager) AcquireLock(ctx context.Context, id uint32) (*LockFile, error) {
	_, span := m.startSpan(ctx, "AcquireLock")
	defer span.End()

	f, err := openLockFile(m.lockDir, id)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, newErr(KindIoError, "AcquireLock", fmt.Errorf("flock id %d: %w", id, err))
	}
	logger.WithLockID(m.log, id).DebugContext(ctx, "acquired lock")
	return &LockFile{f: f, id: id}, nil
}

// TryAcquireLock is the non-blocking form of AcquireLock. It returns
// (nil, nil) if the lock is held by anyone else, without error.
func (m *Manager) TryAcquireLock(ctx context.Context, id uint32) (*LockFile, error) {
	_, span := m.startSpan(ctx, "TryAcquireLock")
	defer span.End()

	f, err := openLockFile(m.lockDir, id)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, newErr(KindIoError, "TryAcquireLock", fmt.Errorf("flock id %d: %w", id, err))
	}
	return &LockFile{f: f, id: id}, nil
}

// AcquireLocks batch-acquires locks for ids in ascending order, the
// discipline that avoids deadlock against any other caller using the
// same ordering. Not atomic across the set: on mid-way failure, every
// previously acquired lock in this call is released before returning.
func (m *Manager) AcquireLocks(ctx context.Context, ids []uint32) ([]*LockFile, error) {
	sorted := sortedCopy(ids)
	locks := make([]*LockFile, 0, len(sorted))
	for _, id := range sorted {
		l, err := m.AcquireLock(ctx, id)
		if err != nil {
			releaseAll(locks)
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// TryAcquireLocks is the non-blocking batch form: ids whose lock is held
// elsewhere are silently skipped rather than causing an error.
func (m *Manager) TryAcquireLocks(ctx context.Context, ids []uint32) ([]*LockFile, error) {
	sorted := sortedCopy(ids)
	locks := make([]*LockFile, 0, len(sorted))
	for _, id := range sorted {
		l, err := m.TryAcquireLock(ctx, id)
		if err != nil {
			releaseAll(locks)
			return nil, err
		}
		if l != nil {
			locks = append(locks, l)
		}
	}
	return locks, nil
}

// LockAllAvailable iterates the pool, try-acquiring each id, keeping
// only those whose payload byte reads NotInUse. Locks that are held
// elsewhere, or whose payload reads InUse, are released before return.
func (m *Manager) LockAllAvailable(ctx context.Context) ([]*LockFile, error) {
	pool, err := m.Pool()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var available []*LockFile
	for _, id := range ids {
		l, err := m.TryAcquireLock(ctx, id)
		if err != nil {
			releaseAll(available)
			return nil, err
		}
		if l == nil {
			continue
		}
		status, err := l.Status()
		if err != nil || status != NotInUse {
			l.Close()
			if err != nil {
				releaseAll(available)
				return nil, err
			}
			continue
		}
		available = append(available, l)
	}
	return available, nil
}

// TryAcquireUnusedLock is the first-fit variant of LockAllAvailable: it
// returns the first id in ascending order whose lock is free and whose
// payload reads NotInUse.
func (m *Manager) TryAcquireUnusedLock(ctx context.Context) (*LockFile, error) {
	pool, err := m.Pool()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		l, err := m.TryAcquireLock(ctx, id)
		if err != nil {
			return nil, err
		}
		if l == nil {
			continue
		}
		status, err := l.Status()
		if err != nil {
			l.Close()
			return nil, err
		}
		if status == NotInUse {
			return l, nil
		}
		l.Close()
	}
	return nil, nil
}

// ReleaseIDs flips each id's payload byte back to NotInUse and releases
// its flock, reacquiring the lock for the duration of the flip. Used
// when a Group is removed (spec.md §3 "Removing a Group MUST release
// all its lockfiles") by a caller that is not already holding the fds
// in this process, e.g. a fresh CLI invocation acting on a group it
// found in the database rather than one it just created. Releases run
// concurrently via errgroup since each id's lockfile is independent;
// the first error cancels the group and is returned after all
// in-flight releases finish.
func (m *Manager) ReleaseIDs(ctx context.Context, ids []uint32) error {
	grp, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		grp.Go(func() error {
			l, err := m.AcquireLock(gctx, id)
			if err != nil {
				return err
			}
			defer l.Close()
			return l.SetStatus(NotInUse)
		})
	}
	return grp.Wait()
}

// RemoveLockFile deletes the on-disk lockfile for id. This is a
// supplemented escape hatch (the original's documented quick fix for
// b/316824572): callers must first verify the id belongs to them, since
// this routine performs no ownership check of its own.
func (m *Manager) RemoveLockFile(id uint32) error {
	path := paths.LockFilePath(m.lockDir, id)
	if err := removeIfExists(path); err != nil {
		return newErr(KindIoError, "RemoveLockFile", err)
	}
	return nil
}

func sortedCopy(ids []uint32) []uint32 {
	out := make([]uint32, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func releaseAll(locks []*LockFile) {
	for _, l := range locks {
		l.Close()
	}
}

type noopSpan struct{ trace.Span }

func (noopSpan) End(...trace.SpanEndOption) {}
