// Command cvd dispatches the subcommands described in spec.md: create,
// start, stop, remove, clear, status, and the acloud-compatibility path.
// The RPC framing a real multi-client cvd_server would sit behind is
// explicitly out of scope (spec.md §1 Non-goals: "any networking
// protocol"), so this binary is itself the command handler: each
// invocation loads the on-disk instance database snapshot, performs one
// mutation, and persists it back -- the same crash-recovery shape
// spec.md §3 describes for the database's JSON form.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cuttlefish/cvd/cmd/cvd/config"
	"github.com/cuttlefish/cvd/lib/acloud"
	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/analyzer"
	"github.com/cuttlefish/cvd/lib/instancedb"
	"github.com/cuttlefish/cvd/lib/lockfile"
	"github.com/cuttlefish/cvd/lib/logger"
	"github.com/cuttlefish/cvd/lib/otelinit"
	"github.com/cuttlefish/cvd/lib/paths"
)

func main() {
	if err := run(); err != nil {
		printCLIError(err)
		os.Exit(exitCodeFor(err))
	}
}

// app wires together the daemon's collaborators: one Lock Manager, one
// Allocator, one Database, and the Analyzer/Translator built over them.
// Per spec.md §9, these are plain values owned here and passed by
// reference, not singletons reached through a DI container.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	locks *lockfile.Manager
	alloc *allocator.Allocator
	db    *instancedb.Database
	az    *analyzer.Analyzer
	tr    *acloud.Translator
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.NewConfig()
	log := logger.NewSubsystemLogger(logger.SubsystemDaemon, logCfg, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, otelShutdown, err := otelinit.Init(ctx, otelinit.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	})
	if err != nil {
		log.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				log.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	tracerFor := func(subsystem string) trace.Tracer {
		if otelProvider != nil {
			return otelProvider.TracerFor(subsystem)
		}
		return nil
	}

	if len(os.Args) < 2 {
		return &cliError{Kind: "InvalidArgument", Message: "usage: cvd <create|start|stop|remove|clear|status|acloud> [args...]"}
	}

	a, err := newApp(cfg, logCfg, tracerFor)
	if err != nil {
		return err
	}

	sub, args := os.Args[1], os.Args[2:]
	switch sub {
	case "create":
		return a.cmdCreate(ctx, args)
	case "start":
		return a.cmdStart(ctx, args)
	case "stop":
		return a.cmdStop(ctx, args)
	case "remove":
		return a.cmdRemove(ctx, args)
	case "clear":
		return a.cmdClear(ctx)
	case "status":
		return a.cmdStatus(ctx, args)
	case "acloud":
		return a.cmdAcloud(ctx, args)
	case "mkdir":
		return a.cmdMkdir(args)
	default:
		return &cliError{Kind: "InvalidArgument", Message: fmt.Sprintf("unrecognized subcommand %q", sub)}
	}
}

func newApp(cfg *config.Config, logCfg logger.Config, tracerFor func(string) trace.Tracer) (*app, error) {
	lockDir := cfg.LockDir
	if lockDir == "" {
		dir, err := paths.LockDir()
		if err != nil {
			return nil, fmt.Errorf("resolve lock directory: %w", err)
		}
		lockDir = dir
	}

	locksLog := logger.NewSubsystemLogger(logger.SubsystemLockfile, logCfg, nil)
	locks := lockfile.NewManager(lockDir, lockfile.DefaultProcNetDevPath, locksLog, tracerFor(logger.SubsystemLockfile))

	allocLog := logger.NewSubsystemLogger(logger.SubsystemAllocator, logCfg, nil)
	alloc := allocator.New(locks, allocLog, tracerFor(logger.SubsystemAllocator))

	db := instancedb.New()
	if snapPath, err := paths.DatabaseSnapshotPath(); err == nil {
		if data, readErr := os.ReadFile(snapPath); readErr == nil {
			if loadErr := db.LoadFromJson(data); loadErr != nil {
				return nil, fmt.Errorf("load instance database snapshot %s: %w", snapPath, loadErr)
			}
		}
	}

	azLog := logger.NewSubsystemLogger(logger.SubsystemAnalyzer, logCfg, nil)
	az := analyzer.New(locks, alloc, db, cfg.HomeParentDir, cfg.DefaultGroupName, azLog, tracerFor(logger.SubsystemAnalyzer))

	acloudLog := logger.NewSubsystemLogger(logger.SubsystemAcloud, logCfg, nil)
	tr := acloud.New(alloc, acloudLog, tracerFor(logger.SubsystemAcloud))

	return &app{cfg: cfg, log: locksLog, locks: locks, alloc: alloc, db: db, az: az, tr: tr}, nil
}

// persist writes the database's current contents to its snapshot path,
// so the next invocation of this binary observes the mutation.
func (a *app) persist() error {
	path, err := paths.DatabaseSnapshotPath()
	if err != nil {
		return err
	}
	data, err := a.db.Serialize()
	if err != nil {
		return fmt.Errorf("serialize instance database: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write instance database snapshot %s: %w", path, err)
	}
	return nil
}
