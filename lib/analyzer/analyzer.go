// Package analyzer implements the Creation Analyzer: a function over a
// raw `cvd create` invocation (subcommand args, environment, selector
// args) that validates names, resolves instance ids through the
// allocator and lock manager, derives HOME and artifact paths, and
// returns a fully-resolved GroupCreationPlan.
package analyzer

import (
	"context"
	"log/slog"
	"os/user"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/instancedb"
	"github.com/cuttlefish/cvd/lib/lockfile"
	"github.com/cuttlefish/cvd/lib/paths"
)

// Input is the raw material for one Analyze call.
type Input struct {
	CmdArgs      []string
	Envs         map[string]string
	SelectorArgs []string
}

// PlannedInstance is one instance's resolved id, name, and owned lock.
type PlannedInstance struct {
	ID   uint32
	Name string
	Lock *lockfile.LockFile
}

// GroupCreationPlan is the fully-resolved outcome of Analyze. Ownership
// of every Instances[i].Lock transfers to the caller: it must call
// SetStatus(InUse) on each before spawning guest processes and must keep
// the lock alive for the lifetime of the group.
type GroupCreationPlan struct {
	GroupName         string
	HomeDir           string
	HostArtifactsPath string
	ProductOutPath    string
	Instances         []PlannedInstance
}

// Analyzer is stateless per call; all mutable state lives in the
// injected collaborators.
type Analyzer struct {
	locks            *lockfile.Manager
	alloc            *allocator.Allocator
	db               *instancedb.Database
	homeParentDir    string
	defaultGroupName string
	log              *slog.Logger
	tracer           trace.Tracer
}

// New constructs an Analyzer. homeParentDir, if empty, defaults to
// "<system home>/.cuttlefish_home" at Analyze time.
func New(locks *lockfile.Manager, alloc *allocator.Allocator, db *instancedb.Database, homeParentDir, defaultGroupName string, log *slog.Logger, tracer trace.Tracer) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	if defaultGroupName == "" {
		defaultGroupName = "cvd"
	}
	return &Analyzer{
		locks:            locks,
		alloc:            alloc,
		db:               db,
		homeParentDir:    homeParentDir,
		defaultGroupName: defaultGroupName,
		log:              log,
		tracer:           tracer,
	}
}

func (a *Analyzer) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if a.tracer == nil {
		return ctx, noopSpan{}
	}
	return a.tracer.Start(ctx, "analyzer."+op)
}

type noopSpan struct{ trace.Span }

func (noopSpan) End(...trace.SpanEndOption) {}

var cuttlefishUserRe = regexp.MustCompile(`^vsoc-([0-9]+)$`)

// Analyze runs the full eight-step pipeline described in spec.md §4.D.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*GroupCreationPlan, error) {
	ctx, span := a.startSpan(ctx, "Analyze")
	defer span.End()

	// Step 1: selector parsing.
	sel, err := parseSelection(extractSelectorFlags(in.SelectorArgs))
	if err != nil {
		return nil, err
	}

	// Step 2: count reconciliation.
	count, explicitIDs, err := reconcileCount(in.CmdArgs, sel)
	if err != nil {
		return nil, err
	}

	// Step 3: id-resolution mode.
	ids, mode, err := a.resolveIDMode(in.CmdArgs, in.Envs, count, explicitIDs)
	if err != nil {
		return nil, err
	}

	// Step 4: lock acquisition.
	var req allocator.Request
	if mode == modeExplicit {
		req = allocator.Request{Mode: allocator.ModeExplicit, IDs: ids}
	} else {
		req = allocator.Request{Mode: allocator.ModeConsecutive, Count: count}
	}
	locks, err := a.alloc.Allocate(ctx, req, a.db)
	if err != nil {
		return nil, wrapAllocErr("Analyze", err)
	}

	plan, err := a.finishPlan(sel, locks, in.Envs)
	if err != nil {
		releaseAll(locks)
		return nil, err
	}
	return plan, nil
}

type idMode int

const (
	modeConsecutivePool idMode = iota
	modeExplicit
)

// reconcileCount derives the final instance count (step 2) and, when
// --instance_nums was given, the explicit id list it names.
func reconcileCount(cmdArgs []string, sel selection) (count int, explicitIDs []uint32, err error) {
	var sources []int

	if len(sel.instanceNames) > 0 {
		sources = append(sources, len(sel.instanceNames))
	}

	if numStr, ok := extractFlag(cmdArgs, "num_instances"); ok {
		n, perr := strconv.Atoi(numStr)
		if perr != nil || n <= 0 {
			return 0, nil, newErr(KindNameInvalid, "reconcileCount", errBadInt("num_instances", numStr))
		}
		sources = append(sources, n)
	}

	if numsStr, ok := extractFlag(cmdArgs, "instance_nums"); ok {
		ids, perr := parseUintList(numsStr)
		if perr != nil {
			return 0, nil, newErr(KindNameInvalid, "reconcileCount", perr)
		}
		sources = append(sources, len(ids))
		explicitIDs = ids
	}

	if len(sources) == 0 {
		return 1, nil, nil
	}
	for _, s := range sources[1:] {
		if s != sources[0] {
			return 0, nil, newErr(KindCountMismatch, "reconcileCount", errCountMismatch)
		}
	}
	return sources[0], explicitIDs, nil
}

// resolveIDMode implements step 3.
func (a *Analyzer) resolveIDMode(cmdArgs []string, envs map[string]string, count int, explicitIDs []uint32) ([]uint32, idMode, error) {
	if len(explicitIDs) > 0 {
		return explicitIDs, modeExplicit, nil
	}
	if baseStr, ok := extractFlag(cmdArgs, "base_instance_num"); ok {
		base, perr := strconv.ParseUint(baseStr, 10, 32)
		if perr != nil {
			return nil, modeExplicit, newErr(KindNameInvalid, "resolveIDMode", errBadInt("base_instance_num", baseStr))
		}
		return consecutiveFrom(uint32(base), count), modeExplicit, nil
	}
	if v, ok := envs["CUTTLEFISH_INSTANCE"]; ok {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			return consecutiveFrom(uint32(n), count), modeExplicit, nil
		}
	}
	if u, ok := envs["USER"]; ok {
		if m := cuttlefishUserRe.FindStringSubmatch(u); m != nil {
			if n, perr := strconv.ParseUint(m[1], 10, 32); perr == nil {
				return consecutiveFrom(uint32(n), count), modeExplicit, nil
			}
		}
	}
	return nil, modeConsecutivePool, nil
}

func consecutiveFrom(base uint32, count int) []uint32 {
	ids := make([]uint32, count)
	for i := 0; i < count; i++ {
		ids[i] = base + uint32(i)
	}
	return ids
}

// finishPlan implements steps 5-8 against already-acquired locks.
func (a *Analyzer) finishPlan(sel selection, locks []*lockfile.LockFile, envs map[string]string) (*GroupCreationPlan, error) {
	ids := make([]uint32, len(locks))
	for i, l := range locks {
		ids[i] = l.ID()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sort.Slice(locks, func(i, j int) bool { return locks[i].ID() < locks[j].ID() })

	// Step 5: group-name derivation.
	groupName := sel.groupName
	if groupName == "" {
		if !a.db.HasInstanceGroups() {
			groupName = a.defaultGroupName
		} else {
			groupName = a.defaultGroupName + "_" + joinUint32(ids, "_")
		}
	}

	// Step 6: HOME derivation.
	homeDir, err := a.resolveHome(envs, groupName)
	if err != nil {
		return nil, err
	}

	// Step 7: artifact paths.
	hostOut, ok := envs["ANDROID_HOST_OUT"]
	if !ok {
		return nil, newErr(KindMissingEnv, "finishPlan", errMissingEnv("ANDROID_HOST_OUT"))
	}
	productOut, ok := envs["ANDROID_PRODUCT_OUT"]
	if !ok {
		productOut = hostOut
	}

	instances := make([]PlannedInstance, len(locks))
	for i, l := range locks {
		name := ""
		if i < len(sel.instanceNames) {
			name = sel.instanceNames[i]
		} else {
			name = instancedb.DefaultInstanceName(l.ID())
		}
		instances[i] = PlannedInstance{ID: l.ID(), Name: name, Lock: l}
	}

	return &GroupCreationPlan{
		GroupName:         groupName,
		HomeDir:           homeDir,
		HostArtifactsPath: hostOut,
		ProductOutPath:    productOut,
		Instances:         instances,
	}, nil
}

func (a *Analyzer) resolveHome(envs map[string]string, groupName string) (string, error) {
	systemHome := systemWideHome()
	if home, ok := envs["HOME"]; ok && home != systemHome {
		if strings.HasPrefix(home, "~") {
			return "", newErr(KindNameInvalid, "resolveHome", errHomeTilde)
		}
		return home, nil
	}
	parent := a.homeParentDir
	if parent == "" {
		parent = systemHome + "/.cuttlefish_home"
	}
	home, err := paths.GroupHome(parent, groupName)
	if err != nil {
		return "", newErr(KindIoError, "resolveHome", err)
	}
	return home, nil
}

func systemWideHome() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	return ""
}

func joinUint32(ids []uint32, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = instancedb.DefaultInstanceName(id)
	}
	return strings.Join(parts, sep)
}

func releaseAll(locks []*lockfile.LockFile) {
	for _, l := range locks {
		l.Close()
	}
}
