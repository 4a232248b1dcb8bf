package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cuttlefish/cvd/lib/acloud"
	"github.com/cuttlefish/cvd/lib/analyzer"
	"github.com/cuttlefish/cvd/lib/instancedb"
	"github.com/cuttlefish/cvd/lib/lockfile"
	"github.com/cuttlefish/cvd/lib/logger"
)

// flagValue extracts "--name value" or "--name=value" from args, the
// same two forms the analyzer and acloud flag parsers accept.
func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(a, name+"=") {
			return a[len(name)+1:], true
		}
	}
	return "", false
}

// selectGroup resolves the groups a start/stop/remove/status invocation
// targets from its selector args: the single group named exactly by
// --group_name, otherwise every group in the database (the teacher's
// "no selector means all" CLI convention).
func (a *app) selectGroup(selectorArgs []string) ([]instancedb.Group, error) {
	if name, ok := flagValue(selectorArgs, "--group_name"); ok {
		g, err := a.db.FindGroup(instancedb.Query{GroupName: &name})
		if err != nil {
			return nil, err
		}
		return []instancedb.Group{g}, nil
	}
	return a.db.FindGroups(instancedb.Query{}), nil
}

// cmdCreate runs the Creation Analyzer over a `cvd create` invocation,
// marks every allocated id InUse, and registers the resulting group.
// Per spec.md §4.D step 8 the caller must keep each lock alive for the
// group's lifetime; since this binary is a one-shot process rather than
// a long-lived daemon (spec.md §1 Non-goals excludes any networking
// protocol that would let a daemon outlive one invocation), the locks
// are closed once their InUse byte and the database row are persisted --
// those two together are what a later invocation checks, not a held fd.
func (a *app) cmdCreate(ctx context.Context, args []string) error {
	cmdArgs, selectorArgs := splitSelectorArgs(args)
	plan, err := a.az.Analyze(ctx, analyzer.Input{
		CmdArgs:      cmdArgs,
		Envs:         envMap(),
		SelectorArgs: selectorArgs,
	})
	if err != nil {
		return err
	}

	instances := make([]instancedb.Instance, len(plan.Instances))
	for i, pi := range plan.Instances {
		if err := pi.Lock.SetStatus(lockfile.InUse); err != nil {
			releasePlan(plan)
			return err
		}
		instances[i] = instancedb.Instance{ID: pi.ID, Name: pi.Name, State: instancedb.StatePreparing}
	}

	group := instancedb.Group{
		Name:              plan.GroupName,
		HomeDir:           plan.HomeDir,
		HostArtifactsPath: plan.HostArtifactsPath,
		ProductOutPath:    plan.ProductOutPath,
		Instances:         instances,
		StartTime:         time.Time{},
	}
	if err := a.db.AddGroup(group); err != nil {
		releasePlan(plan)
		return err
	}

	err = a.persist()
	releasePlan(plan)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created group %q with %d instance(s)\n", group.Name, len(group.Instances))
	return nil
}

func releasePlan(plan *analyzer.GroupCreationPlan) {
	for _, pi := range plan.Instances {
		pi.Lock.Close()
	}
}

// cmdStart transitions every instance in the selected group(s) to
// Running and, if cfg.StartBinaryPath resolves, execs it to launch the
// actual guest VMs (spec.md §1 Non-goals: this binary never launches
// guests itself).
func (a *app) cmdStart(ctx context.Context, args []string) error {
	_, selectorArgs := splitSelectorArgs(args)
	groups, err := a.selectGroup(selectorArgs)
	if err != nil {
		return err
	}
	for _, g := range groups {
		for _, inst := range g.Instances {
			inst.State = instancedb.StateRunning
			if err := a.db.UpdateInstance(g.Name, inst); err != nil {
				return err
			}
		}
		a.runExternalAs(ctx, logger.WithGroupName(a.log, g.Name), a.cfg.StartBinaryPath, []string{"--group_name=" + g.Name}, map[string]string{
			"ANDROID_HOST_OUT":    g.HostArtifactsPath,
			"ANDROID_PRODUCT_OUT": g.ProductOutPath,
		})
	}
	return a.persist()
}

// cmdStop transitions every instance in the selected group(s) to
// Stopped. Actually tearing down guest processes is the external start
// binary's responsibility; this only updates bookkeeping.
func (a *app) cmdStop(ctx context.Context, args []string) error {
	_, selectorArgs := splitSelectorArgs(args)
	groups, err := a.selectGroup(selectorArgs)
	if err != nil {
		return err
	}
	for _, g := range groups {
		for _, inst := range g.Instances {
			inst.State = instancedb.StateStopped
			if err := a.db.UpdateInstance(g.Name, inst); err != nil {
				return err
			}
		}
	}
	return a.persist()
}

// cmdRemove releases every lock owned by the selected group(s) and
// drops them from the database (spec.md §3: "Removing a Group MUST
// release all its lockfiles").
func (a *app) cmdRemove(ctx context.Context, args []string) error {
	_, selectorArgs := splitSelectorArgs(args)
	groups, err := a.selectGroup(selectorArgs)
	if err != nil {
		return err
	}
	for _, g := range groups {
		ids := make([]uint32, len(g.Instances))
		for i, inst := range g.Instances {
			ids[i] = inst.ID
		}
		if err := a.locks.ReleaseIDs(ctx, ids); err != nil {
			return err
		}
		if !a.db.RemoveGroupByHome(g.HomeDir) {
			return &cliError{Kind: "NotFound", Message: fmt.Sprintf("group %q not found", g.Name)}
		}
	}
	return a.persist()
}

// cmdClear tears down every group currently known to the database, the
// bulk form of cmdRemove (spec.md §10 supplemented `cvd clear`).
func (a *app) cmdClear(ctx context.Context) error {
	groups := a.db.FindGroups(instancedb.Query{})
	var ids []uint32
	for _, g := range groups {
		for _, inst := range g.Instances {
			ids = append(ids, inst.ID)
		}
	}
	if err := a.locks.ReleaseIDs(ctx, ids); err != nil {
		return err
	}
	a.db.Clear()
	return a.persist()
}

// statusView is the JSON shape `cvd status` prints: a flattened,
// human-inspectable projection of the database rather than its raw
// snapshot form.
type statusView struct {
	GroupName string `json:"group_name"`
	HomeDir   string `json:"home_dir"`
	Instances []struct {
		ID    uint32 `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"instances"`
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	_, selectorArgs := splitSelectorArgs(args)
	groups, err := a.selectGroup(selectorArgs)
	if err != nil {
		return err
	}

	views := make([]statusView, len(groups))
	for i, g := range groups {
		v := statusView{GroupName: g.Name, HomeDir: g.HomeDir}
		for _, inst := range g.Instances {
			v.Instances = append(v.Instances, struct {
				ID    uint32 `json:"id"`
				Name  string `json:"name"`
				State string `json:"state"`
			}{ID: inst.ID, Name: inst.Name, State: inst.State.String()})
		}
		views[i] = v
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

// cmdMkdir is the real implementation behind the "cvd mkdir -p <dir>"
// requests the acloud translator emits as a prep step.
func (a *app) cmdMkdir(args []string) error {
	parents := false
	var dirs []string
	for _, arg := range args {
		if arg == "-p" {
			parents = true
			continue
		}
		dirs = append(dirs, arg)
	}
	for _, d := range dirs {
		var err error
		if parents {
			err = os.MkdirAll(d, 0755)
		} else {
			err = os.Mkdir(d, 0755)
		}
		if err != nil {
			return &cliError{Kind: "IoError", Message: err.Error()}
		}
	}
	return nil
}

// cmdAcloud runs the Acloud-Compatible Translator over a legacy
// `acloud create` invocation and carries out the resulting plan: mkdir
// requests run in-process (cmdMkdir), fetch and start requests exec the
// external fetch_cvd / cvd_internal_start binaries named by cfg (spec.md
// §1 Non-goals: this binary never fetches packages or launches guests
// itself, only emits the commands to do so).
func (a *app) cmdAcloud(ctx context.Context, args []string) error {
	if len(args) > 0 && args[0] == "create" {
		args = args[1:]
	}

	acloudCfg, err := acloud.LoadConfig(a.cfg.AcloudConfigFile)
	if err != nil {
		return &cliError{Kind: "IoError", Message: err.Error()}
	}

	result, err := a.tr.Translate(ctx, acloud.Input{Args: args, Envs: envMap()}, acloudCfg)
	if err != nil {
		return err
	}
	if result.Lock != nil {
		defer result.Lock.Close()
		if err := result.Lock.SetStatus(lockfile.InUse); err != nil {
			return err
		}
	}

	// BUG: writes the fetch memo file before running the fetch it
	// describes, not after it succeeds (spec.md §9 Open Question:
	// "the source writes the fetch-cvd-args.txt comparison before it
	// runs the fetch"). Preserved verbatim: a fetch that crashes after
	// this write leaves the next invocation believing it already ran.
	if result.FetchCommandString != "" && result.FetchCvdArgsFile != "" {
		if err := os.WriteFile(result.FetchCvdArgsFile, []byte(result.FetchCommandString), 0644); err != nil {
			a.log.WarnContext(ctx, "failed to write fetch args memo file", "path", result.FetchCvdArgsFile, "error", err)
		}
	}

	for _, req := range result.PrepRequests {
		if err := a.runTranslatedRequest(ctx, req); err != nil {
			a.log.WarnContext(ctx, "prep request failed", "argv", req.Argv, "error", err)
		}
	}
	if err := a.runTranslatedRequest(ctx, result.StartRequest); err != nil {
		a.log.WarnContext(ctx, "start request failed", "argv", result.StartRequest.Argv, "error", err)
	}
	return nil
}

// runTranslatedRequest dispatches one acloud.Request: "cvd mkdir" runs
// in-process, "cvd fetch" and "cvd start" exec the configured external
// binaries with the remainder of the argv.
func (a *app) runTranslatedRequest(ctx context.Context, req acloud.Request) error {
	if len(req.Argv) < 2 || req.Argv[0] != "cvd" {
		return fmt.Errorf("unrecognized translated request %v", req.Argv)
	}
	switch req.Argv[1] {
	case "mkdir":
		return a.cmdMkdir(req.Argv[2:])
	case "fetch":
		a.runExternal(ctx, a.cfg.FetchBinaryPath, req.Argv[2:], req.Env)
		return nil
	case "start":
		a.runExternal(ctx, a.cfg.StartBinaryPath, req.Argv[2:], req.Env)
		return nil
	default:
		return fmt.Errorf("unrecognized translated subcommand %q", req.Argv[1])
	}
}

// runExternal execs binPath, logging (not failing) if it cannot be
// found or exits non-zero: every external collaborator here is a
// Non-goal of this binary, so its absence is a deployment concern, not
// a reason to abort bookkeeping that already succeeded.
func (a *app) runExternal(ctx context.Context, binPath string, argv []string, env map[string]string) {
	a.runExternalAs(ctx, a.log, binPath, argv, env)
}

// runExternalAs is runExternal with an explicit logger, so callers acting
// on a specific group can attach its name (logger.WithGroupName) to any
// failure instead of every external-binary warning looking identical.
func (a *app) runExternalAs(ctx context.Context, log *slog.Logger, binPath string, argv []string, env map[string]string) {
	cmd := exec.CommandContext(ctx, binPath, argv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Run(); err != nil {
		log.WarnContext(ctx, "external binary failed", "bin", binPath, "error", err)
	}
}
