// Package acloud implements the Acloud-Compatible Translator: it accepts
// the legacy `acloud create` argument grammar and rewrites it into the
// ordered internal command requests (mkdir, fetch, start) described in
// spec.md §4.E, grounded on converter.cpp's ConvertAcloudCreateCommandImpl.
package acloud

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/cuttlefish/cvd/lib/allocator"
	"github.com/cuttlefish/cvd/lib/lockfile"
	"github.com/cuttlefish/cvd/lib/paths"
)

// Request is one emitted command: an argv vector plus the environment it
// runs with. Verbose controls whether the caller's own stdio should pass
// through to the child or be redirected to /dev/null; this package
// represents that as a bool rather than real fds, since fd plumbing is
// the daemon's concern, not the translator's.
type Request struct {
	Argv    []string
	Env     map[string]string
	Verbose bool
}

// Result is the ordered outcome of one Translate call. PrepRequests holds
// zero or more mkdir/fetch requests that must run, in order, before
// StartRequest. Lock is non-nil only when --local-instance was given
// without an explicit number, in which case the Lock Manager already
// reserved the id on the caller's behalf and ownership transfers to the
// caller exactly as in analyzer.GroupCreationPlan.
type Result struct {
	PrepRequests       []Request
	StartRequest       Request
	Lock               *lockfile.LockFile
	FetchCvdArgsFile   string
	FetchCommandString string
	// ConfigFilePath is the --config-file value, if any, so the caller
	// can tell which acloud config document produced cfg.LaunchArgs.
	ConfigFilePath string
}

// Input is the raw material for one Translate call: the acloud-create
// argv (without the leading "create" token) and the invoking process's
// environment.
type Input struct {
	Args []string
	Envs map[string]string
}

// Translator is stateless per call; the only mutable state (the original
// implementation's "last fetch command string" member fields, flagged as
// a bug magnet in spec.md §9) lives in the returned Result instead.
type Translator struct {
	alloc  *allocator.Allocator
	log    *slog.Logger
	tracer trace.Tracer
}

// New constructs a Translator. alloc may be nil only if every call site
// is guaranteed to pass an explicit --local-instance number.
func New(alloc *allocator.Allocator, log *slog.Logger, tracer trace.Tracer) *Translator {
	if log == nil {
		log = slog.Default()
	}
	return &Translator{alloc: alloc, log: log, tracer: tracer}
}

func (t *Translator) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, noopSpan{}
	}
	return t.tracer.Start(ctx, "acloud."+op)
}

type noopSpan struct{ trace.Span }

func (noopSpan) End(...trace.SpanEndOption) {}

const (
	androidHostOut    = "ANDROID_HOST_OUT"
	androidProductOut = "ANDROID_PRODUCT_OUT"
	cuttlefishInstance = "CUTTLEFISH_INSTANCE"
)

// Translate runs the full parse-validate-emit pipeline described in
// spec.md §4.E.
func (t *Translator) Translate(ctx context.Context, in Input, cfg Config) (*Result, error) {
	ctx, span := t.startSpan(ctx, "Translate")
	defer span.End()

	f := newRawFlags(in.Args)

	localInstanceStr, localInstanceSet := f.takeArbitrary("--local-instance")
	flavor, _ := f.takeValue("--config", "--flavor")
	localKernelImage, _ := f.takeValue("--local-kernel-image", "--local-boot-image")
	imageDownloadDir, _ := f.takeValue("--image-download-dir")
	verbose := f.takeBool("-v", "-vv", "--verbose")
	branch, _ := f.takeValue("--branch")
	_, localImage := f.takeArbitrary("--local-image")
	buildID, _ := f.takeValue("--build-id", "--build_id")
	buildTarget, _ := f.takeValue("--build-target", "--build_target")
	configFile, _ := f.takeValue("--config-file", "--config_file")
	bootloaderBuildID, _ := f.takeValue("--bootloader-build-id", "--bootloader_build_id")
	bootloaderBuildTarget, _ := f.takeValue("--bootloader-build-target", "--bootloader_build_target")
	bootloaderBranch, _ := f.takeValue("--bootloader-branch", "--bootloader_branch")
	bootBuildID, _ := f.takeValue("--boot-build-id", "--boot_build_id")
	bootBuildTarget, _ := f.takeValue("--boot-build-target", "--boot_build_target")
	bootBranch, _ := f.takeValue("--boot-branch", "--boot_branch")
	bootArtifact, bootArtifactSet := f.takeValue("--boot-artifact", "--boot_artifact")
	otaBuildID, _ := f.takeValue("--ota-build-id", "--ota_build_id")
	otaBuildTarget, _ := f.takeValue("--ota-build-target", "--ota_build_target")
	otaBranch, _ := f.takeValue("--ota-branch", "--ota_branch")
	launchArgs, launchArgsSet := f.takeValue("--launch-args")
	systemBranch, _ := f.takeValue("--system-branch")
	systemBuildTarget, _ := f.takeValue("--system-build-target")
	systemBuildID, _ := f.takeValue("--system-build-id")
	kernelBranch, _ := f.takeValue("--kernel-branch")
	kernelBuildTarget, _ := f.takeValue("--kernel-build-target")
	kernelBuildID, _ := f.takeValue("--kernel-build-id")
	petName, petNameSet := f.takeValue("--pet-name")

	if rest := f.remaining(); len(rest) > 0 {
		return nil, newErr(KindInvalidArgument, "Translate", fmt.Errorf("unrecognized arguments: '%s'", strings.Join(rest, "', '")))
	}

	if !localInstanceSet {
		return nil, newErr(KindInvalidArgument, "Translate", fmt.Errorf("only '--local-instance' is supported"))
	}
	if bootArtifactSet && bootBranch == "" && bootBuildTarget == "" && bootBuildID == "" {
		return nil, newErr(KindIncompatibleFlags, "Translate", fmt.Errorf("--boot-artifact must combine with other --boot-* flags"))
	}

	hostArtifactsPath, ok := in.Envs[androidHostOut]
	if !ok {
		return nil, newErr(KindMissingEnv, "Translate", fmt.Errorf("missing %s", androidHostOut))
	}

	if localImage {
		if systemBranch != "" || systemBuildTarget != "" || systemBuildID != "" {
			return nil, newErr(KindIncompatibleFlags, "Translate", fmt.Errorf("--local-image incompatible with --system-* flags"))
		}
		if bootloaderBranch != "" || bootloaderBuildTarget != "" || bootloaderBuildID != "" {
			return nil, newErr(KindIncompatibleFlags, "Translate", fmt.Errorf("--local-image incompatible with --bootloader-* flags"))
		}
		if bootBranch != "" || bootBuildTarget != "" || bootBuildID != "" || bootArtifact != "" {
			return nil, newErr(KindIncompatibleFlags, "Translate", fmt.Errorf("--local-image incompatible with --boot-* flags"))
		}
		if otaBranch != "" || otaBuildTarget != "" || otaBuildID != "" {
			return nil, newErr(KindIncompatibleFlags, "Translate", fmt.Errorf("--local-image incompatible with --ota-* flags"))
		}
	}

	var lock *lockfile.LockFile
	var localInstanceNum string
	if localInstanceStr != "" {
		localInstanceNum = localInstanceStr
	} else if t.alloc != nil {
		locks, err := t.alloc.Allocate(ctx, allocator.Request{Mode: allocator.ModeAny, Count: 1}, nil)
		if err != nil {
			return nil, newErr(KindIoError, "Translate", err)
		}
		lock = locks[0]
		// localInstanceNum stays empty here: converter.cpp only sets
		// CUTTLEFISH_INSTANCE when --local-instance carried an explicit
		// value ("this variable will confuse cvd start" otherwise), never
		// for an id the allocator picked on the caller's behalf.
	}

	var prepRequests []Request
	var hostDir, fetchArgsFile, fetchCommandStr string

	if !localImage {
		imgDir, err := paths.AcloudImageDir(imageDownloadDir)
		if err != nil {
			return nil, newErr(KindIoError, "Translate", err)
		}
		hostDir = imgDir

		if _, statErr := os.Stat(hostDir); statErr != nil {
			prepRequests = append(prepRequests, Request{
				Argv:    []string{"cvd", "mkdir", "-p", hostDir},
				Env:     map[string]string{androidHostOut: hostArtifactsPath},
				Verbose: verbose,
			})
		}

		if branch != "" || buildID != "" || buildTarget != "" {
			build := firstNonEmpty(buildID, branch, "aosp-master")
			hostDir = filepath.Join(hostDir, build+buildTarget)
		} else {
			hostDir = filepath.Join(hostDir, "aosp-master")
		}

		fetchArgv := []string{"cvd", "fetch", "--directory", hostDir}

		appendBuildFlag := func(flagName, build, target string) {
			val := build
			if target != "" {
				val += "/" + target
			}
			fetchArgv = append(fetchArgv, "--"+flagName, val)
			if fetchCommandStr != "" {
				fetchCommandStr += " "
			}
			fetchCommandStr += fmt.Sprintf("--%s=%s", flagName, val)
		}

		if branch != "" || buildID != "" || buildTarget != "" {
			appendBuildFlag("default_build", firstNonEmpty(buildID, branch, "aosp-master"), buildTarget)
		}
		if systemBranch != "" || systemBuildID != "" || systemBuildTarget != "" {
			appendBuildFlag("system_build", firstNonEmpty(systemBuildID, systemBranch, "aosp-master"), firstNonEmpty(systemBuildTarget, buildTarget, ""))
		}
		if bootloaderBranch != "" || bootloaderBuildID != "" || bootloaderBuildTarget != "" {
			appendBuildFlag("bootloader_build", firstNonEmpty(bootloaderBuildID, bootloaderBranch, "aosp_u-boot-mainline"), bootloaderBuildTarget)
		}
		if bootBranch != "" || bootBuildID != "" || bootBuildTarget != "" {
			appendBuildFlag("boot_build", firstNonEmpty(bootBuildID, bootBranch, "aosp-master"), bootBuildTarget)
		}
		if bootArtifactSet {
			fetchArgv = append(fetchArgv, "--boot_artifact", bootArtifact)
			if fetchCommandStr != "" {
				fetchCommandStr += " "
			}
			fetchCommandStr += "--boot_artifact=" + bootArtifact
		}
		if otaBranch != "" || otaBuildID != "" || otaBuildTarget != "" {
			appendBuildFlag("otatools_build", firstNonEmpty(otaBuildID, otaBranch, ""), otaBuildTarget)
		}
		if kernelBranch != "" || kernelBuildID != "" || kernelBuildTarget != "" {
			appendBuildFlag("kernel_build", firstNonEmpty(kernelBuildID, kernelBranch, "aosp_kernel-common-android-mainline"), firstNonEmpty(kernelBuildTarget, "", "kernel_virt_x86_64"))
		}

		// fetchArgsFile memoises the exact fetch command last issued for
		// this hostDir; see the caller's write-before-fetch-runs comment
		// for the known race this enables (spec.md §9 Open Question).
		fetchArgsFile = paths.FetchArgsMemoFile(hostDir)
		suppressed := false
		if existing, err := os.ReadFile(fetchArgsFile); err == nil {
			if string(existing) == fetchCommandStr {
				suppressed = true
			}
		}

		if !suppressed {
			prepRequests = append(prepRequests, Request{
				Argv:    fetchArgv,
				Env:     map[string]string{androidHostOut: hostArtifactsPath},
				Verbose: verbose,
			})
		} else {
			fetchCommandStr = ""
		}
	}

	startArgv := []string{
		"cvd", "start", "--daemon",
		"--undefok", "report_anonymous_usage_stats",
		"--report_anonymous_usage_stats", "y",
	}
	if flavor != "" {
		startArgv = append(startArgv, "-config", flavor)
	}
	if localKernelImage != "" {
		startArgv = append(startArgv, resolveBootImageArgs(localKernelImage)...)
	}

	if launchArgsSet {
		toks, err := shellTokenize(launchArgs)
		if err != nil {
			return nil, newErr(KindInvalidArgument, "Translate", err)
		}
		startArgv = append(startArgv, toks...)
	}
	if cfg.LaunchArgs != "" {
		toks, err := shellTokenize(cfg.LaunchArgs)
		if err != nil {
			return nil, newErr(KindInvalidArgument, "Translate", err)
		}
		startArgv = append(startArgv, toks...)
	}

	startArgv = append(startArgv, "--disable_default_group=true")
	if petNameSet {
		group, instance, ok := splitPetName(petName)
		if !ok {
			return nil, newErr(KindInvalidArgument, "Translate", fmt.Errorf("%q must be a group name followed by - followed by an instance name", petName))
		}
		startArgv = append(startArgv, "--group_name="+group, "--instance_name="+instance)
	}

	startEnv := map[string]string{}
	if localImage {
		startEnv[androidHostOut] = hostArtifactsPath
		productOut, ok := in.Envs[androidProductOut]
		if !ok {
			return nil, newErr(KindMissingEnv, "Translate", fmt.Errorf("missing %s", androidProductOut))
		}
		startEnv[androidProductOut] = productOut
	} else {
		startEnv[androidHostOut] = hostDir
		startEnv[androidProductOut] = hostDir
	}
	if localInstanceNum != "" {
		startEnv[cuttlefishInstance] = localInstanceNum
	}

	return &Result{
		PrepRequests:       prepRequests,
		StartRequest:       Request{Argv: startArgv, Env: startEnv, Verbose: verbose},
		Lock:               lock,
		FetchCvdArgsFile:   fetchArgsFile,
		FetchCommandString: fetchCommandStr,
		ConfigFilePath:     configFile,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// splitPetName splits "<group>-<instance>" the same way selector device
// names split in lib/analyzer, grounded on selector::BreakDeviceName.
func splitPetName(s string) (group, instance string, ok bool) {
	idx := strings.IndexByte(s, '-')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}
