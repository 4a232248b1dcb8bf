package main

import (
	"os"
	"strings"
)

// selectorFlagNames are the name-related flags analyzer.Input routes
// through SelectorArgs rather than CmdArgs (spec.md §4.D step 1).
var selectorFlagNames = map[string]bool{
	"--name":          true,
	"--device_name":   true,
	"--group_name":    true,
	"--instance_name": true,
}

// splitSelectorArgs partitions a subcommand's raw argv into the
// selector-flag tokens analyzer.Input.SelectorArgs expects and
// everything else (analyzer.Input.CmdArgs), preserving each flag's
// "--flag value" or "--flag=value" form intact.
func splitSelectorArgs(args []string) (cmdArgs, selectorArgs []string) {
	i := 0
	for i < len(args) {
		a := args[i]
		name := a
		if eq := strings.IndexByte(a, '='); eq >= 0 {
			name = a[:eq]
		}
		if selectorFlagNames[name] {
			if strings.Contains(a, "=") {
				selectorArgs = append(selectorArgs, a)
				i++
				continue
			}
			selectorArgs = append(selectorArgs, a)
			if i+1 < len(args) {
				selectorArgs = append(selectorArgs, args[i+1])
				i += 2
				continue
			}
			i++
			continue
		}
		cmdArgs = append(cmdArgs, a)
		i++
	}
	return cmdArgs, selectorArgs
}

// envMap snapshots the process environment as the map analyzer.Input
// and acloud.Input expect: HOME, USER, ANDROID_HOST_OUT,
// ANDROID_SOONG_HOST_OUT, ANDROID_PRODUCT_OUT and CUTTLEFISH_INSTANCE.
// TMPDIR, TEMP and TMP are not copied here; paths.TempDir reads them
// directly with os.Getenv.
func envMap() map[string]string {
	names := []string{
		"HOME", "USER",
		"ANDROID_HOST_OUT", "ANDROID_SOONG_HOST_OUT", "ANDROID_PRODUCT_OUT",
		"CUTTLEFISH_INSTANCE",
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok {
			out[n] = v
		}
	}
	return out
}
