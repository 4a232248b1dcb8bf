package analyzer

import (
	"fmt"
	"strconv"
	"strings"
)

// extractFlag scans args for "--key=value" or "--key value" and returns
// the value and whether the flag was present at all.
func extractFlag(args []string, key string) (string, bool) {
	prefix := "--" + key + "="
	flag := "--" + key
	for i, a := range args {
		if strings.HasPrefix(a, prefix) {
			return a[len(prefix):], true
		}
		if a == flag {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		}
	}
	return "", false
}

// extractSelectorFlags pulls the four name-related selector flags out of
// selectorArgs.
func extractSelectorFlags(args []string) flagValues {
	var fv flagValues
	if v, ok := extractFlag(args, "name"); ok {
		fv.name = &v
	}
	if v, ok := extractFlag(args, "device_name"); ok {
		fv.deviceName = &v
	}
	if v, ok := extractFlag(args, "group_name"); ok {
		fv.groupName = &v
	}
	if v, ok := extractFlag(args, "instance_name"); ok {
		fv.instanceName = &v
	}
	return fv
}

// parseUintList parses a comma-separated list of positive integers,
// rejecting duplicates.
func parseUintList(s string) ([]uint32, error) {
	tokens := splitNoEmpty(s)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty integer list")
	}
	seen := make(map[uint32]struct{}, len(tokens))
	out := make([]uint32, 0, len(tokens))
	for _, tok := range tokens {
		n, err := strconv.ParseUint(strings.TrimSpace(tok), 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid integer %q", tok)
		}
		id := uint32(n)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
