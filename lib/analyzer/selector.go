package analyzer

import (
	"strings"

	"github.com/cuttlefish/cvd/lib/instancedb"
)

// selection is the resolved outcome of step 1 (selector parsing).
type selection struct {
	groupName     string // empty means auto-generate
	instanceNames []string
}

// splitDeviceName splits "<group>-<instance>" per the DeviceName syntax: the
// separator is the first '-', and neither half may itself contain one.
func splitDeviceName(s string) (group, instance string, ok bool) {
	idx := strings.IndexByte(s, '-')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", false
	}
	group, instance = s[:idx], s[idx+1:]
	if strings.ContainsRune(instance, '-') {
		return "", "", false
	}
	return group, instance, true
}

func isValidDeviceName(s string) bool {
	group, instance, ok := splitDeviceName(s)
	if !ok {
		return false
	}
	return instancedb.ValidGroupName(group) && instancedb.ValidPerInstanceName(instance)
}

func splitNoEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, tok := range strings.Split(s, ",") {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// flagValues is the set of recognised selector flag values, parsed out
// of selectorArgs before this function is called.
type flagValues struct {
	name         *string
	deviceName   *string
	groupName    *string
	instanceName *string
}

// parseSelection applies the mutual-exclusion cascade from spec.md §4.D
// step 1, grounded on the original's HandleNameOpts/HandleNames cascade.
func parseSelection(fv flagValues) (selection, error) {
	exclusiveCount := 0
	for _, v := range []*string{fv.deviceName, fv.groupName, fv.instanceName} {
		if v != nil {
			exclusiveCount++
		}
	}
	if fv.name != nil && exclusiveCount > 0 {
		return selection{}, newErr(KindNameInvalid, "parseSelection", errNameMixedWithOthers)
	}

	switch {
	case fv.deviceName != nil:
		return handleDeviceNames(*fv.deviceName)
	case fv.name != nil:
		return handleName(*fv.name)
	case fv.groupName != nil || fv.instanceName != nil:
		sel := selection{}
		if fv.groupName != nil {
			if !instancedb.ValidGroupName(*fv.groupName) {
				return selection{}, newErr(KindNameInvalid, "parseSelection", errBadGroupName(*fv.groupName))
			}
			sel.groupName = *fv.groupName
		}
		if fv.instanceName != nil {
			names := splitNoEmpty(*fv.instanceName)
			for _, n := range names {
				if !instancedb.ValidPerInstanceName(n) {
					return selection{}, newErr(KindNameInvalid, "parseSelection", errBadInstanceName(n))
				}
			}
			if dup := firstDuplicate(names); dup != "" {
				return selection{}, newErr(KindNameConflict, "parseSelection", errDuplicateInstanceName(dup))
			}
			sel.instanceNames = names
		}
		return sel, nil
	default:
		return selection{}, nil
	}
}

func handleDeviceNames(raw string) (selection, error) {
	tokens := splitNoEmpty(raw)
	if len(tokens) == 0 {
		return selection{}, newErr(KindNameInvalid, "handleDeviceNames", errEmptyDeviceNames)
	}
	var group string
	names := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		g, inst, ok := splitDeviceName(tok)
		if !ok || !instancedb.ValidGroupName(g) || !instancedb.ValidPerInstanceName(inst) {
			return selection{}, newErr(KindNameInvalid, "handleDeviceNames", errBadDeviceName(tok))
		}
		if i == 0 {
			group = g
		} else if g != group {
			return selection{}, newErr(KindNameInvalid, "handleDeviceNames", errDeviceNameGroupMismatch)
		}
		names = append(names, inst)
	}
	if dup := firstDuplicate(names); dup != "" {
		return selection{}, newErr(KindNameConflict, "handleDeviceNames", errDuplicateInstanceName(dup))
	}
	return selection{groupName: group, instanceNames: names}, nil
}

func handleName(raw string) (selection, error) {
	tokens := splitNoEmpty(raw)
	if len(tokens) == 0 {
		return selection{}, newErr(KindNameInvalid, "handleName", errEmptyName)
	}

	if len(tokens) == 1 {
		tok := tokens[0]
		if isValidDeviceName(tok) {
			return handleDeviceNames(tok)
		}
		if !instancedb.ValidGroupName(tok) {
			return selection{}, newErr(KindNameInvalid, "handleName", errBadGroupName(tok))
		}
		return selection{groupName: tok}, nil
	}

	// Multiple tokens: if the first looks like a device name, every
	// token must be one, and all must share a single group.
	if isValidDeviceName(tokens[0]) {
		return handleDeviceNames(raw)
	}

	for _, tok := range tokens {
		if !instancedb.ValidPerInstanceName(tok) {
			return selection{}, newErr(KindNameInvalid, "handleName", errBadInstanceName(tok))
		}
	}
	if dup := firstDuplicate(tokens); dup != "" {
		return selection{}, newErr(KindNameConflict, "handleName", errDuplicateInstanceName(dup))
	}
	return selection{instanceNames: tokens}, nil
}

func firstDuplicate(names []string) string {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return n
		}
		seen[n] = struct{}{}
	}
	return ""
}
