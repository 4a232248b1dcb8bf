package analyzer

import (
	"errors"
	"fmt"
)

var (
	errNameMixedWithOthers     = errors.New("--name cannot be combined with --device_name, --group_name, or --instance_name")
	errEmptyDeviceNames        = errors.New("--device_name given an empty value")
	errEmptyName               = errors.New("--name given an empty value")
	errDeviceNameGroupMismatch = errors.New("device names must all share one group name")
	errCountMismatch           = errors.New("instance count sources disagree")
	errHomeTilde               = errors.New("$HOME may not be prefixed with ~")
)

func errMissingEnv(name string) error {
	return fmt.Errorf("required environment variable %q is not set", name)
}

func errBadInt(flag, value string) error {
	return fmt.Errorf("--%s: invalid integer %q", flag, value)
}

func errBadGroupName(name string) error {
	return fmt.Errorf("invalid group name %q", name)
}

func errBadInstanceName(name string) error {
	return fmt.Errorf("invalid instance name %q", name)
}

func errBadDeviceName(name string) error {
	return fmt.Errorf("invalid device name %q", name)
}

func errDuplicateInstanceName(name string) error {
	return fmt.Errorf("duplicate instance name %q", name)
}
