package acloud

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the user-level acloud configuration file: a flat YAML
// document supplying defaults the command line itself does not, grounded
// on converter.cpp's AcloudConfig/LoadAcloudConfig. Re-expressed as YAML
// rather than the original's textproto since this module carries no
// protobuf toolchain.
type Config struct {
	LaunchArgs string `yaml:"launch_args"`
}

// DefaultConfigPath returns the per-user acloud config path used when
// --config-file is not given.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".acloud", "acloud.config.yaml"), nil
}

// LoadConfig loads the acloud config file at path, or the default path
// when path is empty. A missing file is not an error: it yields a zero
// Config, matching the original's "config file is optional" behaviour.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return Config{}, nil
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
