// Package config loads cvd daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/joho/godotenv"
)

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// getBuildVersion extracts version info from Go's embedded build info.
// Returns git short hash + "-dirty" suffix if uncommitted changes, or "unknown" if unavailable.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if revision == "" {
		return "unknown"
	}

	if len(revision) > 8 {
		revision = revision[:8]
	}
	if dirty {
		revision += "-dirty"
	}
	return revision
}

// Config holds daemon-wide configuration, populated from the environment.
type Config struct {
	// HomeParentDir is the parent directory under which a group's HOME is
	// synthesized when the caller does not set $HOME (spec.md §4.D step 6).
	// Default: "$HOME/.cuttlefish_home" of the invoking user.
	HomeParentDir string

	// DefaultGroupName is the literal group name used when the database is
	// empty and the user gave none (spec.md §4.D step 5).
	DefaultGroupName string

	// LockDir overrides the lockfile base directory; empty means derive it
	// from TMPDIR/TEMP/TMP/tmp/var-tmp/usr-tmp/cwd per spec.md §3.
	LockDir string

	// AcloudConfigFile overrides the default acloud config file path.
	AcloudConfigFile string

	// StartBinaryPath is the external guest-launcher binary the "start"
	// subcommand execs into (spec.md §1 Non-goals: starting the actual
	// guest VMs is delegated to an external `start` binary). Not
	// resolved against $PATH until exec time, so a missing binary is a
	// runtime warning, not a config error.
	StartBinaryPath string

	// FetchBinaryPath is the external package-fetcher binary the acloud
	// translator's emitted "cvd fetch" requests delegate to (spec.md §1
	// Non-goals: "the translator only *emits* fetch requests").
	FetchBinaryPath string

	// OpenTelemetry configuration.
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string

	// Logging configuration.
	LogLevel string
}

// Load loads configuration from environment variables, optionally
// overlaying a .env file if present in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HomeParentDir: getEnv("CVD_HOME_PARENT_DIR", ""),

		DefaultGroupName: getEnv("CVD_DEFAULT_GROUP_NAME", "cvd"),

		LockDir: getEnv("CVD_LOCK_DIR", ""),

		AcloudConfigFile: getEnv("CVD_ACLOUD_CONFIG_FILE", ""),

		StartBinaryPath: getEnv("CVD_START_BINARY", "cvd_internal_start"),
		FetchBinaryPath: getEnv("CVD_FETCH_BINARY", "fetch_cvd"),

		OtelEnabled:           getEnvBool("CVD_OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("CVD_OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("CVD_OTEL_SERVICE_NAME", "cvd"),
		OtelServiceInstanceID: getEnv("CVD_OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("CVD_OTEL_INSECURE", true),
		Version:               getEnv("CVD_VERSION", getBuildVersion()),
		Env:                   getEnv("CVD_ENV", "unset"),

		LogLevel: getEnv("CVD_LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.DefaultGroupName == "" {
		return fmt.Errorf("CVD_DEFAULT_GROUP_NAME must not be empty")
	}
	return nil
}
