package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	LogDir     string `toml:"log_dir"`
	RuntimeDir string `toml:"runtime_dir"`
	APIBind    string `toml:"api_bind"`
	// APIToken, when set, is required as a bearer token on every API request.
	APIToken string `toml:"api_token"`
}

// Agent describes how execution contexts are hosted and how long the daemon
// waits on them.
type Agent struct {
	Command             string   `toml:"command"`
	Args                []string `toml:"args"`
	Script              string   `toml:"script"`
	ReadyTimeout        int      `toml:"ready_timeout"`
	ReadyPollIntervalMS int      `toml:"ready_poll_interval_ms"`
	// ResponseTimeout bounds the wait for the agent's single reply, in seconds.
	// Zero disables the bound.
	ResponseTimeout int `toml:"response_timeout"`
	CloseTimeout    int `toml:"close_timeout"`
}

// SeedTarget is one listing page scanned during the first import stage.
type SeedTarget struct {
	Label  string `toml:"label"`
	Target string `toml:"target"`
}

// Import contains settings for the multi-stage objective import.
type Import struct {
	SeedTargets   []SeedTarget `toml:"seed_targets"`
	StrictPeriods bool         `toml:"strict_periods"`
}

// Notifications contains configuration for ntfy push notifications and
// originator replies.
type Notifications struct {
	NtfyTopic         string `toml:"ntfy_topic"`
	RequestTimeout    int    `toml:"request_timeout"`
	OriginatorTimeout int    `toml:"originator_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Events configures the in-memory event hub.
type Events struct {
	Capacity int `toml:"capacity"`
}

// Config encapsulates all configuration values for Harvest.
//
// Configuration sections by subsystem:
//   - Paths: durable data, logs, volatile runtime state, API bind address
//   - Agent: execution context host command and timeouts
//   - Import: seed targets and period labelling strictness
//   - Notifications: ntfy topic and originator reply timeout
//   - Logging: log format and level
//   - Events: progress event buffer size
type Config struct {
	Paths         Paths         `toml:"paths"`
	Agent         Agent         `toml:"agent"`
	Import        Import        `toml:"import"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Events        Events        `toml:"events"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("harvest.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.RuntimeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DurableStorePath is the SQLite database holding imported records and
// generated configuration records.
func (c *Config) DurableStorePath() string {
	return filepath.Join(c.Paths.DataDir, "harvest.db")
}

// VolatileStorePath is the SQLite database holding locks and in-flight import
// state. Locks in it are reset whenever the daemon starts.
func (c *Config) VolatileStorePath() string {
	return filepath.Join(c.Paths.RuntimeDir, "volatile.db")
}

// DaemonLockPath is the single-instance lock file.
func (c *Config) DaemonLockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "harvestd.lock")
}

// ReadyTimeout returns how long a context may take to become ready.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Agent.ReadyTimeout) * time.Second
}

// ReadyPollInterval returns the readiness polling interval.
func (c *Config) ReadyPollInterval() time.Duration {
	return time.Duration(c.Agent.ReadyPollIntervalMS) * time.Millisecond
}

// ResponseTimeout returns the reply wait bound; zero means unbounded.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Agent.ResponseTimeout) * time.Second
}

// CloseTimeout returns how long teardown waits before killing a context.
func (c *Config) CloseTimeout() time.Duration {
	return time.Duration(c.Agent.CloseTimeout) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultRuntimeDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "harvest")
	}
	return defaultStateRuntimeDir
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
