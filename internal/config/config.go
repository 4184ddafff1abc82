// Package config resolves runtime settings: execution mode defaults, an
// optional YAML file, and ORACLEDRIVE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aurakai/oracledrive/internal/risk"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser keeps all state under the invoking user's home.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps state in a system directory (root required).
	ExecModeSystem ExecMode = "system"
)

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// Isolation modes.
const (
	IsolationLayered = "layered"
	IsolationNone    = "none"
)

// Settings backends for the confirmation rate limiter counters.
const (
	SettingsDatabase = "database"
	SettingsFile     = "file"
)

const (
	// DefaultConfirmationCode is used when no secret is configured.
	DefaultConfirmationCode = "ORACLE_DRIVE_CONFIRM"

	// DefaultMaxFailedAttempts locks confirmation after this many failures.
	DefaultMaxFailedAttempts = 3

	// DefaultLockoutWindow is how long failures are remembered.
	DefaultLockoutWindow = time.Hour

	envPrefix = "ORACLEDRIVE_"
)

// Config holds every tunable setting.
type Config struct {
	Mode     ExecMode `yaml:"-"`
	DataDir  string   `yaml:"data_dir"`
	LogFile  string   `yaml:"log_file"`
	LogLevel string   `yaml:"log_level"`

	ConfirmationCode  string        `yaml:"confirmation_code"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	LockoutWindow     time.Duration `yaml:"lockout_window"`

	Risk      RiskConfig      `yaml:"risk"`
	Privilege PrivilegeConfig `yaml:"privilege"`

	Isolation      string `yaml:"isolation"`
	Settings       string `yaml:"settings"`
	Journal        bool   `yaml:"journal"`
	CheckFreeSpace bool   `yaml:"check_free_space"`
}

// RiskConfig overrides the risk assessor's rule set. Empty lists keep defaults.
type RiskConfig struct {
	CriticalPrefixes  []string `yaml:"critical_prefixes"`
	SystemPrefixes    []string `yaml:"system_prefixes"`
	SuspiciousTokens  []string `yaml:"suspicious_tokens"`
	LargeContentBytes int      `yaml:"large_content_bytes"`
}

// PrivilegeConfig controls how elevated privilege is detected.
type PrivilegeConfig struct {
	Markers          []string `yaml:"markers"`
	RootIsPrivileged bool     `yaml:"root_is_privileged"`
}

// DefaultPrivilegeMarkers are the su binaries whose presence indicates a rooted device.
var DefaultPrivilegeMarkers = []string{"/system/xbin/su", "/system/bin/su"}

// Default returns the configuration for the given mode.
func Default(mode ExecMode) *Config {
	var dataDir string
	if mode == ExecModeSystem {
		dataDir = "/var/lib/oracledrive"
	} else {
		dataDir = filepath.Join(GetRealUserHome(), ".oracledrive")
	}

	return &Config{
		Mode:              mode,
		DataDir:           dataDir,
		LogFile:           filepath.Join(dataDir, "oracledrive.log"),
		LogLevel:          "info",
		ConfirmationCode:  DefaultConfirmationCode,
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		LockoutWindow:     DefaultLockoutWindow,
		Privilege: PrivilegeConfig{
			Markers:          append([]string(nil), DefaultPrivilegeMarkers...),
			RootIsPrivileged: true,
		},
		Isolation:      IsolationLayered,
		Settings:       SettingsDatabase,
		Journal:        true,
		CheckFreeSpace: true,
	}
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() ExecMode {
	if os.Geteuid() == 0 {
		return ExecModeSystem
	}
	return ExecModeUser
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

// Load builds the configuration: defaults for the detected mode, then the
// YAML file at path (if non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	return LoadForMode(path, DetectExecMode())
}

// LoadForMode is Load with an explicit execution mode.
func LoadForMode(path string, mode ExecMode) (*Config, error) {
	cfg := Default(mode)
	defaultLog := cfg.LogFile

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Keep the log next to the data unless the log file was set explicitly.
	if cfg.LogFile == defaultLog {
		cfg.LogFile = filepath.Join(cfg.DataDir, "oracledrive.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envPrefix + "LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "CONFIRMATION_CODE"); v != "" {
		cfg.ConfirmationCode = v
	}
	if v := os.Getenv(envPrefix + "MAX_FAILED_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sMAX_FAILED_ATTEMPTS: %w", envPrefix, err)
		}
		cfg.MaxFailedAttempts = n
	}
	if v := os.Getenv(envPrefix + "LOCKOUT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sLOCKOUT_WINDOW: %w", envPrefix, err)
		}
		cfg.LockoutWindow = d
	}
	if v := os.Getenv(envPrefix + "ISOLATION"); v != "" {
		cfg.Isolation = v
	}
	if v := os.Getenv(envPrefix + "SETTINGS"); v != "" {
		cfg.Settings = v
	}
	if v := os.Getenv(envPrefix + "PRIVILEGE_MARKERS"); v != "" {
		cfg.Privilege.Markers = strings.Split(v, string(os.PathListSeparator))
	}
	return nil
}

// Validate rejects settings the rest of the program cannot work with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ConfirmationCode == "" {
		return fmt.Errorf("confirmation_code must not be empty")
	}
	if c.MaxFailedAttempts < 1 {
		return fmt.Errorf("max_failed_attempts must be at least 1, got %d", c.MaxFailedAttempts)
	}
	if c.LockoutWindow <= 0 {
		return fmt.Errorf("lockout_window must be positive, got %s", c.LockoutWindow)
	}
	switch c.Isolation {
	case IsolationLayered, IsolationNone:
	default:
		return fmt.Errorf("unknown isolation mode %q", c.Isolation)
	}
	switch c.Settings {
	case SettingsDatabase, SettingsFile:
	default:
		return fmt.Errorf("unknown settings backend %q", c.Settings)
	}
	return nil
}

// RiskRules merges the configured overrides into the default rule set.
func (c *Config) RiskRules() risk.Rules {
	rules := risk.DefaultRules()
	if len(c.Risk.CriticalPrefixes) > 0 {
		rules.CriticalPrefixes = c.Risk.CriticalPrefixes
	}
	if len(c.Risk.SystemPrefixes) > 0 {
		rules.SystemPrefixes = c.Risk.SystemPrefixes
	}
	if len(c.Risk.SuspiciousTokens) > 0 {
		rules.SuspiciousTokens = c.Risk.SuspiciousTokens
	}
	if c.Risk.LargeContentBytes > 0 {
		rules.LargeContentBytes = c.Risk.LargeContentBytes
	}
	return rules
}

// DatabasePath is where the encrypted store lives.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sandbox.db")
}

// SandboxRoot is where isolated sandbox layers are created.
func (c *Config) SandboxRoot() string {
	return filepath.Join(c.DataDir, "sandboxes")
}

// SettingsPath is the JSON counter file used by the file settings backend.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.json")
}

// JournalDir is where pre-commit backups are journaled.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}
