package taskorch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultDir is the per-project state directory.
	DefaultDir = ".task-orchestrator"

	// ConfigFileName is the config file name inside DefaultDir.
	ConfigFileName = "config.yaml"

	// EnvDBPath overrides Database.Path.
	EnvDBPath = "TM_DB_PATH"

	// EnvAgentID overrides AgentID.
	EnvAgentID = "TM_AGENT_ID"

	// EnvLogLevel overrides Log.Level.
	EnvLogLevel = "TM_LOG_LEVEL"
)

// Config holds store and process settings.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Lock     LockConfig     `yaml:"lock"`
	Log      LogConfig      `yaml:"log"`

	// AgentID identifies this process in assignments and notifications.
	AgentID string `yaml:"agent_id,omitempty"`

	Features Features `yaml:"features"`

	// MinimalMode disables every optional feature regardless of Features.
	MinimalMode bool `yaml:"minimal_mode"`
}

// DatabaseConfig locates the store.
type DatabaseConfig struct {
	Path string `yaml:"path"`

	// BackupDir receives pre-migration backups. Defaults to a "backups"
	// directory next to the database.
	BackupDir string `yaml:"backup_dir,omitempty"`

	// AutoMigrate applies pending migrations when the store is opened.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// LockConfig tunes the cross-process lock.
type LockConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	StaleAfter time.Duration `yaml:"stale_after"`
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Features toggles optional task fields.
type Features struct {
	SuccessCriteria     bool `yaml:"success-criteria"`
	Feedback            bool `yaml:"feedback"`
	CompletionSummaries bool `yaml:"completion-summaries"`
	TimeTracking        bool `yaml:"time-tracking"`
	Deadlines           bool `yaml:"deadlines"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path:        filepath.Join(DefaultDir, "tasks.db"),
			AutoMigrate: true,
		},
		Lock: LockConfig{
			Timeout:    10 * time.Second,
			StaleAfter: 30 * time.Second,
			RetryBase:  50 * time.Millisecond,
			RetryMax:   time.Second,
		},
		Log: LogConfig{Level: "info"},
		Features: Features{
			SuccessCriteria:     true,
			Feedback:            true,
			CompletionSummaries: true,
			TimeTracking:        true,
			Deadlines:           true,
		},
	}
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// it exists), then environment variables. An empty path means
// .task-orchestrator/config.yaml.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(DefaultDir, ConfigFileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.

	case err != nil:
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)

	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path,
				err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvAgentID); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return &ErrInvalidConfiguration{
			Field: "database.path", Reason: "must not be empty",
		}
	}
	if c.Lock.Timeout <= 0 {
		return &ErrInvalidConfiguration{
			Field: "lock.timeout", Reason: "must be positive",
		}
	}
	if c.Lock.StaleAfter <= 0 {
		return &ErrInvalidConfiguration{
			Field: "lock.stale_after", Reason: "must be positive",
		}
	}
	if c.Lock.RetryBase <= 0 || c.Lock.RetryMax < c.Lock.RetryBase {
		return &ErrInvalidConfiguration{
			Field:  "lock.retry_base",
			Reason: "must be positive and not exceed lock.retry_max",
		}
	}
	return nil
}

// BackupDir returns the configured backup directory or its default.
func (c *Config) BackupDir() string {
	if c.Database.BackupDir != "" {
		return c.Database.BackupDir
	}
	return filepath.Join(filepath.Dir(c.Database.Path), "backups")
}

// LockPath returns the lock file path for the database.
func (c *Config) LockPath() string {
	return c.Database.Path + ".lock"
}

// EnabledFeatures returns the feature set in effect. Minimal mode turns
// everything off.
func (c *Config) EnabledFeatures() Features {
	if c.MinimalMode {
		return Features{}
	}
	return c.Features
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
