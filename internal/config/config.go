// Package config handles changegate configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tOgg1/changegate/internal/models"
)

// Config is the root configuration structure for changegate.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Workflow limits
	Workflow WorkflowConfig `yaml:"workflow" mapstructure:"workflow"`

	// Impact analysis tuning
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`

	// Approval policy source
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// SSH defaults for remote devices
	SSH SSHConfig `yaml:"ssh" mapstructure:"ssh"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where changegate stores its data (default: ~/.local/share/changegate).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/changegate).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// WorkflowConfig contains change request workflow settings.
type WorkflowConfig struct {
	// MaxPendingPerRequester caps PENDING requests per requester (0 disables).
	MaxPendingPerRequester int `yaml:"max_pending_per_requester" mapstructure:"max_pending_per_requester"`

	// ExecuteTimeout bounds a single apply.
	ExecuteTimeout time.Duration `yaml:"execute_timeout" mapstructure:"execute_timeout"`

	// AnalysisFailureRisk is the risk assigned when impact analysis fails.
	AnalysisFailureRisk models.RiskLevel `yaml:"analysis_failure_risk" mapstructure:"analysis_failure_risk"`
}

// AnalysisConfig contains impact analysis settings.
type AnalysisConfig struct {
	// MaxDependencyDepth bounds transitive closure traversal.
	MaxDependencyDepth int `yaml:"max_dependency_depth" mapstructure:"max_dependency_depth"`

	// CacheEntries sizes the variant result cache (0 disables caching).
	CacheEntries int `yaml:"cache_entries" mapstructure:"cache_entries"`

	// MaxChangeOperations caps the structured operations kept per analysis.
	MaxChangeOperations int `yaml:"max_change_operations" mapstructure:"max_change_operations"`
}

// PolicyConfig contains approval policy settings.
type PolicyConfig struct {
	// File is the YAML policy file (default: <config_dir>/policies.yaml).
	File string `yaml:"file" mapstructure:"file"`

	// Watch reloads the policy file when it changes.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// SSHConfig contains defaults for reaching remote devices.
type SSHConfig struct {
	// Backend is the default SSH backend (native, system, auto).
	Backend models.SSHBackend `yaml:"backend" mapstructure:"backend"`

	// User is the default SSH user when a device target has none.
	User string `yaml:"user" mapstructure:"user"`

	// Port is the default SSH port when a device target has none.
	Port int `yaml:"port" mapstructure:"port"`

	// KeyPath is the default SSH private key path.
	KeyPath string `yaml:"key_path" mapstructure:"key_path"`

	// Timeout is the connection timeout for SSH.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// ProxyJump is an optional jump host.
	ProxyJump string `yaml:"proxy_jump" mapstructure:"proxy_jump"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "changegate"),
			ConfigDir: filepath.Join(homeDir, ".config", "changegate"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/changegate.db
			MaxConnections: 4,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Workflow: WorkflowConfig{
			MaxPendingPerRequester: 10,
			ExecuteTimeout:         5 * time.Minute,
			AnalysisFailureRisk:    models.RiskHigh,
		},
		Analysis: AnalysisConfig{
			MaxDependencyDepth:  10,
			CacheEntries:        256,
			MaxChangeOperations: 200,
		},
		Policy: PolicyConfig{
			File:  "", // Will be set to ConfigDir/policies.yaml
			Watch: false,
		},
		SSH: SSHConfig{
			Backend: models.SSHBackendAuto,
			Port:    22,
			Timeout: 30 * time.Second,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	if c.Workflow.MaxPendingPerRequester < 0 {
		return fmt.Errorf("workflow.max_pending_per_requester must not be negative")
	}

	if c.Workflow.ExecuteTimeout < time.Second {
		return fmt.Errorf("workflow.execute_timeout must be at least 1s")
	}

	if !c.Workflow.AnalysisFailureRisk.Valid() {
		return fmt.Errorf("workflow.analysis_failure_risk must be one of low, medium, high, critical")
	}

	if c.Analysis.MaxDependencyDepth < 1 {
		return fmt.Errorf("analysis.max_dependency_depth must be at least 1")
	}

	if c.Analysis.CacheEntries < 0 || c.Analysis.MaxChangeOperations < 0 {
		return fmt.Errorf("analysis.cache_entries and analysis.max_change_operations must not be negative")
	}

	if c.SSH.Backend == "" || !c.SSH.Backend.Valid() {
		return fmt.Errorf("ssh.backend must be one of native, system, auto")
	}

	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port must be between 0 and 65535")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "changegate.db")
}

// PolicyPath returns the full policy file path.
func (c *Config) PolicyPath() string {
	if c.Policy.File != "" {
		return c.Policy.File
	}
	return filepath.Join(c.Global.ConfigDir, "policies.yaml")
}
