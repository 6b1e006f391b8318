// Package config handles configuration loading for conductor.
// It supports XDG config paths, project-level overrides, and environment
// variables, plus the YAML worker registry with hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for conductor.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Data       DataConfig       `mapstructure:"data"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Workers    WorkersConfig    `mapstructure:"workers"`
}

// ServerConfig holds gateway settings.
type ServerConfig struct {
	// Listen is the address the websocket gateway serves on.
	Listen string `mapstructure:"listen"`
}

// DataConfig holds storage locations.
type DataConfig struct {
	// Dir is the directory holding the checkpoint and memory databases.
	Dir string `mapstructure:"dir"`
}

// SupervisorConfig holds the review convergence policy.
type SupervisorConfig struct {
	// QualityThreshold is the minimum review score that completes a task.
	QualityThreshold float64 `mapstructure:"quality_threshold"`
	// MaxIterations caps review-fix cycles before a task fails.
	MaxIterations int `mapstructure:"max_iterations"`
	// DefaultTimeout bounds worker calls without a per-worker override.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// WorkersConfig locates the worker registry.
type WorkersConfig struct {
	// File is the path to the workers YAML registry. Empty means use the
	// built-in default registry.
	File string `mapstructure:"file"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CONDUCTOR_*)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.AutomaticEnv()
	v.BindEnv("server.listen", "CONDUCTOR_LISTEN")
	v.BindEnv("data.dir", "CONDUCTOR_DATA_DIR")
	v.BindEnv("workers.file", "CONDUCTOR_WORKERS_FILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Data.Dir = os.ExpandEnv(cfg.Data.Dir)
	cfg.Workers.File = os.ExpandEnv(cfg.Workers.File)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Data.Dir = os.ExpandEnv(cfg.Data.Dir)
	cfg.Workers.File = os.ExpandEnv(cfg.Workers.File)
	return cfg, nil
}

// CheckpointDBPath returns the checkpoint database path under the data dir.
func (c *Config) CheckpointDBPath() string {
	return filepath.Join(c.Data.Dir, "checkpoints.db")
}

// MemoryDBPath returns the memory database path under the data dir.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.Data.Dir, "memory.db")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:7433")
	v.SetDefault("data.dir", defaultDataDir())
	v.SetDefault("supervisor.quality_threshold", 0.75)
	v.SetDefault("supervisor.max_iterations", 3)
	v.SetDefault("supervisor.default_timeout", "5m")
	v.SetDefault("workers.file", "")
}

// defaultDataDir returns the XDG data directory for conductor.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".conductor")
	}
	return filepath.Join(home, ".local", "share", "conductor")
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: "127.0.0.1:7433"},
		Data:   DataConfig{Dir: defaultDataDir()},
		Supervisor: SupervisorConfig{
			QualityThreshold: 0.75,
			MaxIterations:    3,
			DefaultTimeout:   5 * time.Minute,
		},
	}
}
