// Package config loads settings from a yaml file and VK_ environment
// overrides, with sensible defaults for a single-user install.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/minhduc9699/vibe-kanban/internal/executor"
)

type Config struct {
	DataDir string `mapstructure:"data_dir"`
	DBPath  string `mapstructure:"db_path"`

	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`

	Executor executor.Profile `mapstructure:"executor"`

	// ApprovalPolicy is a path to a Lua script exporting decide(request).
	// Empty means no approval collaborator is attached.
	ApprovalPolicy string `mapstructure:"approval_policy"`

	// PlanScanner is the script import-plans runs against a project.
	PlanScanner string `mapstructure:"plan_scanner"`
}

func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir:      dataDir,
		DBPath:       filepath.Join(dataDir, "vibe-kanban.db"),
		Workers:      4,
		PollInterval: 2 * time.Second,
		Lease:        5 * time.Minute,
		Executor:     executor.Profile{Variant: "claude"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("VK_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vibe-kanban"
	}
	return filepath.Join(home, ".vibe-kanban")
}

func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(cfg.DataDir)
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "vibe-kanban"))
	}

	v.SetEnvPrefix("VK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file; defaults plus environment.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.Lease <= 0 {
		return fmt.Errorf("config: lease must be positive")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "vibe-kanban.db")
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}
