// Package config provides configuration loading and validation for the
// router daemon. Values come from defaults, an optional YAML file, and
// ROUTER_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// SocketConfig describes the local RPC transport endpoint.
type SocketConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// DatabaseConfig describes the matched-message queue storage.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// RouterConfig holds dispatch policy knobs.
type RouterConfig struct {
	// DispatchInactive controls whether a trigger whose workflow is
	// currently inactive still fires on a matching message. Kept on by
	// default so manual test executions observe real traffic.
	DispatchInactive bool `mapstructure:"dispatch_inactive"`

	// ChannelFilterSubstring enables the legacy substring comparison for
	// the channel filter instead of exact id equality.
	ChannelFilterSubstring bool `mapstructure:"channel_filter_substring"`
}

// TaskConfig configures one scheduled maintenance task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig configures the background maintenance scheduler.
type SchedulerConfig struct {
	// PruneMaxAgeMinutes is how long a trigger registration may go without
	// a status update from its owning worker before it is dropped.
	PruneMaxAgeMinutes int `mapstructure:"prune_max_age_minutes" validate:"min=1"`

	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// Config is the root configuration for the daemon.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Socket    SocketConfig    `mapstructure:"socket"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Router    RouterConfig    `mapstructure:"router"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// DefaultSocketPath returns the platform-appropriate local transport address.
// Workers derive the same path, so no user-facing flag is needed.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "trigrelay.sock")
	}
	return filepath.Join(os.TempDir(), "trigrelay.sock")
}

// LoadConfig loads and validates configuration. path may point to a YAML
// file; a missing file is not an error and defaults are used instead.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)

	v.SetDefault("socket.path", DefaultSocketPath())

	v.SetDefault("database.path", "trigrelay.db")

	v.SetDefault("router.dispatch_inactive", true)
	v.SetDefault("router.channel_filter_substring", false)

	v.SetDefault("scheduler.prune_max_age_minutes", 10)
	v.SetDefault("scheduler.tasks", map[string]TaskConfig{
		"prune-stale-triggers": {Enabled: true, Schedule: "*/2 * * * *"},
		"prune-message-queue":  {Enabled: true, Schedule: "0 * * * *"},
		"sql-maintenance":      {Enabled: true, Schedule: "0 4 * * *"},
	})
}
