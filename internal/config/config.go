// Package config loads and validates diagnostics configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/canvasgrab/scrape-diagnostics/internal/recycle"
)

// Config captures all subsystem configuration knobs loaded via Viper.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Recycler recycle.Config `mapstructure:"recycler"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StorageConfig locates the durable artifact store.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// SessionsConfig controls session record layout and the stale-session reaper.
type SessionsConfig struct {
	Dir            string       `mapstructure:"dir"`
	SummaryFile    string       `mapstructure:"summary_file"`
	DiagnosticsDir string       `mapstructure:"diagnostics_dir"`
	Reaper         ReaperConfig `mapstructure:"reaper"`
}

// ReaperConfig governs force-ending of abandoned live sessions.
// Disabled by default.
type ReaperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPEDIAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.base_dir", "data/diagnostics")
	v.SetDefault("sessions.dir", "sessions")
	v.SetDefault("sessions.summary_file", "summary.ndjson")
	v.SetDefault("sessions.diagnostics_dir", "diagnostics")
	v.SetDefault("sessions.reaper.enabled", false)
	v.SetDefault("sessions.reaper.interval", time.Minute)
	v.SetDefault("sessions.reaper.max_age", 15*time.Minute)
	v.SetDefault("recycler.max_tasks_per_cycle", recycle.DefaultMaxTasksPerCycle)
	v.SetDefault("recycler.memory_limit_mb", float64(recycle.DefaultMemoryLimitMB))
	v.SetDefault("logging.development", false)
}

// Validate checks cross-field constraints after unmarshaling.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Storage.BaseDir) == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Recycler.MaxTasksPerCycle < 0 {
		return fmt.Errorf("recycler.max_tasks_per_cycle must not be negative")
	}
	if c.Recycler.MemoryLimitMB < 0 {
		return fmt.Errorf("recycler.memory_limit_mb must not be negative")
	}
	if c.Sessions.Reaper.Enabled {
		if c.Sessions.Reaper.Interval <= 0 {
			return fmt.Errorf("sessions.reaper.interval must be positive when the reaper is enabled")
		}
		if c.Sessions.Reaper.MaxAge <= 0 {
			return fmt.Errorf("sessions.reaper.max_age must be positive when the reaper is enabled")
		}
	}
	return nil
}
