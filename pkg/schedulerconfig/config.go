// Package schedulerconfig loads the core's tunables from environment
// variables (with optional YAML overlay and live-reload), grounded on
// pkg/config.Manager's viper+fsnotify pattern but scoped to the
// scheduler's own environment variables from spec §6 rather than the
// whole application's configuration surface.
package schedulerconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds every tunable the core consults, each defaulted per §4
// and overridable by its environment variable.
type Config struct {
	MaxModelsPerGPU       int           `mapstructure:"max_models_per_gpu"`
	MemorySafetyMarginMiB int           `mapstructure:"memory_safety_margin_mb"`
	PollInterval          time.Duration `mapstructure:"poll_interval_ms"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatTimeout      time.Duration `mapstructure:"heartbeat_timeout_seconds"`
	WebhookMaxRetries     int           `mapstructure:"webhook_max_retries"`
	AlertCheckInterval    time.Duration `mapstructure:"alert_check_interval_seconds"`
}

// defaults mirror the per-field defaults spelled out in §4, expressed in
// the same units viper will read them back as after unmarshalling.
func defaults() Config {
	return Config{
		MaxModelsPerGPU:       2,
		MemorySafetyMarginMiB: 2048,
		PollInterval:          100 * time.Millisecond,
		HeartbeatInterval:     10 * time.Second,
		HeartbeatTimeout:      30 * time.Second,
		WebhookMaxRetries:     3,
		AlertCheckInterval:    60 * time.Second,
	}
}

// Manager wraps a viper instance bound to the SCHEDULER_ env prefix, with
// an optional YAML file for operators who prefer files to environment
// variables. Environment variables always win over the file, matching
// viper's own precedence, since they are the interface spec §6 commits to.
type Manager struct {
	viper      *viper.Viper
	configPath string
}

// NewManager constructs a Manager. configPath may be empty, in which case
// only environment variables and the built-in defaults apply.
func NewManager(configPath string) *Manager {
	v := viper.New()
	d := defaults()
	v.SetDefault("max_models_per_gpu", d.MaxModelsPerGPU)
	v.SetDefault("memory_safety_margin_mb", d.MemorySafetyMarginMiB)
	v.SetDefault("poll_interval_ms", d.PollInterval)
	v.SetDefault("heartbeat_interval_seconds", d.HeartbeatInterval)
	v.SetDefault("heartbeat_timeout_seconds", d.HeartbeatTimeout)
	v.SetDefault("webhook_max_retries", d.WebhookMaxRetries)
	v.SetDefault("alert_check_interval_seconds", d.AlertCheckInterval)

	v.AutomaticEnv()
	v.SetEnvPrefix("SCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	return &Manager{viper: v, configPath: configPath}
}

// Load reads the optional YAML overlay (if configPath is set and the file
// exists), then environment variables on top, and unmarshals into Config.
// A missing file at an explicitly configured path is an error; an unset
// configPath is not.
func (m *Manager) Load() (*Config, error) {
	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading scheduler config %s: %w", m.configPath, err)
		}
	}

	// The duration keys carry their unit in their name; a bare number from
	// the environment or the YAML file is read in that unit.
	for key, unit := range map[string]time.Duration{
		"poll_interval_ms":             time.Millisecond,
		"heartbeat_interval_seconds":   time.Second,
		"heartbeat_timeout_seconds":    time.Second,
		"alert_check_interval_seconds": time.Second,
	} {
		if n, err := strconv.Atoi(m.viper.GetString(key)); err == nil {
			m.viper.Set(key, time.Duration(n)*unit)
		}
	}

	cfg := defaults()
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling scheduler config: %w", err)
	}
	if cfg.MaxModelsPerGPU <= 0 {
		return nil, fmt.Errorf("max_models_per_gpu must be positive, got %d", cfg.MaxModelsPerGPU)
	}
	if cfg.MemorySafetyMarginMiB < 0 {
		return nil, fmt.Errorf("memory_safety_margin_mb must be non-negative, got %d", cfg.MemorySafetyMarginMiB)
	}
	return &cfg, nil
}

// WatchConfig re-invokes callback whenever the YAML overlay changes on
// disk; a no-op when no file is configured.
func (m *Manager) WatchConfig(callback func()) {
	if m.configPath == "" {
		return
	}
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if callback != nil {
			callback()
		}
	})
}
