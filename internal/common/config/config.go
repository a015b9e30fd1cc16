// Package config loads the debug engine's configuration via viper, with
// typed sub-configs and defaults set once at Load() time.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/CapulusCodeNinja/mcp-nexus-sub012/internal/common/logger"
)

// Config is the root configuration record for the debug engine process.
type Config struct {
	ToolLocator ToolLocatorConfig `mapstructure:"tool_locator"`
	Process     ProcessConfig     `mapstructure:"process"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Session     SessionConfig     `mapstructure:"session"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     logger.Config     `mapstructure:"logging"`
}

// ToolLocatorConfig controls how the cdb binary is resolved.
type ToolLocatorConfig struct {
	ConfiguredPath string   `mapstructure:"configured_path"`
	SearchRoots    []string `mapstructure:"search_roots"`
	BinaryName     string   `mapstructure:"binary_name"`
}

// ProcessConfig controls ProcessSession timing.
type ProcessConfig struct {
	StartupDelaySeconds      int    `mapstructure:"startup_delay_seconds"`
	CommandTimeoutSeconds    int    `mapstructure:"command_timeout_seconds"`
	StopGraceSeconds         int    `mapstructure:"stop_grace_seconds"`
	CancelGraceSeconds       int    `mapstructure:"cancel_grace_seconds"`
	OutputOverflowBytes      int    `mapstructure:"output_overflow_bytes"`
	StartMarker              string `mapstructure:"start_marker"`
	EndMarker                string `mapstructure:"end_marker"`
	CommandSeparator         string `mapstructure:"command_separator"`
}

func (p ProcessConfig) StartupDelay() time.Duration {
	return time.Duration(p.StartupDelaySeconds) * time.Second
}

func (p ProcessConfig) CommandTimeout() time.Duration {
	return time.Duration(p.CommandTimeoutSeconds) * time.Second
}

func (p ProcessConfig) StopGrace() time.Duration {
	return time.Duration(p.StopGraceSeconds) * time.Second
}

func (p ProcessConfig) CancelGrace() time.Duration {
	return time.Duration(p.CancelGraceSeconds) * time.Second
}

// QueueConfig controls CommandQueue capacity.
type QueueConfig struct {
	SoftCap int `mapstructure:"soft_cap"`
}

// BatchConfig controls BatchProcessor merging.
type BatchConfig struct {
	MinBatch        int      `mapstructure:"min_batch"`
	MaxBatch        int      `mapstructure:"max_batch"`
	ExcludePrefixes []string `mapstructure:"exclude_prefixes"`
}

// SessionConfig controls SessionManager capacity and idle eviction.
type SessionConfig struct {
	MaxSessions        int `mapstructure:"max_sessions"`
	IdleTimeoutSeconds  int `mapstructure:"idle_timeout_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// RecoveryConfig controls RecoverySupervisor restart retries.
type RecoveryConfig struct {
	MaxRestartAttempts int `mapstructure:"max_restart_attempts"`
	RestartDelaySeconds int `mapstructure:"restart_delay_seconds"`
}

func (r RecoveryConfig) RestartDelay() time.Duration {
	return time.Duration(r.RestartDelaySeconds) * time.Second
}

// NotifyConfig selects and configures the NotificationBridge plus
// heartbeat/health sampling cadence.
type NotifyConfig struct {
	Bridge                string `mapstructure:"bridge"` // "mcp" | "websocket" | "nats"
	HeartbeatIntervalSeconds int  `mapstructure:"heartbeat_interval_seconds"`
	HealthIntervalSeconds    int  `mapstructure:"health_interval_seconds"`
	WebsocketAddr         string `mapstructure:"websocket_addr"`
	NatsURL               string `mapstructure:"nats_url"`
	NatsSubjectPrefix     string `mapstructure:"nats_subject_prefix"`
	MCPAddr               string `mapstructure:"mcp_addr"`
}

func (n NotifyConfig) HeartbeatInterval() time.Duration {
	return time.Duration(n.HeartbeatIntervalSeconds) * time.Second
}

func (n NotifyConfig) HealthInterval() time.Duration {
	return time.Duration(n.HealthIntervalSeconds) * time.Second
}

// Load reads configuration from environment (DBG_ prefix), file (if present)
// and built-in defaults; environment overrides file, file overrides defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DBG")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tool_locator.binary_name", "cdb.exe")
	v.SetDefault("tool_locator.search_roots", []string{
		`C:\Program Files\Windows Kits\10\Debuggers`,
		`C:\Program Files (x86)\Windows Kits\10\Debuggers`,
	})

	v.SetDefault("process.startup_delay_seconds", 10)
	v.SetDefault("process.command_timeout_seconds", 120)
	v.SetDefault("process.stop_grace_seconds", 5)
	v.SetDefault("process.cancel_grace_seconds", 3)
	v.SetDefault("process.output_overflow_bytes", 8*1024*1024)
	v.SetDefault("process.start_marker", "<<<DBGENGINE_START_2f6a>>>")
	v.SetDefault("process.end_marker", "<<<DBGENGINE_END_2f6a>>>")
	v.SetDefault("process.command_separator", "<<<DBGENGINE_SEP_2f6a>>>")

	v.SetDefault("queue.soft_cap", 500)

	v.SetDefault("batch.min_batch", 2)
	v.SetDefault("batch.max_batch", 5)
	v.SetDefault("batch.exclude_prefixes", []string{"!analyze"})

	v.SetDefault("session.max_sessions", 16)
	v.SetDefault("session.idle_timeout_seconds", 1800)
	v.SetDefault("session.sweep_interval_seconds", 60)

	v.SetDefault("recovery.max_restart_attempts", 3)
	v.SetDefault("recovery.restart_delay_seconds", 2)

	v.SetDefault("notify.bridge", "mcp")
	v.SetDefault("notify.heartbeat_interval_seconds", 5)
	v.SetDefault("notify.health_interval_seconds", 30)
	v.SetDefault("notify.mcp_addr", ":7777")
	v.SetDefault("notify.websocket_addr", ":7778")
	v.SetDefault("notify.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("notify.nats_subject_prefix", "debugengine.notifications")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}
