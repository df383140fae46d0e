// Package config loads the orchestrator's declarative configuration from
// TOML or YAML via viper, with DROVER_* environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"drover/internal/consensus"
	"drover/internal/engine"
	"drover/internal/provider"
	"drover/internal/router"
)

// StateConfig locates the durable store.
type StateConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// EventsConfig tunes the bus and journal sink.
type EventsConfig struct {
	JournalPath            string `mapstructure:"journal_path"`
	MaxWorkers             int    `mapstructure:"max_workers"`
	QueueSize              int    `mapstructure:"queue_size"`
	SlowHandlerThresholdMs int    `mapstructure:"slow_handler_threshold_ms"`
}

// RouterConfig is the ordered rule list plus the required default.
type RouterConfig struct {
	Rules   []router.Rule   `mapstructure:"rules"`
	Default router.Decision `mapstructure:"default"`
}

// BudgetsConfig holds spend policy applied to new workflows.
type BudgetsConfig struct {
	DefaultUSD float64 `mapstructure:"default_usd"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WorkspaceConfig configures the local workspace collaborator.
type WorkspaceConfig struct {
	Root        string   `mapstructure:"root"`
	TestCommand []string `mapstructure:"test_command"`
}

// Config is the full configuration document.
type Config struct {
	Providers map[string]provider.Config  `mapstructure:"providers"`
	Router    RouterConfig                `mapstructure:"router"`
	Consensus map[string]consensus.Config `mapstructure:"consensus"`
	State     StateConfig                 `mapstructure:"state"`
	Events    EventsConfig                `mapstructure:"events"`
	Engine    engine.Config               `mapstructure:"engine"`
	Budgets   BudgetsConfig               `mapstructure:"budgets"`
	Server    ServerConfig                `mapstructure:"server"`
	Workspace WorkspaceConfig             `mapstructure:"workspace"`
	Log       LogConfig                   `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state.db_path", "state/workflows.db")
	v.SetDefault("events.journal_path", "events/events.ndjson")
	v.SetDefault("events.max_workers", 10)
	v.SetDefault("events.queue_size", 256)
	v.SetDefault("events.slow_handler_threshold_ms", 1000)
	v.SetDefault("engine.default_max_attempts", 3)
	v.SetDefault("engine.phase_timeout_seconds", 600)
	v.SetDefault("engine.call_timeout_seconds", 120)
	v.SetDefault("engine.stuck_threshold_seconds", 3600)
	v.SetDefault("engine.archive_retention_days", 30)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("workspace.root", "workspace")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration file at path. An empty path loads defaults
// and environment overrides only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects documents the runtime could not serve.
func (c *Config) Validate() error {
	if c.Router.Default.Provider == "" && !c.Router.Default.UseConsensus {
		return fmt.Errorf("router.default must name a provider")
	}
	enabled := 0
	for name, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.APIKeyEnv == "" {
			return fmt.Errorf("providers.%s is enabled but has no api_key_env", name)
		}
		if p.DefaultModel == "" {
			return fmt.Errorf("providers.%s is enabled but has no default_model", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}
	for name, group := range c.Consensus {
		if err := group.Validate(); err != nil {
			return fmt.Errorf("consensus.%s: %w", name, err)
		}
	}
	if c.State.DBPath == "" {
		return fmt.Errorf("state.db_path is required")
	}
	return nil
}
