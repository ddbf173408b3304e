package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow TickflowConfig `yaml:"tickflow"`
	Engine   EngineConfig   `yaml:"engine"`
	Channels ChannelsConfig `yaml:"channels"`
	Source   SourceConfig   `yaml:"source"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// EngineConfig controls the ingestion lifecycle and the price ledger.
type EngineConfig struct {
	Exchange      string        `yaml:"exchange"`
	StartAttempts int           `yaml:"start_attempts"`
	StartBackoff  time.Duration `yaml:"start_backoff"`
	RestartWait   time.Duration `yaml:"restart_wait"`
	WatchTimeout  time.Duration `yaml:"watch_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	TeardownGrace time.Duration `yaml:"teardown_grace"`
	HistoryLimit  int           `yaml:"history_limit"`
	ComputeChange bool          `yaml:"compute_change"`
}

type ChannelsConfig struct {
	QueueBuffer   int           `yaml:"queue_buffer"`
	DrainInterval time.Duration `yaml:"drain_interval"`
}

type SourceConfig struct {
	Mode string          `yaml:"mode"`
	WS   WSSourceConfig  `yaml:"ws"`
	Sim  SimSourceConfig `yaml:"sim"`
}

type WSSourceConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ValidateTimeout  time.Duration `yaml:"validate_timeout"`
}

type SimSourceConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	StartPrice   float64       `yaml:"start_price"`
}

type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Engine: EngineConfig{
			Exchange:      "BINANCE",
			StartAttempts: 3,
			StartBackoff:  500 * time.Millisecond,
			RestartWait:   5 * time.Second,
			WatchTimeout:  30 * time.Second,
			PollInterval:  time.Second,
			TeardownGrace: time.Second,
			HistoryLimit:  100,
		},
		Channels: ChannelsConfig{
			QueueBuffer:   256,
			DrainInterval: 100 * time.Millisecond,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides for deployment-specific values
	if v := os.Getenv("TICKFLOW_SERVER_ADDRESS"); v != "" {
		config.Server.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("TICKFLOW_SOURCE_URL"); v != "" {
		config.Source.WS.URL = strings.TrimSpace(v)
	}

	config.Engine.Exchange = strings.ToUpper(strings.TrimSpace(config.Engine.Exchange))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Engine.Exchange == "" {
		return fmt.Errorf("engine.exchange is required")
	}

	if cfg.Engine.StartAttempts <= 0 {
		return fmt.Errorf("engine.start_attempts must be greater than 0")
	}

	if cfg.Engine.WatchTimeout <= 0 {
		return fmt.Errorf("engine.watch_timeout must be greater than 0")
	}

	if cfg.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be greater than 0")
	}

	if cfg.Engine.TeardownGrace <= 0 {
		return fmt.Errorf("engine.teardown_grace must be greater than 0")
	}

	if cfg.Engine.HistoryLimit <= 0 {
		return fmt.Errorf("engine.history_limit must be greater than 0")
	}

	if cfg.Channels.QueueBuffer <= 0 {
		return fmt.Errorf("channels.queue_buffer must be greater than 0")
	}

	if cfg.Channels.DrainInterval <= 0 {
		return fmt.Errorf("channels.drain_interval must be greater than 0")
	}

	switch cfg.Source.Mode {
	case "ws":
		if cfg.Source.WS.URL == "" {
			return fmt.Errorf("source.ws.url is required when source.mode is 'ws'")
		}
	case "sim":
		if cfg.Source.Sim.TickInterval <= 0 {
			return fmt.Errorf("source.sim.tick_interval must be greater than 0")
		}
	default:
		return fmt.Errorf("source.mode must be 'ws' or 'sim', got '%s'", cfg.Source.Mode)
	}

	if cfg.Server.Enabled && cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required when server.enabled is true")
	}

	return nil
}
