package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string `yaml:"log_level"`
	NodeID      string `yaml:"node_id"`
	AccessLog   string `yaml:"access_log"`
	LedgerDB    string `yaml:"ledger_db"`
	ProxyConfig string `yaml:"proxy_config"`

	Stats   StatsConfig   `yaml:"stats"`
	Cron    CronConfig    `yaml:"cron"`
	Abuse   AbuseConfig   `yaml:"abuse"`
	Billing BillingConfig `yaml:"billing"`
	Sync    SyncConfig    `yaml:"sync"`

	RestartCommand []string `yaml:"restart_command"`

	ObservabilityHTTP ObservabilityConfig `yaml:"observability_http"`
}

// StatsConfig describes how to invoke the proxy engine's stats command.
type StatsConfig struct {
	Binary    string `yaml:"binary"`
	APIServer string `yaml:"api_server"`
	Timeout   int    `yaml:"timeout"` // seconds
}

type CronConfig struct {
	Interval int `yaml:"interval"` // seconds between ticks
	Timeout  int `yaml:"timeout"`  // seconds to await the job sequence
	Watchdog int `yaml:"watchdog"` // seconds before the slow-tick notice
}

type AbuseConfig struct {
	WindowMinutes  int    `yaml:"window_minutes"`
	MaxConnections int    `yaml:"max_connections"`
	Reactivate     bool   `yaml:"reactivate"`
	RoutingTag     string `yaml:"routing_tag"`
	PeerTimeout    int    `yaml:"peer_timeout"` // seconds per remote log fetch
}

type BillingConfig struct {
	DefaultExpireDays int `yaml:"default_expire_days"`
}

type SyncConfig struct {
	Listen      string `yaml:"listen"`
	APIKey      string `yaml:"api_key"`
	Interval    int    `yaml:"interval"`     // seconds between push-sync runs
	PeerTimeout int    `yaml:"peer_timeout"` // seconds per peer call
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr"`
	Pprof   bool   `yaml:"pprof"`
	Metrics bool   `yaml:"metrics"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}
	if cfg.AccessLog == "" {
		return nil, fmt.Errorf("access_log is required")
	}
	if cfg.LedgerDB == "" {
		cfg.LedgerDB = "ledger.sqlite"
	}
	if cfg.ProxyConfig == "" {
		return nil, fmt.Errorf("proxy_config is required")
	}

	if cfg.Stats.Binary == "" {
		cfg.Stats.Binary = "xray"
	}
	if cfg.Stats.APIServer == "" {
		cfg.Stats.APIServer = "127.0.0.1:10085"
	}
	if cfg.Stats.Timeout == 0 {
		cfg.Stats.Timeout = 30
	}

	if cfg.Cron.Interval == 0 {
		cfg.Cron.Interval = 60
	}
	if cfg.Cron.Timeout == 0 {
		cfg.Cron.Timeout = 300
	}
	if cfg.Cron.Watchdog == 0 {
		cfg.Cron.Watchdog = 120
	}
	if cfg.Cron.Watchdog >= cfg.Cron.Timeout {
		return nil, fmt.Errorf("cron: watchdog (%ds) must be shorter than timeout (%ds)", cfg.Cron.Watchdog, cfg.Cron.Timeout)
	}

	if cfg.Abuse.WindowMinutes == 0 {
		cfg.Abuse.WindowMinutes = 5
	}
	if cfg.Abuse.MaxConnections == 0 {
		cfg.Abuse.MaxConnections = 3
	}
	if cfg.Abuse.RoutingTag == "" {
		cfg.Abuse.RoutingTag = "baduser"
	}
	if cfg.Abuse.PeerTimeout == 0 {
		cfg.Abuse.PeerTimeout = 5
	}

	if cfg.Billing.DefaultExpireDays == 0 {
		cfg.Billing.DefaultExpireDays = 30
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 300
	}
	if cfg.Sync.PeerTimeout == 0 {
		cfg.Sync.PeerTimeout = 10
	}
	if cfg.Sync.Listen != "" && cfg.Sync.APIKey == "" {
		return nil, fmt.Errorf("sync: api_key is required when listen is set")
	}

	if len(cfg.RestartCommand) == 0 {
		cfg.RestartCommand = []string{"systemctl", "restart", "xray"}
	}

	return &cfg, nil
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
