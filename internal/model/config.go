// Package model defines the data structures for the agent's configuration, reports, and durable queue entries.
package model

type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Server        ServerConfig        `yaml:"server"`
	Watcher       WatcherConfig       `yaml:"watcher"`
	Queue         QueueConfig         `yaml:"queue"`
	Push          PushConfig          `yaml:"push"`
	Store         StoreConfig         `yaml:"store"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Limits        LimitsConfig        `yaml:"limits"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type AgentConfig struct {
	ResponderID string `yaml:"responder_id"`
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name"`
}

type ServerConfig struct {
	BaseURL           string `yaml:"base_url"`
	SocketURL         string `yaml:"socket_url"`
	AuthToken         string `yaml:"auth_token"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type WatcherConfig struct {
	PollIntervalSec   int     `yaml:"poll_interval_sec"`
	HealthIntervalSec int     `yaml:"health_interval_sec"`
	HealthTimeoutSec  int     `yaml:"health_timeout_sec"`
	DebounceSec       float64 `yaml:"debounce_sec"`
}

type QueueConfig struct {
	DrainConcurrency int `yaml:"drain_concurrency"`
	MaxAttempts      int `yaml:"max_attempts"` // 0 = retry forever
	RequestRetries   int `yaml:"request_retries"`
	RetryBackoffMs   int `yaml:"retry_backoff_ms"`
}

type PushConfig struct {
	Enabled      bool `yaml:"enabled"`
	ReconnectSec int  `yaml:"reconnect_sec"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "yaml" or "sqlite"
	Path   string `yaml:"path"`
}

type NotificationsConfig struct {
	MaxEntries int  `yaml:"max_entries"`
	Desktop    bool `yaml:"desktop"`
}

type LimitsConfig struct {
	MaxPendingActions int `yaml:"max_pending_actions"`
	MaxLabelBytes     int `yaml:"max_label_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	StoreDriverYAML   = "yaml"
	StoreDriverSQLite = "sqlite"
)

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.RequestTimeoutSec <= 0 {
		c.Server.RequestTimeoutSec = 10
	}
	if c.Watcher.PollIntervalSec <= 0 {
		c.Watcher.PollIntervalSec = 5
	}
	if c.Watcher.HealthIntervalSec <= 0 {
		c.Watcher.HealthIntervalSec = 5
	}
	if c.Watcher.HealthTimeoutSec <= 0 {
		c.Watcher.HealthTimeoutSec = 5
	}
	if c.Watcher.DebounceSec <= 0 {
		c.Watcher.DebounceSec = 0.5
	}
	if c.Queue.DrainConcurrency <= 0 {
		c.Queue.DrainConcurrency = 1
	}
	if c.Queue.MaxAttempts < 0 {
		c.Queue.MaxAttempts = 0
	}
	if c.Queue.RequestRetries <= 0 {
		c.Queue.RequestRetries = 1
	}
	if c.Queue.RetryBackoffMs <= 0 {
		c.Queue.RetryBackoffMs = 500
	}
	if c.Push.ReconnectSec <= 0 {
		c.Push.ReconnectSec = 5
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverYAML
	}
	if c.Notifications.MaxEntries <= 0 {
		c.Notifications.MaxEntries = 200
	}
	if c.Limits.MaxPendingActions <= 0 {
		c.Limits.MaxPendingActions = 500
	}
	if c.Limits.MaxLabelBytes <= 0 {
		c.Limits.MaxLabelBytes = 1024
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
