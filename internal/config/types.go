package config

// Config is the root configuration for the herald daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the delivery processor loop.
	Engine EngineConfig `json:"engine"`

	// Health controls the channel health monitor.
	Health HealthConfig `json:"health"`

	// Store controls the durable in-app inbox.
	Store *StoreConfig `json:"store,omitempty"`

	// Metrics controls the Prometheus exporter.
	Metrics *MetricsConfig `json:"metrics,omitempty"`

	// Channels registered at bootstrap. Rules, templates and recipients are
	// registered by the host application through the engine API.
	Channels []ChannelConfig `json:"channels,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// EngineConfig controls the delivery processor.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - dispatch_limit: 10
//   - max_attempts: 3
//   - retry_max_delay: "300s"
//   - business_hours: 09:00-18:00
type EngineConfig struct {
	// Tick is the processor cadence; due deliveries are collected per tick.
	Tick string `json:"tick,omitempty"`

	// DispatchLimit bounds concurrent in-flight sends across all channels.
	DispatchLimit int `json:"dispatch_limit,omitempty"`

	// MaxAttempts is the default per-delivery attempt cap when the channel
	// config does not override it.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// RetryMaxDelay caps the exponential retry backoff.
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// Timezone is the IANA zone used for business-hours scheduling when a
	// recipient has no zone of their own. Empty means time.Local.
	Timezone string `json:"timezone,omitempty"`

	BusinessHoursStart int `json:"business_hours_start,omitempty"`
	BusinessHoursEnd   int `json:"business_hours_end,omitempty"`
}

// HealthConfig controls the periodic channel health probes.
//
// Defaults: interval "30s", down threshold 0.5, degraded threshold 0.25.
type HealthConfig struct {
	Interval          string  `json:"interval,omitempty"`
	DownThreshold     float64 `json:"down_threshold,omitempty"`
	DegradedThreshold float64 `json:"degraded_threshold,omitempty"`
}

// StoreConfig controls the durable per-recipient inbox.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, ephemeral deployments)
//
// If Driver is empty or "none", the inbox is disabled and in-app deliveries
// are fanned out on the bus only.
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	InboxCap    int    `json:"inbox_cap,omitempty"`    // default 100
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9090"
}

// ChannelConfig declares one delivery channel at bootstrap.
type ChannelConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type"` // email|sms|push|in_app|chat_webhook
	Enabled  *bool  `json:"enabled,omitempty"`
	Priority int    `json:"priority,omitempty"`

	Endpoint      string `json:"endpoint,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RatePerMinute int    `json:"rate_per_minute,omitempty"`

	// Telegram applies to chat_webhook channels backed by a Telegram bot
	// instead of a generic HTTP webhook.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}
