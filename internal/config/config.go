// Package config loads and validates the mirror engine configuration.
//
// Configuration is YAML with ${VAR} environment expansion, so access tokens
// stay out of the file itself.
package config

import "time"

// Config is the root configuration for a mirror instance.
type Config struct {
	AppID        string            `yaml:"app_id"`
	WSURL        string            `yaml:"ws_url"`
	Source       SideConfig        `yaml:"source"`
	Destinations []SideConfig      `yaml:"destinations"`
	Connection   ConnectionConfig  `yaml:"connection"`
	Replication  ReplicationConfig `yaml:"replication"`
	Journal      JournalConfig     `yaml:"journal"`
	Health       HealthConfig      `yaml:"health"`
}

// SideConfig holds credentials for one side of the relay.
type SideConfig struct {
	Token   string `yaml:"token"`
	Account string `yaml:"account"` // optional sub-account login hint
}

// ConnectionConfig holds connection supervisor settings, shared by both sides.
type ConnectionConfig struct {
	PingInterval     time.Duration `yaml:"ping_interval"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// ReplicationConfig holds mapper settings.
type ReplicationConfig struct {
	// ScaleByBalance selects balance-ratio volume scaling. Defaults to true;
	// nil means unset.
	ScaleByBalance *bool `yaml:"scale_by_balance"`
}

// ScaleByBalanceEnabled reports the effective scaling mode.
func (r ReplicationConfig) ScaleByBalanceEnabled() bool {
	return r.ScaleByBalance == nil || *r.ScaleByBalance
}

// JournalConfig holds the optional audit journal settings.
// An empty DSN disables the journal.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
