package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL            = "wss://ws.derivws.com/websockets/v3"
	DefaultPingInterval     = 15 * time.Second
	DefaultWatchdogInterval = 30 * time.Second
	DefaultStaleAfter       = 60 * time.Second
	DefaultRetryDelay       = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultWriteTimeout     = 5 * time.Second
	DefaultBufferSize       = 1000
	DefaultHealthPort       = 8080
)

func (c *Config) applyDefaults() {
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}

	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.WatchdogInterval == 0 {
		c.Connection.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.Connection.StaleAfter == 0 {
		c.Connection.StaleAfter = DefaultStaleAfter
	}
	if c.Connection.RetryDelay == 0 {
		c.Connection.RetryDelay = DefaultRetryDelay
	}
	if c.Connection.MaxRetries == 0 {
		c.Connection.MaxRetries = DefaultMaxRetries
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}
