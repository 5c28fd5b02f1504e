package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return errors.New("app_id is required")
	}
	if c.WSURL == "" {
		return errors.New("ws_url is required")
	}

	if c.Source.Token == "" {
		return errors.New("source.token is required")
	}

	if len(c.Destinations) == 0 {
		return errors.New("at least one destination is required")
	}
	for i, d := range c.Destinations {
		if d.Token == "" {
			return fmt.Errorf("destinations[%d].token is required", i)
		}
	}

	if c.Connection.PingInterval <= 0 {
		return errors.New("connection.ping_interval must be > 0")
	}
	if c.Connection.WatchdogInterval <= 0 {
		return errors.New("connection.watchdog_interval must be > 0")
	}
	if c.Connection.RetryDelay <= 0 {
		return errors.New("connection.retry_delay must be > 0")
	}
	if c.Connection.MaxRetries < 1 {
		return errors.New("connection.max_retries must be >= 1")
	}
	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}
