package config

import (
	"time"

	"github.com/rickgao/marketfeed/pkg/connection"
)

// Default values for optional configuration fields.
const (
	DefaultNetwork              = string(connection.Mainnet)
	DefaultReconnectDelay       = 1 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultAuthTimeout          = 10 * time.Second
	DefaultRequestTimeout       = 10 * time.Second
	DefaultConnectTimeout       = 20 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultLogMaxSizeMB         = 100
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	// Client defaults
	if c.Client.Network == "" {
		c.Client.Network = DefaultNetwork
	}
	if c.Client.AutoReconnect == nil {
		on := true
		c.Client.AutoReconnect = &on
	}
	if c.Client.ReconnectDelay == 0 {
		c.Client.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Client.MaxReconnectAttempts == 0 {
		c.Client.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Client.AuthTimeout == 0 {
		c.Client.AuthTimeout = DefaultAuthTimeout
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = DefaultRequestTimeout
	}
	if c.Client.ConnectTimeout == 0 {
		c.Client.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Client.WriteTimeout == 0 {
		c.Client.WriteTimeout = DefaultWriteTimeout
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
}

// Connection converts the client section into a connection.Config.
func (c ClientConfig) Connection() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.Network = connection.Network(c.Network)
	cfg.URL = c.URL
	if c.AutoReconnect != nil {
		cfg.AutoReconnect = *c.AutoReconnect
	}
	cfg.ReconnectDelay = c.ReconnectDelay
	cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	cfg.Debug = c.Debug
	cfg.AuthTimeout = c.AuthTimeout
	cfg.RequestTimeout = c.RequestTimeout
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.WriteTimeout = c.WriteTimeout
	return cfg
}
