package config

import "time"

// Config is the root configuration for the marketfeed CLI.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`
}

// ClientConfig holds connection manager settings.
type ClientConfig struct {
	Network              string        `yaml:"network" validate:"oneof=mainnet testnet"`
	URL                  string        `yaml:"url" validate:"omitempty,url"` // Overrides the network default
	AutoReconnect        *bool         `yaml:"auto_reconnect"`               // Defaults to true when absent
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" validate:"gte=0"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" validate:"gte=0"`
	Debug                bool          `yaml:"debug"`
	AuthTimeout          time.Duration `yaml:"auth_timeout" validate:"gt=0"`
	RequestTimeout       time.Duration `yaml:"request_timeout" validate:"gt=0"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	WriteTimeout         time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// StreamConfig selects what the stream command subscribes to.
type StreamConfig struct {
	Wallet     string         `yaml:"wallet"`     // Authenticate with this wallet when set
	Balance    bool           `yaml:"balance"`    // Fetch the balance after authenticating
	Prices     []string       `yaml:"prices"`     // Assets; "*" subscribes to every asset
	OrderBooks []string       `yaml:"orderbooks"` // Assets
	Trades     []string       `yaml:"trades"`     // Assets
	Candles    []CandleConfig `yaml:"candles" validate:"dive"`
}

// CandleConfig is one candle subscription.
type CandleConfig struct {
	Coin     string `yaml:"coin" validate:"required"`
	Interval string `yaml:"interval" validate:"required,oneof=1m 5m 15m 1h 4h 1d"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"oneof=text json"`
	File       string `yaml:"file"`         // Log to this file instead of stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`  // Rotate after this size
	MaxBackups int    `yaml:"max_backups"`  // Rotated files to keep, 0 keeps all
	MaxAgeDays int    `yaml:"max_age_days"` // Days to keep rotated files, 0 keeps all
	Compress   bool   `yaml:"compress"`
}
