package connection

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rickgao/marketfeed/pkg/transport"
)

// Default server URLs per network.
const (
	MainnetURL = "https://stream.marketfeed.trade"
	TestnetURL = "https://stream.testnet.marketfeed.trade"
)

// Config configures a Manager. It is copied at construction and never
// changes afterwards.
type Config struct {
	Network              Network       `validate:"required,oneof=mainnet testnet"`
	URL                  string        `validate:"omitempty,url"` // Overrides the network default
	AutoReconnect        bool          // Reconnect after failures and server-side drops
	ReconnectDelay       time.Duration `validate:"gte=0"` // Base backoff delay
	MaxReconnectAttempts int           `validate:"gte=0"` // Attempts before settling in StateError
	Debug                bool          // Log every frame at debug level

	AuthTimeout    time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"` // Callback-style requests
	ConnectTimeout time.Duration `validate:"gt=0"` // Dial plus handshake
	WriteTimeout   time.Duration `validate:"gte=0"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Network:              Mainnet,
		AutoReconnect:        true,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 10,
		AuthTimeout:          10 * time.Second,
		RequestTimeout:       10 * time.Second,
		ConnectTimeout:       20 * time.Second,
		WriteTimeout:         5 * time.Second,
	}
}

var validate = validator.New()

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ServerURL returns the URL override, or the default for the network.
func (c Config) ServerURL() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Network == Testnet {
		return TestnetURL
	}
	return MainnetURL
}

// Option configures optional Manager collaborators.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	factory   transport.Factory
	scheduler Scheduler
	now       func() time.Time
	header    http.Header
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f transport.Factory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithScheduler replaces the timer source used for reconnect backoff.
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		o.scheduler = s
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithHeader adds headers to every websocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h.Clone()
	}
}
