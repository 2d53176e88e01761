package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rickgao/marketfeed/internal/config"
	"github.com/rickgao/marketfeed/internal/logging"
	"github.com/rickgao/marketfeed/internal/version"
	"github.com/rickgao/marketfeed/pkg/connection"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Connect and print events until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config `FILE`; flags override it",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files to load before reading the config",
				Value: []string{".env"},
			},
			&cli.StringFlag{
				Name:    "network",
				Aliases: []string{"n"},
				Usage:   "mainnet or testnet",
				Sources: cli.EnvVars("MARKETFEED_NETWORK"),
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "server URL, overrides the network default",
				Sources: cli.EnvVars("MARKETFEED_URL"),
			},
			&cli.StringFlag{
				Name:    "wallet",
				Aliases: []string{"w"},
				Usage:   "authenticate with this wallet address",
				Sources: cli.EnvVars("MARKETFEED_WALLET"),
			},
			&cli.StringSliceFlag{
				Name:  "prices",
				Usage: `assets to stream prices for, "*" for all`,
			},
			&cli.StringSliceFlag{
				Name:  "orderbook",
				Usage: "assets to stream order books for",
			},
			&cli.StringSliceFlag{
				Name:  "trades",
				Usage: "assets to stream trades for",
			},
			&cli.BoolFlag{
				Name:  "balance",
				Usage: "fetch the wallet balance after authenticating",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print events as JSON lines",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "debug logging, including every frame",
			},
		},
		Action: streamAction,
	}
}

func streamAction(ctx context.Context, cmd *cli.Command) error {
	if err := config.LoadDotEnv(cmd.StringSlice("env-file")...); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := connection.New(cfg.Client.Connection(),
		connection.WithLogger(logger),
		connection.WithHeader(http.Header{"User-Agent": []string{version.UserAgent()}}),
	)
	if err != nil {
		return err
	}

	out := newPrinter(cmd.Root().Writer, cmd.Bool("json"))
	defer out.close()
	out.attach(m)

	// Rooms do not survive a reconnect; resubscribe on every connect.
	connected := make(chan struct{}, 1)
	connection.On(m, connection.EventConnected, func(connection.ConnectedEvent) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	// Give up once the manager stops retrying.
	exhausted := make(chan connection.ErrorEvent, 1)
	connection.On(m, connection.EventError, func(e connection.ErrorEvent) {
		if e.Code != connection.CodeMaxReconnectAttempts {
			return
		}
		select {
		case exhausted <- e:
		default:
		}
	})

	logger.Info("starting stream",
		"version", version.Version,
		"url", m.URL(),
	)

	defer m.Disconnect()
	if err := m.Connect(ctx); err != nil {
		if ctx.Err() != nil || !m.Config().AutoReconnect {
			return err
		}
		logger.Warn("initial connect failed, retrying", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			out.summary(m.Stats())
			return nil
		case e := <-exhausted:
			out.summary(m.Stats())
			return errors.New(e.Message)
		case <-connected:
			if err := setupStream(ctx, m, cfg.Stream, out, logger); err != nil {
				logger.Error("stream setup failed", "error", err)
			}
		}
	}
}

// loadConfig reads the optional config file and applies flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadWithDefaults(path); err != nil {
			return nil, err
		}
	}

	if v := cmd.String("network"); v != "" {
		cfg.Client.Network = v
	}
	if v := cmd.String("url"); v != "" {
		cfg.Client.URL = v
	}
	if v := cmd.String("wallet"); v != "" {
		cfg.Stream.Wallet = v
	}
	if v := cmd.StringSlice("prices"); len(v) > 0 {
		cfg.Stream.Prices = v
	}
	if v := cmd.StringSlice("orderbook"); len(v) > 0 {
		cfg.Stream.OrderBooks = v
	}
	if v := cmd.StringSlice("trades"); len(v) > 0 {
		cfg.Stream.Trades = v
	}
	if cmd.Bool("balance") {
		cfg.Stream.Balance = true
	}
	if cmd.Bool("verbose") {
		cfg.Log.Level = "debug"
		cfg.Client.Debug = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// setupStream subscribes to the configured rooms and runs the
// authenticated requests. It runs after every successful connect.
func setupStream(ctx context.Context, m *connection.Manager, sc config.StreamConfig, out *printer, logger *slog.Logger) error {
	var errs []error

	for _, asset := range sc.Prices {
		if asset == "*" {
			asset = ""
		}
		errs = append(errs, m.SubscribePrices(asset))
	}
	for _, asset := range sc.OrderBooks {
		errs = append(errs, m.SubscribeOrderBook(asset))
	}
	for _, asset := range sc.Trades {
		errs = append(errs, m.SubscribeTrades(asset))
	}
	for _, c := range sc.Candles {
		errs = append(errs, m.SubscribeCandles(c.Coin, c.Interval))
	}

	if sc.Wallet != "" {
		if err := m.Authenticate(ctx, sc.Wallet); err != nil {
			return errors.Join(append(errs, fmt.Errorf("authenticate: %w", err))...)
		}
		if sc.Balance {
			bal, err := m.GetBalance(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("get balance: %w", err))
			} else {
				out.balance(bal)
			}
		}
	}

	logger.Debug("stream setup complete",
		"prices", len(sc.Prices),
		"orderbooks", len(sc.OrderBooks),
		"trades", len(sc.Trades),
		"candles", len(sc.Candles),
	)
	return errors.Join(errs...)
}
