// Command gateway runs the broker integration gateway: it authenticates
// against the broker, serves tiered quotes, assembles option chains, and
// drives order lifecycles for the pre-configured symbols.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/tasty_gateway/internal/auth"
	"github.com/eddiefleurent/tasty_gateway/internal/broker"
	"github.com/eddiefleurent/tasty_gateway/internal/chain"
	"github.com/eddiefleurent/tasty_gateway/internal/config"
	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
	"github.com/eddiefleurent/tasty_gateway/internal/marketdata"
	"github.com/eddiefleurent/tasty_gateway/internal/orders"
	"github.com/eddiefleurent/tasty_gateway/internal/storage"
	"github.com/eddiefleurent/tasty_gateway/internal/stream"
)

// Gateway bundles the wired components for the run loop.
type Gateway struct {
	config   *config.Config
	broker   broker.Broker
	failures *failsafe.Handler
	quotes   *marketdata.Gateway
	chains   *chain.Model
	orders   *orders.Manager
	streamer *stream.Streamer
	log      *logrus.Logger
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	appLog := logrus.New()
	appLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		appLog.SetLevel(level)
	}

	appLog.Infof("Starting broker gateway in %s mode", cfg.Environment.Mode)
	if cfg.IsSandbox() {
		appLog.Info("Sandbox environment, orders route to the certification broker")
	}

	gw, err := build(cfg, appLog)
	if err != nil {
		appLog.Fatalf("Failed to wire gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLog.Info("Shutdown signal received, stopping gateway...")
		cancel()
	}()

	if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
		appLog.Fatalf("Gateway error: %v", err)
	}
	appLog.Info("Gateway stopped")
}

// build wires every component off the config. Internal packages log through
// stdlib loggers funneled into the structured app logger.
func build(cfg *config.Config, appLog *logrus.Logger) (*Gateway, error) {
	pkgLogger := func(prefix string) *stdlog.Logger {
		return stdlog.New(appLog.WriterLevel(logrus.InfoLevel), prefix, 0)
	}

	authURL := cfg.Auth.AuthURL
	if authURL == "" {
		authURL = cfg.Broker.APIEndpoint
	}
	tokens := auth.NewTokenManager(authURL, auth.Credential{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RefreshToken: cfg.Auth.RefreshToken,
	}, pkgLogger("auth: "))

	api := broker.NewTastyAPI(tokens, cfg.Broker.AccountID, cfg.IsSandbox(), cfg.Broker.APIEndpoint)
	var brk broker.Broker = api
	if cfg.Broker.CircuitBreaker {
		brk = broker.NewCircuitBreakerBroker(api)
	}

	failures := failsafe.NewHandler(pkgLogger("failsafe: "))

	lastClose, err := storage.NewJSONStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening last-close store: %w", err)
	}

	quoteTTL, err := cfg.QuoteTTL()
	if err != nil {
		return nil, err
	}
	callTimeout, err := cfg.MarketDataCallTimeout()
	if err != nil {
		return nil, err
	}
	quotes := marketdata.NewGateway(brk, failures, lastClose, pkgLogger("marketdata: "),
		marketdata.Config{
			TTL:         quoteTTL,
			CallTimeout: callTimeout,
			Backoff:     failsafe.DefaultBackoff,
		})

	chains := chain.NewModel(brk, quotes, failures, pkgLogger("chain: "))

	pollInterval, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}
	weekdays, err := cfg.DisallowedWeekdays()
	if err != nil {
		return nil, err
	}
	orderCfg := orders.DefaultConfig
	orderCfg.PollInterval = pollInterval
	orderCfg.SameDayCutoff = cfg.SameDayCutoff()
	orderCfg.DisallowedWeekdays = weekdays
	if cfg.Orders.MaxPollAttempts > 0 {
		orderCfg.MaxPollAttempts = cfg.Orders.MaxPollAttempts
	}
	if cfg.Orders.WarnQuantity > 0 {
		orderCfg.WarnQuantity = cfg.Orders.WarnQuantity
	}
	orderMgr := orders.NewManager(brk, failures, pkgLogger("orders: "), orderCfg)

	gw := &Gateway{
		config:   cfg,
		broker:   brk,
		failures: failures,
		quotes:   quotes,
		chains:   chains,
		orders:   orderMgr,
		log:      appLog,
	}

	if cfg.Stream.Enabled {
		keepalive, err := cfg.KeepaliveInterval()
		if err != nil {
			return nil, err
		}
		streamCfg := stream.DefaultConfig
		streamCfg.KeepaliveInterval = keepalive
		gw.streamer = stream.NewStreamer(api, quotes, pkgLogger("stream: "), streamCfg)
	}

	return gw, nil
}

// Run verifies broker connectivity, starts the quote feed, and keeps the
// gateway alive until the context is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("Verifying broker connection...")
	verifyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	balances, err := g.broker.GetBalances(verifyCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	g.log.WithFields(logrus.Fields{
		"account":                 balances.AccountNumber,
		"net_liq":                 balances.NetLiquidatingValue.Float(),
		"derivative_buying_power": balances.DerivativeBuyingPower.Float(),
	}).Info("Connected to broker")

	if g.streamer != nil {
		if err := g.streamer.Subscribe(g.config.MarketData.Symbols...); err != nil {
			g.log.Warnf("Pre-subscribing symbols: %v", err)
		}
		go func() {
			if err := g.streamer.Run(ctx); err != nil && ctx.Err() == nil {
				g.log.Errorf("Quote feed stopped: %v", err)
			}
		}()
	}

	statusTicker := time.NewTicker(time.Minute)
	defer statusTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-statusTicker.C:
			if g.failures.ManualMode() {
				g.log.WithField("reason", g.failures.ManualReason()).
					Warn("Gateway degraded to manual mode, automated trading suspended")
			}
		}
	}
}
