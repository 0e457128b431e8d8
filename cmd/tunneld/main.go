package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/suspectuso/tunnel-billing/internal/alert"
	"github.com/suspectuso/tunnel-billing/internal/billing"
	"github.com/suspectuso/tunnel-billing/internal/cjdns"
	"github.com/suspectuso/tunnel-billing/internal/config"
	"github.com/suspectuso/tunnel-billing/internal/metrics"
	"github.com/suspectuso/tunnel-billing/internal/pricing"
	"github.com/suspectuso/tunnel-billing/internal/server"
	"github.com/suspectuso/tunnel-billing/internal/storage"
	"github.com/suspectuso/tunnel-billing/internal/tunnel"
	"github.com/suspectuso/tunnel-billing/internal/wallet"
)

func main() {
	// Setup logger
	level := new(slog.LevelVar)
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	// Load config
	cfg := config.Load()
	level.Set(cfg.LogLevel)

	if cfg.BTCPayTo == "" {
		log.Error("BTC_PAYTO is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	if err := store.ApplyDefaults(ctx); err != nil {
		log.Error("apply default settings", "error", err)
		os.Exit(1)
	}
	if err := ensureBlock(ctx, store, cfg.DefaultNetwork, log); err != nil {
		log.Error("create default address block", "network", cfg.DefaultNetwork, "error", err)
		os.Exit(1)
	}

	// Initialize wallet
	params, err := wallet.NetworkParams(cfg.BTCNetwork)
	if err != nil {
		log.Error("bitcoin network", "error", err)
		os.Exit(1)
	}
	explorer := wallet.NewExplorer(cfg.EsploraURL)
	btc, err := wallet.NewBitcoin(explorer, wallet.Options{
		Params:               params,
		Destination:          cfg.BTCPayTo,
		MinConfirmations:     int64(cfg.MinConfirmations),
		FeeRate:              int64(cfg.FeeRate),
		BalanceChecksPerHour: cfg.BalanceChecksPerHour,
	})
	if err != nil {
		log.Error("init wallet", "error", err)
		os.Exit(1)
	}
	log.Info("wallet initialized", "network", params.Name, "explorer", cfg.EsploraURL, "payto", cfg.BTCPayTo)

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Initialize cjdns admin and tunnel reconciler
	admin := cjdns.NewClient(cfg.CJDNSAdminAddr, cfg.CJDNSAdminPass, log)
	if err := admin.Ping(ctx); err != nil {
		log.Warn("cjdns admin not answering", "addr", cfg.CJDNSAdminAddr, "error", err)
	} else {
		log.Info("cjdns admin reachable", "addr", cfg.CJDNSAdminAddr)
	}

	reconciler := tunnel.NewReconciler(tunnel.Config{
		Store:      store,
		Admin:      admin,
		Prefix:     cfg.TunnelPrefix,
		RPCTimeout: cfg.RPCTimeout,
		Metrics:    m,
		Logger:     log,
	})

	// Initialize billing
	deps := billing.Deps{
		Store:   store,
		Wallet:  btc,
		Syncer:  reconciler,
		Metrics: m,
		Logger:  log,
	}
	clock := billing.NewClock(deps)

	// Initialize alerts
	if cfg.AlertBotToken != "" {
		tg, err := alert.NewTelegram(cfg.AlertBotToken, cfg.AlertChatID, store, clock, log)
		if err != nil {
			log.Error("init alert bot", "error", err)
			os.Exit(1)
		}
		clock.Alerter = tg
		go tg.Start(ctx)
		log.Info("alert bot initialized", "chat_id", cfg.AlertChatID)
	} else {
		clock.Alerter = alert.NewLog(log)
		log.Info("alerts go to the log: ALERT_BOT_TOKEN not set")
	}

	prices := pricing.New(store, cfg.TickerURL, cfg.FiatCurrency, log)
	invoicer := billing.NewInvoicer(deps, prices)
	poller := billing.NewPoller(deps, clock, cfg.PollMaxAge, cfg.WalletTimeout)
	expirer := billing.NewExpirer(deps)
	recoverer := billing.NewRecoverer(deps, clock)

	// Start ops server
	opsServer := server.New(store, invoicer, poller, reconciler, reg, log)
	go func() {
		if err := opsServer.Start(ctx, cfg.OpsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server", "error", err)
		}
	}()

	// Start periodic tasks
	go prices.Start(ctx)
	go recoverer.Start(ctx, cfg.RecoveryInterval)
	go poller.Start(ctx, cfg.PollInterval)
	go expirer.Start(ctx, cfg.ExpiryInterval)
	go reconciler.Start(ctx, cfg.SyncInterval)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("shutting down...")
	cancel()
}

// ensureBlock creates the default address block on a fresh database
func ensureBlock(ctx context.Context, store *storage.Storage, network string, log *slog.Logger) error {
	blocks, err := store.ListBlocks(ctx)
	if err != nil {
		return err
	}
	if len(blocks) > 0 || network == "" {
		return nil
	}

	block, err := store.CreateBlock(ctx, network)
	if err != nil {
		return err
	}
	log.Info("address block created", "network", block.Network, "addresses", storage.BlockSize)
	return nil
}
