// Package main provides xmrswapd - the cross-asset swap orchestrator
// daemon: quote aggregation, the per-swap state machine, the background
// sweeper, and the HTTP API that fronts them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/config"
	"github.com/klingon-exchange/xmrswap/internal/diagnostics"
	"github.com/klingon-exchange/xmrswap/internal/httpapi"
	"github.com/klingon-exchange/xmrswap/internal/priceoracle"
	"github.com/klingon-exchange/xmrswap/internal/provider"
	"github.com/klingon-exchange/xmrswap/internal/quote"
	"github.com/klingon-exchange/xmrswap/internal/registry"
	"github.com/klingon-exchange/xmrswap/internal/sweeper"
	"github.com/klingon-exchange/xmrswap/internal/swap"
	"github.com/klingon-exchange/xmrswap/internal/walletrpc"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.xmrswapd", "Data directory for the swap registry and diagnostics database")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "127.0.0.1:8080", "HTTP API address")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("xmrswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}
	httpapi.Version = version

	dataPath := expandPath(*dataDir)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		log.Fatal("create data directory", "error", err, "path", dataPath)
	}

	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = filepath.Join(dataPath, "config.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal("load config", "error", err)
	}

	if cfg.WalletRPCURL == "" {
		log.Fatal("XMR_WALLET_RPC_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	oracle := priceoracle.New()

	providers := provider.NewRegistry()
	providers.Register(provider.NewChangeNOW(cfg.ChangeNowAPIKey))
	providers.Register(provider.NewExolix(cfg.ExolixAPIKey))
	providers.Register(provider.NewSimpleSwap(cfg.SimpleSwapAPIKey))
	providers.Register(provider.NewStealthEX(
		cfg.StealthEXAPIKey,
		cfg.StealthEXHaircut,
		time.Duration(cfg.StealthEXProbeCacheTTLSeconds)*time.Second,
		oracle,
	))
	log.Info("providers registered", "providers", providers.List())

	wallet := walletrpc.New(cfg.WalletRPCURL, cfg.WalletRPCUser, cfg.WalletRPCPass)

	quoteEngine := quote.NewEngine(providers, oracle, cfg.FeeMaxRatio, cfg.SendFeeReserveXMR)
	machine := swap.NewMachine(wallet, providers, cfg.SendFeeReserveXMR)

	reg := registry.New(filepath.Join(dataPath, "swaps.json"))
	if err := reg.Load(); err != nil {
		log.Fatal("restore swap registry", "error", err)
	}

	diagDB, err := diagnostics.Open(filepath.Join(dataPath, "diagnostics.sqlite3"))
	if err != nil {
		log.Warn("diagnostics database unavailable, continuing without it", "error", err)
		diagDB = nil
	} else {
		defer diagDB.Close()
	}

	sweep := sweeper.New(reg, machine, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	sweep.Start(ctx)

	server := httpapi.NewServer(reg, providers, quoteEngine, machine, diagDB, oracle)
	if err := server.Start(*apiAddr); err != nil {
		log.Fatal("start http api", "error", err)
	}
	log.Info("xmrswapd started", "version", version, "api", *apiAddr, "data_dir", dataPath,
		"sweep_interval_s", cfg.SweepIntervalSeconds, "fee_max_ratio", cfg.FeeMaxRatio)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	sweep.Stop()
	if err := server.Stop(); err != nil {
		log.Error("error stopping http api", "error", err)
	}
	log.Info("goodbye")
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
