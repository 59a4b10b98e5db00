package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dn-pair-bot/internal/app"
	"dn-pair-bot/internal/config"
	"dn-pair-bot/internal/logging"
	"dn-pair-bot/internal/state"
	"dn-pair-bot/internal/state/sqlite"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	leftovers := flag.Bool("leftovers", false, "print positions a previous run left open and exit")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *leftovers {
		if err := printLeftovers(cfg.State.SQLitePath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read state: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.String("venue_a", cfg.Venues.A.Name+"/"+cfg.Venues.A.Kind),
		zap.String("venue_b", cfg.Venues.B.Name+"/"+cfg.Venues.B.Kind),
		zap.Float64("notional_usd", cfg.Strategy.NotionalUSD),
		zap.Float64("max_spread_bps", cfg.Risk.MaxSpreadBps),
		zap.Duration("hold_base", cfg.Strategy.HoldBase),
	)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}

// printLeftovers writes one JSON snapshot per non-terminal position found in
// the state store.
func printLeftovers(path string) error {
	store, err := sqlite.New(path)
	if err != nil {
		return err
	}
	defer store.Close()
	positions, err := state.LoadActivePositions(context.Background(), store)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Println("no leftover positions")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	for _, p := range positions {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}
