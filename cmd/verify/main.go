package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"dn-pair-bot/internal/app"
	"dn-pair-bot/internal/config"
	"dn-pair-bot/internal/coordinator"
	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/logging"
	"dn-pair-bot/internal/risk"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// venueReport is what verify learned about one venue. Nothing is ever
// submitted.
type venueReport struct {
	Venue     string  `json:"venue"`
	Kind      string  `json:"kind"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Account   string  `json:"account,omitempty"`
	Total     float64 `json:"balance_total"`
	Available float64 `json:"balance_available"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	SpreadBps float64 `json:"spread_bps"`
	Error     string  `json:"error,omitempty"`
}

type report struct {
	Venues   []venueReport `json:"venues"`
	Notional float64       `json:"notional_usd"`
	Verdict  string        `json:"verdict,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	LegSize  float64       `json:"leg_size,omitempty"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	notional := flag.Float64("notional", 0, "notional to evaluate instead of strategy.notional_usd")
	timeout := flag.Duration("timeout", 15*time.Second, "overall deadline")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	if *notional > 0 {
		cfg.Strategy.NotionalUSD = *notional
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out := report{Notional: cfg.Strategy.NotionalUSD}
	venues := []struct {
		cfg  config.VenueConfig
		side gateway.Side
	}{
		{cfg.Venues.A, gateway.SideBuy},
		{cfg.Venues.B, gateway.SideSell},
	}
	var (
		legs  []coordinator.Venue
		snaps []risk.AccountSnapshot
	)
	for _, v := range venues {
		gw, hl, err := app.BuildGateway(v.cfg, log)
		if err != nil {
			fatal(err)
		}
		if hl != nil {
			// The book stream is not started; tickers come from REST.
			log.Debug("hyperliquid venue", zap.String("venue", hl.Name()))
		}
		leg := coordinator.Venue{Gateway: gw, Symbol: v.cfg.Symbol, Side: v.side}
		rep, snap, err := inspect(ctx, v.cfg, leg)
		if err != nil {
			rep.Error = err.Error()
			log.Warn("venue check failed", zap.String("venue", v.cfg.Name), zap.Error(err))
		} else {
			legs = append(legs, leg)
			snaps = append(snaps, snap)
		}
		out.Venues = append(out.Venues, rep)
	}

	if len(snaps) == 2 {
		pos, err := coordinator.Prepare(uuid.NewString(), legs[0], legs[1], snaps[0], snaps[1], app.RiskLimits(cfg), cfg.Strategy.NotionalUSD, time.Now())
		var rejected *coordinator.RiskRejectedError
		switch {
		case errors.As(err, &rejected):
			out.Verdict = string(rejected.Decision.Verdict)
			out.Reason = rejected.Decision.Reason
			out.Detail = rejected.Decision.Detail
		case err != nil:
			fatal(err)
		default:
			out.Verdict = string(risk.VerdictApprove)
			out.LegSize = pos.LegA.TargetSize
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
	if len(snaps) != 2 {
		os.Exit(1)
	}
}

func inspect(ctx context.Context, cfg config.VenueConfig, v coordinator.Venue) (venueReport, risk.AccountSnapshot, error) {
	rep := venueReport{Venue: cfg.Name, Kind: cfg.Kind, Symbol: v.Symbol, Side: string(v.Side)}
	sess, err := v.Gateway.Connect(ctx)
	if err != nil {
		return rep, risk.AccountSnapshot{}, fmt.Errorf("connect: %w", err)
	}
	rep.Account = sess.Account
	bal, err := v.Gateway.Balance(ctx)
	if err != nil {
		return rep, risk.AccountSnapshot{}, fmt.Errorf("balance: %w", err)
	}
	rep.Total, rep.Available = bal.Total, bal.Available
	tk, err := v.Gateway.Ticker(ctx, v.Symbol)
	if err != nil {
		return rep, risk.AccountSnapshot{}, fmt.Errorf("ticker: %w", err)
	}
	rep.Bid, rep.Ask, rep.SpreadBps = tk.Bid, tk.Ask, tk.SpreadBps
	return rep, risk.AccountSnapshot{Venue: cfg.Name, Balance: bal, Ticker: tk, TakenAt: time.Now()}, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
