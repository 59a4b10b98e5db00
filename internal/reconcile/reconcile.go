// Package reconcile periodically re-reads the venue state of every active
// position and hands the coordinators a recommendation. It never mutates a
// position itself.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dn-pair-bot/internal/coordinator"
	"dn-pair-bot/internal/exec"
	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/metrics"
	"dn-pair-bot/internal/position"
	"dn-pair-bot/internal/risk"

	"go.uber.org/zap"
)

// Target is a running coordinator as seen by the loop.
type Target interface {
	Snapshot() position.Position
	Recommend(coordinator.Recommendation)
}

// Source lists the coordinators currently in flight.
type Source interface {
	Active() []Target
}

type Loop struct {
	interval time.Duration
	source   Source
	gateways map[string]gateway.Gateway
	exec     *exec.Executor
	limits   risk.Limits
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(interval time.Duration, source Source, gateways map[string]gateway.Gateway, executor *exec.Executor, limits risk.Limits, log *zap.Logger, m *metrics.Metrics) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Loop{
		interval: interval,
		source:   source,
		gateways: gateways,
		exec:     executor,
		limits:   limits,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Run reconciles every interval until ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one pass over the active positions and publishes their summed
// unrealized PnL.
func (l *Loop) Tick(ctx context.Context) {
	var upnl float64
	defer func() { l.metrics.UnrealizedPnL.Set(upnl) }()
	for _, target := range l.source.Active() {
		pos := target.Snapshot()
		if !pos.Status.Reconcilable() {
			continue
		}
		rec, err := l.Observe(ctx, pos)
		if err != nil {
			l.log.Warn("reconciliation failed", zap.String("position_id", pos.ID), zap.Error(err))
			continue
		}
		if rec.Decision.ForceClose() {
			l.log.Warn("reconciliation recommends close",
				zap.String("position_id", pos.ID),
				zap.String("reason", rec.Decision.Reason),
				zap.String("detail", rec.Decision.Detail),
			)
		}
		if rec.Marked {
			upnl += rec.UnrealizedPnL
		}
		target.Recommend(rec)
	}
}

// Observe refreshes the orders of both legs on a copy of pos and evaluates the
// in-trade checks against it.
func (l *Loop) Observe(ctx context.Context, pos position.Position) (coordinator.Recommendation, error) {
	obs := pos.Clone()
	if err := errors.Join(l.refresh(ctx, &obs.LegA), l.refresh(ctx, &obs.LegB)); err != nil {
		if ctx.Err() != nil {
			return coordinator.Recommendation{}, err
		}
		// Stale orders still give a usable view of the position.
		l.log.Debug("order refresh incomplete", zap.String("position_id", pos.ID), zap.Error(err))
	}
	if entrySettled(obs.LegA) && entrySettled(obs.LegB) {
		obs.SlippageBps = position.SlippageBps(obs.LegA, obs.LegB)
	}
	now := l.now()
	rec := coordinator.Recommendation{
		PositionID:  pos.ID,
		LegA:        obs.LegA,
		LegB:        obs.LegB,
		SlippageBps: obs.SlippageBps,
		Drift:       obs.Status == position.StatusOpen && obs.Imbalance() > l.limits.ToleranceNotional,
		Decision:    risk.CheckInTrade(obs, l.limits, now),
		ObservedAt:  now,
	}
	if obs.LegA.Exposure() > 0 || obs.LegB.Exposure() > 0 {
		markA, errA := l.mark(ctx, obs.LegA)
		markB, errB := l.mark(ctx, obs.LegB)
		if err := errors.Join(errA, errB); err != nil {
			l.log.Debug("mark to market skipped", zap.String("position_id", pos.ID), zap.Error(err))
		} else {
			rec.Marked = true
			rec.UnrealizedPnL = obs.MarkToMarket(markA, markB)
		}
	}
	return rec, nil
}

// mark is the price the leg's exposure would exit at: the bid for a long leg,
// the ask for a short one. Legs without exposure are not quoted.
func (l *Loop) mark(ctx context.Context, leg position.Leg) (float64, error) {
	if leg.Exposure() == 0 {
		return 0, nil
	}
	gw, ok := l.gateways[leg.Venue]
	if !ok {
		return 0, fmt.Errorf("unknown venue %q", leg.Venue)
	}
	if timeout := l.exec.Policy().CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tk, err := gw.Ticker(ctx, leg.Symbol)
	if err != nil {
		return 0, err
	}
	if leg.Side == gateway.SideBuy {
		return tk.Bid, nil
	}
	return tk.Ask, nil
}

func (l *Loop) refresh(ctx context.Context, leg *position.Leg) error {
	gw, ok := l.gateways[leg.Venue]
	if !ok {
		return fmt.Errorf("unknown venue %q", leg.Venue)
	}
	var errs []error
	if leg.Entry != nil && !leg.Entry.Status.Final() {
		o, err := l.exec.Status(ctx, gw, leg.Symbol, leg.Entry.ID)
		if err != nil {
			errs = append(errs, err)
		} else {
			leg.ApplyEntry(o)
		}
	}
	if n := len(leg.Exits); n > 0 && !leg.Exits[n-1].Status.Final() {
		o, err := l.exec.Status(ctx, gw, leg.Symbol, leg.Exits[n-1].ID)
		if err != nil {
			errs = append(errs, err)
		} else {
			leg.ApplyExit(o)
		}
	}
	return errors.Join(errs...)
}

// entrySettled reports whether the leg's entry order can no longer fill.
func entrySettled(leg position.Leg) bool {
	return leg.Entry != nil && leg.Entry.Status.Final()
}
