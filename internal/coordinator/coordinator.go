// Package coordinator drives one paired position through its lifecycle: both
// legs are opened concurrently, held for a jittered period, then closed
// concurrently. Any leg that cannot be matched is unwound and the position
// ends failed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/exec"
	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/metrics"
	"dn-pair-bot/internal/position"
	"dn-pair-bot/internal/risk"

	"go.uber.org/zap"
)

var (
	ErrRiskRejected        = errors.New("risk rejected")
	ErrReconciliationDrift = errors.New("reconciliation drift")
	ErrUnwindFailure       = errors.New("unwind failure")
	ErrLegFailed           = errors.New("leg failed")
)

// RiskRejectedError carries the gate decision that blocked an entry.
type RiskRejectedError struct {
	Decision risk.Decision
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrRiskRejected, e.Decision.Reason, e.Decision.Detail)
}

func (e *RiskRejectedError) Unwrap() error {
	return ErrRiskRejected
}

// Venue binds a gateway to the symbol and opening side of one leg.
type Venue struct {
	Gateway gateway.Gateway
	Symbol  string
	Side    gateway.Side
}

type Settings struct {
	Limits         risk.Limits
	FillTimeout    time.Duration
	HoldBase       time.Duration
	HoldJitter     time.Duration
	UnwindAttempts int
}

type Deps struct {
	Executor *exec.Executor
	Emitter  events.Emitter
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
	// Jitter returns a duration in [0, max).
	Jitter func(max time.Duration) time.Duration
}

// Recommendation is what the reconciliation loop observed for a position.
type Recommendation struct {
	PositionID  string
	LegA, LegB  position.Leg
	SlippageBps float64
	// Drift is set when the legs' open exposure differs by more than the
	// tolerance, whatever the decision's reason.
	Drift    bool
	Decision risk.Decision
	// Marked is false when a ticker could not be read; UnrealizedPnL is then
	// meaningless.
	Marked        bool
	UnrealizedPnL float64
	ObservedAt    time.Time
}

type Coordinator struct {
	settings Settings
	a, b     Venue
	exec     *exec.Executor
	emit     events.Emitter
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	jitter   func(time.Duration) time.Duration

	mu  sync.RWMutex
	pos position.Position

	recMu      sync.Mutex
	recs       chan Recommendation
	stop       chan struct{}
	stopOnce   sync.Once
	stopReason string
	done       chan struct{}

	// pendingClose is set when a stop or forced close arrived while opening.
	pendingClose string
}

// Prepare runs the pre-trade gate and, on approval, builds the idle position
// with equal leg sizes derived from the mean mid price of both venues.
func Prepare(id string, a, b Venue, snapA, snapB risk.AccountSnapshot, limits risk.Limits, notional float64, now time.Time) (position.Position, error) {
	decision := risk.CheckPreTrade(snapA, snapB, limits, notional)
	if !decision.Approved() {
		return position.Position{}, &RiskRejectedError{Decision: decision}
	}
	ref := (snapA.Ticker.Mid() + snapB.Ticker.Mid()) / 2
	size := notional / ref
	for _, v := range []Venue{a, b} {
		if r, ok := v.Gateway.(gateway.SizeRounder); ok {
			size = r.RoundSize(v.Symbol, size)
		}
	}
	if size <= 0 {
		return position.Position{}, &RiskRejectedError{Decision: risk.Decision{
			Verdict: risk.VerdictReject,
			Reason:  risk.ReasonNotional,
			Detail:  fmt.Sprintf("notional %.2f rounds to zero size", notional),
		}}
	}
	legA := position.Leg{Venue: a.Gateway.Name(), Symbol: a.Symbol, Side: a.Side, TargetSize: size, ExpectedPrice: touch(snapA.Ticker, a.Side)}
	legB := position.Leg{Venue: b.Gateway.Name(), Symbol: b.Symbol, Side: b.Side, TargetSize: size, ExpectedPrice: touch(snapB.Ticker, b.Side)}
	return position.New(id, legA, legB, notional, now), nil
}

// touch is the price a market order on side is expected to fill at.
func touch(t gateway.Ticker, side gateway.Side) float64 {
	if side == gateway.SideBuy {
		return t.Ask
	}
	return t.Bid
}

func New(pos position.Position, a, b Venue, settings Settings, deps Deps) *Coordinator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Jitter == nil {
		deps.Jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		}
	}
	if deps.Executor == nil {
		deps.Executor = exec.New(exec.Policy{}, nil, deps.Log, deps.Metrics)
	}
	if settings.UnwindAttempts < 1 {
		settings.UnwindAttempts = 1
	}
	return &Coordinator{
		settings: settings,
		a:        a,
		b:        b,
		exec:     deps.Executor,
		emit:     deps.Emitter,
		log:      deps.Log.With(zap.String("position_id", pos.ID)),
		metrics:  deps.Metrics,
		now:      deps.Now,
		jitter:   deps.Jitter,
		pos:      pos,
		recs:     make(chan Recommendation, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Coordinator) ID() string {
	return c.pos.ID
}

// Snapshot returns a deep copy of the position for readers.
func (c *Coordinator) Snapshot() position.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos.Clone()
}

// Done is closed once Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Stop asks the coordinator to close the position as soon as it is safe.
func (c *Coordinator) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopReason = reason
		c.mu.Unlock()
		close(c.stop)
	})
}

func (c *Coordinator) stopCause() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopReason == "" {
		return "stop"
	}
	return "stop: " + c.stopReason
}

// Recommend delivers a reconciliation result without blocking. A pending
// older result is replaced, except that an unread forced close keeps its
// decision and only takes the newer observation.
func (c *Coordinator) Recommend(rec Recommendation) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	for {
		select {
		case c.recs <- rec:
			return
		default:
		}
		select {
		case pending := <-c.recs:
			if pending.Decision.ForceClose() && !rec.Decision.ForceClose() {
				rec.Decision = pending.Decision
				rec.Drift = rec.Drift || pending.Drift
			}
		default:
		}
	}
}

// Run drives the position to Closed or Failed. ctx bounds opening and the
// hold period; closing and unwinding always run to completion.
func (c *Coordinator) Run(ctx context.Context) (position.Position, error) {
	defer close(c.done)
	defer c.exec.Forget(context.WithoutCancel(ctx), c.pos.ID+"-")
	if err := c.open(ctx); err != nil {
		return c.Snapshot(), err
	}
	reason := c.hold(ctx)
	err := c.close(context.WithoutCancel(ctx), reason)
	return c.Snapshot(), err
}

// hold waits out the hold period unless a stop, forced close or shutdown
// comes first. The returned string becomes the close reason.
func (c *Coordinator) hold(ctx context.Context) string {
	if c.pendingClose != "" {
		return c.pendingClose
	}
	c.mu.RLock()
	until := c.pos.HoldUntil
	c.mu.RUnlock()

	if d := risk.CheckInTrade(c.Snapshot(), c.settings.Limits, c.now()); d.ForceClose() {
		return c.forceClose(Recommendation{Decision: d})
	}
	timer := time.NewTimer(until.Sub(c.now()))
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return "hold_elapsed"
		case <-c.stop:
			return c.stopCause()
		case <-ctx.Done():
			return "shutdown"
		case rec := <-c.recs:
			c.applyRecommendation(rec)
			if rec.Decision.ForceClose() {
				return c.forceClose(rec)
			}
		}
	}
}

func (c *Coordinator) forceClose(rec Recommendation) string {
	d := rec.Decision
	c.metrics.ForceCloses.Inc()
	severity := events.SeverityWarning
	if rec.Drift || d.Reason == risk.ReasonDrift {
		err := fmt.Errorf("%w: %s", ErrReconciliationDrift, d.Detail)
		c.log.Warn("forcing close", zap.String("reason", d.Reason), zap.Error(err))
		severity = events.SeverityCritical
	} else {
		c.log.Warn("forcing close", zap.String("reason", d.Reason), zap.String("detail", d.Detail))
	}
	c.publish(events.Event{
		PositionID: c.pos.ID,
		Type:       events.TypeForceClose,
		Reason:     fmt.Sprintf("%s: %s", d.Reason, d.Detail),
		Severity:   severity,
	})
	return "force_close: " + d.Reason
}

func (c *Coordinator) applyRecommendation(rec Recommendation) {
	c.mu.Lock()
	c.pos.SlippageBps = rec.SlippageBps
	if rec.Marked {
		c.pos.UnrealizedPnL = rec.UnrealizedPnL
		c.pos.MarkedAt = rec.ObservedAt
	}
	c.mu.Unlock()
}

// transition moves the position along one validated edge and emits the event.
func (c *Coordinator) transition(to position.Status, reason string) error {
	c.mu.Lock()
	from := c.pos.Status
	if err := position.Transition(from, to); err != nil {
		c.mu.Unlock()
		c.log.Error("rejected position transition", zap.Error(err))
		return err
	}
	now := c.now()
	c.pos.Status = to
	if reason != "" {
		c.pos.Reason = reason
	}
	switch to {
	case position.StatusOpening:
		c.pos.OpeningAt = now
	case position.StatusOpen:
		c.pos.OpenedAt = now
		c.pos.HoldUntil = now.Add(c.settings.HoldBase + c.jitter(c.settings.HoldJitter))
	case position.StatusClosed, position.StatusFailed:
		c.pos.ClosedAt = now
	}
	snap := c.pos.Clone()
	c.mu.Unlock()

	severity := events.SeverityInfo
	if to == position.StatusUnwinding || to == position.StatusFailed {
		severity = events.SeverityWarning
	}
	c.log.Info("position transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	c.publish(events.Event{
		PositionID: snap.ID,
		Type:       events.TypeTransition,
		From:       from,
		To:         to,
		Time:       now,
		Reason:     reason,
		Severity:   severity,
		Position:   &snap,
	})
	if to.Terminal() && c.emit != nil {
		c.emit.Record(events.NewTradeRecord(snap))
	}
	return nil
}

func (c *Coordinator) publish(e events.Event) {
	if c.emit == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.emit.Emit(e)
}

// update mutates the position under the write lock.
func (c *Coordinator) update(fn func(p *position.Position)) {
	c.mu.Lock()
	fn(&c.pos)
	c.mu.Unlock()
}

func (c *Coordinator) clientID(leg, purpose string, n int) string {
	return fmt.Sprintf("%s-%s-%s-%d", c.pos.ID, leg, purpose, n)
}
