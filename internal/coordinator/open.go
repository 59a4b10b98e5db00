package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/position"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// open submits both legs together and waits for their fills jointly. It
// returns nil once the position is Open; any other outcome ends in Failed.
func (c *Coordinator) open(ctx context.Context) error {
	if err := c.transition(position.StatusOpening, "entry"); err != nil {
		return err
	}
	snap := c.Snapshot()
	// One watcher covers submission and the fill wait, so a stop or forced
	// close cuts short whichever phase is running.
	watch := c.watchOpening(ctx)
	defer watch.release()
	legCtx := watch.ctx

	reqA := gateway.OrderRequest{ClientID: c.clientID("a", "open", 1), Symbol: snap.LegA.Symbol, Side: snap.LegA.Side, Size: snap.LegA.TargetSize}
	reqB := gateway.OrderRequest{ClientID: c.clientID("b", "open", 1), Symbol: snap.LegB.Symbol, Side: snap.LegB.Side, Size: snap.LegB.TargetSize}

	var (
		orderA, orderB gateway.Order
		errA, errB     error
		submit         errgroup.Group
	)
	start := time.Now()
	// No shared context: one leg failing must never cancel its sibling.
	submit.Go(func() error {
		orderA, errA = c.exec.Open(legCtx, c.a.Gateway, reqA)
		return nil
	})
	submit.Go(func() error {
		orderB, errB = c.exec.Open(legCtx, c.b.Gateway, reqB)
		return nil
	})
	_ = submit.Wait()

	c.update(func(p *position.Position) {
		if errA == nil {
			p.LegA.ApplyEntry(orderA)
		}
		if errB == nil {
			p.LegB.ApplyEntry(orderB)
		}
	})
	if errA != nil || errB != nil {
		if cause := watch.release(); cause != "" {
			c.log.Info("opening aborted", zap.String("cause", cause))
		}
		return c.abortOpening(ctx, orderA, orderB, errA, errB)
	}
	c.metrics.OpenLatency.Observe(time.Since(start).Seconds())
	if err := c.transition(position.StatusOpenPending, "acknowledged"); err != nil {
		return err
	}

	abort := watch.abort
	var (
		finalA, finalB gateway.Order
		waitErrA       error
		waitErrB       error
		wait           errgroup.Group
	)
	wait.Go(func() error {
		finalA, waitErrA = c.exec.AwaitFinal(ctx, c.a.Gateway, orderA, c.settings.FillTimeout, abort)
		return nil
	})
	wait.Go(func() error {
		finalB, waitErrB = c.exec.AwaitFinal(ctx, c.b.Gateway, orderB, c.settings.FillTimeout, abort)
		return nil
	})
	_ = wait.Wait()
	cause := watch.release()
	if waitErrA != nil || waitErrB != nil {
		c.log.Warn("final order status unavailable", zap.NamedError("leg_a", waitErrA), zap.NamedError("leg_b", waitErrB))
	}

	c.update(func(p *position.Position) {
		p.LegA.ApplyEntry(finalA)
		p.LegB.ApplyEntry(finalB)
		p.SlippageBps = position.SlippageBps(p.LegA, p.LegB)
	})
	if mismatch := c.fillMismatch(c.Snapshot()); mismatch != "" {
		if err := c.transition(position.StatusUnwinding, mismatch); err != nil {
			return err
		}
		return c.unwindAndFail(ctx, fmt.Errorf("%w: %s", ErrLegFailed, mismatch))
	}
	if err := c.transition(position.StatusOpen, "filled"); err != nil {
		return err
	}
	c.metrics.PositionsOpened.Inc()
	if cause != "" {
		c.update(func(p *position.Position) { p.Reason = cause })
		c.pendingClose = cause
	}
	return nil
}

// abortOpening handles a leg whose submission failed: the surviving order is
// cancelled at once, its final state read, and any fill unwound.
func (c *Coordinator) abortOpening(ctx context.Context, orderA, orderB gateway.Order, errA, errB error) error {
	now := make(chan struct{})
	close(now)
	var g errgroup.Group
	for _, leg := range []struct {
		key   string
		venue Venue
		order gateway.Order
		err   error
		ref   func(p *position.Position) *position.Leg
	}{
		{"a", c.a, orderA, errA, legA},
		{"b", c.b, orderB, errB, legB},
	} {
		if leg.err != nil {
			c.log.Warn("leg submission failed", zap.String("leg", leg.key), zap.String("venue", leg.venue.Gateway.Name()), zap.Error(leg.err))
			c.publish(events.Event{
				PositionID: c.pos.ID,
				Type:       events.TypeLegError,
				Reason:     fmt.Sprintf("%s: %v", leg.venue.Gateway.Name(), leg.err),
				Severity:   events.SeverityWarning,
			})
			continue
		}
		g.Go(func() error {
			final, err := c.exec.AwaitFinal(ctx, leg.venue.Gateway, leg.order, 0, now)
			if err != nil {
				c.log.Warn("final order status unavailable", zap.String("leg", leg.key), zap.Error(err))
			}
			c.update(func(p *position.Position) { leg.ref(p).ApplyEntry(final) })
			return nil
		})
	}
	_ = g.Wait()

	cause := fmt.Errorf("%w: %w", ErrLegFailed, errors.Join(errA, errB))
	if err := c.transition(position.StatusUnwinding, "leg_failed"); err != nil {
		return err
	}
	return c.unwindAndFail(ctx, cause)
}

// openingWatch turns a stop or forced close into an abort signal while the
// position is opening. ctx is cancelled together with abort.
type openingWatch struct {
	ctx    context.Context
	abort  <-chan struct{}
	cancel context.CancelFunc
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once
	cause  string
}

func (c *Coordinator) watchOpening(parent context.Context) *openingWatch {
	ctx, cancel := context.WithCancel(parent)
	abort := make(chan struct{})
	w := &openingWatch{
		ctx:    ctx,
		abort:  abort,
		cancel: cancel,
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go func() {
		defer close(w.exited)
		for {
			select {
			case <-w.quit:
				return
			case <-c.stop:
				w.cause = c.stopCause()
			case rec := <-c.recs:
				c.applyRecommendation(rec)
				if !rec.Decision.ForceClose() {
					continue
				}
				w.cause = c.forceClose(rec)
			}
			close(abort)
			cancel()
			return
		}
	}()
	return w
}

// release stops the watcher and returns the close cause, if any. It is safe
// to call more than once.
func (w *openingWatch) release() string {
	w.once.Do(func() {
		close(w.quit)
		<-w.exited
		w.cancel()
	})
	return w.cause
}

// fillMismatch returns why the fills cannot form an open position, or "" when
// both legs are filled within tolerance of target and of each other.
func (c *Coordinator) fillMismatch(p position.Position) string {
	a, b := p.LegA, p.LegB
	if a.FilledSize <= 0 && b.FilledSize <= 0 {
		return "no_fill"
	}
	if a.FilledSize <= 0 || b.FilledSize <= 0 {
		return fmt.Sprintf("single_leg_fill: a=%.8f b=%.8f", a.FilledSize, b.FilledSize)
	}
	ref := p.RefPrice()
	tol := c.settings.Limits.ToleranceNotional
	if math.Abs(a.FilledSize-b.FilledSize)*ref > tol {
		return fmt.Sprintf("fill_mismatch: a=%.8f b=%.8f", a.FilledSize, b.FilledSize)
	}
	for _, leg := range []position.Leg{a, b} {
		if math.Abs(leg.TargetSize-leg.FilledSize)*ref > tol {
			return fmt.Sprintf("under_filled: %s %.8f of %.8f", leg.Venue, leg.FilledSize, leg.TargetSize)
		}
	}
	return ""
}

func legA(p *position.Position) *position.Leg { return &p.LegA }
func legB(p *position.Position) *position.Leg { return &p.LegB }
