package coordinator

import (
	"context"
	"errors"
	"fmt"

	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/position"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// close issues both closing orders together and waits for them jointly. Any
// residual exposure routes to Unwinding.
func (c *Coordinator) close(ctx context.Context, reason string) error {
	if err := c.transition(position.StatusClosing, reason); err != nil {
		return err
	}
	var (
		errA, errB error
		g          errgroup.Group
	)
	g.Go(func() error {
		errA = c.closeLeg(ctx, "a", c.a, legA)
		return nil
	})
	g.Go(func() error {
		errB = c.closeLeg(ctx, "b", c.b, legB)
		return nil
	})
	_ = g.Wait()

	p := c.Snapshot()
	if errA == nil && errB == nil && p.LegA.Exposure() == 0 && p.LegB.Exposure() == 0 {
		c.update(func(p *position.Position) { p.Outcome = position.OutcomeClosed })
		c.metrics.PositionsClosed.Inc()
		return c.transition(position.StatusClosed, "")
	}
	cause := fmt.Errorf("%w: close left a=%.8f b=%.8f", ErrLegFailed, p.LegA.Exposure(), p.LegB.Exposure())
	if joined := errors.Join(errA, errB); joined != nil {
		cause = fmt.Errorf("%w: %w", cause, joined)
	}
	if err := c.transition(position.StatusUnwinding, "close_mismatch"); err != nil {
		return err
	}
	return c.unwindAndFail(ctx, cause)
}

func (c *Coordinator) closeLeg(ctx context.Context, key string, v Venue, ref func(*position.Position) *position.Leg) error {
	var leg position.Leg
	c.mu.RLock()
	leg = *ref(&c.pos)
	c.mu.RUnlock()
	exposure := leg.Exposure()
	if exposure == 0 {
		return nil
	}
	req := gateway.CloseRequest{
		ClientID: c.clientID(key, "close", 1),
		Symbol:   leg.Symbol,
		Side:     leg.Side.Opposite(),
		Size:     exposure,
	}
	o, err := c.exec.Close(ctx, v.Gateway, req)
	if err != nil {
		c.log.Warn("close submission failed", zap.String("leg", key), zap.String("venue", v.Gateway.Name()), zap.Error(err))
		return err
	}
	c.update(func(p *position.Position) { ref(p).ApplyExit(o) })
	final, err := c.exec.AwaitFinal(ctx, v.Gateway, o, c.settings.FillTimeout, nil)
	c.update(func(p *position.Position) { ref(p).ApplyExit(final) })
	return err
}

// unwindAndFail flattens whatever exposure is left and ends in Failed. The
// position must already be Unwinding.
func (c *Coordinator) unwindAndFail(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		c.unwindLeg(ctx, "a", c.a, legA)
		return nil
	})
	g.Go(func() error {
		c.unwindLeg(ctx, "b", c.b, legB)
		return nil
	})
	_ = g.Wait()

	p := c.Snapshot()
	outcome := position.OutcomeFailedUnwound
	err := cause
	if p.LegA.Exposure() > 0 || p.LegB.Exposure() > 0 {
		outcome = position.OutcomeFailedUnwindError
		unwindErr := fmt.Errorf("%w: residual %s=%.8f %s=%.8f", ErrUnwindFailure,
			p.LegA.Venue, p.LegA.Exposure(), p.LegB.Venue, p.LegB.Exposure())
		c.metrics.UnwindFailures.Inc()
		c.log.Error("unwind failed; operator action required", zap.Error(unwindErr))
		c.publish(events.Event{
			PositionID: p.ID,
			Type:       events.TypeUnwindFailed,
			Reason:     unwindErr.Error(),
			Severity:   events.SeverityCritical,
		})
		err = errors.Join(cause, unwindErr)
	}
	c.update(func(p *position.Position) { p.Outcome = outcome })
	c.metrics.PositionsFailed.Inc()
	if terr := c.transition(position.StatusFailed, ""); terr != nil {
		return errors.Join(err, terr)
	}
	return err
}

// unwindLeg closes the leg's exposure at market, with at most UnwindAttempts
// rounds of submit-and-wait.
func (c *Coordinator) unwindLeg(ctx context.Context, key string, v Venue, ref func(*position.Position) *position.Leg) {
	for round := 1; round <= c.settings.UnwindAttempts; round++ {
		c.mu.RLock()
		leg := *ref(&c.pos)
		c.mu.RUnlock()
		exposure := leg.Exposure()
		if exposure == 0 {
			return
		}
		req := gateway.CloseRequest{
			ClientID: c.clientID(key, "unwind", round),
			Symbol:   leg.Symbol,
			Side:     leg.Side.Opposite(),
			Size:     exposure,
		}
		o, err := c.exec.Close(ctx, v.Gateway, req)
		if err != nil {
			c.log.Warn("unwind submission failed", zap.String("leg", key), zap.Int("round", round), zap.Error(err))
			c.publish(events.Event{
				PositionID: c.pos.ID,
				Type:       events.TypeLegError,
				Reason:     fmt.Sprintf("unwind %s round %d: %v", leg.Venue, round, err),
				Severity:   events.SeverityWarning,
			})
			continue
		}
		c.update(func(p *position.Position) { ref(p).ApplyExit(o) })
		final, err := c.exec.AwaitFinal(ctx, v.Gateway, o, c.settings.FillTimeout, nil)
		if err != nil {
			c.log.Warn("unwind order status unavailable", zap.String("leg", key), zap.Error(err))
		}
		c.update(func(p *position.Position) { ref(p).ApplyExit(final) })
	}
}
