package exec

import (
	"context"
	"time"

	"dn-pair-bot/internal/gateway"

	"go.uber.org/zap"
)

// AwaitFinal polls an order until it reaches a final status. When the timeout
// passes, ctx ends, or abort closes, the order is cancelled and its status is
// read once more, so callers always get the venue's last word on it.
func (e *Executor) AwaitFinal(ctx context.Context, gw gateway.Gateway, o gateway.Order, timeout time.Duration, abort <-chan struct{}) (gateway.Order, error) {
	if o.Status.Final() {
		return o, nil
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(e.policy.PollInterval)
	defer ticker.Stop()

	last := o
	for {
		select {
		case <-ticker.C:
			current, err := e.Status(ctx, gw, o.Symbol, o.ID)
			if err != nil {
				e.log.Warn("order status poll failed", zap.String("venue", gw.Name()), zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			current.Attempt = o.Attempt
			last = current
			if current.Status.Final() {
				return current, nil
			}
		case <-deadline:
			return e.cancelAndRead(ctx, gw, last, "timeout")
		case <-abort:
			return e.cancelAndRead(ctx, gw, last, "abort")
		case <-ctx.Done():
			return e.cancelAndRead(ctx, gw, last, "shutdown")
		}
	}
}

func (e *Executor) cancelAndRead(ctx context.Context, gw gateway.Gateway, o gateway.Order, why string) (gateway.Order, error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.Cancel(ctx, gw, o.Symbol, o.ID); err != nil {
		e.log.Warn("order cancel failed", zap.String("venue", gw.Name()), zap.String("order_id", o.ID), zap.String("cause", why), zap.Error(err))
	}
	final, err := e.Status(ctx, gw, o.Symbol, o.ID)
	if err != nil {
		return o, err
	}
	final.Attempt = o.Attempt
	return final, nil
}
