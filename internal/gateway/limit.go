package gateway

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

type limited struct {
	next    Gateway
	limiter *rate.Limiter
}

// Limit wraps gw so every call first takes a token from a shared bucket of
// perSecond tokens with the given burst. A non-positive rate disables limiting.
func Limit(gw Gateway, perSecond float64, burst int) Gateway {
	if perSecond <= 0 {
		return gw
	}
	if burst < 1 {
		burst = 1
	}
	return &limited{next: gw, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limited) wait(ctx context.Context, op string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return NewError(KindRateLimit, l.next.Name(), op, err)
	}
	return nil
}

func (l *limited) Name() string {
	return l.next.Name()
}

func (l *limited) Connect(ctx context.Context) (Session, error) {
	if err := l.wait(ctx, "connect"); err != nil {
		return Session{}, err
	}
	return l.next.Connect(ctx)
}

func (l *limited) Balance(ctx context.Context) (Balance, error) {
	if err := l.wait(ctx, "balance"); err != nil {
		return Balance{}, err
	}
	return l.next.Balance(ctx)
}

func (l *limited) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	if err := l.wait(ctx, "ticker"); err != nil {
		return Ticker{}, err
	}
	return l.next.Ticker(ctx, symbol)
}

func (l *limited) OpenPosition(ctx context.Context, req OrderRequest) (Order, error) {
	if err := l.wait(ctx, "open"); err != nil {
		return Order{}, err
	}
	return l.next.OpenPosition(ctx, req)
}

func (l *limited) ClosePosition(ctx context.Context, req CloseRequest) (Order, error) {
	if err := l.wait(ctx, "close"); err != nil {
		return Order{}, err
	}
	return l.next.ClosePosition(ctx, req)
}

func (l *limited) OrderStatus(ctx context.Context, symbol, orderID string) (Order, error) {
	if err := l.wait(ctx, "status"); err != nil {
		return Order{}, err
	}
	return l.next.OrderStatus(ctx, symbol, orderID)
}

func (l *limited) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := l.wait(ctx, "cancel"); err != nil {
		return err
	}
	return l.next.CancelOrder(ctx, symbol, orderID)
}

func (l *limited) RoundSize(symbol string, size float64) float64 {
	if r, ok := l.next.(SizeRounder); ok {
		return r.RoundSize(symbol, size)
	}
	return size
}
