package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/metrics"
	"dn-pair-bot/internal/state"

	"go.uber.org/zap"
)

var ErrEmptyOrderID = errors.New("empty order id")

type Policy struct {
	MaxAttempts      int
	Backoff          time.Duration
	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration
	CallTimeout      time.Duration
	PollInterval     time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 200 * time.Millisecond
	}
	if p.RateLimitBackoff <= 0 {
		p.RateLimitBackoff = p.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 250 * time.Millisecond
	}
	return p
}

// Executor submits orders to a gateway with bounded retries and remembers
// which venue order each client id produced.
type Executor struct {
	policy  Policy
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache map[string]string
}

func New(policy Policy, store state.Store, log *zap.Logger, m *metrics.Metrics) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		policy:  policy.withDefaults(),
		store:   store,
		log:     log,
		metrics: m,
		cache:   make(map[string]string),
	}
}

func (e *Executor) Policy() Policy {
	return e.policy
}

// Open submits an opening order. A client id that already produced a venue
// order returns that order instead of submitting again.
func (e *Executor) Open(ctx context.Context, gw gateway.Gateway, req gateway.OrderRequest) (gateway.Order, error) {
	return e.submit(ctx, gw, req.ClientID, req.Symbol, e.policy.MaxAttempts, func(callCtx context.Context) (gateway.Order, error) {
		return gw.OpenPosition(callCtx, req)
	})
}

func (e *Executor) Close(ctx context.Context, gw gateway.Gateway, req gateway.CloseRequest) (gateway.Order, error) {
	return e.submit(ctx, gw, req.ClientID, req.Symbol, e.policy.MaxAttempts, func(callCtx context.Context) (gateway.Order, error) {
		return gw.ClosePosition(callCtx, req)
	})
}

func (e *Executor) Status(ctx context.Context, gw gateway.Gateway, symbol, orderID string) (gateway.Order, error) {
	var out gateway.Order
	_, err := e.retry(ctx, e.policy.MaxAttempts, func(callCtx context.Context) error {
		var err error
		out, err = gw.OrderStatus(callCtx, symbol, orderID)
		return err
	})
	return out, err
}

func (e *Executor) Cancel(ctx context.Context, gw gateway.Gateway, symbol, orderID string) error {
	_, err := e.retry(ctx, e.policy.MaxAttempts, func(callCtx context.Context) error {
		return gw.CancelOrder(callCtx, symbol, orderID)
	})
	return err
}

func (e *Executor) submit(ctx context.Context, gw gateway.Gateway, clientID, symbol string, attempts int, call func(context.Context) (gateway.Order, error)) (gateway.Order, error) {
	cacheKey := orderKey(clientID, gw.Name())
	if clientID != "" {
		if oid, ok, err := e.lookup(ctx, cacheKey); err != nil {
			return gateway.Order{}, err
		} else if ok {
			return e.Status(ctx, gw, symbol, oid)
		}
	}
	var out gateway.Order
	used, err := e.retry(ctx, attempts, func(callCtx context.Context) error {
		o, err := call(callCtx)
		if err != nil {
			return err
		}
		if o.ID == "" {
			return gateway.NewError(gateway.KindRejected, gw.Name(), "submit", ErrEmptyOrderID)
		}
		out = o
		return nil
	})
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return gateway.Order{Attempt: used}, err
	}
	out.Attempt = used
	e.metrics.OrdersPlaced.Inc()
	if clientID != "" {
		e.remember(ctx, cacheKey, out.ID)
	}
	return out, nil
}

const orderKeyPrefix = "cloid:"

// orderKey leads with the client id so every order of one position shares a
// prefix.
func orderKey(clientID, venue string) string {
	return orderKeyPrefix + clientID + "@" + venue
}

// Forget drops the remembered venue order ids of every client id starting with
// clientPrefix. Coordinators call it once their position is terminal.
func (e *Executor) Forget(ctx context.Context, clientPrefix string) {
	prefix := orderKeyPrefix + clientPrefix
	e.mu.Lock()
	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			delete(e.cache, key)
		}
	}
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	keys, err := e.store.List(ctx, prefix)
	if err != nil {
		e.log.Warn("failed to list order ids", zap.String("prefix", prefix), zap.Error(err))
		return
	}
	for key := range keys {
		if err := e.store.Delete(ctx, key); err != nil {
			e.log.Warn("failed to delete order id", zap.String("key", key), zap.Error(err))
		}
	}
}

func (e *Executor) lookup(ctx context.Context, key string) (string, bool, error) {
	e.mu.Lock()
	oid, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return oid, true, nil
	}
	if e.store == nil {
		return "", false, nil
	}
	oid, ok, err := e.store.Get(context.WithoutCancel(ctx), key)
	if err != nil || !ok {
		return "", false, err
	}
	e.mu.Lock()
	e.cache[key] = oid
	e.mu.Unlock()
	return oid, true, nil
}

func (e *Executor) remember(ctx context.Context, key, orderID string) {
	e.mu.Lock()
	e.cache[key] = orderID
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.Set(context.WithoutCancel(ctx), key, orderID); err != nil {
		e.log.Warn("failed to persist order id", zap.String("key", key), zap.Error(err))
	}
}

// retry runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. Each call gets its own deadline and is never cut short by ctx; ctx only
// stops the loop between attempts.
func (e *Executor) retry(ctx context.Context, attempts int, fn func(context.Context) error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}
	backoff := e.policy.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.call(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !gateway.IsTransient(err) {
			return attempt, err
		}
		if attempt == attempts {
			break
		}
		wait := backoff
		if errors.Is(err, gateway.ErrRateLimit) && e.policy.RateLimitBackoff > wait {
			wait = e.policy.RateLimitBackoff
		}
		e.metrics.OrderRetries.Inc()
		e.log.Debug("retrying venue call", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
		backoff *= 2
		if backoff > e.policy.MaxBackoff {
			backoff = e.policy.MaxBackoff
		}
	}
	return attempts, fmt.Errorf("retry failed after %d attempts: %w", attempts, lastErr)
}

func (e *Executor) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx := context.WithoutCancel(ctx)
	if e.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.policy.CallTimeout)
		defer cancel()
	}
	return fn(callCtx)
}
