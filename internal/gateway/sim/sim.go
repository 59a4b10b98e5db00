// Package sim is a deterministic in-memory venue. Prices follow a seeded random
// walk that advances only when a ticker is read, and fills, latency and
// failures are scripted through Config and the Fail* helpers.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"dn-pair-bot/internal/gateway"
)

type Config struct {
	Name       string
	Seed       int64
	StartPrice float64
	Step       float64
	SpreadBps  float64
	Balance    float64
	Latency    time.Duration
	// FillDelay postpones fills until a status read after the delay.
	FillDelay time.Duration
	// FillRatio is the filled fraction of opening orders; closes fill fully.
	FillRatio float64
}

type order struct {
	gateway.Order
	fillAt time.Time
	ratio  float64
}

type Exchange struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	price      float64
	balance    float64
	seq        int
	orders     map[string]*order
	byClient   map[string]string
	placed     []string
	positions  map[string]float64
	calls      map[string]int
	connectErr error
	openErrs   []error
	openFail   error
	closeErrs  []error
	closeFail  error
}

func New(cfg Config) *Exchange {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	return &Exchange{
		cfg:       cfg,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		price:     cfg.StartPrice,
		balance:   cfg.Balance,
		orders:    make(map[string]*order),
		byClient:  make(map[string]string),
		positions: make(map[string]float64),
		calls:     make(map[string]int),
	}
}

func (e *Exchange) Name() string {
	return e.cfg.Name
}

// SetPrice pins the mid price used by the next quote and fill.
func (e *Exchange) SetPrice(price float64) {
	e.mu.Lock()
	e.price = price
	e.mu.Unlock()
}

func (e *Exchange) SetSpreadBps(bps float64) {
	e.mu.Lock()
	e.cfg.SpreadBps = bps
	e.mu.Unlock()
}

func (e *Exchange) SetBalance(balance float64) {
	e.mu.Lock()
	e.balance = balance
	e.mu.Unlock()
}

func (e *Exchange) SetFillRatio(ratio float64) {
	e.mu.Lock()
	e.cfg.FillRatio = ratio
	e.mu.Unlock()
}

func (e *Exchange) FailConnect(err error) {
	e.mu.Lock()
	e.connectErr = err
	e.mu.Unlock()
}

// FailOpens queues errors returned by the next opening submissions in order.
func (e *Exchange) FailOpens(errs ...error) {
	e.mu.Lock()
	e.openErrs = append(e.openErrs, errs...)
	e.mu.Unlock()
}

// FailAllOpens makes every opening submission return err until cleared with nil.
func (e *Exchange) FailAllOpens(err error) {
	e.mu.Lock()
	e.openFail = err
	e.mu.Unlock()
}

func (e *Exchange) FailCloses(errs ...error) {
	e.mu.Lock()
	e.closeErrs = append(e.closeErrs, errs...)
	e.mu.Unlock()
}

func (e *Exchange) FailAllCloses(err error) {
	e.mu.Lock()
	e.closeFail = err
	e.mu.Unlock()
}

// Calls returns how many times op was invoked, including failed calls.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Orders returns every accepted order in submission order.
func (e *Exchange) Orders() []gateway.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]gateway.Order, 0, len(e.placed))
	for _, id := range e.placed {
		out = append(out, e.orders[id].Order)
	}
	return out
}

// Position returns the signed net size held on symbol.
func (e *Exchange) Position(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol]
}

func (e *Exchange) Connect(ctx context.Context) (gateway.Session, error) {
	if err := e.enter(ctx, "connect"); err != nil {
		return gateway.Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectErr != nil {
		return gateway.Session{}, e.connectErr
	}
	return gateway.Session{Venue: e.cfg.Name, Account: "sim", ConnectedAt: e.now()}, nil
}

func (e *Exchange) Balance(ctx context.Context) (gateway.Balance, error) {
	if err := e.enter(ctx, "balance"); err != nil {
		return gateway.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return gateway.Balance{Venue: e.cfg.Name, Total: e.balance, Available: e.balance, UpdatedAt: e.now()}, nil
}

func (e *Exchange) Ticker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	if err := e.enter(ctx, "ticker"); err != nil {
		return gateway.Ticker{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.Step > 0 {
		e.price += (e.rng.Float64()*2 - 1) * e.cfg.Step
		if e.price <= 0 {
			e.price = e.cfg.Step
		}
	}
	bid, ask := e.quoteLocked()
	return gateway.Ticker{
		Venue:     e.cfg.Name,
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		SpreadBps: gateway.SpreadBps(bid, ask),
		UpdatedAt: e.now(),
	}, nil
}

func (e *Exchange) OpenPosition(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	if err := e.enter(ctx, "open"); err != nil {
		return gateway.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byClient[req.ClientID]; ok && req.ClientID != "" {
		return e.orders[id].Order, nil
	}
	if err := e.scriptedLocked(&e.openErrs, e.openFail); err != nil {
		return gateway.Order{}, err
	}
	if req.Size <= 0 {
		return gateway.Order{}, gateway.NewError(gateway.KindRejected, e.cfg.Name, "open", fmt.Errorf("invalid size %v", req.Size))
	}
	return e.placeLocked(req.ClientID, req.Symbol, req.Side, req.Size, req.LimitPrice, false, e.cfg.FillRatio), nil
}

func (e *Exchange) ClosePosition(ctx context.Context, req gateway.CloseRequest) (gateway.Order, error) {
	if err := e.enter(ctx, "close"); err != nil {
		return gateway.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byClient[req.ClientID]; ok && req.ClientID != "" {
		return e.orders[id].Order, nil
	}
	if err := e.scriptedLocked(&e.closeErrs, e.closeFail); err != nil {
		return gateway.Order{}, err
	}
	held := e.positions[req.Symbol]
	if req.Size <= 0 || (req.Side == gateway.SideSell && held <= 0) || (req.Side == gateway.SideBuy && held >= 0) {
		return gateway.Order{}, gateway.NewError(gateway.KindRejected, e.cfg.Name, "close", errors.New("no position to reduce"))
	}
	size := req.Size
	if abs(held) < size {
		size = abs(held)
	}
	return e.placeLocked(req.ClientID, req.Symbol, req.Side, size, req.LimitPrice, true, 1), nil
}

func (e *Exchange) OrderStatus(ctx context.Context, symbol, orderID string) (gateway.Order, error) {
	if err := e.enter(ctx, "status"); err != nil {
		return gateway.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return gateway.Order{}, gateway.NewError(gateway.KindRejected, e.cfg.Name, "status", fmt.Errorf("unknown order %s", orderID))
	}
	e.settleLocked(o)
	return o.Order, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := e.enter(ctx, "cancel"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return gateway.NewError(gateway.KindRejected, e.cfg.Name, "cancel", fmt.Errorf("unknown order %s", orderID))
	}
	e.settleLocked(o)
	if o.Status.Final() {
		return nil
	}
	o.Status = gateway.OrderCancelled
	o.UpdatedAt = e.now()
	return nil
}

// enter counts the call and waits out the configured latency.
func (e *Exchange) enter(ctx context.Context, op string) error {
	e.mu.Lock()
	e.calls[op]++
	latency := e.cfg.Latency
	e.mu.Unlock()
	if latency <= 0 {
		if err := ctx.Err(); err != nil {
			return gateway.Classify(e.cfg.Name, op, err)
		}
		return nil
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return gateway.Classify(e.cfg.Name, op, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (e *Exchange) scriptedLocked(queue *[]error, always error) error {
	if len(*queue) > 0 {
		err := (*queue)[0]
		*queue = (*queue)[1:]
		return err
	}
	return always
}

func (e *Exchange) quoteLocked() (float64, float64) {
	half := e.price * e.cfg.SpreadBps / 20_000
	return e.price - half, e.price + half
}

func (e *Exchange) placeLocked(clientID, symbol string, side gateway.Side, size, limit float64, reduce bool, ratio float64) gateway.Order {
	e.seq++
	now := e.now()
	o := &order{
		Order: gateway.Order{
			ID:         strconv.Itoa(e.seq),
			ClientID:   clientID,
			Venue:      e.cfg.Name,
			Symbol:     symbol,
			Side:       side,
			Size:       size,
			LimitPrice: limit,
			ReduceOnly: reduce,
			Status:     gateway.OrderPending,
			UpdatedAt:  now,
		},
		fillAt: now.Add(e.cfg.FillDelay),
		ratio:  ratio,
	}
	e.orders[o.ID] = o
	if clientID != "" {
		e.byClient[clientID] = o.ID
	}
	e.placed = append(e.placed, o.ID)
	e.settleLocked(o)
	return o.Order
}

// settleLocked applies the scripted fill once the fill delay has passed.
func (e *Exchange) settleLocked(o *order) {
	if o.Status != gateway.OrderPending {
		return
	}
	now := e.now()
	if now.Before(o.fillAt) || o.ratio <= 0 {
		return
	}
	bid, ask := e.quoteLocked()
	px := ask
	if o.Side == gateway.SideSell {
		px = bid
	}
	filled := o.Size * o.ratio
	o.FilledSize = filled
	o.AvgFillPrice = px
	o.UpdatedAt = now
	if o.ratio >= 1 {
		o.Status = gateway.OrderFilled
	} else {
		o.Status = gateway.OrderPartiallyFilled
	}
	if o.Side == gateway.SideBuy {
		e.positions[o.Symbol] += filled
	} else {
		e.positions[o.Symbol] -= filled
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
