// Package gateway defines the capability set every trading venue adapter
// satisfies. The coordinator depends only on this package, never on a venue's
// wire format.
package gateway

import (
	"context"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that reduces exposure opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially-filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// Final reports whether no further fills can happen on the order.
func (s OrderStatus) Final() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

type Session struct {
	Venue       string
	Account     string
	ConnectedAt time.Time
}

type Balance struct {
	Venue     string
	Total     float64
	Available float64
	UpdatedAt time.Time
}

type Ticker struct {
	Venue     string
	Symbol    string
	Bid       float64
	Ask       float64
	SpreadBps float64
	UpdatedAt time.Time
}

func (t Ticker) Mid() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

// SpreadBps computes (ask-bid)/mid in basis points. Crossed or empty quotes
// return zero.
func SpreadBps(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 10_000
}

// OrderRequest opens exposure on a venue. LimitPrice zero means market.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       Side
	Size       float64
	LimitPrice float64
}

// CloseRequest reduces previously opened exposure. Side is the side of the
// closing order.
type CloseRequest struct {
	ClientID   string
	Symbol     string
	Side       Side
	Size       float64
	LimitPrice float64
}

type Order struct {
	ID           string
	ClientID     string
	Venue        string
	Symbol       string
	Side         Side
	Size         float64
	LimitPrice   float64
	ReduceOnly   bool
	Status       OrderStatus
	FilledSize   float64
	AvgFillPrice float64
	Attempt      int
	UpdatedAt    time.Time
}

// Gateway is safe for concurrent use. Every call honors the deadline carried by
// ctx.
type Gateway interface {
	Name() string
	Connect(ctx context.Context) (Session, error)
	Balance(ctx context.Context) (Balance, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	OpenPosition(ctx context.Context, req OrderRequest) (Order, error)
	ClosePosition(ctx context.Context, req CloseRequest) (Order, error)
	OrderStatus(ctx context.Context, symbol, orderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// SizeRounder is implemented by venues with a minimum size increment. Rounding
// is always toward zero.
type SizeRounder interface {
	RoundSize(symbol string, size float64) float64
}
