// Package position holds the paired-position model and its lifecycle edges.
package position

import (
	"math"
	"time"

	"dn-pair-bot/internal/gateway"
)

type Outcome string

const (
	OutcomeClosed            Outcome = "closed"
	OutcomeFailedUnwound     Outcome = "failed_unwound"
	OutcomeFailedUnwindError Outcome = "failed_unwind_error"
)

// Leg is one side of the pair held on a single venue. Side buy is the long leg.
type Leg struct {
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          gateway.Side    `json:"side"`
	TargetSize    float64         `json:"target_size"`
	ExpectedPrice float64         `json:"expected_price"`
	FilledSize    float64         `json:"filled_size"`
	AvgFillPrice  float64         `json:"avg_fill_price"`
	ClosedSize    float64         `json:"closed_size"`
	AvgClosePrice float64         `json:"avg_close_price"`
	Entry         *gateway.Order  `json:"entry,omitempty"`
	Exits         []gateway.Order `json:"exits,omitempty"`
}

// Exposure is the filled size not yet closed.
func (l Leg) Exposure() float64 {
	v := l.FilledSize - l.ClosedSize
	if v < 1e-12 {
		return 0
	}
	return v
}

// ApplyEntry records the final view of the leg's entry order.
func (l *Leg) ApplyEntry(o gateway.Order) {
	copied := o
	l.Entry = &copied
	l.FilledSize = o.FilledSize
	l.AvgFillPrice = o.AvgFillPrice
}

// ApplyExit records a closing order; fills are averaged into the close price.
func (l *Leg) ApplyExit(o gateway.Order) {
	for i := range l.Exits {
		if l.Exits[i].ID == o.ID && o.ID != "" {
			prev := l.Exits[i].FilledSize
			l.Exits[i] = o
			l.addClose(o.FilledSize-prev, o.AvgFillPrice)
			return
		}
	}
	l.Exits = append(l.Exits, o)
	l.addClose(o.FilledSize, o.AvgFillPrice)
}

func (l *Leg) addClose(size, price float64) {
	if size <= 0 {
		return
	}
	total := l.ClosedSize + size
	l.AvgClosePrice = (l.AvgClosePrice*l.ClosedSize + price*size) / total
	l.ClosedSize = total
}

type Position struct {
	ID             string    `json:"id"`
	LegA           Leg       `json:"leg_a"`
	LegB           Leg       `json:"leg_b"`
	TargetNotional float64   `json:"target_notional"`
	Status         Status    `json:"status"`
	SlippageBps    float64   `json:"slippage_bps"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	MarkedAt       time.Time `json:"marked_at"`
	CreatedAt      time.Time `json:"created_at"`
	OpeningAt      time.Time `json:"opening_at"`
	OpenedAt       time.Time `json:"opened_at"`
	HoldUntil      time.Time `json:"hold_until"`
	ClosedAt       time.Time `json:"closed_at"`
	Reason         string    `json:"reason,omitempty"`
	Outcome        Outcome   `json:"outcome,omitempty"`
}

func New(id string, a, b Leg, notional float64, now time.Time) Position {
	return Position{
		ID:             id,
		LegA:           a,
		LegB:           b,
		TargetNotional: notional,
		Status:         StatusIdle,
		CreatedAt:      now,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (p Position) Clone() Position {
	p.LegA = cloneLeg(p.LegA)
	p.LegB = cloneLeg(p.LegB)
	return p
}

func cloneLeg(l Leg) Leg {
	if l.Entry != nil {
		entry := *l.Entry
		l.Entry = &entry
	}
	if l.Exits != nil {
		l.Exits = append([]gateway.Order(nil), l.Exits...)
	}
	return l
}

// RefPrice is the mean entry fill price, falling back to expected prices.
func (p Position) RefPrice() float64 {
	var sum float64
	var n int
	for _, leg := range []Leg{p.LegA, p.LegB} {
		px := leg.AvgFillPrice
		if px <= 0 {
			px = leg.ExpectedPrice
		}
		if px > 0 {
			sum += px
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Imbalance is the notional difference between the two legs' open exposure.
func (p Position) Imbalance() float64 {
	return math.Abs(p.LegA.Exposure()-p.LegB.Exposure()) * p.RefPrice()
}

// SlippageBps measures fill size divergence relative to target plus the worst
// per-leg fill price deviation from the quote the entry was decided on.
func SlippageBps(a, b Leg) float64 {
	var size float64
	target := math.Max(a.TargetSize, b.TargetSize)
	if target > 0 {
		size = math.Abs(a.FilledSize-b.FilledSize) / target * 10_000
	}
	return size + math.Max(priceDeviationBps(a), priceDeviationBps(b))
}

func priceDeviationBps(l Leg) float64 {
	if l.ExpectedPrice <= 0 || l.AvgFillPrice <= 0 || l.FilledSize <= 0 {
		return 0
	}
	return math.Abs(l.AvgFillPrice-l.ExpectedPrice) / l.ExpectedPrice * 10_000
}

// MarkToMarket values the open exposure of both legs at the prices they
// would exit at: the long leg at markA, the short leg at markB.
func (p Position) MarkToMarket(markA, markB float64) float64 {
	return legUnrealized(p.LegA, markA) + legUnrealized(p.LegB, markB)
}

func legUnrealized(l Leg, mark float64) float64 {
	exposure := l.Exposure()
	if exposure == 0 || mark <= 0 || l.AvgFillPrice <= 0 {
		return 0
	}
	diff := mark - l.AvgFillPrice
	if l.Side == gateway.SideSell {
		diff = -diff
	}
	return diff * exposure
}

// RealizedPnL estimates profit from entry and close fills of both legs.
func (p Position) RealizedPnL() float64 {
	return legPnL(p.LegA) + legPnL(p.LegB)
}

func legPnL(l Leg) float64 {
	if l.ClosedSize <= 0 || l.AvgFillPrice <= 0 {
		return 0
	}
	diff := l.AvgClosePrice - l.AvgFillPrice
	if l.Side == gateway.SideSell {
		diff = -diff
	}
	return diff * l.ClosedSize
}
