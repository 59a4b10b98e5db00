// Package events carries the ordered stream of lifecycle events and final trade
// records out of the coordinator. Delivery is fire-and-forget.
package events

import (
	"context"
	"time"

	"dn-pair-bot/internal/position"
)

type Type string

const (
	TypeTransition   Type = "transition"
	TypeRiskRejected Type = "risk_rejected"
	TypeLegError     Type = "leg_error"
	TypeForceClose   Type = "force_close"
	TypeUnwindFailed Type = "unwind_failed"
	TypeStartup      Type = "startup"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Event struct {
	PositionID string             `json:"position_id,omitempty"`
	Type       Type               `json:"type"`
	From       position.Status    `json:"from,omitempty"`
	To         position.Status    `json:"to,omitempty"`
	Time       time.Time          `json:"time"`
	Reason     string             `json:"reason,omitempty"`
	Severity   Severity           `json:"severity"`
	Position   *position.Position `json:"position,omitempty"`
}

type LegRecord struct {
	Venue         string  `json:"venue"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	TargetSize    float64 `json:"target_size"`
	FilledSize    float64 `json:"filled_size"`
	AvgFillPrice  float64 `json:"avg_fill_price"`
	ClosedSize    float64 `json:"closed_size"`
	AvgClosePrice float64 `json:"avg_close_price"`
	Residual      float64 `json:"residual"`
	Orders        int     `json:"orders"`
}

// TradeRecord summarises a position once it is closed or failed.
type TradeRecord struct {
	PositionID     string           `json:"position_id"`
	LegA           LegRecord        `json:"leg_a"`
	LegB           LegRecord        `json:"leg_b"`
	TargetNotional float64          `json:"target_notional"`
	SlippageBps    float64          `json:"slippage_bps"`
	CreatedAt      time.Time        `json:"created_at"`
	OpenedAt       time.Time        `json:"opened_at"`
	ClosedAt       time.Time        `json:"closed_at"`
	Duration       time.Duration    `json:"duration"`
	Outcome        position.Outcome `json:"outcome"`
	Reason         string           `json:"reason,omitempty"`
	PnL            float64          `json:"pnl"`
}

func NewTradeRecord(p position.Position) TradeRecord {
	var duration time.Duration
	if !p.ClosedAt.IsZero() {
		duration = p.ClosedAt.Sub(p.CreatedAt)
	}
	return TradeRecord{
		PositionID:     p.ID,
		LegA:           legRecord(p.LegA),
		LegB:           legRecord(p.LegB),
		TargetNotional: p.TargetNotional,
		SlippageBps:    p.SlippageBps,
		CreatedAt:      p.CreatedAt,
		OpenedAt:       p.OpenedAt,
		ClosedAt:       p.ClosedAt,
		Duration:       duration,
		Outcome:        p.Outcome,
		Reason:         p.Reason,
		PnL:            p.RealizedPnL(),
	}
}

func legRecord(l position.Leg) LegRecord {
	orders := len(l.Exits)
	if l.Entry != nil {
		orders++
	}
	return LegRecord{
		Venue:         l.Venue,
		Symbol:        l.Symbol,
		Side:          string(l.Side),
		TargetSize:    l.TargetSize,
		FilledSize:    l.FilledSize,
		AvgFillPrice:  l.AvgFillPrice,
		ClosedSize:    l.ClosedSize,
		AvgClosePrice: l.AvgClosePrice,
		Residual:      l.Exposure(),
		Orders:        orders,
	}
}

// Sink consumes events. Errors are logged by the dispatcher and never reach
// the producer.
type Sink interface {
	HandleEvent(ctx context.Context, e Event) error
	HandleRecord(ctx context.Context, r TradeRecord) error
}

// Emitter is the producer side used by the coordinator and supervisor.
type Emitter interface {
	Emit(e Event)
	Record(r TradeRecord)
}
