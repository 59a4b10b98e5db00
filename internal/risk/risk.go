// Package risk holds the pre-trade and in-trade gates. Every function is pure:
// the clock and all market data are passed in.
package risk

import (
	"fmt"
	"time"

	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/position"
)

type Limits struct {
	MaxPositionNotional float64
	MaxSpreadBps        float64
	MaxSlippageBps      float64
	MinBalanceBuffer    float64
	MaxOpeningDuration  time.Duration
	// ToleranceNotional bounds the leg imbalance of an open position.
	ToleranceNotional float64
	MaxQuoteAge       time.Duration
}

type AccountSnapshot struct {
	Venue   string
	Balance gateway.Balance
	Ticker  gateway.Ticker
	TakenAt time.Time
}

type Verdict string

const (
	VerdictApprove    Verdict = "approve"
	VerdictReject     Verdict = "reject"
	VerdictContinue   Verdict = "continue"
	VerdictForceClose Verdict = "force_close"
)

const (
	ReasonNotional     = "notional"
	ReasonSpread       = "spread"
	ReasonBalance      = "balance"
	ReasonQuote        = "quote"
	ReasonSlippage     = "slippage"
	ReasonOpenDeadline = "open_deadline"
	ReasonDrift        = "drift"
)

type Decision struct {
	Verdict Verdict
	Reason  string
	Detail  string
}

func (d Decision) Approved() bool {
	return d.Verdict == VerdictApprove
}

func (d Decision) ForceClose() bool {
	return d.Verdict == VerdictForceClose
}

func approve() Decision {
	return Decision{Verdict: VerdictApprove}
}

func reject(reason, format string, args ...any) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func forceClose(reason, format string, args ...any) Decision {
	return Decision{Verdict: VerdictForceClose, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// CheckPreTrade decides whether a pair of notional size may be opened on the
// two venues described by a and b.
func CheckPreTrade(a, b AccountSnapshot, limits Limits, notional float64) Decision {
	if notional <= 0 {
		return reject(ReasonNotional, "notional %.2f must be positive", notional)
	}
	if limits.MaxPositionNotional > 0 && notional > limits.MaxPositionNotional {
		return reject(ReasonNotional, "notional %.2f exceeds %.2f", notional, limits.MaxPositionNotional)
	}
	for _, snap := range []AccountSnapshot{a, b} {
		if d, ok := checkQuote(snap, limits); !ok {
			return d
		}
	}
	for _, snap := range []AccountSnapshot{a, b} {
		if limits.MaxSpreadBps > 0 && snap.Ticker.SpreadBps > limits.MaxSpreadBps {
			return reject(ReasonSpread, "%s spread %.2fbps exceeds %.2fbps", snap.Venue, snap.Ticker.SpreadBps, limits.MaxSpreadBps)
		}
	}
	required := notional + limits.MinBalanceBuffer
	for _, snap := range []AccountSnapshot{a, b} {
		if snap.Balance.Available < required {
			return reject(ReasonBalance, "%s balance %.2f below required %.2f", snap.Venue, snap.Balance.Available, required)
		}
	}
	return approve()
}

func checkQuote(snap AccountSnapshot, limits Limits) (Decision, bool) {
	t := snap.Ticker
	if t.Bid <= 0 || t.Ask <= 0 || t.Ask < t.Bid {
		return reject(ReasonQuote, "%s quote unusable bid=%.6f ask=%.6f", snap.Venue, t.Bid, t.Ask), false
	}
	if limits.MaxQuoteAge > 0 && !t.UpdatedAt.IsZero() && !snap.TakenAt.IsZero() {
		if age := snap.TakenAt.Sub(t.UpdatedAt); age > limits.MaxQuoteAge {
			return reject(ReasonQuote, "%s quote age %s exceeds %s", snap.Venue, age, limits.MaxQuoteAge), false
		}
	}
	return Decision{}, true
}

// CheckInTrade decides whether an active position must be closed early.
func CheckInTrade(pos position.Position, limits Limits, now time.Time) Decision {
	if limits.MaxSlippageBps > 0 && pos.SlippageBps > limits.MaxSlippageBps {
		return forceClose(ReasonSlippage, "slippage %.2fbps exceeds %.2fbps", pos.SlippageBps, limits.MaxSlippageBps)
	}
	switch pos.Status {
	case position.StatusOpening, position.StatusOpenPending:
		started := pos.OpeningAt
		if started.IsZero() {
			started = pos.CreatedAt
		}
		if limits.MaxOpeningDuration > 0 && now.Sub(started) > limits.MaxOpeningDuration {
			return forceClose(ReasonOpenDeadline, "opening for %s exceeds %s", now.Sub(started), limits.MaxOpeningDuration)
		}
	case position.StatusOpen:
		if imbalance := pos.Imbalance(); imbalance > limits.ToleranceNotional {
			return forceClose(ReasonDrift, "leg imbalance %.2f exceeds tolerance %.2f", imbalance, limits.ToleranceNotional)
		}
	}
	return Decision{Verdict: VerdictContinue}
}
