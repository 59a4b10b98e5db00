package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/position"
)

// Sender is the part of Telegram the notifier needs.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier forwards warning and critical events plus every trade record to
// the operator chat. Routine transitions stay in the logs.
type Notifier struct {
	sender      Sender
	minSeverity events.Severity
}

func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender, minSeverity: events.SeverityWarning}
}

func (n *Notifier) HandleEvent(ctx context.Context, e events.Event) error {
	if rank(e.Severity) < rank(n.minSeverity) {
		return nil
	}
	// Transition events into Unwinding/Failed are followed by the trade record.
	if e.Type == events.TypeTransition {
		return nil
	}
	return n.sender.Send(ctx, FormatEvent(e))
}

func (n *Notifier) HandleRecord(ctx context.Context, r events.TradeRecord) error {
	return n.sender.Send(ctx, FormatRecord(r))
}

func FormatEvent(e events.Event) string {
	var b strings.Builder
	if e.Severity == events.SeverityCritical {
		b.WriteString("CRITICAL ")
	}
	b.WriteString(strings.ToUpper(string(e.Type)))
	if e.PositionID != "" {
		fmt.Fprintf(&b, " position=%s", e.PositionID)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, "\n%s", e.Reason)
	}
	return b.String()
}

func FormatRecord(r events.TradeRecord) string {
	var b strings.Builder
	switch r.Outcome {
	case position.OutcomeClosed:
		b.WriteString("Position closed")
	case position.OutcomeFailedUnwindError:
		b.WriteString("CRITICAL position failed with residual exposure")
	default:
		b.WriteString("Position failed")
	}
	fmt.Fprintf(&b, " %s\n", r.PositionID)
	fmt.Fprintf(&b, "%s %s %.6f @ %.4f -> %.4f\n", r.LegA.Venue, r.LegA.Side, r.LegA.FilledSize, r.LegA.AvgFillPrice, r.LegA.AvgClosePrice)
	fmt.Fprintf(&b, "%s %s %.6f @ %.4f -> %.4f\n", r.LegB.Venue, r.LegB.Side, r.LegB.FilledSize, r.LegB.AvgFillPrice, r.LegB.AvgClosePrice)
	fmt.Fprintf(&b, "slippage=%.2fbps pnl=%.4f duration=%s", r.SlippageBps, r.PnL, r.Duration.Round(time.Millisecond))
	if r.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", r.Reason)
	}
	if r.LegA.Residual > 0 || r.LegB.Residual > 0 {
		fmt.Fprintf(&b, "\nresidual: %s=%.6f %s=%.6f", r.LegA.Venue, r.LegA.Residual, r.LegB.Venue, r.LegB.Residual)
	}
	return b.String()
}

func rank(s events.Severity) int {
	switch s {
	case events.SeverityCritical:
		return 2
	case events.SeverityWarning:
		return 1
	default:
		return 0
	}
}
