package alerts

import (
	"context"
	"strings"
	"testing"

	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/position"
)

type captureSender struct {
	messages []string
}

func (c *captureSender) Send(_ context.Context, message string) error {
	c.messages = append(c.messages, message)
	return nil
}

func TestNotifierFiltersRoutineEvents(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender)
	ctx := context.Background()

	_ = n.HandleEvent(ctx, events.Event{PositionID: "p1", Type: events.TypeTransition, Severity: events.SeverityInfo})
	_ = n.HandleEvent(ctx, events.Event{PositionID: "p1", Type: events.TypeTransition, To: position.StatusFailed, Severity: events.SeverityWarning})
	if len(sender.messages) != 0 {
		t.Fatalf("expected transitions to stay silent, got %v", sender.messages)
	}
	_ = n.HandleEvent(ctx, events.Event{PositionID: "p1", Type: events.TypeUnwindFailed, Severity: events.SeverityCritical, Reason: "residual A=1"})
	if len(sender.messages) != 1 {
		t.Fatalf("expected critical event to be sent, got %d", len(sender.messages))
	}
	if !strings.HasPrefix(sender.messages[0], "CRITICAL UNWIND_FAILED position=p1") {
		t.Fatalf("unexpected message %q", sender.messages[0])
	}
}

func TestNotifierSendsTradeRecords(t *testing.T) {
	sender := &captureSender{}
	n := NewNotifier(sender)
	rec := events.TradeRecord{
		PositionID: "p1",
		LegA:       events.LegRecord{Venue: "A", Side: "buy", FilledSize: 1, AvgFillPrice: 100, Residual: 1},
		LegB:       events.LegRecord{Venue: "B", Side: "sell"},
		Outcome:    position.OutcomeFailedUnwindError,
		Reason:     "single_leg_fill",
	}
	if err := n.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("handle record: %v", err)
	}
	msg := sender.messages[0]
	for _, want := range []string{"CRITICAL", "p1", "reason: single_leg_fill", "residual: A=1.000000"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}
