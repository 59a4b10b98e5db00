package timescale

import (
	"context"
	"testing"
	"time"

	"dn-pair-bot/internal/config"
	"dn-pair-bot/internal/events"

	"go.uber.org/zap"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v %v", w, err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true, DSN: "  "}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestNilWriterIsNoop(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	w.EnqueueQuote(QuoteSample{Time: time.Now(), Venue: "A"})
	if err := w.HandleEvent(context.Background(), events.Event{Type: events.TypeTransition}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := w.HandleRecord(context.Background(), events.TradeRecord{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("expected nil close error, got %v", err)
	}
}

func TestEnqueueQuoteDropsWhenFull(t *testing.T) {
	w := &Writer{log: zap.NewNop(), schema: "public", quotes: make(chan QuoteSample, 1)}
	w.EnqueueQuote(QuoteSample{Venue: "A"})
	w.EnqueueQuote(QuoteSample{Venue: "B"})
	if got := w.dropQuote.Load(); got != 1 {
		t.Fatalf("expected one dropped sample, got %d", got)
	}
	if got := w.table("trade_history"); got != "public.trade_history" {
		t.Fatalf("unexpected table name %s", got)
	}
}
