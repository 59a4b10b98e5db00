package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogSink writes every event through zap.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) HandleEvent(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("position_id", e.PositionID),
		zap.String("severity", string(e.Severity)),
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", string(e.From)), zap.String("to", string(e.To)))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	switch e.Severity {
	case SeverityCritical:
		s.log.Error("position event", fields...)
	case SeverityWarning:
		s.log.Warn("position event", fields...)
	default:
		s.log.Info("position event", fields...)
	}
	return nil
}

func (s *LogSink) HandleRecord(_ context.Context, r TradeRecord) error {
	s.log.Info("trade record",
		zap.String("position_id", r.PositionID),
		zap.String("outcome", string(r.Outcome)),
		zap.Float64("slippage_bps", r.SlippageBps),
		zap.Float64("pnl", r.PnL),
		zap.Duration("duration", r.Duration),
		zap.String("reason", r.Reason),
	)
	return nil
}

// Recorder keeps everything in memory. It satisfies both Sink and Emitter so
// it can stand in for the dispatcher in tests.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	records []TradeRecord
}

func (r *Recorder) HandleEvent(_ context.Context, e Event) error {
	r.Emit(e)
	return nil
}

func (r *Recorder) HandleRecord(_ context.Context, rec TradeRecord) error {
	r.Record(rec)
	return nil
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Record(rec TradeRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Records() []TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TradeRecord(nil), r.records...)
}

// Transitions returns the transition events of one position in order.
func (r *Recorder) Transitions(positionID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == TypeTransition && e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out
}
