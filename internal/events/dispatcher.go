package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dn-pair-bot/internal/metrics"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 1024
	sinkTimeout      = 3 * time.Second
	drainTimeout     = 5 * time.Second
)

type item struct {
	event  *Event
	record *TradeRecord
}

// Dispatcher fans events out to sinks from a single goroutine, preserving
// emission order. Emit never blocks: a full queue drops the item.
type Dispatcher struct {
	log     *zap.Logger
	sinks   []Sink
	queue   chan item
	dropped metrics.Counter

	dropCount atomic.Uint64
	warnOnce  sync.Once
}

func NewDispatcher(log *zap.Logger, queueSize int, dropped metrics.Counter, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if dropped == nil {
		dropped = metrics.NewNoop().EventsDropped
	}
	return &Dispatcher{
		log:     log,
		sinks:   sinks,
		queue:   make(chan item, queueSize),
		dropped: dropped,
	}
}

func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	d.enqueue(item{event: &e})
}

func (d *Dispatcher) Record(r TradeRecord) {
	d.enqueue(item{record: &r})
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropCount.Load()
}

func (d *Dispatcher) enqueue(it item) {
	select {
	case d.queue <- it:
	default:
		d.dropCount.Add(1)
		d.dropped.Inc()
		d.warnOnce.Do(func() {
			d.log.Warn("event queue full; dropping events", zap.Int("capacity", cap(d.queue)))
		})
	}
}

// Run delivers queued items until ctx is done, then drains what is left with a
// bounded deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case it := <-d.queue:
			d.deliver(context.Background(), it)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case it := <-d.queue:
			d.deliver(ctx, it)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, it item) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(parent, sinkTimeout)
		var err error
		if it.event != nil {
			err = sink.HandleEvent(ctx, *it.event)
		} else if it.record != nil {
			err = sink.HandleRecord(ctx, *it.record)
		}
		cancel()
		if err != nil {
			d.log.Warn("event sink failed", zap.Error(err))
		}
	}
}
