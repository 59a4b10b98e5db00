package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_pair_bot"

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	orderRetries    prometheus.Counter
	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	positionsFailed prometheus.Counter
	forceCloses     prometheus.Counter
	unwindFailures  prometheus.Counter
	riskRejections  prometheus.Counter
	eventsDropped   prometheus.Counter
	activePositions prometheus.Gauge
	unrealizedPnL   prometheus.Gauge
	openLatency     prometheus.Histogram
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		ordersPlaced:    newCounter("orders_placed_total", "Total number of leg orders acknowledged by a venue."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of leg orders that failed after retries."),
		orderRetries:    newCounter("order_retries_total", "Total number of retried venue calls."),
		positionsOpened: newCounter("positions_opened_total", "Total number of positions that reached open."),
		positionsClosed: newCounter("positions_closed_total", "Total number of positions closed cleanly."),
		positionsFailed: newCounter("positions_failed_total", "Total number of positions that ended failed."),
		forceCloses:     newCounter("force_closes_total", "Total number of forced early closes."),
		unwindFailures:  newCounter("unwind_failures_total", "Total number of unwinds that left exposure behind."),
		riskRejections:  newCounter("risk_rejections_total", "Total number of pre-trade rejections."),
		eventsDropped:   newCounter("events_dropped_total", "Total number of events dropped by a full sink queue."),
		activePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "active_positions",
			Help:      "Number of positions not yet closed or failed.",
		}),
		unrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "unrealized_pnl_usd",
			Help:      "Marked PnL of the open exposure across active positions.",
		}),
		openLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "open_ack_seconds",
			Help:      "Time until both opening legs were acknowledged.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
	p.registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.orderRetries,
		p.positionsOpened, p.positionsClosed, p.positionsFailed,
		p.forceCloses, p.unwindFailures, p.riskRejections, p.eventsDropped,
		p.activePositions, p.unrealizedPnL, p.openLatency,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:    p.ordersPlaced,
		OrdersFailed:    p.ordersFailed,
		OrderRetries:    p.orderRetries,
		PositionsOpened: p.positionsOpened,
		PositionsClosed: p.positionsClosed,
		PositionsFailed: p.positionsFailed,
		ForceCloses:     p.forceCloses,
		UnwindFailures:  p.unwindFailures,
		RiskRejections:  p.riskRejections,
		EventsDropped:   p.eventsDropped,
		ActivePositions: p.activePositions,
		UnrealizedPnL:   p.unrealizedPnL,
		OpenLatency:     p.openLatency,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
