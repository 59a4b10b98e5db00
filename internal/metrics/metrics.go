package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Observer interface {
	Observe(float64)
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	OrderRetries    Counter
	PositionsOpened Counter
	PositionsClosed Counter
	PositionsFailed Counter
	ForceCloses     Counter
	UnwindFailures  Counter
	RiskRejections  Counter
	EventsDropped   Counter
	ActivePositions Gauge
	// UnrealizedPnL is the marked value of every active position's open
	// exposure, summed.
	UnrealizedPnL Gauge
	// OpenLatency records seconds from the first leg submission until both legs
	// are acknowledged.
	OpenLatency Observer
}

type noop struct{}

func (noop) Inc()            {}
func (noop) Set(float64)     {}
func (noop) Observe(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		OrderRetries:    n,
		PositionsOpened: n,
		PositionsClosed: n,
		PositionsFailed: n,
		ForceCloses:     n,
		UnwindFailures:  n,
		RiskRejections:  n,
		EventsDropped:   n,
		ActivePositions: n,
		UnrealizedPnL:   n,
		OpenLatency:     n,
	}
}
