package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dn-pair-bot/internal/alerts"
	"dn-pair-bot/internal/config"
	"dn-pair-bot/internal/coordinator"
	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/events/redisbus"
	"dn-pair-bot/internal/exec"
	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/gateway/hyperliquid"
	"dn-pair-bot/internal/gateway/sim"
	"dn-pair-bot/internal/metrics"
	"dn-pair-bot/internal/position"
	"dn-pair-bot/internal/reconcile"
	"dn-pair-bot/internal/risk"
	"dn-pair-bot/internal/state"
	"dn-pair-bot/internal/state/sqlite"
	"dn-pair-bot/internal/timescale"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// chat is the operator channel, a *alerts.Telegram outside tests.
type chat interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

// App supervises the pair: it owns the active set, runs the entry loop and
// starts one coordinator per position.
type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	venueA     coordinator.Venue
	venueB     coordinator.Venue
	hlVenues   []*hyperliquid.Venue
	executor   *exec.Executor
	metrics    *metrics.Metrics
	prom       *metrics.Prometheus
	dispatcher *events.Dispatcher
	reconciler *reconcile.Loop
	alerts     chat
	timescale  *timescale.Writer
	closers    []func() error
	now        func() time.Time
	newID      func() string

	activeMu sync.Mutex
	active   map[string]*coordinator.Coordinator
	running  sync.WaitGroup

	opsMu          sync.RWMutex
	paused         bool
	lastEntry      time.Time
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	gwA, hlA, err := BuildGateway(cfg.Venues.A, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	gwB, hlB, err := BuildGateway(cfg.Venues.B, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var (
		sinks   []events.Sink
		closers []func() error
	)
	var tg *alerts.Telegram
	if cfg.Telegram.Enabled {
		tg = alerts.NewTelegram(cfg.Telegram, log)
		sinks = append(sinks, alerts.NewNotifier(tg))
	}
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		bus, err := redisbus.New(ctx, redisbus.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		cancel()
		if err != nil {
			log.Warn("redis event bus disabled", zap.Error(err))
		} else {
			sinks = append(sinks, bus)
			closers = append(closers, bus.Close)
		}
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		writer = nil
	}
	if writer != nil {
		sinks = append(sinks, writer)
		closers = append(closers, writer.Close)
	}

	a := newApp(cfg, log, store, gwA, gwB, sinks...)
	a.closers = append(closers, a.closers...)
	a.timescale = writer
	if tg != nil {
		a.alerts = tg
	}
	for _, v := range []*hyperliquid.Venue{hlA, hlB} {
		if v != nil {
			a.hlVenues = append(a.hlVenues, v)
		}
	}
	return a, nil
}

// newApp wires everything that does not need the network. The journal and
// log sinks always run first.
func newApp(cfg *config.Config, log *zap.Logger, store state.Store, gwA, gwB gateway.Gateway, sinks ...events.Sink) *App {
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	base := []events.Sink{events.NewLogSink(log), state.NewJournal(store)}
	a := &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		venueA:     coordinator.Venue{Gateway: gwA, Symbol: cfg.Venues.A.Symbol, Side: gateway.SideBuy},
		venueB:     coordinator.Venue{Gateway: gwB, Symbol: cfg.Venues.B.Symbol, Side: gateway.SideSell},
		executor:   exec.New(Policy(cfg), store, log, m),
		metrics:    m,
		prom:       prom,
		dispatcher: events.NewDispatcher(log, 0, m.EventsDropped, append(base, sinks...)...),
		closers:    []func() error{store.Close},
		now:        time.Now,
		newID:      uuid.NewString,
		active:     make(map[string]*coordinator.Coordinator),
	}
	gateways := map[string]gateway.Gateway{gwA.Name(): gwA, gwB.Name(): gwB}
	a.reconciler = reconcile.New(cfg.Reconcile.Interval, a, gateways, a.executor, RiskLimits(cfg), log, m)
	return a
}

// BuildGateway constructs the venue named by cfg behind its rate limiter. The
// Hyperliquid venue is also returned so callers can run its book stream.
func BuildGateway(cfg config.VenueConfig, log *zap.Logger) (gateway.Gateway, *hyperliquid.Venue, error) {
	switch cfg.Kind {
	case config.VenueKindHyperliquid:
		v, err := hyperliquid.New(hyperliquid.Config{
			Name:           cfg.Name,
			BaseURL:        cfg.REST.BaseURL,
			Timeout:        cfg.REST.Timeout,
			WSURL:          cfg.WS.URL,
			ReconnectDelay: cfg.WS.ReconnectDelay,
			PingInterval:   cfg.WS.PingInterval,
			WalletAddress:  cfg.WalletAddress,
			PrivateKey:     cfg.PrivateKey,
			AccountAddress: cfg.AccountAddress,
			VaultAddress:   cfg.VaultAddress,
			MarketBps:      cfg.MarketBps,
			BookMaxAge:     cfg.BookMaxAge,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		v.Track(cfg.Symbol)
		return gateway.Limit(v, cfg.RateLimit, cfg.RateBurst), v, nil
	case config.VenueKindSim:
		s := sim.New(sim.Config{
			Name:       cfg.Name,
			Seed:       cfg.Sim.Seed,
			StartPrice: cfg.Sim.StartPrice,
			Step:       cfg.Sim.Step,
			SpreadBps:  cfg.Sim.SpreadBps,
			Balance:    cfg.Sim.Balance,
			Latency:    cfg.Sim.Latency,
			FillDelay:  cfg.Sim.FillDelay,
			FillRatio:  cfg.Sim.FillRatioValue(),
		})
		return gateway.Limit(s, cfg.RateLimit, cfg.RateBurst), nil, nil
	default:
		return nil, nil, fmt.Errorf("venue %s: unsupported kind %q", cfg.Name, cfg.Kind)
	}
}

func Policy(cfg *config.Config) exec.Policy {
	return exec.Policy{
		MaxAttempts:      cfg.Execution.MaxAttempts,
		Backoff:          cfg.Execution.Backoff,
		RateLimitBackoff: cfg.Execution.RateLimitBackoff,
		MaxBackoff:       cfg.Execution.MaxBackoff,
		CallTimeout:      cfg.Execution.CallTimeout,
		PollInterval:     cfg.Execution.FillPollInterval,
	}
}

func RiskLimits(cfg *config.Config) risk.Limits {
	return risk.Limits{
		MaxPositionNotional: cfg.Risk.MaxPositionNotionalUSD,
		MaxSpreadBps:        cfg.Risk.MaxSpreadBps,
		MaxSlippageBps:      cfg.Risk.MaxSlippageBps,
		MinBalanceBuffer:    cfg.Risk.MinBalanceBufferUSD,
		MaxOpeningDuration:  cfg.Risk.MaxOpeningDuration,
		ToleranceNotional:   cfg.Execution.ToleranceUSD,
		MaxQuoteAge:         max(cfg.Venues.A.BookMaxAge, cfg.Venues.B.BookMaxAge),
	}
}

func (a *App) settings() coordinator.Settings {
	return coordinator.Settings{
		Limits:         RiskLimits(a.cfg),
		FillTimeout:    a.cfg.Execution.FillTimeout,
		HoldBase:       a.cfg.Strategy.HoldBase,
		HoldJitter:     a.cfg.Strategy.HoldJitter,
		UnwindAttempts: a.cfg.Execution.UnwindAttempts,
	}
}

// Run connects both venues and supervises until ctx ends. Open positions are
// closed before it returns, bounded by strategy.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	defer a.closeAll()
	if err := a.connect(ctx); err != nil {
		return err
	}
	for _, v := range a.hlVenues {
		if err := v.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.String("venue", v.Name()), zap.Error(err))
		}
	}

	// The dispatcher outlives ctx so events from the shutdown closes are
	// still delivered.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = a.dispatcher.Run(dispatchCtx)
	}()
	defer func() {
		stopDispatch()
		<-dispatchDone
	}()
	a.timescale.Start(dispatchCtx)
	a.reportLeftovers(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.entryLoop(gctx) })
	g.Go(func() error { return a.reconciler.Run(gctx) })
	for _, v := range a.hlVenues {
		g.Go(func() error { return v.Run(gctx) })
	}
	if a.prom != nil {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	if op, ok := a.operatorSettings(); ok {
		g.Go(func() error {
			a.operatorLoop(gctx, op)
			return nil
		})
	}
	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) connect(ctx context.Context) error {
	for _, v := range []coordinator.Venue{a.venueA, a.venueB} {
		callCtx, cancel := a.callContext(ctx)
		sess, err := v.Gateway.Connect(callCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect %s: %w", v.Gateway.Name(), err)
		}
		a.log.Info("venue connected",
			zap.String("venue", sess.Venue),
			zap.String("account", sess.Account),
			zap.String("symbol", v.Symbol),
			zap.String("side", string(v.Side)),
		)
	}
	return nil
}

// reportLeftovers raises positions a previous run never finished. They are
// not resumed.
func (a *App) reportLeftovers(ctx context.Context) {
	leftovers, err := state.LoadActivePositions(ctx, a.store)
	if err != nil {
		a.log.Warn("load active positions failed", zap.Error(err))
		return
	}
	for _, p := range leftovers {
		a.log.Error("position left active by a previous run",
			zap.String("position_id", p.ID),
			zap.String("status", string(p.Status)),
			zap.Float64("exposure_a", p.LegA.Exposure()),
			zap.Float64("exposure_b", p.LegB.Exposure()),
		)
		a.dispatcher.Emit(events.Event{
			PositionID: p.ID,
			Type:       events.TypeStartup,
			Severity:   events.SeverityCritical,
			Reason: fmt.Sprintf("left %s by a previous run; exposure %s=%.6f %s=%.6f; check the venues then /dismiss %s",
				p.Status, p.LegA.Venue, p.LegA.Exposure(), p.LegB.Venue, p.LegB.Exposure(), p.ID),
		})
	}
}

func (a *App) entryLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Strategy.EntryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.tick(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("entry tick failed", zap.Error(err))
			}
		}
	}
}

// tick snapshots both venues and opens a position when the gate approves.
func (a *App) tick(ctx context.Context) error {
	if !a.entryAllowed(a.now()) {
		return nil
	}
	snapA, snapB, err := a.snapshots(ctx)
	if err != nil {
		return err
	}
	a.recordQuotes(snapA, snapB)

	now := a.now()
	pos, err := coordinator.Prepare(a.newID(), a.venueA, a.venueB, snapA, snapB, RiskLimits(a.cfg), a.cfg.Strategy.NotionalUSD, now)
	var rejected *coordinator.RiskRejectedError
	if errors.As(err, &rejected) {
		a.metrics.RiskRejections.Inc()
		a.log.Info("entry rejected",
			zap.String("reason", rejected.Decision.Reason),
			zap.String("detail", rejected.Decision.Detail),
		)
		a.dispatcher.Emit(events.Event{
			Type:     events.TypeRiskRejected,
			Reason:   fmt.Sprintf("%s: %s", rejected.Decision.Reason, rejected.Decision.Detail),
			Severity: events.SeverityInfo,
		})
		return nil
	}
	if err != nil {
		return err
	}
	a.markEntry(now)
	a.start(ctx, pos)
	return nil
}

func (a *App) entryAllowed(now time.Time) bool {
	a.opsMu.RLock()
	paused := a.paused
	last := a.lastEntry
	a.opsMu.RUnlock()
	if paused {
		return false
	}
	if limit := a.cfg.Strategy.MaxActivePositions; limit > 0 && a.activeCount() >= limit {
		return false
	}
	return last.IsZero() || now.Sub(last) >= a.cfg.Strategy.EntryCooldown
}

func (a *App) markEntry(at time.Time) {
	a.opsMu.Lock()
	a.lastEntry = at
	a.opsMu.Unlock()
}

func (a *App) snapshots(ctx context.Context) (risk.AccountSnapshot, risk.AccountSnapshot, error) {
	var snapA, snapB risk.AccountSnapshot
	var g errgroup.Group
	g.Go(func() (err error) {
		snapA, err = a.snapshot(ctx, a.venueA)
		return err
	})
	g.Go(func() (err error) {
		snapB, err = a.snapshot(ctx, a.venueB)
		return err
	})
	err := g.Wait()
	return snapA, snapB, err
}

func (a *App) snapshot(ctx context.Context, v coordinator.Venue) (risk.AccountSnapshot, error) {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	bal, err := v.Gateway.Balance(ctx)
	if err != nil {
		return risk.AccountSnapshot{}, fmt.Errorf("%s balance: %w", v.Gateway.Name(), err)
	}
	tk, err := v.Gateway.Ticker(ctx, v.Symbol)
	if err != nil {
		return risk.AccountSnapshot{}, fmt.Errorf("%s ticker: %w", v.Gateway.Name(), err)
	}
	return risk.AccountSnapshot{Venue: v.Gateway.Name(), Balance: bal, Ticker: tk, TakenAt: a.now()}, nil
}

func (a *App) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Execution.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.Execution.CallTimeout)
}

// start registers a coordinator for pos and runs it under ctx.
func (a *App) start(ctx context.Context, pos position.Position) {
	coord := coordinator.New(pos, a.venueA, a.venueB, a.settings(), coordinator.Deps{
		Executor: a.executor,
		Emitter:  a.dispatcher,
		Log:      a.log,
		Metrics:  a.metrics,
	})
	a.activeMu.Lock()
	a.active[pos.ID] = coord
	n := len(a.active)
	a.activeMu.Unlock()
	a.metrics.ActivePositions.Set(float64(n))

	a.running.Add(1)
	go func() {
		defer a.running.Done()
		final, err := coord.Run(ctx)
		a.finish(final, err)
	}()
}

func (a *App) finish(final position.Position, err error) {
	a.activeMu.Lock()
	delete(a.active, final.ID)
	n := len(a.active)
	a.activeMu.Unlock()
	a.metrics.ActivePositions.Set(float64(n))
	a.markEntry(a.now())

	fields := []zap.Field{
		zap.String("position_id", final.ID),
		zap.String("status", string(final.Status)),
		zap.String("outcome", string(final.Outcome)),
		zap.String("reason", final.Reason),
	}
	if err != nil {
		a.log.Warn("position finished with error", append(fields, zap.Error(err))...)
		return
	}
	a.log.Info("position finished", fields...)
}

// Active implements reconcile.Source.
func (a *App) Active() []reconcile.Target {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	out := make([]reconcile.Target, 0, len(a.active))
	for _, c := range a.active {
		out = append(out, c)
	}
	return out
}

func (a *App) activeCount() int {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()
	return len(a.active)
}

// activeSnapshots returns the active positions ordered by creation.
func (a *App) activeSnapshots() []position.Position {
	a.activeMu.Lock()
	out := make([]position.Position, 0, len(a.active))
	for _, c := range a.active {
		out = append(out, c.Snapshot())
	}
	a.activeMu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Stop asks the coordinator of id to close early.
func (a *App) Stop(id, reason string) bool {
	a.activeMu.Lock()
	c, ok := a.active[id]
	a.activeMu.Unlock()
	if ok {
		c.Stop(reason)
	}
	return ok
}

// StopAll asks every active coordinator to close and returns their ids.
func (a *App) StopAll(reason string) []string {
	a.activeMu.Lock()
	coords := make([]*coordinator.Coordinator, 0, len(a.active))
	for _, c := range a.active {
		coords = append(coords, c)
	}
	a.activeMu.Unlock()
	ids := make([]string, 0, len(coords))
	for _, c := range coords {
		c.Stop(reason)
		ids = append(ids, c.ID())
	}
	sort.Strings(ids)
	return ids
}

func (a *App) shutdown() {
	if ids := a.StopAll("shutdown"); len(ids) > 0 {
		a.log.Info("closing active positions", zap.Strings("position_ids", ids))
	}
	done := make(chan struct{})
	go func() {
		a.running.Wait()
		close(done)
	}()
	timer := time.NewTimer(a.cfg.Strategy.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		var ids []string
		for _, p := range a.activeSnapshots() {
			ids = append(ids, p.ID)
		}
		a.log.Error("shutdown timed out with positions still active", zap.Strings("position_ids", ids))
	}
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		// Trading carries on without the scrape endpoint.
		if !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
		return nil
	}
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
}
