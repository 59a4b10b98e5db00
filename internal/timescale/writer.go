package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dn-pair-bot/internal/config"
	"dn-pair-bot/internal/events"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// QuoteSample is one top-of-book observation taken by the entry loop.
type QuoteSample struct {
	Time      time.Time
	Venue     string
	Symbol    string
	Bid       float64
	Ask       float64
	SpreadBps float64
}

// Writer stores lifecycle history in TimescaleDB. Events and trade records
// arrive through the event dispatcher; quote samples are queued and written by
// the writer's own goroutine.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	quotes    chan QuoteSample
	started   atomic.Bool
	dropQuote atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		quotes: make(chan QuoteSample, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueQuote(sample QuoteSample) {
	if w == nil {
		return
	}
	select {
	case w.quotes <- sample:
		return
	default:
		if w.dropQuote.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale quote queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.quotes:
			w.writeQuote(ctx, sample)
		}
	}
}

// HandleEvent stores lifecycle transitions. Other event types are left to the
// log and alert sinks.
func (w *Writer) HandleEvent(ctx context.Context, e events.Event) error {
	if w == nil || w.db == nil || e.Type != events.TypeTransition {
		return nil
	}
	var slippage, imbalance float64
	if e.Position != nil {
		slippage = e.Position.SlippageBps
		imbalance = e.Position.Imbalance()
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, from_status, to_status, reason, severity, slippage_bps, imbalance_usd
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8
	)`, w.table("position_transitions"))
	_, err := w.db.ExecContext(ctx, query,
		e.Time.UTC(),
		e.PositionID,
		string(e.From),
		string(e.To),
		e.Reason,
		string(e.Severity),
		slippage,
		imbalance,
	)
	if err != nil {
		return fmt.Errorf("timescale transition insert: %w", err)
	}
	return nil
}

func (w *Writer) HandleRecord(ctx context.Context, r events.TradeRecord) error {
	if w == nil || w.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, outcome, reason, target_notional, slippage_bps, pnl, duration_ms,
		venue_a, side_a, filled_a, entry_px_a, close_px_a, residual_a,
		venue_b, side_b, filled_b, entry_px_b, close_px_b, residual_b
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
	)
	ON CONFLICT (ts, position_id) DO NOTHING`, w.table("trade_history"))
	_, err := w.db.ExecContext(ctx, query,
		r.ClosedAt.UTC(),
		r.PositionID,
		string(r.Outcome),
		r.Reason,
		r.TargetNotional,
		r.SlippageBps,
		r.PnL,
		r.Duration.Milliseconds(),
		r.LegA.Venue,
		r.LegA.Side,
		r.LegA.FilledSize,
		r.LegA.AvgFillPrice,
		r.LegA.AvgClosePrice,
		r.LegA.Residual,
		r.LegB.Venue,
		r.LegB.Side,
		r.LegB.FilledSize,
		r.LegB.AvgFillPrice,
		r.LegB.AvgClosePrice,
		r.LegB.Residual,
	)
	if err != nil {
		return fmt.Errorf("timescale trade insert: %w", err)
	}
	return nil
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		bid DOUBLE PRECISION NOT NULL,
		ask DOUBLE PRECISION NOT NULL,
		spread_bps DOUBLE PRECISION NOT NULL
	)`, w.table("quote_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		slippage_bps DOUBLE PRECISION NOT NULL DEFAULT 0,
		imbalance_usd DOUBLE PRECISION NOT NULL DEFAULT 0
	)`, w.table("position_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		target_notional DOUBLE PRECISION NOT NULL,
		slippage_bps DOUBLE PRECISION NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL,
		venue_a TEXT NOT NULL,
		side_a TEXT NOT NULL,
		filled_a DOUBLE PRECISION NOT NULL,
		entry_px_a DOUBLE PRECISION NOT NULL,
		close_px_a DOUBLE PRECISION NOT NULL,
		residual_a DOUBLE PRECISION NOT NULL,
		venue_b TEXT NOT NULL,
		side_b TEXT NOT NULL,
		filled_b DOUBLE PRECISION NOT NULL,
		entry_px_b DOUBLE PRECISION NOT NULL,
		close_px_b DOUBLE PRECISION NOT NULL,
		residual_b DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, position_id)
	)`, w.table("trade_history"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"quote_samples", "position_transitions", "trade_history"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeQuote(ctx context.Context, sample QuoteSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, venue, symbol, bid, ask, spread_bps
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)`, w.table("quote_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time.UTC(),
		sample.Venue,
		sample.Symbol,
		sample.Bid,
		sample.Ask,
		sample.SpreadBps,
	); err != nil && w.log != nil {
		w.log.Warn("timescale quote insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
