package coordinator

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"dn-pair-bot/internal/events"
	"dn-pair-bot/internal/exec"
	"dn-pair-bot/internal/gateway"
	"dn-pair-bot/internal/gateway/sim"
	"dn-pair-bot/internal/position"
	"dn-pair-bot/internal/risk"

	"go.uber.org/zap"
)

type harness struct {
	a, b  *sim.Exchange
	rec   *events.Recorder
	coord *Coordinator
}

func testSettings() Settings {
	return Settings{
		Limits: risk.Limits{
			MaxPositionNotional: 5000,
			MaxSpreadBps:        20,
			MaxSlippageBps:      50,
			ToleranceNotional:   5,
		},
		FillTimeout:    50 * time.Millisecond,
		HoldBase:       20 * time.Millisecond,
		UnwindAttempts: 2,
	}
}

func testPolicy() exec.Policy {
	return exec.Policy{
		MaxAttempts:  3,
		Backoff:      time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		CallTimeout:  time.Second,
		PollInterval: 2 * time.Millisecond,
	}
}

func simConfig(name string) sim.Config {
	return sim.Config{Name: name, StartPrice: 100, SpreadBps: 2, Balance: 10000, FillRatio: 1}
}

func snapshotOf(t *testing.T, gw gateway.Gateway) risk.AccountSnapshot {
	t.Helper()
	ctx := context.Background()
	tk, err := gw.Ticker(ctx, "BTC")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	bal, err := gw.Balance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return risk.AccountSnapshot{Venue: gw.Name(), Balance: bal, Ticker: tk, TakenAt: tk.UpdatedAt}
}

func newHarness(t *testing.T, cfgA, cfgB sim.Config, settings Settings) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, cfgA, cfgB, settings, testPolicy())
}

func newHarnessWithPolicy(t *testing.T, cfgA, cfgB sim.Config, settings Settings, policy exec.Policy) *harness {
	t.Helper()
	h := &harness{a: sim.New(cfgA), b: sim.New(cfgB), rec: &events.Recorder{}}
	va := Venue{Gateway: h.a, Symbol: "BTC", Side: gateway.SideBuy}
	vb := Venue{Gateway: h.b, Symbol: "BTC", Side: gateway.SideSell}
	pos, err := Prepare("p1", va, vb, snapshotOf(t, h.a), snapshotOf(t, h.b), settings.Limits, 1000, time.Now())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	h.coord = New(pos, va, vb, settings, Deps{
		Executor: exec.New(policy, nil, zap.NewNop(), nil),
		Emitter:  h.rec,
		Log:      zap.NewNop(),
		Jitter:   func(time.Duration) time.Duration { return 0 },
	})
	return h
}

func (h *harness) path() []position.Status {
	var out []position.Status
	for i, e := range h.rec.Transitions("p1") {
		if i == 0 {
			out = append(out, e.From)
		}
		out = append(out, e.To)
	}
	return out
}

func assertPath(t *testing.T, h *harness, want ...position.Status) {
	t.Helper()
	got := h.path()
	if len(got) != len(want) {
		t.Fatalf("expected path %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, got)
		}
	}
}

func TestCleanRoundTrip(t *testing.T) {
	h := newHarness(t, simConfig("A"), simConfig("B"), testSettings())
	final, err := h.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPath(t, h,
		position.StatusIdle, position.StatusOpening, position.StatusOpenPending,
		position.StatusOpen, position.StatusClosing, position.StatusClosed)
	if final.Outcome != position.OutcomeClosed || final.Reason != "hold_elapsed" {
		t.Fatalf("unexpected final position %+v", final)
	}
	if h.a.Position("BTC") != 0 || h.b.Position("BTC") != 0 {
		t.Fatalf("expected both venues flat, got a=%v b=%v", h.a.Position("BTC"), h.b.Position("BTC"))
	}
	records := h.rec.Records()
	if len(records) != 1 {
		t.Fatalf("expected one trade record, got %d", len(records))
	}
	if records[0].SlippageBps != 0 {
		t.Fatalf("expected zero slippage, got %v", records[0].SlippageBps)
	}
	if math.Abs(records[0].LegA.FilledSize-10) > 1e-6 || math.Abs(records[0].LegB.ClosedSize-10) > 1e-6 {
		t.Fatalf("unexpected leg records %+v / %+v", records[0].LegA, records[0].LegB)
	}
}

func TestOpenPositionsHoldDeltaInvariant(t *testing.T) {
	settings := testSettings()
	h := newHarness(t, simConfig("A"), simConfig("B"), settings)
	if _, err := h.coord.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	var sawOpen bool
	for _, e := range h.rec.Transitions("p1") {
		if e.To != position.StatusOpen {
			continue
		}
		sawOpen = true
		if e.Position == nil {
			t.Fatalf("expected position snapshot on open event")
		}
		if imbalance := e.Position.Imbalance(); imbalance > settings.Limits.ToleranceNotional {
			t.Fatalf("open position imbalance %v exceeds tolerance", imbalance)
		}
		if e.Position.HoldUntil.IsZero() {
			t.Fatalf("expected hold deadline to be set on open")
		}
	}
	if !sawOpen {
		t.Fatalf("position never opened")
	}
}

func TestLegsAreSubmittedConcurrently(t *testing.T) {
	cfgA := simConfig("A")
	cfgB := simConfig("B")
	cfgA.Latency = 100 * time.Millisecond
	cfgB.Latency = 100 * time.Millisecond
	h := newHarness(t, cfgA, cfgB, testSettings())
	if _, err := h.coord.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	var opening, pending time.Time
	for _, e := range h.rec.Transitions("p1") {
		switch e.To {
		case position.StatusOpening:
			opening = e.Time
		case position.StatusOpenPending:
			pending = e.Time
		}
	}
	if opening.IsZero() || pending.IsZero() {
		t.Fatalf("expected opening and open_pending transitions, got %v", h.path())
	}
	elapsed := pending.Sub(opening)
	if elapsed < 90*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Fatalf("expected acknowledgement after ~max(latency), got %v", elapsed)
	}
}

func TestAsymmetricFillUnwinds(t *testing.T) {
	cfgB := simConfig("B")
	cfgB.FillRatio = 0
	h := newHarness(t, simConfig("A"), cfgB, testSettings())
	final, err := h.coord.Run(context.Background())
	if !errors.Is(err, ErrLegFailed) {
		t.Fatalf("expected leg failure, got %v", err)
	}
	if errors.Is(err, ErrUnwindFailure) {
		t.Fatalf("did not expect unwind failure: %v", err)
	}
	assertPath(t, h,
		position.StatusIdle, position.StatusOpening, position.StatusOpenPending,
		position.StatusUnwinding, position.StatusFailed)
	if len(final.LegA.Exits) == 0 {
		t.Fatalf("expected the filled leg to receive a closing order")
	}
	if final.LegA.Exits[0].Side != gateway.SideSell {
		t.Fatalf("expected a sell to unwind the long leg, got %s", final.LegA.Exits[0].Side)
	}
	if h.a.Position("BTC") != 0 {
		t.Fatalf("expected venue A flat after unwind, got %v", h.a.Position("BTC"))
	}
	if final.Outcome != position.OutcomeFailedUnwound {
		t.Fatalf("expected failed_unwound, got %s", final.Outcome)
	}
	if h.b.Calls("cancel") == 0 {
		t.Fatalf("expected the unfilled order to be cancelled before unwinding")
	}
}

func TestLegExhaustingRetriesUnwindsSibling(t *testing.T) {
	h := newHarness(t, simConfig("A"), simConfig("B"), testSettings())
	h.b.FailAllOpens(gateway.NewError(gateway.KindNetwork, "B", "open", errors.New("unreachable")))
	final, err := h.coord.Run(context.Background())
	if !errors.Is(err, ErrLegFailed) || !errors.Is(err, gateway.ErrNetwork) {
		t.Fatalf("expected leg failure wrapping network error, got %v", err)
	}
	if got := h.b.Calls("open"); got != testPolicy().MaxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", testPolicy().MaxAttempts, got)
	}
	assertPath(t, h, position.StatusIdle, position.StatusOpening, position.StatusUnwinding, position.StatusFailed)
	if len(final.LegA.Exits) == 0 || h.a.Position("BTC") != 0 {
		t.Fatalf("expected leg A to be unwound, exits=%d position=%v", len(final.LegA.Exits), h.a.Position("BTC"))
	}
	var legErrors int
	for _, e := range h.rec.Events() {
		if e.Type == events.TypeLegError {
			legErrors++
		}
	}
	if legErrors == 0 {
		t.Fatalf("expected a leg error event")
	}
}

func TestRejectedLegIsNotRetried(t *testing.T) {
	h := newHarness(t, simConfig("A"), simConfig("B"), testSettings())
	h.b.FailOpens(gateway.NewError(gateway.KindRejected, "B", "open", errors.New("size too small")))
	_, err := h.coord.Run(context.Background())
	if !errors.Is(err, gateway.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if h.b.Calls("open") != 1 {
		t.Fatalf("expected a single submission, got %d", h.b.Calls("open"))
	}
	if h.a.Position("BTC") != 0 {
		t.Fatalf("expected sibling leg unwound")
	}
}

func TestUnwindFailureIsTerminalAndCritical(t *testing.T) {
	cfgB := simConfig("B")
	cfgB.FillRatio = 0
	h := newHarness(t, simConfig("A"), cfgB, testSettings())
	h.a.FailAllCloses(gateway.NewError(gateway.KindNetwork, "A", "close", errors.New("down")))
	final, err := h.coord.Run(context.Background())
	if !errors.Is(err, ErrUnwindFailure) {
		t.Fatalf("expected unwind failure, got %v", err)
	}
	if final.Status != position.StatusFailed || final.Outcome != position.OutcomeFailedUnwindError {
		t.Fatalf("unexpected final position %+v", final)
	}
	settings := testSettings()
	if got, max := h.a.Calls("close"), settings.UnwindAttempts*testPolicy().MaxAttempts; got != max {
		t.Fatalf("expected %d bounded close attempts, got %d", max, got)
	}
	var critical bool
	for _, e := range h.rec.Events() {
		if e.Type == events.TypeUnwindFailed && e.Severity == events.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Fatalf("expected a critical unwind event")
	}
}

func TestCloseMismatchRoutesToUnwinding(t *testing.T) {
	h := newHarness(t, simConfig("A"), simConfig("B"), testSettings())
	h.b.FailCloses(gateway.NewError(gateway.KindRejected, "B", "close", errors.New("reduce only")))
	final, err := h.coord.Run(context.Background())
	if !errors.Is(err, ErrLegFailed) {
		t.Fatalf("expected leg failure, got %v", err)
	}
	assertPath(t, h,
		position.StatusIdle, position.StatusOpening, position.StatusOpenPending,
		position.StatusOpen, position.StatusClosing, position.StatusUnwinding, position.StatusFailed)
	if final.Outcome != position.OutcomeFailedUnwound {
		t.Fatalf("expected unwind to flatten, got %s", final.Outcome)
	}
	if h.a.Position("BTC") != 0 || h.b.Position("BTC") != 0 {
		t.Fatalf("expected both venues flat")
	}
}

func TestStopCancelsHold(t *testing.T) {
	settings := testSettings()
	settings.HoldBase = time.Hour
	h := newHarness(t, simConfig("A"), simConfig("B"), settings)
	done := make(chan struct{})
	var final position.Position
	var err error
	go func() {
		final, err = h.coord.Run(context.Background())
		close(done)
	}()
	waitForStatus(t, h.coord, position.StatusOpen)
	h.coord.Stop("operator")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not cancel the hold period")
	}
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != position.StatusClosed || !strings.Contains(final.Reason, "operator") {
		t.Fatalf("expected closed by operator, got %+v", final)
	}
}

func TestForceCloseRecommendation(t *testing.T) {
	settings := testSettings()
	settings.HoldBase = time.Hour
	h := newHarness(t, simConfig("A"), simConfig("B"), settings)
	done := make(chan struct{})
	var final position.Position
	go func() {
		final, _ = h.coord.Run(context.Background())
		close(done)
	}()
	waitForStatus(t, h.coord, position.StatusOpen)
	h.coord.Recommend(Recommendation{
		PositionID: "p1",
		Drift:      true,
		Decision:   risk.Decision{Verdict: risk.VerdictForceClose, Reason: risk.ReasonDrift, Detail: "imbalance"},
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("force close was not applied")
	}
	if final.Status != position.StatusClosed || final.Reason != "force_close: drift" {
		t.Fatalf("unexpected final position %+v", final)
	}
}

func TestShutdownClosesOpenPosition(t *testing.T) {
	settings := testSettings()
	settings.HoldBase = time.Hour
	h := newHarness(t, simConfig("A"), simConfig("B"), settings)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan position.Position, 1)
	go func() {
		final, _ := h.coord.Run(ctx)
		done <- final
	}()
	waitForStatus(t, h.coord, position.StatusOpen)
	cancel()
	select {
	case final := <-done:
		if final.Status != position.StatusClosed || final.Reason != "shutdown" {
			t.Fatalf("expected shutdown close, got %+v", final)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not close the position")
	}
}

func TestPrepareRejectsWideSpreadWithoutOrders(t *testing.T) {
	a := sim.New(simConfig("A"))
	cfgB := simConfig("B")
	cfgB.SpreadBps = 40
	b := sim.New(cfgB)
	va := Venue{Gateway: a, Symbol: "BTC", Side: gateway.SideBuy}
	vb := Venue{Gateway: b, Symbol: "BTC", Side: gateway.SideSell}
	_, err := Prepare("p1", va, vb, snapshotOf(t, a), snapshotOf(t, b), testSettings().Limits, 1000, time.Now())
	var rejected *RiskRejectedError
	if !errors.As(err, &rejected) || !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("expected risk rejection, got %v", err)
	}
	if rejected.Decision.Reason != risk.ReasonSpread {
		t.Fatalf("expected spread reason, got %q", rejected.Decision.Reason)
	}
	if len(a.Orders()) != 0 || len(b.Orders()) != 0 {
		t.Fatalf("expected no orders to be issued")
	}
}

func TestRecommendNeverBlocks(t *testing.T) {
	h := newHarness(t, simConfig("A"), simConfig("B"), testSettings())
	for i := 0; i < 100; i++ {
		h.coord.Recommend(Recommendation{PositionID: "p1", SlippageBps: float64(i)})
	}
	rec := <-h.coord.recs
	if rec.SlippageBps != 99 {
		t.Fatalf("expected latest recommendation to win, got %v", rec.SlippageBps)
	}
}

func waitForStatus(t *testing.T, c *Coordinator, status position.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().Status == status {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("position never reached %s (at %s)", status, c.Snapshot().Status)
}

// closeRequests are the two ways a running position is asked to stop early.
var closeRequests = []struct {
	name string
	fire func(c *Coordinator)
}{
	{"stop", func(c *Coordinator) { c.Stop("operator") }},
	{"force_close", func(c *Coordinator) {
		c.Recommend(Recommendation{
			PositionID: "p1",
			Decision:   risk.Decision{Verdict: risk.VerdictForceClose, Reason: risk.ReasonOpenDeadline, Detail: "opening too long"},
		})
	}},
}

func runAsync(h *harness) <-chan position.Position {
	done := make(chan position.Position, 1)
	go func() {
		final, _ := h.coord.Run(context.Background())
		done <- final
	}()
	return done
}

func awaitRun(t *testing.T, done <-chan position.Position) position.Position {
	t.Helper()
	select {
	case final := <-done:
		return final
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
	return position.Position{}
}

func TestCloseRequestCutsOpeningRetriesShort(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 6
	policy.Backoff = 100 * time.Millisecond
	policy.MaxBackoff = 100 * time.Millisecond
	for _, tc := range closeRequests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarnessWithPolicy(t, simConfig("A"), simConfig("B"), testSettings(), policy)
			h.b.FailAllOpens(gateway.NewError(gateway.KindNetwork, "B", "open", errors.New("unreachable")))
			start := time.Now()
			done := runAsync(h)
			waitForStatus(t, h.coord, position.StatusOpening)
			time.Sleep(30 * time.Millisecond)
			tc.fire(h.coord)
			final := awaitRun(t, done)

			// Six attempts with 100ms backoff would take half a second.
			if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
				t.Fatalf("expected the retry loop to stop early, took %v", elapsed)
			}
			if got := h.b.Calls("open"); got >= policy.MaxAttempts {
				t.Fatalf("expected fewer than %d attempts, got %d", policy.MaxAttempts, got)
			}
			if final.Status != position.StatusFailed || final.Outcome != position.OutcomeFailedUnwound {
				t.Fatalf("unexpected final position %+v", final)
			}
			if h.a.Position("BTC") != 0 {
				t.Fatalf("expected venue A flat, got %v", h.a.Position("BTC"))
			}
		})
	}
}

func TestCloseRequestDuringOpenPendingCancelsBeforeUnwinding(t *testing.T) {
	for _, tc := range closeRequests {
		t.Run(tc.name, func(t *testing.T) {
			settings := testSettings()
			settings.FillTimeout = time.Hour
			cfgB := simConfig("B")
			cfgB.FillDelay = time.Hour
			h := newHarness(t, simConfig("A"), cfgB, settings)
			done := runAsync(h)
			waitForStatus(t, h.coord, position.StatusOpenPending)
			tc.fire(h.coord)
			final := awaitRun(t, done)

			if got := h.b.Calls("cancel"); got != 1 {
				t.Fatalf("expected the resting order to be cancelled once, got %d", got)
			}
			if got := h.a.Calls("cancel"); got != 0 {
				t.Fatalf("did not expect the filled order to be cancelled, got %d", got)
			}
			if final.LegB.Entry == nil || final.LegB.Entry.Status != gateway.OrderCancelled {
				t.Fatalf("expected the cancelled status to be read back, got %+v", final.LegB.Entry)
			}
			assertPath(t, h,
				position.StatusIdle, position.StatusOpening, position.StatusOpenPending,
				position.StatusUnwinding, position.StatusFailed)
			if final.Outcome != position.OutcomeFailedUnwound {
				t.Fatalf("expected failed_unwound, got %s", final.Outcome)
			}
			if h.a.Position("BTC") != 0 || h.b.Position("BTC") != 0 {
				t.Fatalf("expected both venues flat, got a=%v b=%v", h.a.Position("BTC"), h.b.Position("BTC"))
			}
		})
	}
}

func TestPartialFillWithinToleranceClosesRemainder(t *testing.T) {
	cfgB := simConfig("B")
	cfgB.FillRatio = 0.999
	h := newHarness(t, simConfig("A"), cfgB, testSettings())
	final, err := h.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPath(t, h,
		position.StatusIdle, position.StatusOpening, position.StatusOpenPending,
		position.StatusOpen, position.StatusClosing, position.StatusClosed)
	if final.Outcome != position.OutcomeClosed {
		t.Fatalf("expected closed, got %s", final.Outcome)
	}
	legB := final.LegB
	if math.Abs(legB.FilledSize-legB.TargetSize*0.999) > 1e-9 {
		t.Fatalf("expected partial entry on B, got %v of %v", legB.FilledSize, legB.TargetSize)
	}
	if legB.ClosedSize != legB.FilledSize || legB.Exposure() != 0 {
		t.Fatalf("expected the partial fill to be closed in full, got %+v", legB)
	}
	if h.b.Calls("cancel") != 1 {
		t.Fatalf("expected the unfilled remainder to be cancelled, got %d cancels", h.b.Calls("cancel"))
	}
	if h.a.Position("BTC") != 0 || h.b.Position("BTC") != 0 {
		t.Fatalf("expected both venues flat, got a=%v b=%v", h.a.Position("BTC"), h.b.Position("BTC"))
	}
}

func TestPartialFillMismatchUnwindsBothLegs(t *testing.T) {
	cfgB := simConfig("B")
	cfgB.FillRatio = 0.5
	h := newHarness(t, simConfig("A"), cfgB, testSettings())
	final, err := h.coord.Run(context.Background())
	if !errors.Is(err, ErrLegFailed) || errors.Is(err, ErrUnwindFailure) {
		t.Fatalf("expected a leg failure without unwind failure, got %v", err)
	}
	assertPath(t, h,
		position.StatusIdle, position.StatusOpening, position.StatusOpenPending,
		position.StatusUnwinding, position.StatusFailed)
	if !strings.HasPrefix(final.Reason, "fill_mismatch") {
		t.Fatalf("expected fill mismatch reason, got %q", final.Reason)
	}
	if final.Outcome != position.OutcomeFailedUnwound {
		t.Fatalf("expected failed_unwound, got %s", final.Outcome)
	}
	if len(final.LegB.Exits) == 0 || final.LegB.Exits[0].Side != gateway.SideBuy {
		t.Fatalf("expected a buy to unwind the short partial fill, got %+v", final.LegB.Exits)
	}
	if h.a.Position("BTC") != 0 || h.b.Position("BTC") != 0 {
		t.Fatalf("expected both venues flat, got a=%v b=%v", h.a.Position("BTC"), h.b.Position("BTC"))
	}
}

func TestHoldDeadlineAddsJitter(t *testing.T) {
	settings := testSettings()
	settings.HoldJitter = 30 * time.Millisecond
	h := newHarness(t, simConfig("A"), simConfig("B"), settings)
	var asked time.Duration
	h.coord.jitter = func(max time.Duration) time.Duration {
		asked = max
		return 7 * time.Millisecond
	}
	final, err := h.coord.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if asked != settings.HoldJitter {
		t.Fatalf("expected jitter bound %v, got %v", settings.HoldJitter, asked)
	}
	if got := final.HoldUntil.Sub(final.OpenedAt); got != settings.HoldBase+7*time.Millisecond {
		t.Fatalf("expected hold of base plus jitter, got %v", got)
	}
}

func TestDefaultJitterStaysBelowBound(t *testing.T) {
	settings := testSettings()
	settings.HoldJitter = 30 * time.Millisecond
	h := newHarness(t, simConfig("A"), simConfig("B"), settings)
	c := New(h.coord.Snapshot(), h.coord.a, h.coord.b, settings, Deps{
		Executor: exec.New(testPolicy(), nil, zap.NewNop(), nil),
		Emitter:  h.rec,
	})
	for i := 0; i < 200; i++ {
		if j := c.jitter(settings.HoldJitter); j < 0 || j >= settings.HoldJitter {
			t.Fatalf("jitter %v outside [0, %v)", j, settings.HoldJitter)
		}
	}
	if j := c.jitter(0); j != 0 {
		t.Fatalf("expected no jitter without a bound, got %v", j)
	}
	final, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	hold := final.HoldUntil.Sub(final.OpenedAt)
	if hold < settings.HoldBase || hold >= settings.HoldBase+settings.HoldJitter {
		t.Fatalf("hold %v outside [%v, %v)", hold, settings.HoldBase, settings.HoldBase+settings.HoldJitter)
	}
}

func TestRecommendKeepsUnreadForceClose(t *testing.T) {
	h := newHarness(t, simConfig("A"), simConfig("B"), testSettings())
	h.coord.Recommend(Recommendation{
		PositionID: "p1",
		Drift:      true,
		Decision:   risk.Decision{Verdict: risk.VerdictForceClose, Reason: risk.ReasonDrift},
	})
	h.coord.Recommend(Recommendation{
		PositionID:    "p1",
		SlippageBps:   3,
		Marked:        true,
		UnrealizedPnL: 1.5,
		Decision:      risk.Decision{Verdict: risk.VerdictContinue},
	})
	rec := <-h.coord.recs
	if !rec.Decision.ForceClose() || rec.Decision.Reason != risk.ReasonDrift || !rec.Drift {
		t.Fatalf("expected the forced close to survive, got %+v", rec)
	}
	if rec.SlippageBps != 3 || rec.UnrealizedPnL != 1.5 {
		t.Fatalf("expected the newer observation, got %+v", rec)
	}

	h.coord.Recommend(Recommendation{PositionID: "p1", Decision: risk.Decision{Verdict: risk.VerdictForceClose, Reason: risk.ReasonDrift}})
	h.coord.Recommend(Recommendation{PositionID: "p1", Decision: risk.Decision{Verdict: risk.VerdictForceClose, Reason: risk.ReasonSlippage}})
	if rec := <-h.coord.recs; rec.Decision.Reason != risk.ReasonSlippage {
		t.Fatalf("expected the newer forced close to win, got %q", rec.Decision.Reason)
	}
}

func TestMarkedRecommendationUpdatesSnapshot(t *testing.T) {
	settings := testSettings()
	settings.HoldBase = time.Hour
	h := newHarness(t, simConfig("A"), simConfig("B"), settings)
	done := runAsync(h)
	waitForStatus(t, h.coord, position.StatusOpen)
	observed := time.Now()
	h.coord.Recommend(Recommendation{
		PositionID:    "p1",
		Marked:        true,
		UnrealizedPnL: -2,
		ObservedAt:    observed,
		Decision:      risk.Decision{Verdict: risk.VerdictContinue},
	})
	deadline := time.Now().Add(2 * time.Second)
	for h.coord.Snapshot().MarkedAt.IsZero() {
		if time.Now().After(deadline) {
			t.Fatalf("mark was never applied")
		}
		time.Sleep(time.Millisecond)
	}
	snap := h.coord.Snapshot()
	if snap.UnrealizedPnL != -2 || !snap.MarkedAt.Equal(observed) {
		t.Fatalf("unexpected mark %v at %v", snap.UnrealizedPnL, snap.MarkedAt)
	}
	h.coord.Stop("test")
	if final := awaitRun(t, done); final.Status != position.StatusClosed {
		t.Fatalf("expected closed, got %+v", final)
	}
}
