package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dn-pair-bot/internal/gateway"
)

// fakeAPI serves the subset of /info and /exchange the venue uses.
type fakeAPI struct {
	mu      sync.Mutex
	actions []map[string]any
	fill    string
	status  string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/info":
			switch body["type"] {
			case "meta":
				_, _ = w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]}`))
			case "l2Book":
				_, _ = w.Write([]byte(`{"coin":"ETH","time":1,"levels":[[{"px":"1999.5","sz":"3","n":1}],[{"px":"2000.5","sz":"2","n":1}]]}`))
			case "clearinghouseState":
				_, _ = w.Write([]byte(`{"marginSummary":{"accountValue":"1500.25"},"withdrawable":"1200.5"}`))
			case "orderStatus":
				f.mu.Lock()
				status := f.status
				f.mu.Unlock()
				_, _ = w.Write([]byte(`{"status":"order","order":{"order":{"coin":"ETH","side":"B","limitPx":"2010.5","sz":"0.2","oid":77,"timestamp":1,"origSz":"0.5"},"status":"` + status + `","statusTimestamp":1700000000000}}`))
			default:
				w.WriteHeader(http.StatusBadRequest)
			}
		case "/exchange":
			action, _ := body["action"].(map[string]any)
			f.mu.Lock()
			f.actions = append(f.actions, action)
			fill := f.fill
			f.mu.Unlock()
			if action["type"] == "cancel" {
				_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`))
				return
			}
			_, _ = w.Write([]byte(fill))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestVenue(t *testing.T, api *fakeAPI) *Venue {
	t.Helper()
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)
	v, err := New(Config{
		Name:           "HL",
		BaseURL:        server.URL,
		Timeout:        time.Second,
		PrivateKey:     testKey,
		AccountAddress: "0x000000000000000000000000000000000000abcd",
		MarketBps:      50,
	}, nil)
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	if _, err := v.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return v
}

func TestVenueBalanceAndTicker(t *testing.T) {
	v := newTestVenue(t, &fakeAPI{})
	bal, err := v.Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Total != 1500.25 || bal.Available != 1200.5 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	tk, err := v.Ticker(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if tk.Bid != 1999.5 || tk.Ask != 2000.5 || tk.SpreadBps <= 0 {
		t.Fatalf("unexpected ticker %+v", tk)
	}
}

func TestVenueOpenSendsIOCWithCloid(t *testing.T) {
	api := &fakeAPI{fill: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.5","avgPx":"2000.6","oid":77}}]}}}`}
	v := newTestVenue(t, api)
	o, err := v.OpenPosition(context.Background(), gateway.OrderRequest{ClientID: "p1-a-open-1", Symbol: "ETH", Side: gateway.SideBuy, Size: 0.50009})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if o.ID != "77" || o.Status != gateway.OrderFilled || o.FilledSize != 0.5 || o.AvgFillPrice != 2000.6 {
		t.Fatalf("unexpected order %+v", o)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.actions) != 1 {
		t.Fatalf("expected one action, got %d", len(api.actions))
	}
	orders := api.actions[0]["orders"].([]any)
	wire := orders[0].(map[string]any)
	if wire["a"] != float64(1) || wire["b"] != true || wire["r"] != false {
		t.Fatalf("unexpected wire order %v", wire)
	}
	if wire["s"] != "0.5" {
		t.Fatalf("expected size truncated to 4 decimals, got %v", wire["s"])
	}
	// 2000.5 * 1.005 = 2010.5025 -> 5 significant figures, rounded up.
	if wire["p"] != "2010.6" {
		t.Fatalf("expected aggressive IOC price 2010.6, got %v", wire["p"])
	}
	if wire["c"] != Cloid("p1-a-open-1") {
		t.Fatalf("expected cloid derived from client id, got %v", wire["c"])
	}
	tif := wire["t"].(map[string]any)["limit"].(map[string]any)["tif"]
	if tif != "Ioc" {
		t.Fatalf("expected Ioc, got %v", tif)
	}
}

func TestVenuePartialIOCIsCancelled(t *testing.T) {
	api := &fakeAPI{fill: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"totalSz":"0.3","avgPx":"1999.4","oid":78}}]}}}`}
	v := newTestVenue(t, api)
	o, err := v.ClosePosition(context.Background(), gateway.CloseRequest{ClientID: "p1-b-close-1", Symbol: "ETH", Side: gateway.SideSell, Size: 0.5})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if o.Status != gateway.OrderCancelled || o.FilledSize != 0.3 || !o.ReduceOnly {
		t.Fatalf("unexpected order %+v", o)
	}
}

func TestVenueResubmissionReturnsExistingOrder(t *testing.T) {
	api := &fakeAPI{
		fill:   `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":77}}]}}}`,
		status: "open",
	}
	v := newTestVenue(t, api)
	req := gateway.OrderRequest{ClientID: "p1-a-open-1", Symbol: "ETH", Side: gateway.SideBuy, Size: 0.5}
	first, err := v.OpenPosition(context.Background(), req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first.Status != gateway.OrderPending {
		t.Fatalf("expected resting order to be pending, got %s", first.Status)
	}
	second, err := v.OpenPosition(context.Background(), req)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same order id, got %s and %s", first.ID, second.ID)
	}
	if second.Status != gateway.OrderPartiallyFilled || second.FilledSize != 0.3 {
		t.Fatalf("expected partially filled status from orderStatus, got %+v", second)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.actions) != 1 {
		t.Fatalf("expected a single submission, got %d", len(api.actions))
	}
}

func TestVenueCancelAndStatus(t *testing.T) {
	api := &fakeAPI{status: "canceled"}
	v := newTestVenue(t, api)
	if err := v.CancelOrder(context.Background(), "ETH", "77"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o, err := v.OrderStatus(context.Background(), "ETH", "77")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if o.Status != gateway.OrderCancelled || o.FilledSize != 0.3 || o.Side != gateway.SideBuy {
		t.Fatalf("unexpected order %+v", o)
	}
	if _, err := v.OrderStatus(context.Background(), "ETH", "abc"); !errors.Is(err, gateway.ErrRejected) {
		t.Fatalf("expected rejection for malformed id, got %v", err)
	}
}

func TestVenueRoundSize(t *testing.T) {
	v := newTestVenue(t, &fakeAPI{})
	if got := v.RoundSize("ETH", 0.123456); got != 0.1234 {
		t.Fatalf("expected 0.1234, got %v", got)
	}
	if got := v.RoundSize("DOGE", 1.5); got != 1.5 {
		t.Fatalf("expected unknown symbol untouched, got %v", got)
	}
}

func TestNewRejectsMismatchedWallet(t *testing.T) {
	_, err := New(Config{Name: "HL", PrivateKey: testKey, WalletAddress: "0x0000000000000000000000000000000000000001"}, nil)
	if err == nil {
		t.Fatalf("expected wallet mismatch error")
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]gateway.OrderStatus{
		"filled":         gateway.OrderFilled,
		"canceled":       gateway.OrderCancelled,
		"marginCanceled": gateway.OrderCancelled,
		"rejected":       gateway.OrderRejected,
		"open":           gateway.OrderPending,
	}
	for in, want := range cases {
		if got := mapStatus(in, 0); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
	if got := mapStatus("open", 0.1); got != gateway.OrderPartiallyFilled {
		t.Fatalf("expected partially filled, got %s", got)
	}
}
