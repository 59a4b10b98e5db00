// Package hyperliquid adapts the Hyperliquid perp API to gateway.Gateway.
// Orders are sent as aggressive IOC limits so "market" entries never rest on
// the book.
package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"dn-pair-bot/internal/gateway"

	"go.uber.org/zap"
)

type Config struct {
	Name           string
	BaseURL        string
	Timeout        time.Duration
	WSURL          string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	WalletAddress  string
	PrivateKey     string
	AccountAddress string
	VaultAddress   string
	// MarketBps is how far through the touch a market order's IOC limit sits.
	MarketBps  float64
	BookMaxAge time.Duration
}

// placed is what the adapter remembers about an order it submitted, since the
// orderStatus endpoint reports neither the average fill price nor reduce-only.
type placed struct {
	clientID   string
	symbol     string
	side       gateway.Side
	reduceOnly bool
	avgPx      float64
	filled     float64
}

type Venue struct {
	cfg     Config
	client  *Client
	book    *Book
	account string
	log     *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	assets   map[string]Asset
	orders   map[string]placed
	byClient map[string]string
}

func New(cfg Config, log *zap.Logger) (*Venue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("venue", cfg.Name))
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	var signer *Signer
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		isMainnet := !strings.Contains(strings.ToLower(cfg.BaseURL), "testnet")
		s, err := NewSigner(cfg.PrivateKey, isMainnet)
		if err != nil {
			return nil, fmt.Errorf("%s signer: %w", cfg.Name, err)
		}
		if cfg.WalletAddress != "" && !strings.EqualFold(cfg.WalletAddress, s.Address().Hex()) {
			return nil, fmt.Errorf("%s wallet address does not match private key: got %s expected %s", cfg.Name, cfg.WalletAddress, s.Address().Hex())
		}
		signer = s
	}
	account := strings.TrimSpace(cfg.VaultAddress)
	if account == "" {
		account = strings.TrimSpace(cfg.AccountAddress)
	}
	if account == "" {
		account = strings.TrimSpace(cfg.WalletAddress)
	}
	v := &Venue{
		cfg:      cfg,
		client:   NewClient(cfg.Name, cfg.BaseURL, cfg.Timeout, signer, cfg.VaultAddress, log),
		account:  account,
		log:      log,
		now:      time.Now,
		assets:   make(map[string]Asset),
		orders:   make(map[string]placed),
		byClient: make(map[string]string),
	}
	if cfg.WSURL != "" {
		v.book = NewBook(cfg.WSURL, cfg.ReconnectDelay, cfg.PingInterval, log)
	}
	return v, nil
}

func (v *Venue) Name() string {
	return v.cfg.Name
}

// Track subscribes symbol on the book stream.
func (v *Venue) Track(symbol string) {
	if v.book != nil {
		v.book.Track(symbol)
	}
}

// Run streams the order book until ctx ends. Without a websocket URL it just
// waits.
func (v *Venue) Run(ctx context.Context) error {
	if v.book == nil {
		<-ctx.Done()
		return nil
	}
	return v.book.Run(ctx)
}

func (v *Venue) InitNonceStore(ctx context.Context, store NonceStore) error {
	return v.client.InitNonceStore(ctx, store)
}

func (v *Venue) Connect(ctx context.Context) (gateway.Session, error) {
	if v.account == "" {
		return gateway.Session{}, gateway.NewError(gateway.KindAuth, v.cfg.Name, "connect", errors.New("account address is required"))
	}
	if err := v.loadMeta(ctx); err != nil {
		return gateway.Session{}, err
	}
	return gateway.Session{Venue: v.cfg.Name, Account: v.account, ConnectedAt: v.now()}, nil
}

func (v *Venue) loadMeta(ctx context.Context) error {
	var meta metaResponse
	if err := v.client.Info(ctx, "meta", map[string]string{"type": "meta"}, &meta); err != nil {
		return err
	}
	assets := make(map[string]Asset, len(meta.Universe))
	for i, u := range meta.Universe {
		assets[u.Name] = Asset{Index: i, Name: u.Name, SzDecimals: u.SzDecimals}
	}
	v.mu.Lock()
	v.assets = assets
	v.mu.Unlock()
	return nil
}

func (v *Venue) asset(ctx context.Context, symbol string) (Asset, error) {
	v.mu.RLock()
	a, ok := v.assets[symbol]
	v.mu.RUnlock()
	if ok {
		return a, nil
	}
	if err := v.loadMeta(ctx); err != nil {
		return Asset{}, err
	}
	v.mu.RLock()
	a, ok = v.assets[symbol]
	v.mu.RUnlock()
	if !ok {
		return Asset{}, gateway.NewError(gateway.KindRejected, v.cfg.Name, "meta", fmt.Errorf("unknown asset %q", symbol))
	}
	return a, nil
}

func (v *Venue) Balance(ctx context.Context) (gateway.Balance, error) {
	var state clearinghouseState
	req := map[string]string{"type": "clearinghouseState", "user": v.account}
	if err := v.client.Info(ctx, "balance", req, &state); err != nil {
		return gateway.Balance{}, err
	}
	return gateway.Balance{
		Venue:     v.cfg.Name,
		Total:     parseDecimal(state.MarginSummary.AccountValue),
		Available: parseDecimal(state.Withdrawable),
		UpdatedAt: v.now(),
	}, nil
}

// Ticker prefers the streamed book and falls back to a REST snapshot when the
// stream is absent or stale.
func (v *Venue) Ticker(ctx context.Context, symbol string) (gateway.Ticker, error) {
	if v.book != nil {
		if bid, ask, at, ok := v.book.Quote(symbol, v.cfg.BookMaxAge); ok {
			return v.ticker(symbol, bid, ask, at), nil
		}
	}
	var book l2Book
	if err := v.client.Info(ctx, "ticker", map[string]string{"type": "l2Book", "coin": symbol}, &book); err != nil {
		return gateway.Ticker{}, err
	}
	bid, ask, ok := topOfBook(book)
	if !ok {
		return gateway.Ticker{}, gateway.NewError(gateway.KindNetwork, v.cfg.Name, "ticker", fmt.Errorf("empty book for %s", symbol))
	}
	return v.ticker(symbol, bid, ask, v.now()), nil
}

func (v *Venue) ticker(symbol string, bid, ask float64, at time.Time) gateway.Ticker {
	return gateway.Ticker{
		Venue:     v.cfg.Name,
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		SpreadBps: gateway.SpreadBps(bid, ask),
		UpdatedAt: at,
	}
}

func (v *Venue) OpenPosition(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error) {
	return v.place(ctx, "open", req.ClientID, req.Symbol, req.Side, req.Size, req.LimitPrice, false)
}

func (v *Venue) ClosePosition(ctx context.Context, req gateway.CloseRequest) (gateway.Order, error) {
	return v.place(ctx, "close", req.ClientID, req.Symbol, req.Side, req.Size, req.LimitPrice, true)
}

func (v *Venue) place(ctx context.Context, op, clientID, symbol string, side gateway.Side, size, limit float64, reduceOnly bool) (gateway.Order, error) {
	if clientID != "" {
		v.mu.RLock()
		oid, ok := v.byClient[clientID]
		v.mu.RUnlock()
		if ok {
			return v.OrderStatus(ctx, symbol, oid)
		}
	}
	asset, err := v.asset(ctx, symbol)
	if err != nil {
		return gateway.Order{}, err
	}
	size = roundSize(size, asset.SzDecimals)
	if size <= 0 {
		return gateway.Order{}, gateway.NewError(gateway.KindRejected, v.cfg.Name, op, fmt.Errorf("size rounds to zero at %d decimals", asset.SzDecimals))
	}
	isBuy := side == gateway.SideBuy
	if limit <= 0 {
		t, err := v.Ticker(ctx, symbol)
		if err != nil {
			return gateway.Order{}, err
		}
		ref := t.Bid
		if isBuy {
			ref = t.Ask
		}
		limit = marketPrice(ref, isBuy, v.cfg.MarketBps, asset.SzDecimals)
	}
	wire, err := LimitOrderWire(asset.Index, isBuy, size, limit, reduceOnly, TifIoc, Cloid(clientID))
	if err != nil {
		return gateway.Order{}, gateway.NewError(gateway.KindRejected, v.cfg.Name, op, err)
	}
	entry, err := v.client.PlaceOrder(ctx, wire)
	if err != nil {
		return gateway.Order{}, err
	}

	o := gateway.Order{
		ClientID:   clientID,
		Venue:      v.cfg.Name,
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		LimitPrice: limit,
		ReduceOnly: reduceOnly,
		UpdatedAt:  v.now(),
	}
	switch {
	case entry.Filled != nil:
		o.ID = strconv.FormatInt(entry.Filled.Oid, 10)
		o.FilledSize = parseDecimal(entry.Filled.TotalSz)
		o.AvgFillPrice = parseDecimal(entry.Filled.AvgPx)
		o.Status = gateway.OrderFilled
		if o.FilledSize < size {
			// IOC remainder is cancelled by the venue.
			o.Status = gateway.OrderCancelled
		}
	case entry.Resting != nil:
		o.ID = strconv.FormatInt(entry.Resting.Oid, 10)
		o.Status = gateway.OrderPending
	default:
		return gateway.Order{}, gateway.NewError(gateway.KindNetwork, v.cfg.Name, op, errors.New("order response without status"))
	}
	v.mu.Lock()
	v.orders[o.ID] = placed{clientID: clientID, symbol: symbol, side: side, reduceOnly: reduceOnly, avgPx: o.AvgFillPrice, filled: o.FilledSize}
	if clientID != "" {
		v.byClient[clientID] = o.ID
	}
	v.mu.Unlock()
	return o, nil
}

func (v *Venue) OrderStatus(ctx context.Context, symbol, orderID string) (gateway.Order, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return gateway.Order{}, gateway.NewError(gateway.KindRejected, v.cfg.Name, "status", fmt.Errorf("invalid order id %q", orderID))
	}
	var resp orderStatusResponse
	req := map[string]any{"type": "orderStatus", "user": v.account, "oid": oid}
	if err := v.client.Info(ctx, "status", req, &resp); err != nil {
		return gateway.Order{}, err
	}
	if resp.Status != "order" || resp.Order == nil {
		return gateway.Order{}, gateway.NewError(gateway.KindRejected, v.cfg.Name, "status", fmt.Errorf("order %s: %s", orderID, resp.Status))
	}
	info := resp.Order.Order
	origSz := parseDecimal(info.OrigSz)
	filled := origSz - parseDecimal(info.Sz)
	if filled < 0 {
		filled = 0
	}
	side := gateway.SideSell
	if info.Side == "B" {
		side = gateway.SideBuy
	}
	v.mu.RLock()
	known, ok := v.orders[orderID]
	v.mu.RUnlock()
	avg := parseDecimal(info.LimitPx)
	if ok && known.avgPx > 0 && known.filled >= filled {
		avg = known.avgPx
	}
	if filled == 0 {
		avg = 0
	}
	if symbol == "" {
		symbol = info.Coin
	}
	return gateway.Order{
		ID:           orderID,
		ClientID:     known.clientID,
		Venue:        v.cfg.Name,
		Symbol:       symbol,
		Side:         side,
		Size:         origSz,
		LimitPrice:   parseDecimal(info.LimitPx),
		ReduceOnly:   known.reduceOnly,
		Status:       mapStatus(resp.Order.Status, filled),
		FilledSize:   filled,
		AvgFillPrice: avg,
		UpdatedAt:    time.UnixMilli(resp.Order.StatusTimestamp),
	}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return gateway.NewError(gateway.KindRejected, v.cfg.Name, "cancel", fmt.Errorf("invalid order id %q", orderID))
	}
	asset, err := v.asset(ctx, symbol)
	if err != nil {
		return err
	}
	err = v.client.CancelOrder(ctx, asset.Index, oid)
	if err != nil && errors.Is(err, gateway.ErrRejected) && strings.Contains(strings.ToLower(err.Error()), "already canceled, or filled") {
		return nil
	}
	return err
}

// RoundSize truncates to the asset's size decimals once meta is loaded.
func (v *Venue) RoundSize(symbol string, size float64) float64 {
	v.mu.RLock()
	a, ok := v.assets[symbol]
	v.mu.RUnlock()
	if !ok {
		return size
	}
	return roundSize(size, a.SzDecimals)
}

func mapStatus(status string, filled float64) gateway.OrderStatus {
	switch {
	case status == "filled":
		return gateway.OrderFilled
	case status == "open" || status == "triggered":
		if filled > 0 {
			return gateway.OrderPartiallyFilled
		}
		return gateway.OrderPending
	case status == "rejected" || strings.HasSuffix(status, "Rejected"):
		return gateway.OrderRejected
	case status == "canceled" || strings.HasSuffix(status, "Canceled"):
		return gateway.OrderCancelled
	default:
		return gateway.OrderPending
	}
}
