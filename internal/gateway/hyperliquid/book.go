package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type quote struct {
	bid, ask   float64
	receivedAt time.Time
}

// Book keeps the top of book for tracked coins from the l2Book stream. It
// reconnects and resubscribes on any read failure.
type Book struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
	now            func() time.Time

	mu     sync.Mutex
	coins  []string
	quotes map[string]quote
}

func NewBook(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Book {
	if log == nil {
		log = zap.NewNop()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	return &Book{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		now:            time.Now,
		quotes:         make(map[string]quote),
	}
}

// Track adds coin to the subscription set. Coins tracked after Run starts are
// subscribed on the next reconnect.
func (b *Book) Track(coin string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.coins {
		if c == coin {
			return
		}
	}
	b.coins = append(b.coins, coin)
}

// Quote returns the cached top of book if it is younger than maxAge.
func (b *Book) Quote(coin string, maxAge time.Duration) (bid, ask float64, at time.Time, ok bool) {
	b.mu.Lock()
	q, found := b.quotes[coin]
	b.mu.Unlock()
	if !found || q.bid <= 0 || q.ask <= 0 {
		return 0, 0, time.Time{}, false
	}
	if maxAge > 0 && b.now().Sub(q.receivedAt) > maxAge {
		return 0, 0, time.Time{}, false
	}
	return q.bid, q.ask, q.receivedAt, true
}

// Run streams until ctx ends.
func (b *Book) Run(ctx context.Context) error {
	for {
		err := b.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.logSessionEnd(err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.reconnectDelay):
		}
	}
}

func (b *Book) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, b.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "reset") }()
	b.mu.Lock()
	coins := append([]string(nil), b.coins...)
	b.mu.Unlock()

	for _, coin := range coins {
		sub := map[string]any{
			"method":       "subscribe",
			"subscription": map[string]any{"type": "l2Book", "coin": coin},
		}
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}

	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		b.pingLoop(pingCtx, conn)
	}()
	defer func() {
		cancel()
		<-pingDone
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		b.handle(data)
	}
}

func (b *Book) handle(data []byte) {
	var msg struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel != "l2Book" {
		return
	}
	var book l2Book
	if err := json.Unmarshal(msg.Data, &book); err != nil {
		b.log.Debug("l2Book decode failed", zap.Error(err))
		return
	}
	bid, ask, ok := topOfBook(book)
	if !ok {
		return
	}
	b.mu.Lock()
	b.quotes[book.Coin] = quote{bid: bid, ask: ask, receivedAt: b.now()}
	b.mu.Unlock()
}

func (b *Book) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if b.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (b *Book) logSessionEnd(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			b.log.Info("book stream closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	b.log.Warn("book stream ended", zap.Error(err))
}

// topOfBook reads the best bid and ask; levels[0] are bids, levels[1] asks.
func topOfBook(book l2Book) (float64, float64, bool) {
	if len(book.Levels) < 2 || len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return 0, 0, false
	}
	bid := parseDecimal(book.Levels[0][0].Px)
	ask := parseDecimal(book.Levels[1][0].Px)
	if bid <= 0 || ask <= 0 {
		return 0, 0, false
	}
	return bid, ask, true
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
