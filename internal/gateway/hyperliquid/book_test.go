package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestBookStreamsTopOfBook(t *testing.T) {
	subs := make(chan map[string]any, 4)
	pings := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg["method"] {
			case "ping":
				select {
				case pings <- struct{}{}:
				default:
				}
			case "subscribe":
				subs <- msg
				update := `{"channel":"l2Book","data":{"coin":"ETH","time":1,"levels":[[{"px":"1999.5","sz":"1","n":1}],[{"px":"2000.5","sz":"1","n":1}]]}}`
				if err := conn.Write(ctx, websocket.MessageText, []byte(update)); err != nil {
					return
				}
			}
		}
	}))
	defer server.Close()

	book := NewBook("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, 5*time.Millisecond, nil)
	book.Track("ETH")
	book.Track("ETH")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- book.Run(ctx) }()

	select {
	case sub := <-subs:
		s := sub["subscription"].(map[string]any)
		if s["type"] != "l2Book" || s["coin"] != "ETH" {
			t.Fatalf("unexpected subscription %v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no subscription received")
	}

	deadline := time.Now().Add(2 * time.Second)
	var bid, ask float64
	var ok bool
	for time.Now().Before(deadline) {
		if bid, ask, _, ok = book.Quote("ETH", time.Second); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !ok || bid != 1999.5 || ask != 2000.5 {
		t.Fatalf("expected streamed quote, got %v %v %v", bid, ask, ok)
	}

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatalf("no ping received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("book did not stop")
	}
}

func TestBookQuoteRejectsStaleData(t *testing.T) {
	now := time.Now()
	book := NewBook("ws://unused", time.Second, 0, nil)
	book.now = func() time.Time { return now }
	book.handle([]byte(`{"channel":"l2Book","data":{"coin":"BTC","time":1,"levels":[[{"px":"100","sz":"1","n":1}],[{"px":"101","sz":"1","n":1}]]}}`))

	if _, _, _, ok := book.Quote("BTC", time.Second); !ok {
		t.Fatalf("expected fresh quote")
	}
	book.now = func() time.Time { return now.Add(2 * time.Second) }
	if _, _, _, ok := book.Quote("BTC", time.Second); ok {
		t.Fatalf("expected stale quote to be rejected")
	}
	if _, _, _, ok := book.Quote("ETH", 0); ok {
		t.Fatalf("expected unknown coin to miss")
	}
}

func TestBookIgnoresOtherChannels(t *testing.T) {
	book := NewBook("ws://unused", time.Second, 0, nil)
	book.handle([]byte(`{"channel":"pong"}`))
	book.handle([]byte(`{"channel":"l2Book","data":{"coin":"BTC","levels":[[],[]]}}`))
	book.handle([]byte(`not json`))
	if _, _, _, ok := book.Quote("BTC", 0); ok {
		t.Fatalf("expected no quote")
	}
}
