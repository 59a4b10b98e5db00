package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dn-pair-bot/internal/gateway"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.hyperliquid.xyz"

// NonceStore persists the last nonce so a restart never reuses one.
type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Client speaks the /info and /exchange endpoints and classifies every failure
// into a gateway error kind.
type Client struct {
	venue        string
	baseURL      string
	http         *http.Client
	signer       *Signer
	vaultAddress *common.Address
	log          *zap.Logger

	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

// NewClient builds a client. signer may be nil for read-only use.
func NewClient(venue, baseURL string, timeout time.Duration, signer *Signer, vaultAddress string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	var vault *common.Address
	if strings.TrimSpace(vaultAddress) != "" {
		addr := common.HexToAddress(vaultAddress)
		vault = &addr
	}
	return &Client{
		venue:        venue,
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		signer:       signer,
		vaultAddress: vault,
		log:          log,
	}
}

// Info posts an /info request and decodes the reply into out.
func (c *Client) Info(ctx context.Context, op string, req, out any) error {
	return c.post(ctx, op, "/info", req, out)
}

// PlaceOrder submits a single order and returns its status entry.
func (c *Client) PlaceOrder(ctx context.Context, order OrderWire) (orderStatusEntry, error) {
	if c.signer == nil {
		return orderStatusEntry{}, gateway.NewError(gateway.KindAuth, c.venue, "order", errors.New("signer is required"))
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	nonce := c.nextNonce()
	sig, err := c.signer.SignOrderAction(action, nonce, c.vaultAddress)
	if err != nil {
		return orderStatusEntry{}, gateway.NewError(gateway.KindRejected, c.venue, "order", err)
	}
	return c.postAction(ctx, "order", action, sig, nonce)
}

func (c *Client) CancelOrder(ctx context.Context, asset int, orderID int64) error {
	if c.signer == nil {
		return gateway.NewError(gateway.KindAuth, c.venue, "cancel", errors.New("signer is required"))
	}
	action := CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: asset, OrderID: orderID}}}
	nonce := c.nextNonce()
	sig, err := c.signer.SignCancelAction(action, nonce, c.vaultAddress)
	if err != nil {
		return gateway.NewError(gateway.KindRejected, c.venue, "cancel", err)
	}
	_, err = c.postAction(ctx, "cancel", action, sig, nonce)
	return err
}

func (c *Client) postAction(ctx context.Context, op string, action any, sig Signature, nonce uint64) (orderStatusEntry, error) {
	var vaultAddress *string
	if c.vaultAddress != nil {
		addr := c.vaultAddress.Hex()
		vaultAddress = &addr
	}
	payload := SignedAction{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: vaultAddress,
	}
	var resp exchangeResponse
	if err := c.post(ctx, op, "/exchange", payload, &resp); err != nil {
		return orderStatusEntry{}, err
	}
	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return orderStatusEntry{}, c.rejected(op, msg)
	}
	var data exchangeData
	if err := json.Unmarshal(resp.Response, &data); err != nil {
		return orderStatusEntry{}, gateway.NewError(gateway.KindNetwork, c.venue, op, fmt.Errorf("decode response: %w", err))
	}
	if len(data.Data.Statuses) == 0 {
		return orderStatusEntry{}, gateway.NewError(gateway.KindNetwork, c.venue, op, errors.New("empty statuses"))
	}
	entry := data.Data.Statuses[0]
	if entry.Error != "" {
		return orderStatusEntry{}, c.rejected(op, entry.Error)
	}
	return entry, nil
}

// rejected maps a venue error message to a gateway error. Rate limit messages
// are delivered with HTTP 200 and must stay retryable.
func (c *Client) rejected(op, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many"):
		return gateway.NewError(gateway.KindRateLimit, c.venue, op, errors.New(msg))
	case strings.Contains(lower, "does not exist") && strings.Contains(lower, "user"):
		return gateway.NewError(gateway.KindAuth, c.venue, op, errors.New(msg))
	default:
		return gateway.NewError(gateway.KindRejected, c.venue, op, errors.New(msg))
	}
}

func (c *Client) post(ctx context.Context, op, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return gateway.NewError(gateway.KindRejected, c.venue, op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return gateway.NewError(gateway.KindRejected, c.venue, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return gateway.Classify(c.venue, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return gateway.HTTPError(c.venue, op, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return gateway.Classify(c.venue, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// InitNonceStore seeds the nonce counter from store and persists every nonce
// handed out afterwards.
func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil || c.signer == nil {
		return nil
	}
	key := nonceStoreKey(c.baseURL, c.signer, c.vaultAddress)
	seed := uint64(time.Now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	if current := c.lastNonce.Load(); current > seed {
		seed = current
	}
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Client) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *Client) persistNonce(nonce uint64) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func nonceStoreKey(baseURL string, signer *Signer, vaultAddress *common.Address) string {
	addr := "unknown"
	if signer != nil {
		addr = strings.ToLower(signer.Address().Hex())
	}
	vault := "none"
	if vaultAddress != nil {
		vault = strings.ToLower(vaultAddress.Hex())
	}
	return fmt.Sprintf("hyperliquid:nonce:%s:%s:%s", strings.ToLower(strings.TrimSpace(baseURL)), addr, vault)
}
