package hyperliquid

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func TestEncodeOrderActionDeterministic(t *testing.T) {
	order, err := LimitOrderWire(1, true, 2.5, 100.0, false, TifIoc, Cloid("p1-a-open-1"))
	if err != nil {
		t.Fatalf("unexpected order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	b1, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b2, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(b1, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "order" || decoded["grouping"] != "na" {
		t.Fatalf("unexpected action %v", decoded)
	}
	orders, ok := decoded["orders"].([]any)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected 1 order")
	}
	orderMap, ok := orders[0].(map[string]any)
	if !ok {
		t.Fatalf("expected order map")
	}
	if orderMap["p"] != "100" || orderMap["s"] != "2.5" {
		t.Fatalf("unexpected price/size %v/%v", orderMap["p"], orderMap["s"])
	}
	if orderMap["c"] != order.Cloid {
		t.Fatalf("expected cloid %s, got %v", order.Cloid, orderMap["c"])
	}
}

func TestEncodeCancelActionRequiresCancels(t *testing.T) {
	if _, err := EncodeCancelAction(CancelAction{Type: "cancel"}); err == nil {
		t.Fatalf("expected error for empty cancels")
	}
	payload, err := EncodeCancelAction(CancelAction{Type: "cancel", Cancels: []CancelWire{{Asset: 3, OrderID: 42}}})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if decoded["type"] != "cancel" {
		t.Fatalf("unexpected action %v", decoded)
	}
}

func TestActionHashDependsOnVault(t *testing.T) {
	payload := []byte{0x80}
	vault := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if bytes.Equal(actionHash(payload, 1, nil), actionHash(payload, 1, &vault)) {
		t.Fatalf("expected vault to change the action hash")
	}
	if bytes.Equal(actionHash(payload, 1, nil), actionHash(payload, 2, nil)) {
		t.Fatalf("expected nonce to change the action hash")
	}
}

func TestSignerRecover(t *testing.T) {
	signer, err := NewSigner(testKey, true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	order, err := LimitOrderWire(1, true, 2.5, 100.0, false, TifIoc, "")
	if err != nil {
		t.Fatalf("order wire error: %v", err)
	}
	action := OrderAction{Type: "order", Orders: []OrderWire{order}, Grouping: "na"}
	nonce := uint64(1700000000000)
	sig, err := signer.SignOrderAction(action, nonce, nil)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	payload, err := EncodeOrderAction(action)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	digest, err := typedDataHash(actionHash(payload, nonce, nil), true)
	if err != nil {
		t.Fatalf("digest error: %v", err)
	}
	sigBytes, err := signatureBytes(sig)
	if err != nil {
		t.Fatalf("signature bytes error: %v", err)
	}
	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		t.Fatalf("recover error: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pubKey); recovered != signer.Address() {
		t.Fatalf("expected %s, got %s", signer.Address().Hex(), recovered.Hex())
	}
}

func TestNewSignerRejectsEmptyKey(t *testing.T) {
	if _, err := NewSigner("  ", true); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func signatureBytes(sig Signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, errUnexpectedSigLen
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, errUnexpectedSigV
	}
	out := append(append([]byte{}, r...), s...)
	return append(out, byte(v)), nil
}

var errUnexpectedSigLen = errors.New("unexpected signature length")
var errUnexpectedSigV = errors.New("unexpected signature v")
