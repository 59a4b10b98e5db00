package hyperliquid

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// packer writes msgpack values in a fixed order and keeps the first error.
// Actions are hashed byte for byte by the venue, so key order matters and
// reflection-based encoding cannot be used.
type packer struct {
	buf bytes.Buffer
	enc *msgpack.Encoder
	err error
}

func newPacker() *packer {
	p := &packer{}
	p.enc = msgpack.NewEncoder(&p.buf)
	return p
}

func (p *packer) mapLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeMapLen(n)
	}
}

func (p *packer) arrayLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeArrayLen(n)
	}
}

func (p *packer) str(s string) {
	if p.err == nil {
		p.err = p.enc.EncodeString(s)
	}
}

func (p *packer) int(v int64) {
	if p.err == nil {
		p.err = p.enc.EncodeInt(v)
	}
}

func (p *packer) bool(v bool) {
	if p.err == nil {
		p.err = p.enc.EncodeBool(v)
	}
}

func (p *packer) bytes() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.buf.Bytes(), nil
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	p := newPacker()
	p.mapLen(3)
	p.str("type")
	p.str(action.Type)
	p.str("orders")
	p.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return nil, errors.New("limit order type required")
		}
		n := 6
		if order.Cloid != "" {
			n++
		}
		p.mapLen(n)
		p.str("a")
		p.int(int64(order.Asset))
		p.str("b")
		p.bool(order.IsBuy)
		p.str("p")
		p.str(order.Price)
		p.str("s")
		p.str(order.Size)
		p.str("r")
		p.bool(order.ReduceOnly)
		p.str("t")
		p.mapLen(1)
		p.str("limit")
		p.mapLen(1)
		p.str("tif")
		p.str(string(order.OrderType.Limit.Tif))
		if order.Cloid != "" {
			p.str("c")
			p.str(order.Cloid)
		}
	}
	p.str("grouping")
	p.str(action.Grouping)
	return p.bytes()
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	p := newPacker()
	p.mapLen(2)
	p.str("type")
	p.str(action.Type)
	p.str("cancels")
	p.arrayLen(len(action.Cancels))
	for _, cancel := range action.Cancels {
		p.mapLen(2)
		p.str("a")
		p.int(int64(cancel.Asset))
		p.str("o")
		p.int(cancel.OrderID)
	}
	return p.bytes()
}
