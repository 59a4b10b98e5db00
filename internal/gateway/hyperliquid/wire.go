package hyperliquid

import (
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	maxPriceSigFigs  = 5
	maxPerpDecimals  = 6
	wireDecimals     = 8
	wireRoundingSlop = 1e-12
)

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// floatToWire renders x with at most 8 decimals and no trailing zeros. Values
// that would lose precision are refused rather than silently rounded.
func floatToWire(x float64) (string, error) {
	d := decimal.NewFromFloat(x)
	rounded := d.Round(wireDecimals)
	if rounded.Sub(d).Abs().GreaterThanOrEqual(decimal.NewFromFloat(wireRoundingSlop)) {
		return "", fmt.Errorf("float_to_wire causes rounding: %s", d.String())
	}
	if rounded.IsZero() {
		return "0", nil
	}
	return rounded.String(), nil
}

// roundSize truncates size to the asset's size decimals.
func roundSize(size float64, szDecimals int) float64 {
	if size <= 0 {
		return 0
	}
	return decimal.NewFromFloat(size).RoundDown(int32(szDecimals)).InexactFloat64()
}

// marketPrice turns a reference price into an aggressive IOC limit price:
// slippageBps away from ref, then rounded away from the touch to 5
// significant figures and at most 6-szDecimals decimals.
func marketPrice(ref float64, isBuy bool, slippageBps float64, szDecimals int) float64 {
	if ref <= 0 {
		return 0
	}
	shift := decimal.NewFromFloat(slippageBps).Div(decimal.NewFromInt(10_000))
	factor := decimal.NewFromInt(1).Sub(shift)
	if isBuy {
		factor = decimal.NewFromInt(1).Add(shift)
	}
	d := decimal.NewFromFloat(ref).Mul(factor)
	decimals := maxPriceSigFigs - 1 - int(math.Floor(math.Log10(d.InexactFloat64())))
	if limit := maxPerpDecimals - szDecimals; decimals > limit {
		decimals = limit
	}
	if decimals < 0 {
		decimals = 0
	}
	if isBuy {
		return d.RoundCeil(int32(decimals)).InexactFloat64()
	}
	return d.RoundFloor(int32(decimals)).InexactFloat64()
}

// Cloid derives the 128-bit client order id the venue accepts from an
// arbitrary client id, so retries of the same request carry the same cloid.
func Cloid(clientID string) string {
	if clientID == "" {
		return ""
	}
	sum := crypto.Keccak256([]byte(clientID))
	return hexutil.Encode(sum[:16])
}

func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
