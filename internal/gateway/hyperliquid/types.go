package hyperliquid

import (
	"encoding/json"
	"strings"
)

type Tif string

const (
	TifAlo Tif = "Alo"
	TifIoc Tif = "Ioc"
	TifGtc Tif = "Gtc"
)

type LimitOrderType struct {
	Tif Tif `json:"tif"`
}

type OrderTypeWire struct {
	Limit *LimitOrderType `json:"limit,omitempty"`
}

type OrderWire struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	OrderType  OrderTypeWire `json:"t"`
	Cloid      string        `json:"c,omitempty"`
}

type OrderAction struct {
	Type     string      `json:"type"`
	Orders   []OrderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

type CancelWire struct {
	Asset   int   `json:"a"`
	OrderID int64 `json:"o"`
}

type CancelAction struct {
	Type    string       `json:"type"`
	Cancels []CancelWire `json:"cancels"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type SignedAction struct {
	Action       any       `json:"action"`
	Nonce        uint64    `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
	ExpiresAfter *uint64   `json:"expiresAfter"`
}

// Asset is one perp market from the meta universe.
type Asset struct {
	Index      int
	Name       string
	SzDecimals int
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2Book struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]bookLevel `json:"levels"`
}

type metaResponse struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"universe"`
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
	Order  *struct {
		Order struct {
			Coin      string `json:"coin"`
			Side      string `json:"side"`
			LimitPx   string `json:"limitPx"`
			Sz        string `json:"sz"`
			Oid       int64  `json:"oid"`
			Timestamp int64  `json:"timestamp"`
			OrigSz    string `json:"origSz"`
			Cloid     string `json:"cloid"`
		} `json:"order"`
		Status          string `json:"status"`
		StatusTimestamp int64  `json:"statusTimestamp"`
	} `json:"order"`
}

// exchangeResponse is the /exchange envelope. Response is an object on "ok"
// and an error string on "err".
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type exchangeData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatusEntry `json:"statuses"`
	} `json:"data"`
}

// orderStatusEntry is one element of the statuses array returned by /exchange.
// Cancel responses use the plain string "success".
type orderStatusEntry struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"-"`
}

func (e *orderStatusEntry) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if strings.EqualFold(text, "success") {
			e.Success = true
		} else {
			e.Error = text
		}
		return nil
	}
	type plain orderStatusEntry
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*e = orderStatusEntry(out)
	return nil
}
