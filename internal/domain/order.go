package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"serum_rest/internal/solana"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrInvalidRequest, s)
}

type OrderType string

const (
	OrderTypeLimit    OrderType = "limit"
	OrderTypeIOC      OrderType = "ioc"
	OrderTypePostOnly OrderType = "postOnly"
)

func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(s) {
	case "", "limit":
		return OrderTypeLimit, nil
	case "ioc", "market":
		return OrderTypeIOC, nil
	case "postonly", "post_only":
		return OrderTypePostOnly, nil
	}
	return "", fmt.Errorf("%w: order type %q", ErrInvalidRequest, s)
}

// OrderID is the 128-bit order key assigned by the matching engine. The
// upper 64 bits hold the price in lots.
type OrderID struct {
	Hi uint64
	Lo uint64
}

func (id OrderID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

func (id OrderID) Big() *big.Int {
	n := new(big.Int).SetUint64(id.Hi)
	n.Lsh(n, 64)
	return n.Or(n, new(big.Int).SetUint64(id.Lo))
}

func (id OrderID) String() string {
	return id.Big().String()
}

func (id OrderID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OrderID) UnmarshalText(text []byte) error {
	parsed, err := ParseOrderID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseOrderID parses the decimal representation produced by String.
func ParseOrderID(s string) (OrderID, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 128 {
		return OrderID{}, fmt.Errorf("%w: order id %q", ErrInvalidRequest, s)
	}
	lo := new(big.Int).And(n, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(n, 64)
	return OrderID{Hi: hi.Uint64(), Lo: lo.Uint64()}, nil
}

// PriceLots extracts the limit price in lots from the order key.
func (id OrderID) PriceLots() uint64 {
	return id.Hi
}

// OrderRequest carries the parameters of a new order.
type OrderRequest struct {
	Pair     Pair
	Side     Side
	Size     decimal.Decimal
	Price    decimal.Decimal
	Type     OrderType
	ClientID uint64 // zero lets the facade generate one
}

func (r OrderRequest) Validate() error {
	if r.Pair.IsZero() {
		return fmt.Errorf("%w: missing market", ErrInvalidRequest)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, r.Side)
	}
	if !r.Size.IsPositive() {
		return fmt.Errorf("%w: size must be positive", ErrInvalidRequest)
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}
	return nil
}

// CancelRequest identifies an order by client id or, when ClientID is
// zero, by its standard order id.
type CancelRequest struct {
	Pair     Pair
	ClientID uint64
	OrderID  OrderID
}

func (r CancelRequest) Validate() error {
	if r.Pair.IsZero() {
		return fmt.Errorf("%w: missing market", ErrInvalidRequest)
	}
	if r.ClientID == 0 && r.OrderID.IsZero() {
		return fmt.Errorf("%w: clientId or orderId required", ErrInvalidRequest)
	}
	return nil
}

// OwnOrder is one of our resting orders as read from the order book.
// A zero ClientOrderID means the order was placed without one.
type OwnOrder struct {
	Market            Pair             `json:"market"`
	MarketAddress     solana.PublicKey `json:"marketAddress"`
	OrderID           OrderID          `json:"orderId"`
	ClientOrderID     uint64           `json:"clientId,string"`
	Side              Side             `json:"side"`
	Price             decimal.Decimal  `json:"price"`
	Size              decimal.Decimal  `json:"quantity"`
	OpenOrdersAddress solana.PublicKey `json:"openOrdersAddress"`
	FeeTier           uint8            `json:"feeTier"`
}

// Fill is a matched trade decoded from the event queue.
type Fill struct {
	Market            Pair             `json:"market"`
	Side              Side             `json:"side"`
	Price             decimal.Decimal  `json:"price"`
	Size              decimal.Decimal  `json:"size"`
	Fee               decimal.Decimal  `json:"fee"`
	Maker             bool             `json:"maker"`
	OrderID           OrderID          `json:"orderId"`
	ClientOrderID     uint64           `json:"clientId,string"`
	OpenOrdersAddress solana.PublicKey `json:"openOrdersAddress"`
}
