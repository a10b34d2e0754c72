package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePair(t *testing.T) {
	cases := []struct {
		in      string
		want    Pair
		wantErr bool
	}{
		{"SOL/USDC", Pair{"SOL", "USDC"}, false},
		{"sol-usdc", Pair{"SOL", "USDC"}, false},
		{"SOLUSDC", Pair{}, true},
		{"/USDC", Pair{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParsePair(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Errorf("expected ErrInvalidRequest, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("ParsePair(%q) = %v, %v", tc.in, got, err)
			}
		})
	}
}

func TestOrderIDRoundTrip(t *testing.T) {
	id := OrderID{Hi: 15, Lo: 0xfffffffffffffffe}
	s := id.String()
	if s != "295147905179352825854" {
		t.Fatalf("String() = %s", s)
	}

	parsed, err := ParseOrderID(s)
	if err != nil || parsed != id {
		t.Fatalf("ParseOrderID(%s) = %v, %v", s, parsed, err)
	}
	if parsed.PriceLots() != 15 {
		t.Errorf("PriceLots() = %d, want 15", parsed.PriceLots())
	}

	if _, err := ParseOrderID("-1"); err == nil {
		t.Error("negative order id must be rejected")
	}
	if _, err := ParseOrderID("340282366920938463463374607431768211456"); err == nil {
		t.Error("order id wider than 128 bits must be rejected")
	}
}

func TestOwnOrderJSON(t *testing.T) {
	order := OwnOrder{
		Market:        NewPair("sol", "usdc"),
		OrderID:       OrderID{Hi: 1, Lo: 2},
		ClientOrderID: 42,
		Side:          SideBuy,
		Price:         decimal.RequireFromString("1.5"),
		Size:          decimal.NewFromInt(10),
	}
	data, err := json.Marshal(order)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["orderId"] != "18446744073709551618" {
		t.Errorf("orderId = %v", decoded["orderId"])
	}
	if decoded["clientId"] != "42" {
		t.Errorf("clientId = %v", decoded["clientId"])
	}
	if decoded["price"] != "1.5" {
		t.Errorf("price = %v", decoded["price"])
	}
}

func TestOrderRequestValidate(t *testing.T) {
	valid := OrderRequest{
		Pair:  NewPair("X", "Y"),
		Side:  SideBuy,
		Size:  decimal.NewFromInt(10),
		Price: decimal.RequireFromString("1.5"),
		Type:  OrderTypeLimit,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	zeroSize := valid
	zeroSize.Size = decimal.Zero
	if !errors.Is(zeroSize.Validate(), ErrInvalidRequest) {
		t.Error("zero size must be rejected")
	}

	noSide := valid
	noSide.Side = ""
	if !errors.Is(noSide.Validate(), ErrInvalidRequest) {
		t.Error("missing side must be rejected")
	}

	if !errors.Is((CancelRequest{Pair: valid.Pair}).Validate(), ErrInvalidRequest) {
		t.Error("cancel without identifiers must be rejected")
	}
}

func TestOpenOrdersSlots(t *testing.T) {
	acc := OpenOrdersAccount{
		FreeSlotBits: OrderID{Hi: ^uint64(0), Lo: ^uint64(0) &^ (1 | 1<<3)},
		IsBidBits:    OrderID{Lo: 1},
	}
	if !acc.SlotUsed(0) || !acc.SlotUsed(3) || acc.SlotUsed(1) || acc.SlotUsed(100) {
		t.Error("unexpected slot usage")
	}
	if acc.SlotSide(0) != SideBuy || acc.SlotSide(3) != SideSell {
		t.Error("unexpected slot side")
	}
}

func TestOrderBookSpread(t *testing.T) {
	book := OrderBook{
		Bids: []Level{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
		Asks: []Level{{Price: decimal.NewFromInt(105), Size: decimal.NewFromInt(2)}},
	}
	spread := book.Spread()
	if spread == nil || !spread.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected spread 5, got %v", spread)
	}

	empty := OrderBook{}
	if empty.Spread() != nil {
		t.Error("Should return nil when a side is empty")
	}

	data, _ := json.Marshal(book.Bids[0])
	if string(data) != `["100","1"]` {
		t.Errorf("level json = %s", data)
	}
}

func TestBalanceBook(t *testing.T) {
	bb := NewBalanceBook()
	bb.Credit("USDC", "mint", decimal.NewFromInt(10))
	bb.Lock("USDC", "mint", decimal.NewFromInt(5), decimal.NewFromInt(2))
	bb.Credit("SOL", "sol", decimal.NewFromInt(1))

	snap := bb.Snapshot()
	if len(snap) != 2 || snap[0].Coin != "USDC" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap[0].Total.Equal(decimal.NewFromInt(15)) || !snap[0].Free.Equal(decimal.NewFromInt(12)) {
		t.Errorf("USDC balance = %+v", snap[0])
	}
}
