package domain

import (
	"github.com/shopspring/decimal"

	"serum_rest/internal/solana"
)

// TokenAccount is an SPL token account owned by the wallet.
type TokenAccount struct {
	Address solana.PublicKey
	Mint    solana.PublicKey
	Owner   solana.PublicKey
	Amount  uint64
}

// OpenOrdersAccount is the decoded state of a DEX open orders account.
// Slots whose bit in FreeSlotBits is set hold no order.
type OpenOrdersAccount struct {
	Address      solana.PublicKey
	Market       solana.PublicKey
	Owner        solana.PublicKey
	BaseFree     uint64
	BaseTotal    uint64
	QuoteFree    uint64
	QuoteTotal   uint64
	FreeSlotBits OrderID
	IsBidBits    OrderID
	Orders       []OrderID
	ClientIDs    []uint64
}

func (a *OpenOrdersAccount) slotBit(bits OrderID, slot int) bool {
	if slot < 64 {
		return bits.Lo&(1<<uint(slot)) != 0
	}
	return bits.Hi&(1<<uint(slot-64)) != 0
}

// SlotUsed reports whether slot holds a live order.
func (a *OpenOrdersAccount) SlotUsed(slot int) bool {
	return !a.slotBit(a.FreeSlotBits, slot)
}

func (a *OpenOrdersAccount) SlotSide(slot int) Side {
	if a.slotBit(a.IsBidBits, slot) {
		return SideBuy
	}
	return SideSell
}

// HasUnsettled reports whether the account holds free funds to settle.
func (a *OpenOrdersAccount) HasUnsettled() bool {
	return a.BaseFree > 0 || a.QuoteFree > 0
}

// Balance is a per-coin wallet balance. Free excludes funds locked in open orders.
type Balance struct {
	MintKey string          `json:"mintKey"`
	Coin    string          `json:"coin"`
	Total   decimal.Decimal `json:"total"`
	Free    decimal.Decimal `json:"free"`
}

// BalanceBook accumulates balances per coin.
type BalanceBook struct {
	balances map[string]*Balance
	order    []string
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]*Balance)}
}

// Get returns the balance for a coin, creating if not exists.
func (bb *BalanceBook) Get(coin, mint string) *Balance {
	b, ok := bb.balances[coin]
	if !ok {
		b = &Balance{Coin: coin, MintKey: mint, Total: decimal.Zero, Free: decimal.Zero}
		bb.balances[coin] = b
		bb.order = append(bb.order, coin)
	}
	return b
}

// Credit adds amount to both total and free.
func (bb *BalanceBook) Credit(coin, mint string, amount decimal.Decimal) {
	b := bb.Get(coin, mint)
	b.Total = b.Total.Add(amount)
	b.Free = b.Free.Add(amount)
}

// Lock adds funds that count towards the total but are not free.
func (bb *BalanceBook) Lock(coin, mint string, total, free decimal.Decimal) {
	b := bb.Get(coin, mint)
	b.Total = b.Total.Add(total)
	b.Free = b.Free.Add(free)
}

// Snapshot returns the balances in insertion order.
func (bb *BalanceBook) Snapshot() []Balance {
	result := make([]Balance, 0, len(bb.order))
	for _, coin := range bb.order {
		result = append(result, *bb.balances[coin])
	}
	return result
}
