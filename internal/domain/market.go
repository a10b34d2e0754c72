package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"serum_rest/internal/solana"
)

// Pair identifies a market by its base and quote coin, e.g. SOL/USDC.
type Pair struct {
	Base  string `json:"coin"`
	Quote string `json:"priceCurrency"`
}

func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// ParsePair accepts "BASE/QUOTE" or "BASE-QUOTE".
func ParsePair(s string) (Pair, error) {
	sep := "/"
	if !strings.Contains(s, sep) {
		sep = "-"
	}
	base, quote, ok := strings.Cut(s, sep)
	if !ok || base == "" || quote == "" {
		return Pair{}, fmt.Errorf("%w: market %q", ErrInvalidRequest, s)
	}
	return NewPair(base, quote), nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

func (p Pair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// MarketInfo is the static description of a configured market.
type MarketInfo struct {
	Name          string           `json:"name"`
	Address       solana.PublicKey `json:"address"`
	ProgramID     solana.PublicKey `json:"programId"`
	BaseMint      solana.PublicKey `json:"baseMintAddress"`
	QuoteMint     solana.PublicKey `json:"quoteMintAddress"`
	BaseDecimals  uint8            `json:"baseDecimals"`
	QuoteDecimals uint8            `json:"quoteDecimals"`
	MinOrderSize  decimal.Decimal  `json:"minOrderSize"`
	TickSize      decimal.Decimal  `json:"tickSize"`
	TakerFee      decimal.Decimal  `json:"takerFee"`
}

// Pair returns the pair encoded in the market name.
func (m MarketInfo) Pair() Pair {
	p, err := ParsePair(m.Name)
	if err != nil {
		return Pair{}
	}
	return p
}
