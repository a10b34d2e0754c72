package serum

import (
	"math/big"

	"github.com/shopspring/decimal"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

// MarketConfig names a market and the DEX program that owns it.
type MarketConfig struct {
	Name      string
	Address   solana.PublicKey
	ProgramID solana.PublicKey
}

// Market is a loaded market with the decimals of both mints.
type Market struct {
	Name          string
	Pair          domain.Pair
	Address       solana.PublicKey
	ProgramID     solana.PublicKey
	State         MarketState
	BaseDecimals  uint8
	QuoteDecimals uint8
}

func decU64(n uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0)
}

func pow10(n uint8) decimal.Decimal {
	return decimal.New(1, int32(n))
}

func (m *Market) baseMultiplier() decimal.Decimal  { return pow10(m.BaseDecimals) }
func (m *Market) quoteMultiplier() decimal.Decimal { return pow10(m.QuoteDecimals) }

// PriceLotsToNumber converts a price in lots into quote units per base unit.
func (m *Market) PriceLotsToNumber(lots uint64) decimal.Decimal {
	num := decU64(lots).
		Mul(decU64(m.State.QuoteLotSize)).
		Mul(m.baseMultiplier())
	den := decU64(m.State.BaseLotSize).Mul(m.quoteMultiplier())
	return num.Div(den)
}

// PriceNumberToLots rounds price to the nearest lot.
func (m *Market) PriceNumberToLots(price decimal.Decimal) uint64 {
	num := price.Mul(m.quoteMultiplier()).Mul(decU64(m.State.BaseLotSize))
	den := m.baseMultiplier().Mul(decU64(m.State.QuoteLotSize))
	return uint64(num.Div(den).Round(0).IntPart())
}

func (m *Market) BaseSizeLotsToNumber(lots uint64) decimal.Decimal {
	return decU64(lots).
		Mul(decU64(m.State.BaseLotSize)).
		Div(m.baseMultiplier())
}

// BaseSizeNumberToLots truncates size to whole lots.
func (m *Market) BaseSizeNumberToLots(size decimal.Decimal) uint64 {
	native := size.Mul(m.baseMultiplier()).Round(0)
	return uint64(native.Div(decU64(m.State.BaseLotSize)).IntPart())
}

// MaxQuoteQuantity is the native quote amount locked by a bid, including
// headroom for the taker fee.
func (m *Market) MaxQuoteQuantity(sizeLots, priceLots uint64) uint64 {
	q := decU64(m.State.QuoteLotSize).
		Mul(decU64(sizeLots)).
		Mul(decU64(priceLots))
	bps := decimal.NewFromInt(10000)
	return uint64(q.Mul(bps.Add(decU64(m.takerFeeBps()))).Div(bps).Ceil().IntPart())
}

// takerFeeBps is the base tier taker fee of the v3 program.
func (m *Market) takerFeeBps() uint64 {
	return 22
}

func (m *Market) MinOrderSize() decimal.Decimal {
	return m.BaseSizeLotsToNumber(1)
}

func (m *Market) TickSize() decimal.Decimal {
	return m.PriceLotsToNumber(1)
}

// VaultSigner is the program address that signs vault transfers.
func (m *Market) VaultSigner() solana.PublicKey {
	return solana.CreateProgramAddressWithNonce(m.Address, m.State.VaultSignerNonce, m.ProgramID)
}

func (m *Market) Info() domain.MarketInfo {
	return domain.MarketInfo{
		Name:          m.Name,
		Address:       m.Address,
		ProgramID:     m.ProgramID,
		BaseMint:      m.State.BaseMint,
		QuoteMint:     m.State.QuoteMint,
		BaseDecimals:  m.BaseDecimals,
		QuoteDecimals: m.QuoteDecimals,
		MinOrderSize:  m.MinOrderSize(),
		TickSize:      m.TickSize(),
		TakerFee:      decU64(m.takerFeeBps()).Div(decimal.NewFromInt(10000)),
	}
}

// DecodeOrderBookSide converts a bids or asks account into price levels.
func (m *Market) DecodeOrderBookSide(data []byte, depth int) ([]domain.Level, error) {
	slab, err := DecodeSlab(data)
	if err != nil {
		return nil, err
	}
	lots := slab.L2(depth)
	levels := make([]domain.Level, 0, len(lots))
	for _, l := range lots {
		levels = append(levels, domain.Level{
			Price: m.PriceLotsToNumber(l[0]),
			Size:  m.BaseSizeLotsToNumber(l[1]),
		})
	}
	return levels, nil
}

// OwnOrders returns the leaves of slab that belong to one of accounts.
func (m *Market) OwnOrders(slab *Slab, accounts []domain.OpenOrdersAccount) []domain.OwnOrder {
	owners := make(map[solana.PublicKey]struct{}, len(accounts))
	for _, acc := range accounts {
		owners[acc.Address] = struct{}{}
	}
	side := domain.SideSell
	if slab.IsBids {
		side = domain.SideBuy
	}
	var orders []domain.OwnOrder
	slab.Items(slab.IsBids, func(leaf LeafNode) bool {
		if _, ok := owners[leaf.Owner]; !ok {
			return true
		}
		orders = append(orders, domain.OwnOrder{
			Market:            m.Pair,
			MarketAddress:     m.Address,
			OrderID:           leaf.Key,
			ClientOrderID:     leaf.ClientOrderID,
			Side:              side,
			Price:             m.PriceLotsToNumber(leaf.Key.PriceLots()),
			Size:              m.BaseSizeLotsToNumber(leaf.Quantity),
			OpenOrdersAddress: leaf.Owner,
			FeeTier:           leaf.FeeTier,
		})
		return true
	})
	return orders
}

// ParseFill converts a fill event into quote and base units.
func (m *Market) ParseFill(ev Event) (domain.Fill, bool) {
	if !ev.IsFill() {
		return domain.Fill{}, false
	}
	fee := decU64(ev.NativeFeeOrRebate)
	var side domain.Side
	var priceBeforeFees, nativeSize decimal.Decimal
	if ev.IsBid() {
		side = domain.SideBuy
		paid := decU64(ev.NativeQtyPaid)
		if ev.IsMaker() {
			priceBeforeFees = paid.Add(fee)
		} else {
			priceBeforeFees = paid.Sub(fee)
		}
		nativeSize = decU64(ev.NativeQtyReleased)
	} else {
		side = domain.SideSell
		released := decU64(ev.NativeQtyReleased)
		if ev.IsMaker() {
			priceBeforeFees = released.Sub(fee)
		} else {
			priceBeforeFees = released.Add(fee)
		}
		nativeSize = decU64(ev.NativeQtyPaid)
	}
	if nativeSize.IsZero() {
		return domain.Fill{}, false
	}

	feeCost := fee.Div(m.quoteMultiplier())
	if ev.IsMaker() {
		feeCost = feeCost.Neg()
	}
	return domain.Fill{
		Market:            m.Pair,
		Side:              side,
		Price:             priceBeforeFees.Mul(m.baseMultiplier()).Div(m.quoteMultiplier().Mul(nativeSize)),
		Size:              nativeSize.Div(m.baseMultiplier()),
		Fee:               feeCost,
		Maker:             ev.IsMaker(),
		OrderID:           ev.OrderID,
		ClientOrderID:     ev.ClientOrderID,
		OpenOrdersAddress: ev.OpenOrders,
	}, true
}
