package serum

import (
	"encoding/binary"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

// Instruction tags of the DEX program.
const (
	tagMatchOrders            = 2
	tagSettleFunds            = 5
	tagNewOrderV3             = 10
	tagCancelOrderV2          = 11
	tagCancelOrderByClientIDV = 12
)

const (
	selfTradeDecrementTake = 0
	defaultMatchLimit      = 65535

	// Crank limits of the MatchOrders instructions added around orders.
	PlaceMatchLimit  = 15
	CancelMatchLimit = 5
)

// NewOrderParams are the lot-denominated arguments of NewOrderV3.
type NewOrderParams struct {
	Owner      solana.PublicKey
	Payer      solana.PublicKey
	OpenOrders solana.PublicKey
	Side       domain.Side
	PriceLots  uint64
	SizeLots   uint64
	Type       domain.OrderType
	ClientID   uint64
}

func instructionData(tag uint32, size int) []byte {
	data := make([]byte, 5+size)
	data[0] = 0 // layout version
	binary.LittleEndian.PutUint32(data[1:], tag)
	return data
}

func sideCode(side domain.Side) uint32 {
	if side == domain.SideSell {
		return 1
	}
	return 0
}

func orderTypeCode(t domain.OrderType) uint32 {
	switch t {
	case domain.OrderTypeIOC:
		return 1
	case domain.OrderTypePostOnly:
		return 2
	default:
		return 0
	}
}

// NewOrderInstruction builds a NewOrderV3 instruction.
func (m *Market) NewOrderInstruction(p NewOrderParams) solana.Instruction {
	data := instructionData(tagNewOrderV3, 4+8+8+8+4+4+8+2)
	off := 5
	binary.LittleEndian.PutUint32(data[off:], sideCode(p.Side))
	off += 4
	binary.LittleEndian.PutUint64(data[off:], p.PriceLots)
	off += 8
	binary.LittleEndian.PutUint64(data[off:], p.SizeLots)
	off += 8
	binary.LittleEndian.PutUint64(data[off:], m.MaxQuoteQuantity(p.SizeLots, p.PriceLots))
	off += 8
	binary.LittleEndian.PutUint32(data[off:], selfTradeDecrementTake)
	off += 4
	binary.LittleEndian.PutUint32(data[off:], orderTypeCode(p.Type))
	off += 4
	binary.LittleEndian.PutUint64(data[off:], p.ClientID)
	off += 8
	binary.LittleEndian.PutUint16(data[off:], defaultMatchLimit)

	s := m.State
	return solana.Instruction{
		ProgramID: m.ProgramID,
		Accounts: []solana.AccountMeta{
			solana.Meta(m.Address, false, true),
			solana.Meta(p.OpenOrders, false, true),
			solana.Meta(s.RequestQueue, false, true),
			solana.Meta(s.EventQueue, false, true),
			solana.Meta(s.Bids, false, true),
			solana.Meta(s.Asks, false, true),
			solana.Meta(p.Payer, false, true),
			solana.Meta(p.Owner, true, false),
			solana.Meta(s.BaseVault, false, true),
			solana.Meta(s.QuoteVault, false, true),
			solana.Meta(solana.TokenProgramID, false, false),
			solana.Meta(solana.SysvarRentID, false, false),
		},
		Data: data,
	}
}

func (m *Market) cancelAccounts(owner, openOrders solana.PublicKey) []solana.AccountMeta {
	return []solana.AccountMeta{
		solana.Meta(m.Address, false, false),
		solana.Meta(m.State.Bids, false, true),
		solana.Meta(m.State.Asks, false, true),
		solana.Meta(openOrders, false, true),
		solana.Meta(owner, true, false),
		solana.Meta(m.State.EventQueue, false, true),
	}
}

// CancelOrderInstruction builds a CancelOrderV2 instruction for a
// standard order id.
func (m *Market) CancelOrderInstruction(owner, openOrders solana.PublicKey, side domain.Side, orderID domain.OrderID) solana.Instruction {
	data := instructionData(tagCancelOrderV2, 4+16)
	binary.LittleEndian.PutUint32(data[5:], sideCode(side))
	binary.LittleEndian.PutUint64(data[9:], orderID.Lo)
	binary.LittleEndian.PutUint64(data[17:], orderID.Hi)
	return solana.Instruction{
		ProgramID: m.ProgramID,
		Accounts:  m.cancelAccounts(owner, openOrders),
		Data:      data,
	}
}

// CancelOrderByClientIDInstruction builds a CancelOrderByClientIdV2 instruction.
func (m *Market) CancelOrderByClientIDInstruction(owner, openOrders solana.PublicKey, clientID uint64) solana.Instruction {
	data := instructionData(tagCancelOrderByClientIDV, 8)
	binary.LittleEndian.PutUint64(data[5:], clientID)
	return solana.Instruction{
		ProgramID: m.ProgramID,
		Accounts:  m.cancelAccounts(owner, openOrders),
		Data:      data,
	}
}

// SettleFundsInstruction moves free funds from openOrders to the wallets.
func (m *Market) SettleFundsInstruction(owner, openOrders, baseWallet, quoteWallet solana.PublicKey) solana.Instruction {
	s := m.State
	return solana.Instruction{
		ProgramID: m.ProgramID,
		Accounts: []solana.AccountMeta{
			solana.Meta(m.Address, false, true),
			solana.Meta(openOrders, false, true),
			solana.Meta(owner, true, false),
			solana.Meta(s.BaseVault, false, true),
			solana.Meta(s.QuoteVault, false, true),
			solana.Meta(baseWallet, false, true),
			solana.Meta(quoteWallet, false, true),
			solana.Meta(m.VaultSigner(), false, false),
			solana.Meta(solana.TokenProgramID, false, false),
		},
		Data: instructionData(tagSettleFunds, 0),
	}
}

// MatchOrdersInstruction cranks up to limit events of the request queue.
func (m *Market) MatchOrdersInstruction(limit uint16) solana.Instruction {
	data := instructionData(tagMatchOrders, 2)
	binary.LittleEndian.PutUint16(data[5:], limit)
	s := m.State
	return solana.Instruction{
		ProgramID: m.ProgramID,
		Accounts: []solana.AccountMeta{
			solana.Meta(m.Address, false, true),
			solana.Meta(s.RequestQueue, false, true),
			solana.Meta(s.EventQueue, false, true),
			solana.Meta(s.Bids, false, true),
			solana.Meta(s.Asks, false, true),
			solana.Meta(s.BaseVault, false, true),
			solana.Meta(s.QuoteVault, false, true),
		},
		Data: data,
	}
}
