package serum

import (
	"encoding/binary"
	"errors"
	"fmt"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

// Account sizes of the DEX v3 program.
const (
	MarketStateSize   = 388
	OpenOrdersSize    = 3228
	TokenAccountSize  = 165
	MintSize          = 82
	openOrdersSlots   = 128
	slabHeaderOffset  = 13
	slabHeaderSize    = 32
	slabNodeSize      = 72
	eventQueueHeader  = 37
	eventSize         = 88
	OpenOrdersMarket  = 13 // offset of the market key in an open orders account
	OpenOrdersOwner   = 45 // offset of the owner key in an open orders account
	accountFlagOffset = 5
)

// Account flag bits.
const (
	flagInitialized = 1 << 0
	flagMarket      = 1 << 1
	flagOpenOrders  = 1 << 2
	flagBids        = 1 << 5
	flagAsks        = 1 << 6
)

var ErrInvalidLayout = errors.New("invalid account layout")

type reader struct {
	b   []byte
	off int
}

func (r *reader) skip(n int) { r.off += n }

func (r *reader) u8() uint8 {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) key() solana.PublicKey {
	v := solana.PublicKeyFromBytes(r.b[r.off : r.off+32])
	r.off += 32
	return v
}

func (r *reader) u128() domain.OrderID {
	lo := r.u64()
	hi := r.u64()
	return domain.OrderID{Hi: hi, Lo: lo}
}

// MarketState is the decoded market account.
type MarketState struct {
	AccountFlags           uint64
	OwnAddress             solana.PublicKey
	VaultSignerNonce       uint64
	BaseMint               solana.PublicKey
	QuoteMint              solana.PublicKey
	BaseVault              solana.PublicKey
	BaseDepositsTotal      uint64
	BaseFeesAccrued        uint64
	QuoteVault             solana.PublicKey
	QuoteDepositsTotal     uint64
	QuoteFeesAccrued       uint64
	QuoteDustThreshold     uint64
	RequestQueue           solana.PublicKey
	EventQueue             solana.PublicKey
	Bids                   solana.PublicKey
	Asks                   solana.PublicKey
	BaseLotSize            uint64
	QuoteLotSize           uint64
	FeeRateBps             uint64
	ReferrerRebatesAccrued uint64
}

func DecodeMarketState(data []byte) (*MarketState, error) {
	if len(data) != MarketStateSize {
		return nil, fmt.Errorf("%w: market size %d", ErrInvalidLayout, len(data))
	}
	r := &reader{b: data, off: accountFlagOffset}
	s := &MarketState{}
	s.AccountFlags = r.u64()
	if s.AccountFlags&(flagInitialized|flagMarket) != flagInitialized|flagMarket {
		return nil, fmt.Errorf("%w: not an initialized market", ErrInvalidLayout)
	}
	s.OwnAddress = r.key()
	s.VaultSignerNonce = r.u64()
	s.BaseMint = r.key()
	s.QuoteMint = r.key()
	s.BaseVault = r.key()
	s.BaseDepositsTotal = r.u64()
	s.BaseFeesAccrued = r.u64()
	s.QuoteVault = r.key()
	s.QuoteDepositsTotal = r.u64()
	s.QuoteFeesAccrued = r.u64()
	s.QuoteDustThreshold = r.u64()
	s.RequestQueue = r.key()
	s.EventQueue = r.key()
	s.Bids = r.key()
	s.Asks = r.key()
	s.BaseLotSize = r.u64()
	s.QuoteLotSize = r.u64()
	s.FeeRateBps = r.u64()
	s.ReferrerRebatesAccrued = r.u64()
	return s, nil
}

// DecodeOpenOrders decodes an open orders account found at address.
func DecodeOpenOrders(address solana.PublicKey, data []byte) (*domain.OpenOrdersAccount, error) {
	if len(data) != OpenOrdersSize {
		return nil, fmt.Errorf("%w: open orders size %d", ErrInvalidLayout, len(data))
	}
	r := &reader{b: data, off: accountFlagOffset}
	flags := r.u64()
	if flags&(flagInitialized|flagOpenOrders) != flagInitialized|flagOpenOrders {
		return nil, fmt.Errorf("%w: not an open orders account", ErrInvalidLayout)
	}
	acc := &domain.OpenOrdersAccount{Address: address}
	acc.Market = r.key()
	acc.Owner = r.key()
	acc.BaseFree = r.u64()
	acc.BaseTotal = r.u64()
	acc.QuoteFree = r.u64()
	acc.QuoteTotal = r.u64()
	acc.FreeSlotBits = r.u128()
	acc.IsBidBits = r.u128()
	acc.Orders = make([]domain.OrderID, openOrdersSlots)
	for i := range acc.Orders {
		acc.Orders[i] = r.u128()
	}
	acc.ClientIDs = make([]uint64, openOrdersSlots)
	for i := range acc.ClientIDs {
		acc.ClientIDs[i] = r.u64()
	}
	return acc, nil
}

// DecodeTokenAccount decodes the leading fields of an SPL token account.
func DecodeTokenAccount(address solana.PublicKey, data []byte) (*domain.TokenAccount, error) {
	if len(data) < 72 {
		return nil, fmt.Errorf("%w: token account size %d", ErrInvalidLayout, len(data))
	}
	r := &reader{b: data}
	return &domain.TokenAccount{
		Address: address,
		Mint:    r.key(),
		Owner:   r.key(),
		Amount:  r.u64(),
	}, nil
}

// DecodeMintDecimals reads the decimals field of an SPL mint.
func DecodeMintDecimals(data []byte) (uint8, error) {
	if len(data) < 45 {
		return 0, fmt.Errorf("%w: mint size %d", ErrInvalidLayout, len(data))
	}
	return data[44], nil
}

const (
	nodeInner = 1
	nodeLeaf  = 2
)

// LeafNode is a resting order in a bids or asks slab.
type LeafNode struct {
	OwnerSlot     uint8
	FeeTier       uint8
	Key           domain.OrderID
	Owner         solana.PublicKey
	Quantity      uint64
	ClientOrderID uint64
}

type innerNode struct {
	children [2]uint32
}

// Slab is a decoded critbit tree of orders.
type Slab struct {
	IsBids    bool
	root      uint32
	leafCount uint32
	leaves    map[uint32]LeafNode
	inners    map[uint32]innerNode
}

func DecodeSlab(data []byte) (*Slab, error) {
	if len(data) < slabHeaderOffset+slabHeaderSize {
		return nil, fmt.Errorf("%w: slab size %d", ErrInvalidLayout, len(data))
	}
	r := &reader{b: data, off: accountFlagOffset}
	flags := r.u64()
	if flags&flagInitialized == 0 || flags&(flagBids|flagAsks) == 0 {
		return nil, fmt.Errorf("%w: not an order book side", ErrInvalidLayout)
	}
	s := &Slab{
		IsBids: flags&flagBids != 0,
		leaves: make(map[uint32]LeafNode),
		inners: make(map[uint32]innerNode),
	}
	bumpIndex := r.u32()
	r.skip(4)
	r.skip(4) // free list length
	r.skip(4)
	r.skip(4) // free list head
	s.root = r.u32()
	s.leafCount = r.u32()
	r.skip(4)

	nodesStart := slabHeaderOffset + slabHeaderSize
	if len(data) < nodesStart+int(bumpIndex)*slabNodeSize {
		return nil, fmt.Errorf("%w: slab truncated at %d nodes", ErrInvalidLayout, bumpIndex)
	}
	for i := uint32(0); i < bumpIndex; i++ {
		nr := &reader{b: data, off: nodesStart + int(i)*slabNodeSize}
		switch nr.u32() {
		case nodeInner:
			nr.skip(4) // prefix length
			nr.skip(16)
			s.inners[i] = innerNode{children: [2]uint32{nr.u32(), nr.u32()}}
		case nodeLeaf:
			leaf := LeafNode{OwnerSlot: nr.u8(), FeeTier: nr.u8()}
			nr.skip(2)
			leaf.Key = nr.u128()
			leaf.Owner = nr.key()
			leaf.Quantity = nr.u64()
			leaf.ClientOrderID = nr.u64()
			s.leaves[i] = leaf
		}
	}
	return s, nil
}

// Items walks the leaves in key order. Key order is price order since the
// price occupies the upper 64 bits of the key.
func (s *Slab) Items(descending bool, yield func(LeafNode) bool) {
	if s.leafCount == 0 {
		return
	}
	stack := []uint32{s.root}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if leaf, ok := s.leaves[idx]; ok {
			if !yield(leaf) {
				return
			}
			continue
		}
		inner, ok := s.inners[idx]
		if !ok {
			continue
		}
		if descending {
			stack = append(stack, inner.children[0], inner.children[1])
		} else {
			stack = append(stack, inner.children[1], inner.children[0])
		}
	}
}

// L2 aggregates up to depth price levels in lots, best price first.
func (s *Slab) L2(depth int) [][2]uint64 {
	var levels [][2]uint64
	s.Items(s.IsBids, func(leaf LeafNode) bool {
		price := leaf.Key.PriceLots()
		if n := len(levels); n > 0 && levels[n-1][0] == price {
			levels[n-1][1] += leaf.Quantity
			return true
		}
		if len(levels) == depth {
			return false
		}
		levels = append(levels, [2]uint64{price, leaf.Quantity})
		return true
	})
	return levels
}

// Event flag bits.
const (
	eventFill  = 1 << 0
	eventOut   = 1 << 1
	eventBid   = 1 << 2
	eventMaker = 1 << 3
)

// Event is a decoded event queue entry.
type Event struct {
	Flags             uint8
	OpenOrdersSlot    uint8
	FeeTier           uint8
	NativeQtyReleased uint64
	NativeQtyPaid     uint64
	NativeFeeOrRebate uint64
	OrderID           domain.OrderID
	OpenOrders        solana.PublicKey
	ClientOrderID     uint64
}

func (e Event) IsFill() bool  { return e.Flags&eventFill != 0 }
func (e Event) IsBid() bool   { return e.Flags&eventBid != 0 }
func (e Event) IsMaker() bool { return e.Flags&eventMaker != 0 }

// DecodeRecentEvents returns up to history of the newest events, newest
// first. Slots already consumed by the crank are still returned.
func DecodeRecentEvents(data []byte, history int) ([]Event, error) {
	if len(data) < eventQueueHeader {
		return nil, fmt.Errorf("%w: event queue size %d", ErrInvalidLayout, len(data))
	}
	r := &reader{b: data, off: accountFlagOffset + 8}
	head := r.u32()
	r.skip(4)
	count := r.u32()

	allocLen := uint32((len(data) - eventQueueHeader) / eventSize)
	if allocLen == 0 {
		return nil, nil
	}
	n := min(uint32(history), allocLen)
	events := make([]Event, 0, n)
	for i := uint32(0); i < n; i++ {
		idx := (head + count + allocLen - 1 - i) % allocLen
		er := &reader{b: data, off: eventQueueHeader + int(idx)*eventSize}
		ev := Event{Flags: er.u8(), OpenOrdersSlot: er.u8(), FeeTier: er.u8()}
		er.skip(5)
		ev.NativeQtyReleased = er.u64()
		ev.NativeQtyPaid = er.u64()
		ev.NativeFeeOrRebate = er.u64()
		ev.OrderID = er.u128()
		ev.OpenOrders = er.key()
		ev.ClientOrderID = er.u64()
		events = append(events, ev)
	}
	return events, nil
}
