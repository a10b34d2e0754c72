package serum

import (
	"encoding/binary"
	"sort"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

type writer struct {
	b   []byte
	off int
}

func newWriter(size int) *writer { return &writer{b: make([]byte, size)} }

func (w *writer) at(off int) *writer {
	w.off = off
	return w
}

func (w *writer) u8(v uint8) *writer {
	w.b[w.off] = v
	w.off++
	return w
}

func (w *writer) u32(v uint32) *writer {
	binary.LittleEndian.PutUint32(w.b[w.off:], v)
	w.off += 4
	return w
}

func (w *writer) u64(v uint64) *writer {
	binary.LittleEndian.PutUint64(w.b[w.off:], v)
	w.off += 8
	return w
}

func (w *writer) u128(id domain.OrderID) *writer { return w.u64(id.Lo).u64(id.Hi) }

func (w *writer) key(pk solana.PublicKey) *writer {
	copy(w.b[w.off:], pk[:])
	w.off += 32
	return w
}

func testKey(seed byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

func encodeMarket(s MarketState) []byte {
	w := newWriter(MarketStateSize).at(accountFlagOffset)
	w.u64(flagInitialized | flagMarket).
		key(s.OwnAddress).u64(s.VaultSignerNonce).
		key(s.BaseMint).key(s.QuoteMint).
		key(s.BaseVault).u64(s.BaseDepositsTotal).u64(s.BaseFeesAccrued).
		key(s.QuoteVault).u64(s.QuoteDepositsTotal).u64(s.QuoteFeesAccrued).u64(s.QuoteDustThreshold).
		key(s.RequestQueue).key(s.EventQueue).key(s.Bids).key(s.Asks).
		u64(s.BaseLotSize).u64(s.QuoteLotSize).u64(s.FeeRateBps).u64(s.ReferrerRebatesAccrued)
	return w.b
}

func encodeOpenOrders(acc domain.OpenOrdersAccount) []byte {
	w := newWriter(OpenOrdersSize).at(accountFlagOffset)
	w.u64(flagInitialized | flagOpenOrders).
		key(acc.Market).key(acc.Owner).
		u64(acc.BaseFree).u64(acc.BaseTotal).u64(acc.QuoteFree).u64(acc.QuoteTotal).
		u128(acc.FreeSlotBits).u128(acc.IsBidBits)
	for i := 0; i < openOrdersSlots; i++ {
		var id domain.OrderID
		if i < len(acc.Orders) {
			id = acc.Orders[i]
		}
		w.u128(id)
	}
	for i := 0; i < openOrdersSlots; i++ {
		var cid uint64
		if i < len(acc.ClientIDs) {
			cid = acc.ClientIDs[i]
		}
		w.u64(cid)
	}
	return w.b
}

// encodeSlab lays out leaves as a left-leaning chain of inner nodes,
// which walks in the same order as a real critbit tree.
func encodeSlab(isBids bool, leaves []LeafNode) []byte {
	sorted := append([]LeafNode(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Key, sorted[j].Key
		return a.Hi < b.Hi || (a.Hi == b.Hi && a.Lo < b.Lo)
	})

	n := len(sorted)
	nodes := 0
	if n > 0 {
		nodes = 2*n - 1
	}
	w := newWriter(slabHeaderOffset + slabHeaderSize + nodes*slabNodeSize + 7)
	flags := uint64(flagInitialized | flagAsks)
	if isBids {
		flags = flagInitialized | flagBids
	}
	w.at(accountFlagOffset).u64(flags).
		u32(uint32(nodes)).u32(0).u32(0).u32(0).u32(0).
		u32(0).u32(uint32(n)).u32(0)

	node := func(i int) *writer { return w.at(slabHeaderOffset + slabHeaderSize + i*slabNodeSize) }
	// Inner nodes occupy 0..n-2, leaves n-1..2n-2.
	for i := 0; i < n-1; i++ {
		right := uint32(i + 1)
		if i == n-2 {
			right = uint32(n - 1 + n - 1)
		}
		node(i).u32(nodeInner).u32(0).u128(domain.OrderID{}).u32(uint32(n-1+i)).u32(right)
	}
	for i, leaf := range sorted {
		node(n-1+i).u32(nodeLeaf).u8(leaf.OwnerSlot).u8(leaf.FeeTier).u8(0).u8(0).
			u128(leaf.Key).key(leaf.Owner).u64(leaf.Quantity).u64(leaf.ClientOrderID)
	}
	return w.b
}

func encodeEventQueue(events []Event, capacity int) []byte {
	w := newWriter(eventQueueHeader + capacity*eventSize + 7)
	w.at(accountFlagOffset).u64(flagInitialized).u32(0).u32(0).u32(uint32(len(events))).u32(0).u32(uint32(len(events))).u32(0)
	for i, ev := range events {
		w.at(eventQueueHeader+i*eventSize).
			u8(ev.Flags).u8(ev.OpenOrdersSlot).u8(ev.FeeTier).u8(0).u8(0).u8(0).u8(0).u8(0).
			u64(ev.NativeQtyReleased).u64(ev.NativeQtyPaid).u64(ev.NativeFeeOrRebate).
			u128(ev.OrderID).key(ev.OpenOrders).u64(ev.ClientOrderID)
	}
	return w.b
}

// testMarket is SOL/USDC-like: 9 base decimals, 6 quote decimals,
// 0.1 base lot and 100 native quote per lot.
func testMarket() *Market {
	return &Market{
		Name:      "SOL/USDC",
		Pair:      domain.NewPair("SOL", "USDC"),
		Address:   testKey(1),
		ProgramID: testKey(2),
		State: MarketState{
			VaultSignerNonce: 3,
			BaseMint:         testKey(10),
			QuoteMint:        testKey(11),
			BaseVault:        testKey(12),
			QuoteVault:       testKey(13),
			RequestQueue:     testKey(14),
			EventQueue:       testKey(15),
			Bids:             testKey(16),
			Asks:             testKey(17),
			BaseLotSize:      100_000_000,
			QuoteLotSize:     100,
		},
		BaseDecimals:  9,
		QuoteDecimals: 6,
	}
}
