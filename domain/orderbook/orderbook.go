// Package orderbook maintains the per-market limit order book: two
// singly-linked price chains (bids descending, asks ascending, FIFO at
// equal price) threaded through an order pool backed by pagedlist. The
// book header lives in its own small segment; orders live in pool
// slots so the chains survive remounts by index alone.
//
// Matching runs against the shared liquidity pool at the oracle price,
// so a crossed order always fills whole: NextMatch detaches the chain
// head and releases its slot in the same step. A released slot cannot
// be cancelled afterwards, which is what makes a reported fill final.
package orderbook

import (
	"encoding/binary"
	"errors"

	"vela/domain/collections/pagedlist"
	"vela/domain/segment"
)

const (
	magicBase  = 0xd1c34700
	headerSize = 16

	// OrderPayloadSize is the pool payload footprint of one order.
	OrderPayloadSize = 56
)

// Book header layout (little endian):
//
//	[0:4)   magic
//	[4:8)   bid chain head
//	[8:12)  ask chain head
//	[12:16) padding
//
// Order payload layout:
//
//	[0:8)   price
//	[8:16)  remaining size
//	[16:48) owner key
//	[48:52) next order in the price chain
//	[52]    owner's order-table slot
//	[53:56) padding
const (
	offMagic   = 0
	offBidHead = 4
	offAskHead = 8

	ordOffPrice = 0
	ordOffSize  = 8
	ordOffOwner = 16
	ordOffNext  = 48
	ordOffSlot  = 52
)

var (
	ErrInvalidBookHeader = errors.New("orderbook: invalid book header")
	ErrAlreadyInUse      = errors.New("orderbook: segment already in use")
	ErrNotInitialized    = errors.New("orderbook: segment not initialized")
	ErrInvalidOrderSlot  = errors.New("orderbook: invalid order slot")
	ErrNoMatch           = errors.New("orderbook: no crossed order")
)

// Side selects one of the two price chains.
type Side byte

const (
	Bid Side = 0
	Ask Side = 1
)

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Order is a typed window over one pool slot's payload.
type Order struct {
	slot *pagedlist.Slot
}

func (o *Order) Index() uint32       { return o.slot.Index() }
func (o *Order) Price() uint64       { return binary.LittleEndian.Uint64(o.slot.Payload()[ordOffPrice:]) }
func (o *Order) Size() uint64        { return binary.LittleEndian.Uint64(o.slot.Payload()[ordOffSize:]) }
func (o *Order) UserOrderSlot() byte { return o.slot.Payload()[ordOffSlot] }

func (o *Order) Owner() segment.ID {
	var id segment.ID
	copy(id[:], o.slot.Payload()[ordOffOwner:ordOffOwner+32])
	return id
}

func (o *Order) next() uint32 {
	return binary.LittleEndian.Uint32(o.slot.Payload()[ordOffNext:])
}

func (o *Order) setNext(v uint32) {
	binary.LittleEndian.PutUint32(o.slot.Payload()[ordOffNext:], v)
}

// Taken is the immutable snapshot returned once an order leaves the
// book, by cancel or by fill. The slot behind it is already released.
type Taken struct {
	Index         uint32
	Price         uint64
	Size          uint64
	Owner         segment.ID
	UserOrderSlot byte
}

// Book is a mounted view over one book header segment and its order
// pool, valid for the duration of the mounting call.
type Book struct {
	data []byte
	pool *pagedlist.List
}

func magicFor(tag byte) uint32 { return magicBase | uint32(tag) }

func Mount(seg *segment.Segment, pool *pagedlist.List, tag byte, mode segment.MountMode) (*Book, error) {
	if len(seg.Data) < headerSize {
		return nil, ErrInvalidBookHeader
	}
	b := &Book{data: seg.Data, pool: pool}

	magic := binary.LittleEndian.Uint32(seg.Data[offMagic:])
	switch mode {
	case segment.Initialize:
		if magic == magicFor(tag) {
			return nil, ErrAlreadyInUse
		}
		binary.LittleEndian.PutUint32(seg.Data[offMagic:], magicFor(tag))
		b.setHead(Bid, pagedlist.NilIndex)
		b.setHead(Ask, pagedlist.NilIndex)
		return b, nil
	case segment.ReadWrite:
		if magic == 0 {
			return nil, ErrNotInitialized
		}
		if magic != magicFor(tag) {
			return nil, ErrInvalidBookHeader
		}
		return b, nil
	}
	return nil, ErrInvalidBookHeader
}

func (b *Book) headOff(side Side) int {
	if side == Bid {
		return offBidHead
	}
	return offAskHead
}

func (b *Book) head(side Side) uint32 {
	return binary.LittleEndian.Uint32(b.data[b.headOff(side):])
}

func (b *Book) setHead(side Side, v uint32) {
	binary.LittleEndian.PutUint32(b.data[b.headOff(side):], v)
}

func (b *Book) orderAt(index uint32) (*Order, error) {
	slot, err := b.pool.FromIndex(index)
	if err != nil {
		return nil, err
	}
	return &Order{slot: slot}, nil
}

// NewOrder allocates a pool slot and fills its payload. The order is
// not yet on any chain; the caller records the returned index in the
// owner's order table, then links it.
func (b *Book) NewOrder(price, size uint64, owner segment.ID, userOrderSlot byte) (*Order, error) {
	slot, err := b.pool.NewSlot()
	if err != nil {
		return nil, err
	}
	o := &Order{slot: slot}
	p := slot.Payload()
	binary.LittleEndian.PutUint64(p[ordOffPrice:], price)
	binary.LittleEndian.PutUint64(p[ordOffSize:], size)
	copy(p[ordOffOwner:ordOffOwner+32], owner[:])
	o.setNext(pagedlist.NilIndex)
	p[ordOffSlot] = userOrderSlot
	return o, nil
}

// crossed reports whether cand should sit before cur on the chain.
// Strict inequality keeps equal prices in insertion order.
func crossed(side Side, cand, cur uint64) bool {
	if side == Bid {
		return cand > cur
	}
	return cand < cur
}

// Link inserts an order into its side's chain in price order, FIFO at
// equal price.
func (b *Book) Link(side Side, o *Order) error {
	price := o.Price()

	prev := pagedlist.NilIndex
	cur := b.head(side)
	for cur != pagedlist.NilIndex {
		c, err := b.orderAt(cur)
		if err != nil {
			return err
		}
		if crossed(side, price, c.Price()) {
			break
		}
		prev = cur
		cur = c.next()
	}

	o.setNext(cur)
	if prev == pagedlist.NilIndex {
		b.setHead(side, o.Index())
		return nil
	}
	p, err := b.orderAt(prev)
	if err != nil {
		return err
	}
	p.setNext(o.Index())
	return nil
}

// check validates the two-way reference between a chain entry and its
// owner's order table before any removal. Both directions fail closed.
func (b *Book) check(index uint32, userOrderSlot byte) (*Order, error) {
	slot, err := b.pool.FromIndex(index)
	if err != nil {
		return nil, ErrInvalidOrderSlot
	}
	if !slot.InUse() {
		return nil, ErrInvalidOrderSlot
	}
	o := &Order{slot: slot}
	if o.UserOrderSlot() != userOrderSlot {
		return nil, ErrInvalidOrderSlot
	}
	return o, nil
}

func (b *Book) take(o *Order) Taken {
	return Taken{
		Index:         o.Index(),
		Price:         o.Price(),
		Size:          o.Size(),
		Owner:         o.Owner(),
		UserOrderSlot: o.UserOrderSlot(),
	}
}

// Unlink cancels a resting order: it verifies the slot against the
// owner's back-reference, detaches it from its chain and releases the
// slot. Once a fill has already released the slot, the in-use check
// rejects the cancel.
func (b *Book) Unlink(side Side, index uint32, userOrderSlot byte) (Taken, error) {
	o, err := b.check(index, userOrderSlot)
	if err != nil {
		return Taken{}, err
	}

	prev := pagedlist.NilIndex
	cur := b.head(side)
	for cur != pagedlist.NilIndex && cur != index {
		c, err := b.orderAt(cur)
		if err != nil {
			return Taken{}, err
		}
		prev = cur
		cur = c.next()
	}
	if cur == pagedlist.NilIndex {
		return Taken{}, ErrInvalidOrderSlot
	}

	if prev == pagedlist.NilIndex {
		b.setHead(side, o.next())
	} else {
		p, err := b.orderAt(prev)
		if err != nil {
			return Taken{}, err
		}
		p.setNext(o.next())
	}

	taken := b.take(o)
	if err := b.pool.ReleaseSlot(index); err != nil {
		return Taken{}, err
	}
	return taken, nil
}

// BestPrice reports the head price of one side.
func (b *Book) BestPrice(side Side) (uint64, bool) {
	head := b.head(side)
	if head == pagedlist.NilIndex {
		return 0, false
	}
	o, err := b.orderAt(head)
	if err != nil {
		return 0, false
	}
	return o.Price(), true
}

// isCrossed reports whether the side's best order fills at the market
// price: a bid fills when the market trades at or below its limit, an
// ask when at or above.
func isCrossed(side Side, limit, market uint64) bool {
	if side == Bid {
		return market <= limit
	}
	return market >= limit
}

// NextMatch pops the best order of one side if the market price has
// crossed its limit. The slot is released before the snapshot is
// returned, so the fill is final the moment it is reported.
func (b *Book) NextMatch(side Side, marketPrice uint64) (Taken, error) {
	head := b.head(side)
	if head == pagedlist.NilIndex {
		return Taken{}, ErrNoMatch
	}
	o, err := b.orderAt(head)
	if err != nil {
		return Taken{}, err
	}
	if !isCrossed(side, o.Price(), marketPrice) {
		return Taken{}, ErrNoMatch
	}

	b.setHead(side, o.next())
	taken := b.take(o)
	if err := b.pool.ReleaseSlot(head); err != nil {
		return Taken{}, err
	}
	return taken, nil
}

// Depth counts the orders on one side.
func (b *Book) Depth(side Side) (int, error) {
	n := 0
	for cur := b.head(side); cur != pagedlist.NilIndex; {
		c, err := b.orderAt(cur)
		if err != nil {
			return 0, err
		}
		cur = c.next()
		n++
	}
	return n, nil
}

// Walk visits one side's orders from best price outward until fn
// returns false.
func (b *Book) Walk(side Side, fn func(*Order) bool) error {
	for cur := b.head(side); cur != pagedlist.NilIndex; {
		c, err := b.orderAt(cur)
		if err != nil {
			return err
		}
		cur = c.next()
		if !fn(c) {
			return nil
		}
	}
	return nil
}
