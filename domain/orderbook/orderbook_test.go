package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/domain/collections/pagedlist"
	"vela/domain/segment"
)

const (
	bookTag = 0x41
	poolTag = 0x42
)

func mountFresh(t *testing.T) (*Book, *pagedlist.List) {
	t.Helper()
	poolSeg := segment.New(8192)
	_, err := pagedlist.Mount(poolSeg, nil, poolTag, OrderPayloadSize, segment.Initialize)
	require.NoError(t, err)
	pool, err := pagedlist.Mount(poolSeg, nil, poolTag, OrderPayloadSize, segment.ReadWrite)
	require.NoError(t, err)

	bookSeg := segment.New(64)
	_, err = Mount(bookSeg, pool, bookTag, segment.Initialize)
	require.NoError(t, err)
	book, err := Mount(bookSeg, pool, bookTag, segment.ReadWrite)
	require.NoError(t, err)
	return book, pool
}

func owner(fill byte) segment.ID {
	var id segment.ID
	for i := range id {
		id[i] = fill
	}
	return id
}

func link(t *testing.T, b *Book, side Side, price, size uint64, slot byte) *Order {
	t.Helper()
	o, err := b.NewOrder(price, size, owner(slot), slot)
	require.NoError(t, err)
	require.NoError(t, b.Link(side, o))
	return o
}

func prices(t *testing.T, b *Book, side Side) []uint64 {
	t.Helper()
	var out []uint64
	require.NoError(t, b.Walk(side, func(o *Order) bool {
		out = append(out, o.Price())
		return true
	}))
	return out
}

func TestMountErrors(t *testing.T) {
	_, pool := mountFresh(t)
	seg := segment.New(64)
	_, err := Mount(seg, pool, bookTag, segment.ReadWrite)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = Mount(seg, pool, bookTag, segment.Initialize)
	require.NoError(t, err)
	_, err = Mount(seg, pool, bookTag, segment.Initialize)
	assert.ErrorIs(t, err, ErrAlreadyInUse)
	_, err = Mount(seg, pool, bookTag+1, segment.ReadWrite)
	assert.ErrorIs(t, err, ErrInvalidBookHeader)
}

func TestPricePriority(t *testing.T) {
	b, _ := mountFresh(t)

	link(t, b, Bid, 100, 1, 0)
	link(t, b, Bid, 300, 1, 1)
	link(t, b, Bid, 200, 1, 2)
	link(t, b, Ask, 500, 1, 3)
	link(t, b, Ask, 400, 1, 4)
	link(t, b, Ask, 600, 1, 5)

	assert.Equal(t, []uint64{300, 200, 100}, prices(t, b, Bid))
	assert.Equal(t, []uint64{400, 500, 600}, prices(t, b, Ask))

	best, ok := b.BestPrice(Bid)
	require.True(t, ok)
	assert.Equal(t, uint64(300), best)
	best, ok = b.BestPrice(Ask)
	require.True(t, ok)
	assert.Equal(t, uint64(400), best)
}

func TestEqualPriceKeepsInsertionOrder(t *testing.T) {
	b, _ := mountFresh(t)

	first := link(t, b, Bid, 200, 1, 1)
	second := link(t, b, Bid, 200, 2, 2)
	link(t, b, Bid, 300, 1, 0)
	third := link(t, b, Bid, 200, 3, 3)

	var slots []uint32
	require.NoError(t, b.Walk(Bid, func(o *Order) bool {
		slots = append(slots, o.Index())
		return true
	}))
	assert.Equal(t, []uint32{first.Index(), second.Index(), third.Index()}, slots[1:])
}

func TestUnlink(t *testing.T) {
	b, pool := mountFresh(t)

	a := link(t, b, Ask, 400, 1, 0)
	m := link(t, b, Ask, 500, 2, 1)
	z := link(t, b, Ask, 600, 3, 2)

	// Middle, then head, then the last one.
	taken, err := b.Unlink(Ask, m.Index(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), taken.Price)
	assert.Equal(t, uint64(2), taken.Size)
	assert.Equal(t, owner(1), taken.Owner)
	assert.Equal(t, []uint64{400, 600}, prices(t, b, Ask))

	_, err = b.Unlink(Ask, a.Index(), 0)
	require.NoError(t, err)
	_, err = b.Unlink(Ask, z.Index(), 2)
	require.NoError(t, err)
	_, ok := b.BestPrice(Ask)
	assert.False(t, ok)
	assert.Equal(t, 0, pool.InUseCount())
}

func TestUnlinkRejectsBadBackReference(t *testing.T) {
	b, _ := mountFresh(t)
	o := link(t, b, Bid, 100, 1, 5)

	_, err := b.Unlink(Bid, o.Index(), 6)
	assert.ErrorIs(t, err, ErrInvalidOrderSlot)
	_, err = b.Unlink(Bid, 0xbeef00, 5)
	assert.ErrorIs(t, err, ErrInvalidOrderSlot)

	// Wrong side: the slot is live but not on that chain.
	_, err = b.Unlink(Ask, o.Index(), 5)
	assert.ErrorIs(t, err, ErrInvalidOrderSlot)
}

func TestNextMatch(t *testing.T) {
	b, _ := mountFresh(t)

	link(t, b, Bid, 300, 1, 0)
	link(t, b, Bid, 200, 2, 1)
	link(t, b, Ask, 400, 3, 2)

	// Market at 350 crosses nothing.
	_, err := b.NextMatch(Bid, 350)
	assert.ErrorIs(t, err, ErrNoMatch)
	_, err = b.NextMatch(Ask, 350)
	assert.ErrorIs(t, err, ErrNoMatch)

	// Market falls to 250: the 300 bid fills, the 200 bid rests.
	taken, err := b.NextMatch(Bid, 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), taken.Price)
	_, err = b.NextMatch(Bid, 250)
	assert.ErrorIs(t, err, ErrNoMatch)

	// Market rallies through the ask.
	taken, err = b.NextMatch(Ask, 410)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), taken.Price)
	assert.Equal(t, uint64(3), taken.Size)
}

func TestCancelAfterFillFails(t *testing.T) {
	b, _ := mountFresh(t)

	o := link(t, b, Bid, 300, 1, 7)
	taken, err := b.NextMatch(Bid, 300)
	require.NoError(t, err)
	require.Equal(t, o.Index(), taken.Index)

	// The fill released the slot; the cancel must not find a live order.
	_, err = b.Unlink(Bid, o.Index(), 7)
	assert.ErrorIs(t, err, ErrInvalidOrderSlot)
}

func TestMatchOrderSlotReuseIsSafe(t *testing.T) {
	// A single-slot pool forces the released slot to be handed out
	// again immediately.
	poolSeg := segment.New(64 + OrderPayloadSize + 12)
	_, err := pagedlist.Mount(poolSeg, nil, poolTag, OrderPayloadSize, segment.Initialize)
	require.NoError(t, err)
	pool, err := pagedlist.Mount(poolSeg, nil, poolTag, OrderPayloadSize, segment.ReadWrite)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Capacity())

	bookSeg := segment.New(64)
	_, err = Mount(bookSeg, pool, bookTag, segment.Initialize)
	require.NoError(t, err)
	b, err := Mount(bookSeg, pool, bookTag, segment.ReadWrite)
	require.NoError(t, err)

	old := link(t, b, Bid, 300, 1, 1)
	_, err = b.NextMatch(Bid, 300)
	require.NoError(t, err)

	// A new order reuses the released slot with a different back-ref;
	// a stale cancel against the old back-ref still fails.
	fresh := link(t, b, Ask, 500, 1, 2)
	require.Equal(t, old.Index(), fresh.Index())
	_, err = b.Unlink(Bid, old.Index(), 1)
	assert.ErrorIs(t, err, ErrInvalidOrderSlot)
}
