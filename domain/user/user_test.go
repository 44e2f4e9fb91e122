package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/domain/collections/smalllist"
	"vela/domain/dex"
	"vela/domain/segment"
)

func mountFresh(t *testing.T) *State {
	t.Helper()
	seg := segment.New(RequiredSize(8, 4, 4))
	require.NoError(t, Initialize(seg, segment.NewID(), 8, 4, 4))
	s, err := Mount(seg)
	require.NoError(t, err)
	return s
}

func TestInitializeAndMount(t *testing.T) {
	owner := segment.NewID()
	seg := segment.New(RequiredSize(8, 4, 4))
	require.NoError(t, Initialize(seg, owner, 8, 4, 4))
	assert.ErrorIs(t, Initialize(seg, owner, 8, 4, 4), ErrAlreadyInUse)

	s, err := Mount(seg)
	require.NoError(t, err)
	assert.Equal(t, owner, s.Owner())
	assert.Zero(t, s.Serial())

	s.SetSerial(7)
	s.SetUserListIndex(0x102)
	s2, err := Mount(seg)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), s2.Serial())
	assert.Equal(t, uint32(0x102), s2.UserListIndex())

	_, err = Mount(segment.New(RequiredSize(8, 4, 4)))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestBidOrderLifecycle(t *testing.T) {
	s := mountFresh(t)

	slot, err := s.NewBidOrder(100_000_000, 20000_000000, 10_000, true, 0, 0, 1234)
	require.NoError(t, err)
	require.NoError(t, s.SetOrderSlot(slot, 0x0105))

	o, err := s.GetOrder(slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0105), o.OrderSlot)
	assert.Equal(t, uint64(100_000_000), o.Size)
	assert.Equal(t, uint64(20000_000000), o.Price)
	assert.Equal(t, uint32(10_000), o.Leverage)
	assert.Equal(t, int64(1234), o.ListTime)
	assert.True(t, o.Open)
	assert.True(t, o.Long)

	cancelled, err := s.CancelOrder(slot)
	require.NoError(t, err)
	assert.Equal(t, o, cancelled)
	_, err = s.GetOrder(slot)
	assert.ErrorIs(t, err, smalllist.ErrSlotNotInUse)
}

func TestAskOrderReservesClosingSize(t *testing.T) {
	s := mountFresh(t)

	_, err := s.OpenPosition(0, true, 20000_000000, 100_000_000, 10_000, 30, 0)
	require.NoError(t, err)
	pos, err := s.Position(0, true)
	require.NoError(t, err)
	size := pos.Size

	_, err = s.NewAskOrder(size, 21000_000000, true, 0, 0)
	require.NoError(t, err)
	pos, err = s.Position(0, true)
	require.NoError(t, err)
	assert.Equal(t, size, pos.ClosingSize)

	// The whole size is earmarked; a second ask must fail.
	_, err = s.NewAskOrder(1, 21000_000000, true, 0, 0)
	assert.ErrorIs(t, err, dex.ErrCloseSizeTooLarge)
}

func TestCancelAskRestoresClosingSize(t *testing.T) {
	s := mountFresh(t)
	_, err := s.OpenPosition(0, true, 20000_000000, 100_000_000, 10_000, 30, 0)
	require.NoError(t, err)
	pos, err := s.Position(0, true)
	require.NoError(t, err)

	slot, err := s.NewAskOrder(pos.Size/2, 21000_000000, true, 0, 0)
	require.NoError(t, err)
	_, err = s.CancelOrder(slot)
	require.NoError(t, err)

	pos, err = s.Position(0, true)
	require.NoError(t, err)
	assert.Zero(t, pos.ClosingSize)
}

func TestConsumeAskSpendsReservationViaClose(t *testing.T) {
	s := mountFresh(t)
	_, err := s.OpenPosition(0, true, 20000_000000, 100_000_000, 10_000, 30, 0)
	require.NoError(t, err)
	pos, err := s.Position(0, true)
	require.NoError(t, err)
	half := pos.Size / 2

	slot, err := s.NewAskOrder(half, 21000_000000, true, 0, 0)
	require.NoError(t, err)

	o, err := s.ConsumeOrder(slot)
	require.NoError(t, err)
	res, err := s.ClosePosition(o.Market, o.Long, o.Size, 21000_000000, 50, 10, 0, true)
	require.NoError(t, err)
	assert.Positive(t, res.Pnl)

	pos, err = s.Position(0, true)
	require.NoError(t, err)
	assert.Zero(t, pos.ClosingSize)
	assert.Equal(t, half, pos.Size)
}

func TestPositionsAreSeparatedByMarketAndSide(t *testing.T) {
	s := mountFresh(t)

	_, err := s.OpenPosition(0, true, 20000_000000, 100_000_000, 10_000, 30, 0)
	require.NoError(t, err)
	_, err = s.OpenPosition(0, false, 20000_000000, 50_000_000, 10_000, 30, 0)
	require.NoError(t, err)
	_, err = s.OpenPosition(1, true, 3000_000000, 10_000_000, 5_000, 30, 0)
	require.NoError(t, err)

	long0, err := s.Position(0, true)
	require.NoError(t, err)
	short0, err := s.Position(0, false)
	require.NoError(t, err)
	long1, err := s.Position(1, true)
	require.NoError(t, err)

	assert.True(t, long0.Long)
	assert.False(t, short0.Long)
	assert.NotEqual(t, long0.Size, short0.Size)
	assert.NotZero(t, long1.Size)
	assert.NotEqual(t, long0.Size, long1.Size)
}

func TestPositionQueryAllocatesNothing(t *testing.T) {
	s := mountFresh(t) // four position slots

	// Reading more markets than the table holds stays flat and free.
	for market := byte(0); market < 8; market++ {
		p, err := s.Position(market, true)
		require.NoError(t, err)
		assert.Zero(t, p.Size)
		assert.True(t, p.Long)
	}

	_, err := s.OpenPosition(0, true, 20000_000000, 100_000_000, 10_000, 30, 0)
	require.NoError(t, err)
}

func TestOrdersListing(t *testing.T) {
	s := mountFresh(t)
	for i := 0; i < 3; i++ {
		_, err := s.NewBidOrder(uint64(i+1), 100, 1_000, true, 0, 0, int64(i))
		require.NoError(t, err)
	}
	orders := s.Orders()
	require.Len(t, orders, 3)
	assert.Equal(t, uint64(1), orders[0].Size)
	assert.Equal(t, uint64(3), orders[2].Size)
}

func TestAssetBalances(t *testing.T) {
	s := mountFresh(t)

	require.NoError(t, s.Deposit(2, 500))
	require.NoError(t, s.Deposit(2, 250))
	require.NoError(t, s.Deposit(4, 10))
	assert.Equal(t, uint64(750), s.AssetBalance(2))
	assert.Equal(t, uint64(10), s.AssetBalance(4))

	require.NoError(t, s.Withdraw(2, 700))
	assert.Equal(t, uint64(50), s.AssetBalance(2))
	assert.ErrorIs(t, s.Withdraw(2, 51), ErrInsufficientBalance)
	assert.ErrorIs(t, s.Withdraw(9, 1), ErrNoSuchAsset)
	assert.Zero(t, s.AssetBalance(9))
}
