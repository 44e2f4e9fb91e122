package smalllist

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mountFresh(t *testing.T, slots int) *List {
	t.Helper()
	buf := make([]byte, RequiredSize(slots, 16))
	_, err := Mount(buf, slots, 16, Initialize)
	require.NoError(t, err)
	l, err := Mount(buf, slots, 16, ReadWrite)
	require.NoError(t, err)
	return l
}

func link(t *testing.T, l *List, size, price uint64) *Slot {
	t.Helper()
	s, err := l.NewSlot()
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(s.Payload()[0:8], size)
	binary.LittleEndian.PutUint64(s.Payload()[8:16], price)
	require.NoError(t, l.AddToTail(s))
	return s
}

func assertPointers(t *testing.T, l *List, index, next, prev byte) {
	t.Helper()
	s, err := l.FromIndex(index)
	require.NoError(t, err)
	assert.Equal(t, next, s.Next())
	assert.Equal(t, prev, s.Prev())
}

func TestMountErrors(t *testing.T) {
	buf := make([]byte, RequiredSize(10, 16))
	_, err := Mount(buf, 10, 16, ReadWrite)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = Mount(buf, 10, 16, Initialize)
	require.NoError(t, err)
	_, err = Mount(buf, 10, 16, Initialize)
	assert.ErrorIs(t, err, ErrAlreadyInUse)

	_, err = Mount(buf, 9, 16, ReadWrite)
	assert.ErrorIs(t, err, ErrInvalidListHeader)

	_, err = Mount(buf, 255, 16, Initialize)
	assert.ErrorIs(t, err, ErrTooManySlots)
	_, err = Mount(buf[:4], 10, 16, Initialize)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestPushTail(t *testing.T) {
	l := mountFresh(t, 16)
	for n := uint64(1); n <= 4; n++ {
		link(t, l, n, n*10)
	}
	assert.Equal(t, byte(0), l.Head())
	assert.Equal(t, byte(3), l.Tail())
	assert.Equal(t, 4, l.Count())

	assertPointers(t, l, 0, 1, Nil)
	assertPointers(t, l, 1, 2, 0)
	assertPointers(t, l, 2, 3, 1)
	assertPointers(t, l, 3, Nil, 2)

	s, err := l.FromIndex(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(s.Payload()[0:8]))
	assert.Equal(t, uint64(20), binary.LittleEndian.Uint64(s.Payload()[8:16]))
}

func TestRemoveHeadTailMiddle(t *testing.T) {
	l := mountFresh(t, 16)
	for n := uint64(1); n <= 4; n++ {
		link(t, l, n, n*10)
	}

	require.NoError(t, l.Remove(1))
	assert.Equal(t, byte(0), l.Head())
	assert.Equal(t, byte(3), l.Tail())
	assertPointers(t, l, 0, 2, Nil)
	assertPointers(t, l, 2, 3, 0)

	require.NoError(t, l.Remove(l.Head()))
	assert.Equal(t, byte(2), l.Head())
	require.NoError(t, l.Remove(l.Tail()))
	assert.Equal(t, byte(2), l.Tail())

	require.NoError(t, l.Remove(2))
	assert.Equal(t, Nil, l.Head())
	assert.Equal(t, Nil, l.Tail())
	assert.Zero(t, l.Count())

	assert.ErrorIs(t, l.Remove(2), ErrSlotNotInUse)
	assert.ErrorIs(t, l.Remove(200), ErrInvalidIndex)
}

func TestFreeStackReuse(t *testing.T) {
	l := mountFresh(t, 5)
	for n := uint64(0); n < 5; n++ {
		link(t, l, n, 10)
	}
	_, err := l.NewSlot()
	assert.ErrorIs(t, err, ErrNoFreeSlot)

	// Free stack is LIFO; the last removed index comes back first.
	require.NoError(t, l.Remove(2))
	require.NoError(t, l.Remove(4))
	s, err := l.NewSlot()
	require.NoError(t, err)
	assert.Equal(t, byte(4), s.Index())
	s, err = l.NewSlot()
	require.NoError(t, err)
	assert.Equal(t, byte(2), s.Index())
	_, err = l.NewSlot()
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestWalkOrder(t *testing.T) {
	l := mountFresh(t, 8)
	for n := uint64(1); n <= 4; n++ {
		link(t, l, n, 0)
	}
	var got []uint64
	require.NoError(t, l.Walk(func(s *Slot) bool {
		got = append(got, binary.LittleEndian.Uint64(s.Payload()[0:8]))
		return true
	}))
	assert.Equal(t, []uint64{1, 2, 3, 4}, got)
}
