package ringqueue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/domain/segment"
)

const testTag = 0x21

func mountFresh(t *testing.T, records int) *Queue {
	t.Helper()
	seg := segment.New(headerSize + records*8)
	_, err := Mount(seg, testTag, 8, segment.Initialize)
	require.NoError(t, err)
	q, err := Mount(seg, testTag, 8, segment.ReadWrite)
	require.NoError(t, err)
	return q
}

func push(t *testing.T, q *Queue, v uint64) {
	t.Helper()
	rec, err := q.PushTail()
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(rec, v)
}

func pop(t *testing.T, q *Queue) uint64 {
	t.Helper()
	rec, err := q.ReadHead()
	require.NoError(t, err)
	v := binary.LittleEndian.Uint64(rec)
	require.NoError(t, q.RemoveHead())
	return v
}

func TestMountErrors(t *testing.T) {
	seg := segment.New(headerSize + 8*4)
	_, err := Mount(seg, testTag, 8, segment.ReadWrite)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = Mount(seg, testTag, 8, segment.Initialize)
	require.NoError(t, err)
	_, err = Mount(seg, testTag, 8, segment.Initialize)
	assert.ErrorIs(t, err, ErrAlreadyInUse)
	_, err = Mount(seg, testTag+1, 8, segment.ReadWrite)
	assert.ErrorIs(t, err, ErrInvalidQueueHeader)

	_, err = Mount(segment.New(headerSize+8), testTag, 8, segment.Initialize)
	assert.ErrorIs(t, err, ErrQueueTooSmall)
}

func TestFIFOOrder(t *testing.T) {
	q := mountFresh(t, 8)
	for v := uint64(1); v <= 5; v++ {
		push(t, q, v)
	}
	assert.Equal(t, 5, q.Size())
	for v := uint64(1); v <= 5; v++ {
		assert.Equal(t, v, pop(t, q))
	}
	assert.Zero(t, q.Size())
	_, err := q.ReadHead()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.ErrorIs(t, q.RemoveHead(), ErrQueueEmpty)
}

func TestFullRejectsProducer(t *testing.T) {
	q := mountFresh(t, 4)
	require.Equal(t, 3, q.Capacity())
	for v := uint64(1); v <= 3; v++ {
		push(t, q, v)
	}
	_, err := q.PushTail()
	assert.ErrorIs(t, err, ErrQueueFull)

	// Consuming one record makes room again; the rejected push did not
	// clobber anything.
	assert.Equal(t, uint64(1), pop(t, q))
	push(t, q, 4)
	for v := uint64(2); v <= 4; v++ {
		assert.Equal(t, v, pop(t, q))
	}
}

func TestWrapAround(t *testing.T) {
	q := mountFresh(t, 4)
	next := uint64(1)
	// Keep two records in flight while the indices lap the ring several
	// times.
	push(t, q, next)
	next++
	for i := 0; i < 20; i++ {
		push(t, q, next)
		next++
		got := pop(t, q)
		assert.Equal(t, next-uint64(q.Size())-1, got)
	}
	assert.Equal(t, 1, q.Size())
}

func TestRecordSizeMismatch(t *testing.T) {
	seg := segment.New(headerSize + 8*4)
	_, err := Mount(seg, testTag, 8, segment.Initialize)
	require.NoError(t, err)

	_, err = Mount(seg, testTag, 16, segment.ReadWrite)
	assert.ErrorIs(t, err, ErrRecordSizeMismatch)

	_, err = Mount(seg, testTag, 8, segment.ReadWrite)
	assert.NoError(t, err)
}
