package segstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/domain/segment"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSegmentRoundTrip(t *testing.T) {
	s := openStore(t)

	seg := segment.New(128)
	seg.Data[0] = 0xaa
	seg.Data[127] = 0x55

	c := s.NewCommit()
	require.NoError(t, c.PutSegment(seg))
	require.NoError(t, c.Apply())

	got, err := s.LoadSegment(seg.ID)
	require.NoError(t, err)
	assert.Equal(t, seg.ID, got.ID)
	assert.Equal(t, seg.Data, got.Data)

	// loaded image is a copy, not a view into pebble
	got.Data[0] = 0x00
	again, err := s.LoadSegment(seg.ID)
	require.NoError(t, err)
	assert.Equal(t, byte(0xaa), again.Data[0])
}

func TestMissingSegmentAndState(t *testing.T) {
	s := openStore(t)

	_, err := s.LoadSegment(segment.NewID())
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	_, err = s.LoadStateBlob()
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestCommitIsAtomic(t *testing.T) {
	s := openStore(t)

	a := segment.New(16)
	b := segment.New(16)

	c := s.NewCommit()
	require.NoError(t, c.PutSegment(a))
	require.NoError(t, c.PutSegment(b))
	require.NoError(t, c.PutStateBlob([]byte("state-v1")))
	c.Discard()

	// nothing from a discarded commit is visible
	_, err := s.LoadSegment(a.ID)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	_, err = s.LoadStateBlob()
	assert.ErrorIs(t, err, ErrStateNotFound)

	c = s.NewCommit()
	require.NoError(t, c.PutSegment(a))
	require.NoError(t, c.PutSegment(b))
	require.NoError(t, c.PutStateBlob([]byte("state-v1")))
	require.NoError(t, c.Apply())

	blob, err := s.LoadStateBlob()
	require.NoError(t, err)
	assert.Equal(t, []byte("state-v1"), blob)
}

func TestOutboxLifecycle(t *testing.T) {
	s := openStore(t)

	c := s.NewCommit()
	id1, err := c.AppendOutbox(1, 1000, []byte("fill-a"))
	require.NoError(t, err)
	id2, err := c.AppendOutbox(2, 1001, []byte("cancel-b"))
	require.NoError(t, err)
	require.NoError(t, c.Apply())
	assert.NotEqual(t, id1, id2)

	var seqs []uint64
	var recs []OutboxRecord
	require.NoError(t, s.ScanOutbox(OutboxNew, func(seq uint64, rec OutboxRecord) error {
		seqs = append(seqs, seq)
		recs = append(recs, rec)
		return nil
	}))
	require.Len(t, recs, 2)
	assert.Equal(t, []uint64{0, 1}, seqs)
	assert.Equal(t, id1, recs[0].ID)
	assert.Equal(t, byte(1), recs[0].Kind)
	assert.Equal(t, int64(1000), recs[0].Time)
	assert.Equal(t, []byte("fill-a"), recs[0].Payload)
	assert.Equal(t, id2, recs[1].ID)

	require.NoError(t, s.UpdateOutbox(0, OutboxSent, 1, 2000))

	var remaining int
	require.NoError(t, s.ScanOutbox(OutboxNew, func(seq uint64, rec OutboxRecord) error {
		remaining++
		assert.Equal(t, uint64(1), seq)
		return nil
	}))
	assert.Equal(t, 1, remaining)

	require.NoError(t, s.ScanOutbox(OutboxSent, func(seq uint64, rec OutboxRecord) error {
		assert.Equal(t, uint32(1), rec.Retries)
		assert.Equal(t, int64(2000), rec.LastAttempt)
		return nil
	}))

	require.NoError(t, s.UpdateOutbox(0, OutboxAcked, 1, 2500))
	require.NoError(t, s.DeleteOutbox(0))
	require.NoError(t, s.ScanOutbox(OutboxAcked, func(seq uint64, rec OutboxRecord) error {
		t.Fatalf("acked record %d should be gone", seq)
		return nil
	}))
}

func TestOutboxSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	c := s.NewCommit()
	_, err = c.AppendOutbox(1, 100, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, c.Apply())
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	c = s.NewCommit()
	_, err = c.AppendOutbox(1, 200, []byte("y"))
	require.NoError(t, err)
	require.NoError(t, c.Apply())

	var seqs []uint64
	require.NoError(t, s.ScanOutbox(OutboxNew, func(seq uint64, rec OutboxRecord) error {
		seqs = append(seqs, seq)
		return nil
	}))
	assert.Equal(t, []uint64{0, 1}, seqs)
}
