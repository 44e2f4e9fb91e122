package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vela/domain/collections/pagedlist"
	"vela/domain/segment"
)

func TestRegistry(t *testing.T) {
	entry := segment.New(4096)
	_, err := MountRegistry(entry, nil, segment.Initialize)
	require.NoError(t, err)
	r, err := MountRegistry(entry, nil, segment.ReadWrite)
	require.NoError(t, err)

	a, b := segment.NewID(), segment.NewID()
	ia, err := r.Add(a)
	require.NoError(t, err)
	ib, err := r.Add(b)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count())

	id, serial, err := r.Entry(ia)
	require.NoError(t, err)
	assert.Equal(t, a, id)
	assert.Zero(t, serial)

	require.NoError(t, r.BumpSerial(ib, b, 5))
	_, serial, err = r.Entry(ib)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), serial)

	// Mismatched user-state id fails closed.
	assert.ErrorIs(t, r.BumpSerial(ib, a, 6), pagedlist.ErrInvalidIndex)

	var seen []segment.ID
	require.NoError(t, r.Walk(func(id segment.ID, _ uint32) bool {
		seen = append(seen, id)
		return true
	}))
	assert.Equal(t, []segment.ID{a, b}, seen)
}

func TestRegistryGrows(t *testing.T) {
	entry := segment.New(64 + 48*2)
	_, err := MountRegistry(entry, nil, segment.Initialize)
	require.NoError(t, err)
	r, err := MountRegistry(entry, nil, segment.ReadWrite)
	require.NoError(t, err)

	_, err = r.Add(segment.NewID())
	require.NoError(t, err)
	_, err = r.Add(segment.NewID())
	require.NoError(t, err)
	_, err = r.Add(segment.NewID())
	assert.ErrorIs(t, err, pagedlist.ErrNoFreeOrRawSlot)

	fresh := segment.New(40 + 48*4)
	require.NoError(t, AppendRegistryPages(entry, nil, []*segment.Segment{fresh}))
	r, err = MountRegistry(entry, []*segment.Segment{fresh}, segment.ReadWrite)
	require.NoError(t, err)
	_, err = r.Add(segment.NewID())
	require.NoError(t, err)
	assert.Equal(t, 3, r.Count())
}
