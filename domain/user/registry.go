package user

import (
	"encoding/binary"

	"vela/domain/collections/pagedlist"
	"vela/domain/segment"
)

// RegistryTag is the magic byte of the user registry's paged list.
const RegistryTag = 0x55

const registryPayloadSize = 36

// RegistryEntrySize and RegistryPageSize report segment footprints for
// the given slot counts.
func RegistryEntrySize(slots int) int { return pagedlist.EntrySize(slots, registryPayloadSize) }
func RegistryPageSize(slots int) int  { return pagedlist.PageSize(slots, registryPayloadSize) }

// Registry is the exchange-wide user list: one slot per user-state
// segment, bumped with a serial on every position-affecting call so
// off-chain consumers can detect staleness.
type Registry struct {
	list *pagedlist.List
}

// MountRegistry mounts the registry over its segment chain.
func MountRegistry(entry *segment.Segment, pages []*segment.Segment, mode segment.MountMode) (*Registry, error) {
	l, err := pagedlist.Mount(entry, pages, RegistryTag, registryPayloadSize, mode)
	if err != nil {
		return nil, err
	}
	return &Registry{list: l}, nil
}

// AppendRegistryPages grows the registry chain in place.
func AppendRegistryPages(entry *segment.Segment, existing, fresh []*segment.Segment) error {
	_, err := pagedlist.AppendPages(entry, existing, fresh, RegistryTag, registryPayloadSize)
	return err
}

// Add registers a user state and returns its registry slot index.
func (r *Registry) Add(userState segment.ID) (uint32, error) {
	slot, err := r.list.NewSlot()
	if err != nil {
		return 0, err
	}
	p := slot.Payload()
	copy(p[0:32], userState[:])
	binary.LittleEndian.PutUint32(p[32:36], 0)
	return slot.Index(), nil
}

// Entry reads one registry slot.
func (r *Registry) Entry(index uint32) (segment.ID, uint32, error) {
	slot, err := r.list.FromIndex(index)
	if err != nil {
		return segment.NilID, 0, err
	}
	if !slot.InUse() {
		return segment.NilID, 0, pagedlist.ErrSlotNotInUse
	}
	var id segment.ID
	p := slot.Payload()
	copy(id[:], p[0:32])
	return id, binary.LittleEndian.Uint32(p[32:36]), nil
}

// BumpSerial records a new serial for the user at index. The stored
// user-state id must match, the same fail-closed rule as the order
// book's back-references.
func (r *Registry) BumpSerial(index uint32, userState segment.ID, serial uint32) error {
	slot, err := r.list.FromIndex(index)
	if err != nil {
		return err
	}
	if !slot.InUse() {
		return pagedlist.ErrSlotNotInUse
	}
	p := slot.Payload()
	var stored segment.ID
	copy(stored[:], p[0:32])
	if stored != userState {
		return pagedlist.ErrInvalidIndex
	}
	binary.LittleEndian.PutUint32(p[32:36], serial)
	return nil
}

// Count reports the number of registered users.
func (r *Registry) Count() int {
	return r.list.InUseCount()
}

// Walk visits every registered user in registration order.
func (r *Registry) Walk(fn func(userState segment.ID, serial uint32) bool) error {
	return r.list.Walk(func(slot *pagedlist.Slot) bool {
		var id segment.ID
		p := slot.Payload()
		copy(id[:], p[0:32])
		return fn(id, binary.LittleEndian.Uint32(p[32:36]))
	})
}
