// Package smalllist implements the compact slot table embedded in the
// per-user state segment. Indices are one byte, so a table holds at
// most 254 records; 0xff is the nil index. Allocation and linking are
// separate steps: NewSlot hands out a slot, AddToTail threads it onto
// the table's doubly-linked in-use list.
package smalllist

import (
	"errors"
)

const (
	magic = 0x3f

	// Nil terminates every link. No table can reach it because
	// MaxSlots keeps real indices below 0xff.
	Nil byte = 0xff

	MaxSlots = 254

	headerSize   = 8
	slotOverhead = 4
)

// Header layout:
//
//	[0] magic
//	[1] total slots
//	[2] next raw
//	[3] free list top
//	[4] in-use head
//	[5] in-use tail
//	[6:8] padding
//
// Slot layout: 4 bytes of overhead (next, prev, index, state) followed
// by the payload.
const (
	offMagic   = 0
	offTotal   = 1
	offNextRaw = 2
	offTopFree = 3
	offHead    = 4
	offTail    = 5

	slotOffNext  = 0
	slotOffPrev  = 1
	slotOffIndex = 2
	slotOffState = 3

	slotFree  = 0
	slotInUse = 1
)

var (
	ErrInvalidListHeader = errors.New("smalllist: invalid list header")
	ErrAlreadyInUse      = errors.New("smalllist: table already initialized")
	ErrNotInitialized    = errors.New("smalllist: table not initialized")
	ErrTooManySlots      = errors.New("smalllist: slot count exceeds index space")
	ErrBufferTooSmall    = errors.New("smalllist: buffer cannot hold the table")
	ErrNoFreeSlot        = errors.New("smalllist: no free slot")
	ErrInvalidIndex      = errors.New("smalllist: invalid slot index")
	ErrSlotNotInUse      = errors.New("smalllist: slot not in use")
)

// List is a mounted view over one embedded table.
type List struct {
	data        []byte
	payloadSize int
}

// Slot is a typed window over one record.
type Slot struct {
	b []byte
}

func (s *Slot) Index() byte     { return s.b[slotOffIndex] }
func (s *Slot) Next() byte      { return s.b[slotOffNext] }
func (s *Slot) Prev() byte      { return s.b[slotOffPrev] }
func (s *Slot) InUse() bool     { return s.b[slotOffState] == slotInUse }
func (s *Slot) Payload() []byte { return s.b[slotOverhead:] }

// RequiredSize reports the byte footprint of a table with the given
// geometry; the user-state layout uses it to carve its segment.
func RequiredSize(slotCount int, payloadSize int) int {
	return headerSize + slotCount*(slotOverhead+payloadSize)
}

type MountMode int

const (
	Initialize MountMode = iota
	ReadWrite
)

// Mount views data as a slot table. Initialize writes a fresh header;
// ReadWrite validates magic and geometry against the caller's numbers.
func Mount(data []byte, slotCount int, payloadSize int, mode MountMode) (*List, error) {
	if slotCount <= 0 || slotCount > MaxSlots || payloadSize <= 0 {
		return nil, ErrTooManySlots
	}
	if len(data) < RequiredSize(slotCount, payloadSize) {
		return nil, ErrBufferTooSmall
	}
	l := &List{data: data, payloadSize: payloadSize}

	switch mode {
	case Initialize:
		if data[offMagic] == magic {
			return nil, ErrAlreadyInUse
		}
		data[offMagic] = magic
		data[offTotal] = byte(slotCount)
		data[offNextRaw] = 0
		data[offTopFree] = Nil
		data[offHead] = Nil
		data[offTail] = Nil
		return l, nil
	case ReadWrite:
		if data[offMagic] == 0 {
			return nil, ErrNotInitialized
		}
		if data[offMagic] != magic || int(data[offTotal]) != slotCount {
			return nil, ErrInvalidListHeader
		}
		return l, nil
	}
	return nil, ErrInvalidListHeader
}

func (l *List) total() byte { return l.data[offTotal] }

// Head and Tail report the ends of the in-use list.
func (l *List) Head() byte { return l.data[offHead] }
func (l *List) Tail() byte { return l.data[offTail] }

func (l *List) slotAt(index byte) (*Slot, error) {
	if index >= l.total() {
		return nil, ErrInvalidIndex
	}
	size := slotOverhead + l.payloadSize
	off := headerSize + int(index)*size
	return &Slot{b: l.data[off : off+size]}, nil
}

// FromIndex resolves an index into its slot.
func (l *List) FromIndex(index byte) (*Slot, error) {
	return l.slotAt(index)
}

// NewSlot allocates from the raw region first, then the free stack.
// The slot is in use but not yet linked.
func (l *List) NewSlot() (*Slot, error) {
	var s *Slot
	if l.data[offNextRaw] < l.total() {
		var err error
		if s, err = l.slotAt(l.data[offNextRaw]); err != nil {
			return nil, err
		}
		s.b[slotOffIndex] = l.data[offNextRaw]
		l.data[offNextRaw]++
	} else {
		top := l.data[offTopFree]
		if top == Nil {
			return nil, ErrNoFreeSlot
		}
		var err error
		if s, err = l.slotAt(top); err != nil {
			return nil, err
		}
		l.data[offTopFree] = s.Next()
	}
	s.b[slotOffNext] = Nil
	s.b[slotOffPrev] = Nil
	s.b[slotOffState] = slotInUse
	return s, nil
}

// AddToTail threads an allocated slot onto the in-use list.
func (l *List) AddToTail(s *Slot) error {
	tail := l.Tail()
	if tail == Nil {
		l.data[offHead] = s.Index()
		l.data[offTail] = s.Index()
		s.b[slotOffNext] = Nil
		s.b[slotOffPrev] = Nil
		return nil
	}
	t, err := l.slotAt(tail)
	if err != nil {
		return err
	}
	t.b[slotOffNext] = s.Index()
	s.b[slotOffPrev] = tail
	s.b[slotOffNext] = Nil
	l.data[offTail] = s.Index()
	return nil
}

// Remove unlinks an in-use slot and pushes it on the free stack.
func (l *List) Remove(index byte) error {
	s, err := l.slotAt(index)
	if err != nil {
		return err
	}
	if !s.InUse() {
		return ErrSlotNotInUse
	}

	if s.Prev() != Nil {
		p, err := l.slotAt(s.Prev())
		if err != nil {
			return err
		}
		p.b[slotOffNext] = s.Next()
	}
	if s.Next() != Nil {
		n, err := l.slotAt(s.Next())
		if err != nil {
			return err
		}
		n.b[slotOffPrev] = s.Prev()
	}
	if l.Head() == index {
		l.data[offHead] = s.Next()
	}
	if l.Tail() == index {
		l.data[offTail] = s.Prev()
	}

	s.b[slotOffNext] = l.data[offTopFree]
	s.b[slotOffPrev] = Nil
	s.b[slotOffState] = slotFree
	l.data[offTopFree] = index
	return nil
}

// Walk visits every linked slot from head to tail until fn returns
// false.
func (l *List) Walk(fn func(*Slot) bool) error {
	for index := l.Head(); index != Nil; {
		s, err := l.slotAt(index)
		if err != nil {
			return err
		}
		index = s.Next()
		if !fn(s) {
			return nil
		}
	}
	return nil
}

// Count reports the number of linked slots.
func (l *List) Count() int {
	n := 0
	_ = l.Walk(func(*Slot) bool { n++; return true })
	return n
}
