// Package pagedlist implements the slab allocator backing the order pool
// and the user registry: fixed-size record slots spread over one entry
// segment plus any number of chained extension segments. Slots are
// addressed by a 32-bit composite index (page number in the high bits,
// in-page offset in the low byte) that stays stable no matter which
// physical segment holds the slot.
//
// Nothing survives in process memory between calls; every call re-mounts
// the chain and re-validates magic tags and next links before trusting
// any offset.
package pagedlist

import (
	"encoding/binary"
	"errors"

	"vela/domain/segment"
)

const (
	magicBase = 0xd1c34400

	// MaxItemsPerPage bounds page density so an in-page offset always
	// fits one byte of the composite index.
	MaxItemsPerPage = 255

	// NilIndex marks the end of every embedded list. The offset byte is
	// 0xff, which no page can reach under MaxItemsPerPage.
	NilIndex uint32 = 0xffffffff

	entryHeaderSize = 64
	pageHeaderSize  = 40
	slotOverhead    = 12

	slotFree  = 0
	slotInUse = 1
)

// Entry header layout (little endian):
//
//	[0:4)   magic
//	[4]     item count of this page
//	[5:8)   padding
//	[8:12)  next raw index
//	[12:16) free list head
//	[16:20) in-use list head
//	[20:24) in-use list tail
//	[24:26) last page number
//	[26:32) padding
//	[32:64) next segment id
//
// Extension header layout:
//
//	[0:4)  magic
//	[4:6)  page number
//	[6]    item count of this page
//	[7]    padding
//	[8:40) next segment id
const (
	offMagic     = 0
	offItemCount = 4
	offNextRaw   = 8
	offTopFree   = 12
	offHead      = 16
	offTail      = 20
	offLastPage  = 24
	offEntryNext = 32

	offPageNo   = 4
	offPageItem = 6
	offPageNext = 8
)

var (
	ErrInvalidListHeader     = errors.New("pagedlist: invalid list header")
	ErrAlreadyInUse          = errors.New("pagedlist: segment already in use")
	ErrPageNotInitialized    = errors.New("pagedlist: page not initialized")
	ErrPageNotChained        = errors.New("pagedlist: page not chained")
	ErrTooManyItemsInOnePage = errors.New("pagedlist: too many items in one page")
	ErrPageTooSmall          = errors.New("pagedlist: page cannot hold a single slot")
	ErrNoFreeOrRawSlot       = errors.New("pagedlist: no free or raw slot")
	ErrNoPagesToAppend       = errors.New("pagedlist: no pages to append")
	ErrInvalidNextRaw        = errors.New("pagedlist: chain tail does not point at raw pages")
	ErrInvalidIndex          = errors.New("pagedlist: invalid slot index")
	ErrSlotNotInUse          = errors.New("pagedlist: slot not in use")
)

// List is a mounted view over one segment chain. It is only valid for
// the duration of the call that mounted it.
type List struct {
	pages       []page
	payloadSize int
}

type page struct {
	data      []byte // whole segment, header included
	slots     []byte // slot area
	itemCount int
}

// Slot is a typed window over one record slot. The payload bytes belong
// to the caller; the link words and the state byte belong to the list.
type Slot struct {
	b     []byte
	index uint32
}

func (s *Slot) Index() uint32 { return s.index }
func (s *Slot) InUse() bool   { return s.b[8] == slotInUse }
func (s *Slot) Next() uint32  { return binary.LittleEndian.Uint32(s.b[0:4]) }
func (s *Slot) Prev() uint32  { return binary.LittleEndian.Uint32(s.b[4:8]) }

// Payload exposes the fixed-size record area of the slot.
func (s *Slot) Payload() []byte { return s.b[slotOverhead:] }

func (s *Slot) setNext(v uint32) { binary.LittleEndian.PutUint32(s.b[0:4], v) }
func (s *Slot) setPrev(v uint32) { binary.LittleEndian.PutUint32(s.b[4:8], v) }
func (s *Slot) setState(v byte)  { s.b[8] = v }

// PageNo and Offset split a composite slot index.
func PageNo(index uint32) int { return int(index >> 8) }
func Offset(index uint32) int { return int(index & 0xff) }

// EntrySize reports the byte footprint of an entry segment holding the
// given number of slots.
func EntrySize(slots, payloadSize int) int {
	return entryHeaderSize + slots*(payloadSize+slotOverhead)
}

// PageSize reports the byte footprint of an extension page holding the
// given number of slots.
func PageSize(slots, payloadSize int) int {
	return pageHeaderSize + slots*(payloadSize+slotOverhead)
}

func makeIndex(pageNo, offset int) uint32 {
	return uint32(pageNo)<<8 | uint32(offset)
}

func magicFor(tag byte) uint32 { return magicBase | uint32(tag) }

// Mount validates the entry segment plus extensions, in the exact order
// supplied, and returns a live view. In Initialize mode it writes fresh
// headers and chains the segments; in ReadWrite mode every page's magic,
// page number, capacity and next link must match what the caller
// supplied.
func Mount(entry *segment.Segment, extensions []*segment.Segment, tag byte, payloadSize int, mode segment.MountMode) (*List, error) {
	if payloadSize <= 0 {
		return nil, ErrInvalidListHeader
	}
	l := &List{payloadSize: payloadSize}
	slotSize := slotOverhead + payloadSize

	segs := append([]*segment.Segment{entry}, extensions...)
	for i, seg := range segs {
		headerSize := pageHeaderSize
		if i == 0 {
			headerSize = entryHeaderSize
		}
		if len(seg.Data) < headerSize+slotSize {
			return nil, ErrPageTooSmall
		}
		n := (len(seg.Data) - headerSize) / slotSize
		if n > MaxItemsPerPage {
			return nil, ErrTooManyItemsInOnePage
		}
		l.pages = append(l.pages, page{
			data:      seg.Data,
			slots:     seg.Data[headerSize:],
			itemCount: n,
		})
	}

	switch mode {
	case segment.Initialize:
		return l, l.initialize(segs, tag)
	case segment.ReadWrite:
		return l, l.verify(segs, tag)
	}
	return nil, ErrInvalidListHeader
}

// AppendPages extends a live chain with fresh, uninitialized segments.
// The existing chain is fully re-verified first; its terminal link must
// still be nil and every new segment must be raw.
func AppendPages(entry *segment.Segment, existing, newPages []*segment.Segment, tag byte, payloadSize int) (*List, error) {
	if len(newPages) == 0 {
		return nil, ErrNoPagesToAppend
	}
	l, err := Mount(entry, existing, tag, payloadSize, segment.ReadWrite)
	if err != nil {
		return nil, err
	}

	last := len(existing) // page number of the current terminal page
	if !l.nextID(last).IsNil() {
		return nil, ErrInvalidNextRaw
	}

	// validate every new page before the first write so a bad page never
	// leaves the chain half-extended
	slotSize := slotOverhead + payloadSize
	for _, seg := range newPages {
		if len(seg.Data) < pageHeaderSize+slotSize {
			return nil, ErrPageTooSmall
		}
		if binary.LittleEndian.Uint32(seg.Data[offMagic:]) != 0 {
			return nil, ErrInvalidNextRaw
		}
		if (len(seg.Data)-pageHeaderSize)/slotSize > MaxItemsPerPage {
			return nil, ErrTooManyItemsInOnePage
		}
	}

	l.setNextID(last, newPages[0].ID)
	for i, seg := range newPages {
		n := (len(seg.Data) - pageHeaderSize) / slotSize
		next := segment.NilID
		if i+1 < len(newPages) {
			next = newPages[i+1].ID
		}
		pageNo := last + 1 + i
		binary.LittleEndian.PutUint32(seg.Data[offMagic:], magicFor(tag))
		binary.LittleEndian.PutUint16(seg.Data[offPageNo:], uint16(pageNo))
		seg.Data[offPageItem] = byte(n)
		copy(seg.Data[offPageNext:offPageNext+32], next[:])

		l.pages = append(l.pages, page{
			data:      seg.Data,
			slots:     seg.Data[pageHeaderSize:],
			itemCount: n,
		})
	}
	binary.LittleEndian.PutUint16(l.pages[0].data[offLastPage:], uint16(len(l.pages)-1))

	return l, nil
}

func (l *List) initialize(segs []*segment.Segment, tag byte) error {
	magic := magicFor(tag)
	for _, p := range l.pages {
		if binary.LittleEndian.Uint32(p.data[offMagic:]) == magic {
			return ErrAlreadyInUse
		}
	}

	entry := l.pages[0]
	binary.LittleEndian.PutUint32(entry.data[offMagic:], magic)
	entry.data[offItemCount] = byte(entry.itemCount)
	binary.LittleEndian.PutUint32(entry.data[offNextRaw:], 0)
	binary.LittleEndian.PutUint32(entry.data[offTopFree:], NilIndex)
	binary.LittleEndian.PutUint32(entry.data[offHead:], NilIndex)
	binary.LittleEndian.PutUint32(entry.data[offTail:], NilIndex)
	binary.LittleEndian.PutUint16(entry.data[offLastPage:], uint16(len(l.pages)-1))

	next := segment.NilID
	if len(segs) > 1 {
		next = segs[1].ID
	}
	copy(entry.data[offEntryNext:offEntryNext+32], next[:])

	for i := 1; i < len(l.pages); i++ {
		p := l.pages[i]
		next = segment.NilID
		if i+1 < len(segs) {
			next = segs[i+1].ID
		}
		binary.LittleEndian.PutUint32(p.data[offMagic:], magic)
		binary.LittleEndian.PutUint16(p.data[offPageNo:], uint16(i))
		p.data[offPageItem] = byte(p.itemCount)
		copy(p.data[offPageNext:offPageNext+32], next[:])
	}
	return nil
}

func (l *List) verify(segs []*segment.Segment, tag byte) error {
	magic := magicFor(tag)
	for i, p := range l.pages {
		got := binary.LittleEndian.Uint32(p.data[offMagic:])
		if got == 0 {
			return ErrPageNotInitialized
		}
		if got != magic {
			return ErrInvalidListHeader
		}
		var count byte
		if i == 0 {
			count = p.data[offItemCount]
		} else {
			if binary.LittleEndian.Uint16(p.data[offPageNo:]) != uint16(i) {
				return ErrPageNotChained
			}
			count = p.data[offPageItem]
		}
		if int(count) != p.itemCount {
			return ErrInvalidListHeader
		}

		want := segment.NilID
		if i+1 < len(segs) {
			want = segs[i+1].ID
		}
		if l.nextID(i) != want {
			return ErrPageNotChained
		}
	}
	if int(binary.LittleEndian.Uint16(l.pages[0].data[offLastPage:])) != len(l.pages)-1 {
		return ErrPageNotChained
	}
	return nil
}

func (l *List) nextID(pageNo int) segment.ID {
	var id segment.ID
	off := offPageNext
	if pageNo == 0 {
		off = offEntryNext
	}
	copy(id[:], l.pages[pageNo].data[off:off+32])
	return id
}

func (l *List) setNextID(pageNo int, id segment.ID) {
	off := offPageNext
	if pageNo == 0 {
		off = offEntryNext
	}
	copy(l.pages[pageNo].data[off:off+32], id[:])
}

func (l *List) header32(off int) uint32 {
	return binary.LittleEndian.Uint32(l.pages[0].data[off:])
}

func (l *List) setHeader32(off int, v uint32) {
	binary.LittleEndian.PutUint32(l.pages[0].data[off:], v)
}

func (l *List) slotAt(index uint32) (*Slot, error) {
	pn, off := PageNo(index), Offset(index)
	if pn >= len(l.pages) || off >= l.pages[pn].itemCount {
		return nil, ErrInvalidIndex
	}
	size := slotOverhead + l.payloadSize
	b := l.pages[pn].slots[off*size : (off+1)*size]
	return &Slot{b: b, index: index}, nil
}

// FromIndex resolves a composite index into its slot in O(1).
func (l *List) FromIndex(index uint32) (*Slot, error) {
	return l.slotAt(index)
}

// NewSlot takes a slot from the raw region, or the free list once the
// raw region is exhausted, marks it in use and appends it to the in-use
// list. It fails with ErrNoFreeOrRawSlot when the whole chain is full;
// callers grow capacity explicitly through AppendPages.
func (l *List) NewSlot() (*Slot, error) {
	var s *Slot

	nextRaw := l.header32(offNextRaw)
	if PageNo(nextRaw) < len(l.pages) {
		var err error
		if s, err = l.slotAt(nextRaw); err != nil {
			return nil, err
		}
		if Offset(nextRaw)+1 < l.pages[PageNo(nextRaw)].itemCount {
			l.setHeader32(offNextRaw, nextRaw+1)
		} else {
			l.setHeader32(offNextRaw, makeIndex(PageNo(nextRaw)+1, 0))
		}
	} else {
		topFree := l.header32(offTopFree)
		if topFree == NilIndex {
			return nil, ErrNoFreeOrRawSlot
		}
		var err error
		if s, err = l.slotAt(topFree); err != nil {
			return nil, err
		}
		l.setHeader32(offTopFree, s.Next())
		if s.Next() != NilIndex {
			n, err := l.slotAt(s.Next())
			if err != nil {
				return nil, err
			}
			n.setPrev(NilIndex)
		}
	}

	s.setNext(NilIndex)
	s.setState(slotInUse)

	tail := l.header32(offTail)
	if l.header32(offHead) == NilIndex {
		l.setHeader32(offHead, s.index)
		l.setHeader32(offTail, s.index)
		s.setPrev(NilIndex)
	} else {
		t, err := l.slotAt(tail)
		if err != nil {
			return nil, err
		}
		t.setNext(s.index)
		s.setPrev(tail)
		l.setHeader32(offTail, s.index)
	}
	return s, nil
}

// ReleaseSlot returns an in-use slot to the free list. Releasing an
// already free slot fails with ErrSlotNotInUse and leaves the free list
// untouched; releasing NilIndex is a no-op.
func (l *List) ReleaseSlot(index uint32) error {
	if index == NilIndex {
		return nil
	}
	s, err := l.slotAt(index)
	if err != nil {
		return err
	}
	if !s.InUse() {
		return ErrSlotNotInUse
	}

	if s.Prev() != NilIndex {
		p, err := l.slotAt(s.Prev())
		if err != nil {
			return err
		}
		p.setNext(s.Next())
	}
	if s.Next() != NilIndex {
		n, err := l.slotAt(s.Next())
		if err != nil {
			return err
		}
		n.setPrev(s.Prev())
	}
	if l.header32(offHead) == index {
		l.setHeader32(offHead, s.Next())
	}
	if l.header32(offTail) == index {
		l.setHeader32(offTail, s.Prev())
	}

	s.setState(slotFree)
	s.setPrev(NilIndex)
	topFree := l.header32(offTopFree)
	s.setNext(topFree)
	if topFree != NilIndex {
		t, err := l.slotAt(topFree)
		if err != nil {
			return err
		}
		t.setPrev(index)
	}
	l.setHeader32(offTopFree, index)
	return nil
}

// Walk visits every in-use slot in allocation order until fn returns
// false.
func (l *List) Walk(fn func(*Slot) bool) error {
	for index := l.header32(offHead); index != NilIndex; {
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

// Capacity reports the total slot count across the mounted chain.
func (l *List) Capacity() int {
	total := 0
	for _, p := range l.pages {
		total += p.itemCount
	}
	return total
}

// InUseCount walks the in-use list; used by invariant checks and tests.
func (l *List) InUseCount() int {
	n := 0
	_ = l.Walk(func(*Slot) bool { n++; return true })
	return n
}

// FreeCount walks the free list; used by invariant checks and tests.
func (l *List) FreeCount() int {
	n := 0
	for index := l.header32(offTopFree); index != NilIndex; {
		s, err := l.slotAt(index)
		if err != nil {
			return -1
		}
		index = s.Next()
		n++
	}
	return n
}

// RawCount reports the number of never-allocated slots remaining.
func (l *List) RawCount() int {
	nextRaw := l.header32(offNextRaw)
	if PageNo(nextRaw) >= len(l.pages) {
		return 0
	}
	n := l.pages[PageNo(nextRaw)].itemCount - Offset(nextRaw)
	for i := PageNo(nextRaw) + 1; i < len(l.pages); i++ {
		n += l.pages[i].itemCount
	}
	return n
}
