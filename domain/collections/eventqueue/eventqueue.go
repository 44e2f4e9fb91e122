// Package eventqueue implements the serialized event ring consumed by
// the off-chain broadcaster. Events are variable length, written
// back-to-back: a 16-byte header carrying magic, sequence,
// discriminator, payload length and timestamp, followed by the payload.
// When the remaining space at the end of the ring cannot hold the next
// event the writer u-turns to offset zero, leaving the abandoned bytes
// zeroed so the reader detects the turn by a missing event magic.
package eventqueue

import (
	"encoding/binary"
	"errors"

	"vela/domain/segment"
)

const (
	queueMagicBase = 0xd1c34600
	eventMagic     = 0x31ab05e6

	headerSize      = 24
	eventHeaderSize = 16

	// MaxPayload is bounded by the one-byte length field.
	MaxPayload = 255
)

// Queue header layout (little endian):
//
//	[0:4)   magic
//	[4:8)   head byte offset
//	[8:12)  tail byte offset
//	[12:16) next sequence
//	[16:24) padding
//
// Event header layout:
//
//	[0:4)   event magic
//	[4:6)   sequence
//	[6]     discriminator
//	[7]     payload length
//	[8:16)  unix timestamp, seconds
const (
	offMagic = 0
	offHead  = 4
	offTail  = 8
	offSeq   = 12

	evOffMagic = 0
	evOffSeq   = 4
	evOffKind  = 6
	evOffLen   = 7
	evOffTime  = 8
)

var (
	ErrInvalidQueueHeader = errors.New("eventqueue: invalid queue header")
	ErrAlreadyInUse       = errors.New("eventqueue: segment already in use")
	ErrNotInitialized     = errors.New("eventqueue: segment not initialized")
	ErrQueueFull          = errors.New("eventqueue: queue full")
	ErrQueueEmpty         = errors.New("eventqueue: queue empty")
	ErrPayloadTooLarge    = errors.New("eventqueue: payload too large")
	ErrCorruptEvent       = errors.New("eventqueue: corrupt event record")
)

// Event is one decoded record. Payload aliases the ring buffer and is
// only valid until the next mutation.
type Event struct {
	Seq     uint16
	Kind    byte
	Time    int64
	Payload []byte
}

// Queue is a mounted view over one event ring segment.
type Queue struct {
	data []byte
	ring []byte
}

func magicFor(tag byte) uint32 { return queueMagicBase | uint32(tag) }

func Mount(seg *segment.Segment, tag byte, mode segment.MountMode) (*Queue, error) {
	if len(seg.Data) < headerSize+2*(eventHeaderSize+MaxPayload) {
		return nil, ErrInvalidQueueHeader
	}
	q := &Queue{data: seg.Data, ring: seg.Data[headerSize:]}

	magic := binary.LittleEndian.Uint32(seg.Data[offMagic:])
	switch mode {
	case segment.Initialize:
		if magic == magicFor(tag) {
			return nil, ErrAlreadyInUse
		}
		binary.LittleEndian.PutUint32(seg.Data[offMagic:], magicFor(tag))
		q.setHead(0)
		q.setTail(0)
		binary.LittleEndian.PutUint32(seg.Data[offSeq:], 0)
		return q, nil
	case segment.ReadWrite:
		if magic == 0 {
			return nil, ErrNotInitialized
		}
		if magic != magicFor(tag) {
			return nil, ErrInvalidQueueHeader
		}
		if int(q.head()) > len(q.ring) || int(q.tail()) > len(q.ring) {
			return nil, ErrInvalidQueueHeader
		}
		return q, nil
	}
	return nil, ErrInvalidQueueHeader
}

func (q *Queue) head() uint32     { return binary.LittleEndian.Uint32(q.data[offHead:]) }
func (q *Queue) tail() uint32     { return binary.LittleEndian.Uint32(q.data[offTail:]) }
func (q *Queue) setHead(v uint32) { binary.LittleEndian.PutUint32(q.data[offHead:], v) }
func (q *Queue) setTail(v uint32) { binary.LittleEndian.PutUint32(q.data[offTail:], v) }

func (q *Queue) nextSeq() uint16 {
	seq := binary.LittleEndian.Uint32(q.data[offSeq:])
	binary.LittleEndian.PutUint32(q.data[offSeq:], seq+1)
	return uint16(seq)
}

// free reports the writable byte count. One byte always stays unused so
// head==tail unambiguously means empty.
func (q *Queue) free() int {
	head, tail := int(q.head()), int(q.tail())
	if tail >= head {
		return len(q.ring) - (tail - head) - 1
	}
	return head - tail - 1
}

// Append writes one event and returns its sequence number. A full ring
// rejects the producer; nothing unconsumed is ever overwritten.
func (q *Queue) Append(kind byte, time int64, payload []byte) (uint16, error) {
	if len(payload) > MaxPayload {
		return 0, ErrPayloadTooLarge
	}
	need := eventHeaderSize + len(payload)

	tail := int(q.tail())
	if tail+need > len(q.ring) {
		// U-turn: the record must be contiguous, so the abandoned span
		// at the end and the landing span at the front must both be
		// free of unconsumed events.
		if int(q.head()) > tail || need >= int(q.head()) {
			return 0, ErrQueueFull
		}
		for i := tail; i < len(q.ring); i++ {
			q.ring[i] = 0
		}
		tail = 0
	} else if q.free() < need {
		return 0, ErrQueueFull
	}

	seq := q.nextSeq()
	rec := q.ring[tail : tail+need]
	binary.LittleEndian.PutUint32(rec[evOffMagic:], eventMagic)
	binary.LittleEndian.PutUint16(rec[evOffSeq:], seq)
	rec[evOffKind] = kind
	rec[evOffLen] = byte(len(payload))
	binary.LittleEndian.PutUint64(rec[evOffTime:], uint64(time))
	copy(rec[eventHeaderSize:], payload)

	q.setTail(uint32(tail + need))
	return seq, nil
}

// ReadHead decodes the oldest event without consuming it, following a
// u-turn marker if the writer wrapped.
func (q *Queue) ReadHead() (Event, error) {
	head := int(q.head())
	if uint32(head) == q.tail() {
		return Event{}, ErrQueueEmpty
	}
	if head+eventHeaderSize > len(q.ring) ||
		binary.LittleEndian.Uint32(q.ring[head:]) != eventMagic {
		// Writer u-turned; the live head is at offset zero.
		head = 0
		if uint32(head) == q.tail() {
			return Event{}, ErrQueueEmpty
		}
		if binary.LittleEndian.Uint32(q.ring[head:]) != eventMagic {
			return Event{}, ErrCorruptEvent
		}
	}
	rec := q.ring[head:]
	n := int(rec[evOffLen])
	if head+eventHeaderSize+n > len(q.ring) {
		return Event{}, ErrCorruptEvent
	}
	return Event{
		Seq:     binary.LittleEndian.Uint16(rec[evOffSeq:]),
		Kind:    rec[evOffKind],
		Time:    int64(binary.LittleEndian.Uint64(rec[evOffTime:])),
		Payload: rec[eventHeaderSize : eventHeaderSize+n],
	}, nil
}

// RemoveHead consumes the oldest event.
func (q *Queue) RemoveHead() error {
	ev, err := q.ReadHead()
	if err != nil {
		return err
	}
	head := int(q.head())
	if head+eventHeaderSize > len(q.ring) ||
		binary.LittleEndian.Uint32(q.ring[head:]) != eventMagic {
		head = 0
	}
	q.setHead(uint32(head + eventHeaderSize + len(ev.Payload)))
	return nil
}
