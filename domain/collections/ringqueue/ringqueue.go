// Package ringqueue implements a fixed-record FIFO over one segment.
// Head and tail indices chase each other around the record area; one
// record stays unused so a full queue and an empty queue are
// distinguishable. Producers are rejected on overrun instead of
// overwriting unconsumed records.
package ringqueue

import (
	"encoding/binary"
	"errors"

	"vela/domain/segment"
)

const (
	magicBase  = 0xd1c34500
	headerSize = 16
)

// Header layout (little endian):
//
//	[0:4)  magic
//	[4:8)  head
//	[8:12) tail
//	[12:16) record size
const (
	offMagic   = 0
	offHead    = 4
	offTail    = 8
	offRecSize = 12
)

var (
	ErrInvalidQueueHeader = errors.New("ringqueue: invalid queue header")
	ErrAlreadyInUse       = errors.New("ringqueue: segment already in use")
	ErrNotInitialized     = errors.New("ringqueue: segment not initialized")
	ErrQueueFull          = errors.New("ringqueue: queue full")
	ErrQueueEmpty         = errors.New("ringqueue: queue empty")
	ErrQueueTooSmall      = errors.New("ringqueue: segment cannot hold two records")
	ErrRecordSizeMismatch = errors.New("ringqueue: record size does not match header")
)

// Queue is a mounted view over one ring segment, valid for the duration
// of the mounting call.
type Queue struct {
	data       []byte
	records    []byte
	recordSize int
	capacity   uint32
}

func magicFor(tag byte) uint32 { return magicBase | uint32(tag) }

// Mount validates the segment and returns a live view. The record size
// is written into the header on initialization; remounting with a
// different one fails with ErrRecordSizeMismatch.
func Mount(seg *segment.Segment, tag byte, recordSize int, mode segment.MountMode) (*Queue, error) {
	if recordSize <= 0 {
		return nil, ErrInvalidQueueHeader
	}
	capacity := (len(seg.Data) - headerSize) / recordSize
	if capacity < 2 {
		return nil, ErrQueueTooSmall
	}
	q := &Queue{
		data:       seg.Data,
		records:    seg.Data[headerSize:],
		recordSize: recordSize,
		capacity:   uint32(capacity),
	}

	magic := binary.LittleEndian.Uint32(seg.Data[offMagic:])
	switch mode {
	case segment.Initialize:
		if magic == magicFor(tag) {
			return nil, ErrAlreadyInUse
		}
		binary.LittleEndian.PutUint32(seg.Data[offMagic:], magicFor(tag))
		binary.LittleEndian.PutUint32(seg.Data[offRecSize:], uint32(recordSize))
		q.setHead(0)
		q.setTail(0)
		return q, nil
	case segment.ReadWrite:
		if magic == 0 {
			return nil, ErrNotInitialized
		}
		if magic != magicFor(tag) {
			return nil, ErrInvalidQueueHeader
		}
		if binary.LittleEndian.Uint32(seg.Data[offRecSize:]) != uint32(recordSize) {
			return nil, ErrRecordSizeMismatch
		}
		if q.head() >= q.capacity || q.tail() >= q.capacity {
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

func (q *Queue) record(i uint32) []byte {
	return q.records[int(i)*q.recordSize : int(i+1)*q.recordSize]
}

// Size reports the number of unconsumed records.
func (q *Queue) Size() int {
	head, tail := q.head(), q.tail()
	if tail >= head {
		return int(tail - head)
	}
	return int(q.capacity - head + tail)
}

// Capacity reports the usable record count, one less than the physical
// ring size.
func (q *Queue) Capacity() int { return int(q.capacity) - 1 }

// PushTail claims the tail record and hands its bytes to the caller to
// fill in place. The record is visible to ReadHead immediately.
func (q *Queue) PushTail() ([]byte, error) {
	tail := q.tail()
	next := (tail + 1) % q.capacity
	if next == q.head() {
		return nil, ErrQueueFull
	}
	q.setTail(next)
	return q.record(tail), nil
}

// ReadHead returns the oldest record without consuming it.
func (q *Queue) ReadHead() ([]byte, error) {
	head := q.head()
	if head == q.tail() {
		return nil, ErrQueueEmpty
	}
	return q.record(head), nil
}

// RemoveHead consumes the oldest record.
func (q *Queue) RemoveHead() error {
	head := q.head()
	if head == q.tail() {
		return ErrQueueEmpty
	}
	q.setHead((head + 1) % q.capacity)
	return nil
}
