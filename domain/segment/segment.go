// Package segment models the externally owned memory buffers every
// engine collection is mounted over. A segment is a fixed-length byte
// buffer identified by a 32-byte id; the engine only ever interprets the
// bytes, it never allocates or frees the buffer itself.
package segment

import (
	"crypto/rand"
	"encoding/hex"
)

// ID identifies one segment across the whole exchange. Chained
// collections store the id of the next segment in their page headers so
// a mount can verify the caller supplied the exact chain, in order.
type ID [32]byte

// NilID marks the end of a segment chain.
var NilID = ID{}

// NewID returns a fresh random segment id.
func NewID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return id
}

func (id ID) IsNil() bool {
	return id == NilID
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Segment is one externally owned buffer. Data length is fixed at
// creation; collections derive their capacity from it at mount time.
type Segment struct {
	ID   ID
	Data []byte
}

// New allocates a fresh zeroed segment of the given byte size.
func New(size int) *Segment {
	return &Segment{ID: NewID(), Data: make([]byte, size)}
}

// MountMode selects between first-time initialization of a buffer and
// remounting an already live one.
type MountMode int

const (
	// Initialize writes fresh headers; fails if the buffer already
	// carries the collection's magic.
	Initialize MountMode = iota
	// ReadWrite verifies headers and chain integrity; fails if the
	// buffer was never initialized.
	ReadWrite
)
