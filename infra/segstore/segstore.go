// Package segstore persists the engine's memory segments and the
// exchange state blob in pebble, and carries the settlement outbox the
// broadcaster drains. One instruction commits every dirty segment, the
// state blob and any outbox events through a single synced batch, which
// is what gives each instruction its all-or-nothing semantics.
package segstore

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"vela/domain/segment"
)

const (
	segPrefix    = "seg/"
	statePrefix  = "meta/state"
	outboxPrefix = "outbox/"
)

var (
	ErrSegmentNotFound = errors.New("segstore: segment not found")
	ErrStateNotFound   = errors.New("segstore: no exchange state stored")
	ErrBadOutboxRecord = errors.New("segstore: malformed outbox record")
)

// OutboxState is the delivery state machine of one outbox event.
type OutboxState uint8

const (
	OutboxNew OutboxState = iota
	OutboxSent
	OutboxAcked
	OutboxFailed
)

func (s OutboxState) String() string {
	switch s {
	case OutboxNew:
		return "NEW"
	case OutboxSent:
		return "SENT"
	case OutboxAcked:
		return "ACKED"
	case OutboxFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// OutboxRecord is one event pending off-chain delivery.
type OutboxRecord struct {
	ID          uuid.UUID
	State       OutboxState
	Retries     uint32
	LastAttempt int64
	Kind        byte
	Time        int64
	Payload     []byte
}

// encoding: [state:1][retries:4][lastAttempt:8][kind:1][time:8][id:16][len:2][payload]
const outboxHeaderSize = 1 + 4 + 8 + 1 + 8 + 16 + 2

func encodeOutbox(r OutboxRecord) []byte {
	buf := make([]byte, outboxHeaderSize+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	buf[13] = r.Kind
	binary.BigEndian.PutUint64(buf[14:22], uint64(r.Time))
	copy(buf[22:38], r.ID[:])
	binary.BigEndian.PutUint16(buf[38:40], uint16(len(r.Payload)))
	copy(buf[outboxHeaderSize:], r.Payload)
	return buf
}

func decodeOutbox(b []byte) (OutboxRecord, error) {
	if len(b) < outboxHeaderSize {
		return OutboxRecord{}, ErrBadOutboxRecord
	}
	r := OutboxRecord{
		State:       OutboxState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Kind:        b[13],
		Time:        int64(binary.BigEndian.Uint64(b[14:22])),
	}
	copy(r.ID[:], b[22:38])
	n := int(binary.BigEndian.Uint16(b[38:40]))
	if len(b) != outboxHeaderSize+n {
		return OutboxRecord{}, ErrBadOutboxRecord
	}
	r.Payload = append([]byte(nil), b[outboxHeaderSize:]...)
	return r, nil
}

// Store is the pebble-backed persistence layer.
type Store struct {
	db      *pebble.DB
	nextSeq uint64
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // durability over throughput
	})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if s.nextSeq, err = s.lastOutboxSeq(db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lastOutboxSeq(db *pebble.DB) (uint64, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(outboxPrefix),
		UpperBound: []byte(outboxPrefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	seq, err := parseOutboxKey(iter.Key())
	if err != nil {
		return 0, err
	}
	return seq + 1, nil
}

func segKey(id segment.ID) []byte {
	return []byte(segPrefix + hex.EncodeToString(id[:]))
}

func outboxKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", outboxPrefix, seq))
}

func parseOutboxKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(b[len(outboxPrefix):]), "%d", &seq)
	return seq, err
}

// LoadSegment reads one segment image. The returned bytes are a copy;
// mutations reach disk only through a commit.
func (s *Store) LoadSegment(id segment.ID) (*segment.Segment, error) {
	val, closer, err := s.db.Get(segKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return &segment.Segment{ID: id, Data: append([]byte(nil), val...)}, nil
}

// LoadStateBlob reads the exchange state blob.
func (s *Store) LoadStateBlob() ([]byte, error) {
	val, closer, err := s.db.Get([]byte(statePrefix))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Commit batches one instruction's writes.
type Commit struct {
	store *Store
	batch *pebble.Batch
	seqs  []uint64
}

func (s *Store) NewCommit() *Commit {
	return &Commit{store: s, batch: s.db.NewBatch()}
}

func (c *Commit) PutSegment(seg *segment.Segment) error {
	return c.batch.Set(segKey(seg.ID), seg.Data, nil)
}

func (c *Commit) PutStateBlob(b []byte) error {
	return c.batch.Set([]byte(statePrefix), b, nil)
}

// AppendOutbox queues an event for delivery in the same atomic batch
// as the state it describes.
func (c *Commit) AppendOutbox(kind byte, time int64, payload []byte) (uuid.UUID, error) {
	rec := OutboxRecord{
		ID:      uuid.New(),
		State:   OutboxNew,
		Kind:    kind,
		Time:    time,
		Payload: payload,
	}
	seq := c.store.nextSeq + uint64(len(c.seqs))
	if err := c.batch.Set(outboxKey(seq), encodeOutbox(rec), nil); err != nil {
		return uuid.Nil, err
	}
	c.seqs = append(c.seqs, seq)
	return rec.ID, nil
}

// Apply writes the whole batch synced. The outbox sequence advances
// only on success.
func (c *Commit) Apply() error {
	if err := c.store.db.Apply(c.batch, pebble.Sync); err != nil {
		return err
	}
	c.store.nextSeq += uint64(len(c.seqs))
	return nil
}

func (c *Commit) Discard() {
	_ = c.batch.Close()
}

// ScanOutbox visits every outbox record in the given state, in
// sequence order.
func (s *Store) ScanOutbox(state OutboxState, fn func(seq uint64, rec OutboxRecord) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(outboxPrefix),
		UpperBound: []byte(outboxPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeOutbox(iter.Value())
		if err != nil {
			return err
		}
		if rec.State != state {
			continue
		}
		seq, err := parseOutboxKey(iter.Key())
		if err != nil {
			return err
		}
		if err := fn(seq, rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// UpdateOutbox moves one record through the delivery state machine.
func (s *Store) UpdateOutbox(seq uint64, state OutboxState, retries uint32, attemptAt int64) error {
	val, closer, err := s.db.Get(outboxKey(seq))
	if err != nil {
		return err
	}
	rec, err := decodeOutbox(val)
	closer.Close()
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = attemptAt
	return s.db.Set(outboxKey(seq), encodeOutbox(rec), pebble.Sync)
}

// DeleteOutbox removes an acked record.
func (s *Store) DeleteOutbox(seq uint64) error {
	return s.db.Delete(outboxKey(seq), pebble.Sync)
}
