// Package snapshot writes and loads point-in-time archives of the
// whole exchange: the state blob plus every reachable segment, gob
// encoded, with an xxhash64 footer guarding against torn or corrupted
// files. Snapshots are an operational export; the pebble store remains
// the source of truth.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"vela/domain/segment"
)

var ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")

// Archive is one serialized snapshot.
type Archive struct {
	Created  time.Time
	State    []byte
	Segments []SegmentEntry
}

type SegmentEntry struct {
	ID   segment.ID
	Data []byte
}

// NewArchive packages an engine export.
func NewArchive(state []byte, segs []*segment.Segment) *Archive {
	a := &Archive{Created: time.Now(), State: state}
	for _, s := range segs {
		a.Segments = append(a.Segments, SegmentEntry{ID: s.ID, Data: s.Data})
	}
	return a
}

type Writer struct {
	Dir string
}

// Write encodes the archive and renames it into place so a reader
// never observes a half-written file.
func (w *Writer) Write(a *Archive) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	var footer [8]byte
	binary.BigEndian.PutUint64(footer[:], xxhash.Checksum64(buf.Bytes()))
	buf.Write(footer[:])

	tmp := filepath.Join(w.Dir, "snapshot.bin.tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(w.Dir, "snapshot.bin"))
}

// Load reads and verifies an archive. A missing file returns nil with
// no error; snapshots are optional.
func Load(dir string) (*Archive, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "snapshot.bin"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, ErrChecksumMismatch
	}
	body, footer := raw[:len(raw)-8], raw[len(raw)-8:]
	if xxhash.Checksum64(body) != binary.BigEndian.Uint64(footer) {
		return nil, ErrChecksumMismatch
	}

	a := new(Archive)
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(a); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return a, nil
}
