package store

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
)

// Hash fingerprints the visible document. Two stores hash equal iff they hold
// byte-identical values under identical keys (modulo xxhash collisions).
func (s *Store) Hash() (uint64, error) {
	doc, err := s.Dump()
	if err != nil {
		return 0, err
	}
	return HashChanges(doc), nil
}

// HashChanges fingerprints a key-sorted change set the same way Hash does.
func HashChanges(sorted []Change) uint64 {
	d := xxhash.New()
	var lenbuf [binary.MaxVarintLen64]byte
	for _, c := range sorted {
		if c.Deleted() {
			continue
		}
		n := binary.PutUvarint(lenbuf[:], uint64(len(c.Key)))
		_, _ = d.Write(lenbuf[:n])
		_, _ = d.Write([]byte(c.Key))
		n = binary.PutUvarint(lenbuf[:], uint64(len(c.Value)))
		_, _ = d.Write(lenbuf[:n])
		_, _ = d.Write(c.Value)
	}
	return d.Sum64()
}
