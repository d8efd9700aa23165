package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisPrefix = "percolator/genesis/"

// chainHasher links each processed event to the one before it:
//
//	tip[N] = SHA-256(tip[N-1] || le64(N) || digest[N])
//
// The chain starts from a per-market genesis value, so two markets never
// produce the same tip for the same history.
type chainHasher struct {
	tip [32]byte
}

func newChainHasher(market string) *chainHasher {
	return &chainHasher{tip: genesisHash(market)}
}

func genesisHash(market string) [32]byte {
	return sha256.Sum256([]byte(genesisPrefix + market))
}

// advance folds one event into the chain and returns the new tip.
func (h *chainHasher) advance(seq int64, digest []byte) [32]byte {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], uint64(seq))

	buf := make([]byte, 0, len(h.tip)+len(le)+len(digest))
	buf = append(buf, h.tip[:]...)
	buf = append(buf, le[:]...)
	buf = append(buf, digest...)
	h.tip = sha256.Sum256(buf)
	return h.tip
}

func (h *chainHasher) current() [32]byte { return h.tip }

func (h *chainHasher) reset(tip [32]byte) { h.tip = tip }
