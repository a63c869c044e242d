// Pluggable hash algorithm selection for ExtendibleHash: a normalised
// secondary value is reduced to a 64-bit digest, then taken modulo
// 2^global_depth to pick a directory slot.
package dbcore

import (
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// digestKey hashes the normalised byte form of a secondary value with the
// configured algorithm. Every algorithm computes a 128-bit digest and
// returns its low 64 bits. xxh3 is the default: fastest, and more than
// enough entropy for a directory no deeper than a few dozen bits. Blake2b
// and FNV-1a are kept as alternatives: Blake2b for best distribution,
// FNV-1a because it needs no external dependency at all.
func digestKey(data []byte, alg HashAlgorithm) uint64 {
	switch alg {
	case HashBlake2b:
		h, _ := blake2b.New(16, nil)
		h.Write(data)
		sum := h.Sum(nil)
		var v uint64
		for _, b := range sum {
			v = v<<8 | uint64(b)
		}
		return v
	case HashFNV1a:
		h := fnv.New128a()
		h.Write(data)
		var v uint64
		for _, b := range h.Sum(nil)[8:] {
			v = v<<8 | uint64(b)
		}
		return v
	case HashXXH3:
		fallthrough
	default:
		return xxh3.Hash128(data).Lo
	}
}
