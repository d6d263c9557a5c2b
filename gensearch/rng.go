package gensearch

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand"
)

// newRNG builds the sampler's deterministic generator. Non-negative seeds
// reproduce token streams exactly; negative seeds seed the source from 8 bytes
// of OS entropy. math/rand reduces every seed modulo 2^31-1, so only about 31
// bits of that entropy take effect.
func newRNG(seed int64) *rand.Rand {
	if seed >= 0 {
		return rand.New(rand.NewSource(seed))
	}
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		// Entropy read failures leave us with nothing better than a
		// fixed source.
		return rand.New(rand.NewSource(0))
	}
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(buf[:]))))
}
