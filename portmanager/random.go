package portmanager

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
)

// newRandom returns a math/rand source seeded from the system CSPRNG.
func newRandom() *rand.Rand {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("portmanager: ran out of entropy")
	}
	return rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
}
