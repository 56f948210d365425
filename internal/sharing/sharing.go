package sharing

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Split draws two shares uniformly from [0, 2^32) using a cryptographically
// strong entropy source and derives the third so that the three shares sum
// to v modulo 2^32. Taken pairwise, any two of the returned shares are
// statistically independent of v, since s1 and s2 are independent uniform
// draws and s3 is determined only once both are fixed.
func Split(v uint32) (s1, s2, s3 uint32, err error) {
	s1, err = randomUint32()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sharing: draw s1: %w", err)
	}
	s2, err = randomUint32()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sharing: draw s2: %w", err)
	}
	s3 = v - s1 - s2
	return s1, s2, s3, nil
}

// Reconstruct combines three shares back into the value they were split
// from. It is the only defined operation on a complete share triple;
// coordinators holding fewer than three shares for a contributor cannot
// call this meaningfully, which is exactly what makes the scheme
// privacy-preserving (I1).
func Reconstruct(s1, s2, s3 uint32) uint32 {
	return s1 + s2 + s3
}

// randomUint32 draws a uniformly random value in [0, 2^32) from
// crypto/rand. No third-party CSPRNG is used: crypto/rand is the canonical
// source for cryptographic randomness in Go and no ecosystem library
// improves on it for this narrow need.
func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
