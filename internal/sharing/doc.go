// Package sharing implements the three-party additive secret-sharing
// primitive used to split a private contribution into shares and
// reconstruct a value from its shares.
//
// All arithmetic is over Z / 2^32 Z. Go's uint32 addition and subtraction
// already wrap modulo 2^32, so no explicit modulus operation is needed:
// the type itself enforces the fixed modulus M = 2^32.
package sharing
