// Package bytesx provides the fixed-width byte-buffer algebra the DSSE
// chain encoding is built on: XOR, concatenation, constant-time equality,
// little-endian integer (de)serialization, and a hex debug renderer.
package bytesx

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
)

// XOR writes a[i] ^ b[i] into dst for every byte. dst, a, and b must have
// equal length; XOR panics otherwise, matching the package's other
// fixed-width-only contracts.
func XOR(dst, a, b []byte) {
	if len(a) != len(b) || len(dst) != len(a) {
		panic("bytesx: XOR requires equal-length buffers")
	}
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// XORNew returns a new slice holding a XOR b.
func XORNew(a, b []byte) []byte {
	out := make([]byte, len(a))
	XOR(out, a, b)
	return out
}

// IsZero reports whether every byte of b is zero, used to detect the chain
// terminator rn == 0.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// Equal reports whether a and b are byte-for-byte identical in constant
// time. Used to compare non-secret but still address-like values (chain
// addresses, trapdoors) without leaning on reflect.DeepEqual.
func Equal(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// Concat returns the concatenation of parts as a single freshly allocated
// slice.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// PutUint64LE serializes v into b (which must be at least 8 bytes) in
// little-endian order, the wire convention fixed by spec.md §6.
func PutUint64LE(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// Uint64LE deserializes a little-endian uint64 from the first 8 bytes of b.
func Uint64LE(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// Uint64LEBytes returns the 8-byte little-endian encoding of v.
func Uint64LEBytes(v uint64) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b
}

// Hex renders b as a lowercase hex string, for logging non-secret
// identifiers (trapdoors, chain addresses, uuids) — never call this on key
// material or plaintext keywords.
func Hex(b []byte) string {
	return hex.EncodeToString(b)
}
