// Package cryptox wraps the fixed-parameter cryptographic primitives the
// DSSE protocol is built on: Blake2b as both a keyed PRF and an unkeyed
// hash, XChaCha20-Poly1305 as the AEAD, and Argon2id as the keystore KDF.
// None of these choices are configurable — the wire format and the
// keystore file layout depend on their exact output sizes.
package cryptox

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size in bytes of a PRF key and of a PRF output (32).
	KeySize = 32

	// HashSize is the size in bytes of an unkeyed Blake2b hash (64).
	HashSize = 64

	// NonceSize is the XChaCha20-Poly1305 nonce size (24).
	NonceSize = 24

	// TagSize is the Poly1305 authentication tag size (16).
	TagSize = 16

	// AEADOverhead is the combined nonce+tag overhead of Seal's output.
	AEADOverhead = NonceSize + TagSize

	// SaltSize is the Argon2id salt size used by the keystore (16).
	SaltSize = 16

	// argon2Memory, argon2Time, argon2Threads fix the Argon2id cost
	// parameters the keystore derives its encryption key with.
	argon2Memory  = 400_000
	argon2Time    = 3
	argon2Threads = 1
)

// PRF computes the keyed pseudorandom function F_key(msg) = Blake2b-256(msg)
// keyed with key. Used to derive per-keyword subkeys (KTw, sk).
func PRF(key [KeySize]byte, msg ...[]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	h, err := blake2b.New256(key[:])
	if err != nil {
		return out, fmt.Errorf("cryptox: init keyed blake2b: %w", err)
	}
	for _, m := range msg {
		h.Write(m)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Hash computes the unkeyed H(msg) = Blake2b-512(msg) used to derive chain
// keys and addresses.
func Hash(msg ...[]byte) [HashSize]byte {
	var out [HashSize]byte
	h, _ := blake2b.New512(nil)
	for _, m := range msg {
		h.Write(m)
	}
	copy(out[:], h.Sum(nil))
	return out
}

// Seal encrypts plaintext into a newly allocated buffer under key with XChaCha20-Poly1305,
// returning nonce(24) || ciphertext || tag(16). A fresh random nonce is
// drawn for every call.
func Seal(key [KeySize]byte, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptox: init aead: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptox: draw nonce: %w", err)
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, ad)
	return out, nil
}

// Open decrypts a blob produced by Seal. Returns ErrDecryptionFailed on any
// authentication failure — callers must treat this as DecryptionSkip
// (spec.md §7), not as a fatal error.
func Open(key [KeySize]byte, blob, ad []byte) ([]byte, error) {
	if len(blob) < AEADOverhead {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptox: init aead: %w", err)
	}

	nonce := blob[:NonceSize]
	ciphertext := blob[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ErrDecryptionFailed is returned by Open when AEAD verification fails.
var ErrDecryptionFailed = fmt.Errorf("cryptox: AEAD verification failed")

// DeriveKey runs Argon2id over password with the fixed keystore cost
// parameters, returning a 32-byte key.
func DeriveKey(password []byte, salt [SaltSize]byte) [KeySize]byte {
	var out [KeySize]byte
	copy(out[:], argon2.IDKey(password, salt[:], argon2Time, argon2Memory, argon2Threads, KeySize))
	return out
}

// RandomSalt draws a fresh random Argon2id salt.
func RandomSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return salt, fmt.Errorf("cryptox: draw salt: %w", err)
	}
	return salt, nil
}

// Random32 draws 32 cryptographically secure random bytes, used for the
// keystore's fresh secret keys.
func Random32() ([32]byte, error) {
	var out [32]byte
	if _, err := io.ReadFull(rand.Reader, out[:]); err != nil {
		return out, fmt.Errorf("cryptox: draw random32: %w", err)
	}
	return out, nil
}

// Random64 draws 64 cryptographically secure random bytes, used for the
// 64-byte chain next-pointer rn in internal/index.
func Random64() ([64]byte, error) {
	var out [64]byte
	if _, err := io.ReadFull(rand.Reader, out[:]); err != nil {
		return out, fmt.Errorf("cryptox: draw random64: %w", err)
	}
	return out, nil
}

// Wipe zeroes b in place. Call this on every secret byte slice before it
// leaves scope — key material, derived subkeys, and passwords alike.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Wipe32 zeroes a fixed 32-byte secret array in place.
func Wipe32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}

// Wipe64 zeroes a fixed 64-byte secret array in place.
func Wipe64(b *[64]byte) {
	for i := range b {
		b[i] = 0
	}
}
