// Package docenc implements the client's per-document AEAD envelope.
//
// Grounded on internal/crypto.SessionKey's encrypt/decrypt shape (construct
// AEAD, prepend framing, append tag), adapted from that type's per-direction
// nonce counter to a fresh random nonce per document, and from an AD over a
// wire header to an AD over the document's own identity and length.
package docenc

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/bytesx"
	"github.com/vaultmesh/apocm/internal/cryptox"
)

// ADSize is the width of the associated-data header: uuid(16) || total_len(8).
const ADSize = 16 + 8

// EnvelopeOverhead is the number of bytes an encrypted document carries
// beyond its plaintext: ad(24) || mac(16) || nonce(24).
const EnvelopeOverhead = ADSize + cryptox.TagSize + cryptox.NonceSize

// Encrypt seals plaintext under kd, binding the ciphertext to id and its own
// on-wire length. The returned blob is ad(24) || mac(16) || nonce(24) ||
// ciphertext(len(plaintext)).
func Encrypt(kd [32]byte, id uuid.UUID, plaintext []byte) ([]byte, error) {
	totalLen := uint64(len(plaintext)) + uint64(cryptox.TagSize) + uint64(cryptox.NonceSize)
	lenBytes := bytesx.Uint64LEBytes(totalLen)
	ad := bytesx.Concat(id[:], lenBytes[:])

	sealed, err := cryptox.Seal(kd, plaintext, ad)
	if err != nil {
		return nil, fmt.Errorf("docenc: seal: %w", err)
	}

	nonce := sealed[:cryptox.NonceSize]
	ciphertext := sealed[cryptox.NonceSize : len(sealed)-cryptox.TagSize]
	mac := sealed[len(sealed)-cryptox.TagSize:]

	return bytesx.Concat(ad, mac, nonce, ciphertext), nil
}

// Decrypt reverses Encrypt, validating the embedded length header and the
// AEAD tag before returning the document id and plaintext.
func Decrypt(kd [32]byte, blob []byte) (uuid.UUID, []byte, error) {
	if len(blob) < EnvelopeOverhead {
		return uuid.Nil, nil, fmt.Errorf("docenc: blob shorter than envelope overhead")
	}

	ad := blob[:ADSize]
	mac := blob[ADSize : ADSize+cryptox.TagSize]
	nonce := blob[ADSize+cryptox.TagSize : ADSize+cryptox.TagSize+cryptox.NonceSize]
	ciphertext := blob[ADSize+cryptox.TagSize+cryptox.NonceSize:]

	id, err := uuid.FromBytes(ad[:16])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("docenc: parse doc id: %w", err)
	}
	totalLen := bytesx.Uint64LE(ad[16:24])
	wantLen := uint64(len(ciphertext)) + uint64(cryptox.TagSize) + uint64(cryptox.NonceSize)
	if totalLen != wantLen {
		return uuid.Nil, nil, fmt.Errorf("docenc: total_len header mismatch: got %d want %d", totalLen, wantLen)
	}

	sealed := bytesx.Concat(nonce, ciphertext, mac)
	plaintext, err := cryptox.Open(kd, sealed, ad)
	if err != nil {
		return uuid.Nil, nil, cryptox.ErrDecryptionFailed
	}

	return id, plaintext, nil
}
