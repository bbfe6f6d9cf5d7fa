// Package keystore manages the client's four secret keys and the
// monotonically-decreasing version counter Con, persisted to disk encrypted
// under a password-derived key.
//
// On-disk layout (exact, little-endian): salt(16) || mac(16) || nonce(24) ||
// ciphertext(4*32+8). AEAD associated data is the salt. Plaintext is
// Kd || Kg || Kt || Kf || Con.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vaultmesh/apocm/internal/bytesx"
	"github.com/vaultmesh/apocm/internal/cryptox"
)

// Lambda is the byte length of each secret key (32, fixed at compile time
// per spec.md §4.2).
const Lambda = 32

// InitialCon is the version counter's starting value. It is decremented by
// one before every store_keys call that follows a successful add.
const InitialCon uint64 = 0xFFFFFFFFFFFFFFFF

const fileSize = cryptox.SaltSize + cryptox.TagSize + cryptox.NonceSize + 4*Lambda + 8

var (
	// ErrKeysNotFound is returned by Load when the key file does not exist.
	ErrKeysNotFound = errors.New("keystore: key file not found")

	// ErrCorruptedKeys is returned by Load when the MAC check fails or the
	// file is truncated/oversized.
	ErrCorruptedKeys = errors.New("keystore: corrupted key file")
)

// Keys holds the four DSSE secret keys and the current epoch counter.
// Zero value is not valid; obtain one via Create or Load.
type Keys struct {
	Kd, Kg, Kf, Kt [Lambda]byte
	Con            uint64
}

// Create samples four fresh random keys and resets Con to InitialCon.
func Create() (*Keys, error) {
	k := &Keys{Con: InitialCon}
	for _, dst := range []*[Lambda]byte{&k.Kd, &k.Kg, &k.Kf, &k.Kt} {
		b, err := cryptox.Random32()
		if err != nil {
			return nil, fmt.Errorf("keystore: create: %w", err)
		}
		*dst = b
	}
	return k, nil
}

// Wipe zeroes every secret key in place. Con is left untouched — it is not
// secret, per spec.md §4.2.
func (k *Keys) Wipe() {
	cryptox.Wipe32(&k.Kd)
	cryptox.Wipe32(&k.Kg)
	cryptox.Wipe32(&k.Kf)
	cryptox.Wipe32(&k.Kt)
}

// Load reads and decrypts the keystore file at path using password.
// Returns ErrKeysNotFound if the file is absent and ErrCorruptedKeys if the
// MAC check fails or the file is the wrong size.
func Load(path string, password []byte) (*Keys, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeysNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	if len(data) != fileSize {
		return nil, ErrCorruptedKeys
	}

	var salt [cryptox.SaltSize]byte
	copy(salt[:], data[:cryptox.SaltSize])
	rest := data[cryptox.SaltSize:]
	sealed := rest // mac || nonce || ciphertext, reordered below for Open.

	// Seal/Open in internal/cryptox produce/consume nonce || ciphertext ||
	// tag. The on-disk layout is salt || mac || nonce || ciphertext, so we
	// reassemble into the nonce || ciphertext || tag shape Open expects.
	mac := sealed[:cryptox.TagSize]
	nonce := sealed[cryptox.TagSize : cryptox.TagSize+cryptox.NonceSize]
	ciphertext := sealed[cryptox.TagSize+cryptox.NonceSize:]

	blob := bytesx.Concat(nonce, ciphertext, mac)

	key := cryptox.DeriveKey(password, salt)
	defer cryptox.Wipe32(&key)

	plaintext, err := cryptox.Open(key, blob, salt[:])
	if err != nil {
		return nil, ErrCorruptedKeys
	}
	defer cryptox.Wipe(plaintext)

	if len(plaintext) != 4*Lambda+8 {
		return nil, ErrCorruptedKeys
	}

	k := &Keys{}
	copy(k.Kd[:], plaintext[0:Lambda])
	copy(k.Kg[:], plaintext[Lambda:2*Lambda])
	copy(k.Kt[:], plaintext[2*Lambda:3*Lambda])
	copy(k.Kf[:], plaintext[3*Lambda:4*Lambda])
	k.Con = bytesx.Uint64LE(plaintext[4*Lambda:])

	return k, nil
}

// Store encrypts Keys under password and writes it to path atomically
// (temp file + rename), with owner-only permissions.
func (k *Keys) Store(path string, password []byte) error {
	salt, err := cryptox.RandomSalt()
	if err != nil {
		return fmt.Errorf("keystore: store: %w", err)
	}

	key := cryptox.DeriveKey(password, salt)
	defer cryptox.Wipe32(&key)

	conBytes := bytesx.Uint64LEBytes(k.Con)
	plaintext := bytesx.Concat(k.Kd[:], k.Kg[:], k.Kt[:], k.Kf[:], conBytes[:])
	defer cryptox.Wipe(plaintext)

	blob, err := cryptox.Seal(key, plaintext, salt[:])
	if err != nil {
		return fmt.Errorf("keystore: seal: %w", err)
	}

	// blob is nonce || ciphertext || tag; on-disk wants salt || mac ||
	// nonce || ciphertext.
	nonce := blob[:cryptox.NonceSize]
	ciphertext := blob[cryptox.NonceSize : len(blob)-cryptox.TagSize]
	mac := blob[len(blob)-cryptox.TagSize:]

	fileData := bytesx.Concat(salt[:], mac, nonce, ciphertext)
	if len(fileData) != fileSize {
		return fmt.Errorf("keystore: internal size mismatch: got %d want %d", len(fileData), fileSize)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".keys.enc.tmp-*")
	if err != nil {
		return fmt.Errorf("keystore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(fileData); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("keystore: rename into place: %w", err)
	}

	return nil
}
