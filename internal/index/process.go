// Package index implements Process, the client-side encrypted index
// builder. Process turns a plaintext keyword index into the flat,
// server-uploadable Se blob: per keyword, a chain of fixed-size rows linked
// by XORed random next-pointers, terminated by a zero pointer.
//
// Grounded on original_source/client/protocol.cpp and
// original_source/client/keystore.cpp for the algorithm itself (the DSSE
// chain construction has no counterpart in a general-purpose mesh agent),
// with the byte-offset encoding style of a typical hand-rolled wire struct
// (manual copy/binary.LittleEndian offsets, as in a frame encoder).
package index

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/bytesx"
	"github.com/vaultmesh/apocm/internal/cryptox"
	"github.com/vaultmesh/apocm/internal/keystore"
)

const (
	// OpAdd marks an index entry as an insertion.
	OpAdd uint8 = 0
	// OpRemove marks an index entry as a tombstone for a previously added
	// document.
	OpRemove uint8 = 1

	// AddrSize is the width of a chain address (an unkeyed Blake2b-512
	// output).
	AddrSize = cryptox.HashSize // 64

	// EidSize is the width of an encrypted document reference: mac(16) ||
	// nonce(24) || ciphertext(24).
	EidSize = cryptox.TagSize + cryptox.NonceSize + 24 // 64

	// ValSize is the width of a chain row's value: masked Eid(64) ||
	// Con(8) || rn(64).
	ValSize = EidSize + 8 + 64 // 136

	// RowSize is the width of one serialized Se row: Addr(64) || Val(136).
	RowSize = AddrSize + ValSize // 200
)

// Entry is one (document, operation) pair filed under a keyword.
type Entry struct {
	DocID uuid.UUID
	Op    uint8
}

// KeywordIndex maps a keyword to the set of document entries filed under
// it. Built transiently per add/remove batch; never persisted in clear.
type KeywordIndex map[string][]Entry

// Process converts kt into the flat Se_blob uploaded to the server, using
// keys.Kf/Kg and the current epoch keys.Con. It does not mutate keys or
// touch the keystore file — the caller decrements Con and persists the
// keystore after a successful upload (spec.md §4.3's "after Process
// returns" step happens one layer up, in internal/dsseclient).
func Process(keys *keystore.Keys, kt KeywordIndex) ([]byte, error) {
	out := make([]byte, 0, RowSize*len(kt))

	for w, entries := range kt {
		rows, err := processKeyword(keys, w, entries)
		if err != nil {
			return nil, fmt.Errorf("index: process keyword: %w", err)
		}
		out = append(out, rows...)
	}

	return out, nil
}

func processKeyword(keys *keystore.Keys, w string, entries []Entry) ([]byte, error) {
	ktw, err := cryptox.PRF(keys.Kf, []byte(w))
	if err != nil {
		return nil, fmt.Errorf("derive KTw: %w", err)
	}

	conBytes := bytesx.Uint64LEBytes(keys.Con)
	key := cryptox.Hash(ktw[:], conBytes[:])
	defer cryptox.Wipe64(&key)

	addr := cryptox.Hash(key[:], []byte{0xFF})
	mask := cryptox.Hash(key[:], []byte{0x00})

	rows := make([]byte, 0, RowSize*len(entries))

	for i, entry := range entries {
		isLast := i == len(entries)-1

		var rn [64]byte
		if isLast {
			rn = [64]byte{}
		} else {
			for {
				rn, err = cryptox.Random64()
				if err != nil {
					return nil, fmt.Errorf("draw rn: %w", err)
				}
				if !bytesx.IsZero(rn[:]) {
					break
				}
			}
		}

		eid, err := encryptEntry(keys.Kg, w, keys.Con, entry)
		if err != nil {
			return nil, fmt.Errorf("encrypt entry: %w", err)
		}

		val := make([]byte, ValSize)
		maskedEid := bytesx.XORNew(mask[:EidSize], eid)
		copy(val[:EidSize], maskedEid)
		copy(val[EidSize:EidSize+8], conBytes[:])
		copy(val[EidSize+8:], rn[:])

		row := bytesx.Concat(addr[:], val)
		rows = append(rows, row...)

		next := bytesx.XORNew(addr[:], rn[:])
		copy(addr[:], next)
	}

	return rows, nil
}

// encryptEntry computes Eid = AEAD(sk, uuid || op, AD=empty) where sk =
// F_Kg(w || Con), recomputed and wiped for this entry alone (spec.md §9's
// deliberate minimization of secret residence time).
func encryptEntry(kg [32]byte, w string, con uint64, entry Entry) ([]byte, error) {
	conBytes := bytesx.Uint64LEBytes(con)
	sk, err := cryptox.PRF(kg, []byte(w), conBytes[:])
	if err != nil {
		return nil, fmt.Errorf("derive sk: %w", err)
	}
	defer cryptox.Wipe32(&sk)

	opBytes := bytesx.Uint64LEBytes(uint64(entry.Op))
	plaintext := bytesx.Concat(entry.DocID[:], opBytes[:])

	sealed, err := cryptox.Seal(sk, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("seal eid: %w", err)
	}
	// cryptox.Seal returns nonce || ciphertext || tag; the wire format for
	// Eid is mac || nonce || ct (spec.md §4.3), so reorder.
	nonce := sealed[:cryptox.NonceSize]
	ciphertext := sealed[cryptox.NonceSize : len(sealed)-cryptox.TagSize]
	mac := sealed[len(sealed)-cryptox.TagSize:]

	eid := bytesx.Concat(mac, nonce, ciphertext)
	if len(eid) != EidSize {
		return nil, fmt.Errorf("unexpected Eid size: got %d want %d", len(eid), EidSize)
	}
	return eid, nil
}

// DecryptEid reverses encryptEntry's mac||nonce||ct reordering and opens
// the AEAD box, returning the document id and operation tag. It is exported
// because both the client's search-result decryption path and tests need
// it.
func DecryptEid(kg [32]byte, w string, con uint64, eid []byte) (uuid.UUID, uint8, error) {
	if len(eid) != EidSize {
		return uuid.Nil, 0, fmt.Errorf("index: Eid has wrong size: got %d want %d", len(eid), EidSize)
	}

	conBytes := bytesx.Uint64LEBytes(con)
	sk, err := cryptox.PRF(kg, []byte(w), conBytes[:])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("derive sk: %w", err)
	}
	defer cryptox.Wipe32(&sk)

	mac := eid[:cryptox.TagSize]
	nonce := eid[cryptox.TagSize : cryptox.TagSize+cryptox.NonceSize]
	ciphertext := eid[cryptox.TagSize+cryptox.NonceSize:]

	sealed := bytesx.Concat(nonce, ciphertext, mac)

	plaintext, err := cryptox.Open(sk, sealed, nil)
	if err != nil {
		return uuid.Nil, 0, cryptox.ErrDecryptionFailed
	}
	if len(plaintext) != 24 {
		return uuid.Nil, 0, fmt.Errorf("index: unexpected Eid plaintext size: got %d", len(plaintext))
	}

	id, err := uuid.FromBytes(plaintext[:16])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("index: parse doc id: %w", err)
	}
	op := uint8(bytesx.Uint64LE(plaintext[16:24]))

	return id, op, nil
}
