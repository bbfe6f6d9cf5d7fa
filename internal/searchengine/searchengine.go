// Package searchengine implements the server's oblivious two-step search:
// Search walks the XOR-linked chains for every epoch between the client's
// snapshot and the last baseline recorded in Sr, masking only the Eid
// region of each visited entry; Finalize persists the client's filtered
// result set as the new Sr baseline.
//
// Grounded on original_source/server/protocol.cpp's search_keyword and
// search_finalize (the Keyw/Addrw derivation, the in-memory Se/Sr maps, and
// the mask-only-the-first-region XOR), adapted to the corrected 200/136-byte
// row widths and the newCon = ConClient convention spec.md fixes (the
// reference's Lcon+1 is one of the documented likely bugs).
package searchengine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/bytesx"
	"github.com/vaultmesh/apocm/internal/cryptox"
	"github.com/vaultmesh/apocm/internal/dssewire"
	"github.com/vaultmesh/apocm/internal/keystore"
	"github.com/vaultmesh/apocm/internal/serverstore"
)

const (
	addrSize = 64
	eidSize  = 64
	valSize  = 136
)

// Search walks every epoch between conClient and the user's cached baseline
// for trapdoor t, returning the cached ID1 set, the freshly unmasked ID2
// entries (their Eids still encrypted), and newCon (always conClient, per spec). Se.enc is rewritten in
// full once the walk completes; visited entries are removed from the
// in-memory map before the rewrite (forward-privacy erasure).
func Search(store *serverstore.Store, userID string, t, ktw [32]byte, conClient uint64) (id1 []uuid.UUID, id2 []dssewire.Id2Entry, newCon uint64, err error) {
	sr, err := store.LoadSr(userID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("searchengine: load Sr: %w", err)
	}

	lcon := keystore.InitialCon
	if entry, ok := sr[t]; ok {
		id1 = append(id1, entry.UUIDs...)
		lcon = entry.Con
	}

	se, err := store.LoadSe(userID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("searchengine: load Se: %w", err)
	}

	if conClient <= lcon {
		for i := lcon; ; i-- {
			walkEpoch(se, &id2, ktw, i)
			if i == conClient {
				break
			}
		}
	}

	if err := store.RewriteSe(userID, se); err != nil {
		return nil, nil, 0, fmt.Errorf("searchengine: rewrite Se: %w", err)
	}

	return id1, id2, conClient, nil
}

// walkEpoch walks the single chain for epoch i, appending every visited
// entry's unmasked (Eid, i) pair to id2 and deleting the entry from se.
func walkEpoch(se map[[addrSize]byte][valSize]byte, id2 *[]dssewire.Id2Entry, ktw [32]byte, i uint64) {
	conBytes := bytesx.Uint64LEBytes(i)
	key := cryptox.Hash(ktw[:], conBytes[:])
	defer cryptox.Wipe64(&key)
	addr := cryptox.Hash(key[:], []byte{0xFF})
	mask := cryptox.Hash(key[:], []byte{0x00})

	for {
		val, ok := se[addr]
		if !ok {
			return
		}

		var entry dssewire.Id2Entry
		plainEid := bytesx.XORNew(mask[:eidSize], val[:eidSize])
		copy(entry.Eid[:], plainEid)
		entry.Con = i
		*id2 = append(*id2, entry)

		delete(se, addr)

		rn := val[eidSize+8:]
		if bytesx.IsZero(rn) {
			return
		}
		next := bytesx.XORNew(addr[:], rn)
		copy(addr[:], next)
	}
}

// Finalize replaces Sr[t] with (con, id1Final) and persists Sr.enc
// atomically.
func Finalize(store *serverstore.Store, userID string, t [32]byte, id1Final []uuid.UUID, con uint64) error {
	sr, err := store.LoadSr(userID)
	if err != nil {
		return fmt.Errorf("searchengine: load Sr: %w", err)
	}
	sr[t] = serverstore.SrEntry{Con: con, UUIDs: id1Final}
	if err := store.RewriteSr(userID, sr); err != nil {
		return fmt.Errorf("searchengine: rewrite Sr: %w", err)
	}
	return nil
}
