package index

import (
	"testing"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/bytesx"
	"github.com/vaultmesh/apocm/internal/cryptox"
	"github.com/vaultmesh/apocm/internal/keystore"
)

func newTestKeys(t *testing.T) *keystore.Keys {
	t.Helper()
	k, err := keystore.Create()
	if err != nil {
		t.Fatalf("keystore.Create: %v", err)
	}
	return k
}

// walkChain replays the server's address-derivation algorithm purely to
// validate Process's output shape in isolation (internal/searchengine has
// the real server-side walk against on-disk state).
func walkChain(t *testing.T, keys *keystore.Keys, se map[[64]byte][136]byte, w string) []uuid.UUID {
	t.Helper()

	ktw, err := cryptox.PRF(keys.Kf, []byte(w))
	if err != nil {
		t.Fatalf("PRF: %v", err)
	}
	conBytes := bytesx.Uint64LEBytes(keys.Con)
	key := cryptox.Hash(ktw[:], conBytes[:])
	addr := cryptox.Hash(key[:], []byte{0xFF})
	mask := cryptox.Hash(key[:], []byte{0x00})

	var ids []uuid.UUID
	for {
		val, ok := se[addr]
		if !ok {
			t.Fatalf("chain broke: address %x not found", addr)
		}

		eid := bytesx.XORNew(mask[:EidSize], val[:EidSize])
		id, _, err := DecryptEid(keys.Kg, w, keys.Con, eid)
		if err != nil {
			t.Fatalf("DecryptEid: %v", err)
		}
		ids = append(ids, id)

		rn := val[EidSize+8:]
		if bytesx.IsZero(rn) {
			break
		}
		next := bytesx.XORNew(addr[:], rn)
		copy(addr[:], next)
	}
	return ids
}

func rowsToMap(t *testing.T, blob []byte) map[[64]byte][136]byte {
	t.Helper()
	if len(blob)%RowSize != 0 {
		t.Fatalf("blob length %d not a multiple of RowSize %d", len(blob), RowSize)
	}
	out := make(map[[64]byte][136]byte)
	for i := 0; i < len(blob); i += RowSize {
		var addr [64]byte
		var val [136]byte
		copy(addr[:], blob[i:i+AddrSize])
		copy(val[:], blob[i+AddrSize:i+RowSize])
		out[addr] = val
	}
	return out
}

func TestProcess_SingleDocument_RnZero(t *testing.T) {
	keys := newTestKeys(t)
	id := uuid.New()

	kt := KeywordIndex{"alpha": {{DocID: id, Op: OpAdd}}}
	blob, err := Process(keys, kt)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(blob) != RowSize {
		t.Fatalf("blob length = %d, want %d", len(blob), RowSize)
	}

	se := rowsToMap(t, blob)
	ids := walkChain(t, keys, se, "alpha")
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("walkChain = %v, want [%v]", ids, id)
	}
}

func TestProcess_MultiDocumentChain_Terminates(t *testing.T) {
	keys := newTestKeys(t)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	entries := make([]Entry, len(ids))
	for i, id := range ids {
		entries[i] = Entry{DocID: id, Op: OpAdd}
	}
	kt := KeywordIndex{"beta": entries}

	blob, err := Process(keys, kt)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(blob) != RowSize*len(ids) {
		t.Fatalf("blob length = %d, want %d", len(blob), RowSize*len(ids))
	}

	se := rowsToMap(t, blob)
	got := walkChain(t, keys, se, "beta")
	if len(got) != len(ids) {
		t.Fatalf("walked %d entries, want %d", len(got), len(ids))
	}

	want := make(map[uuid.UUID]bool)
	for _, id := range ids {
		want[id] = true
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("walked unexpected id %v", id)
		}
		delete(want, id)
	}
	if len(want) != 0 {
		t.Errorf("missing ids from walk: %v", want)
	}
}

func TestProcess_TwoKeywordsShareDocument(t *testing.T) {
	keys := newTestKeys(t)
	id := uuid.New()

	kt := KeywordIndex{
		"alpha": {{DocID: id, Op: OpAdd}},
		"beta":  {{DocID: id, Op: OpAdd}},
	}
	blob, err := Process(keys, kt)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	se := rowsToMap(t, blob)
	for _, w := range []string{"alpha", "beta"} {
		ids := walkChain(t, keys, se, w)
		if len(ids) != 1 || ids[0] != id {
			t.Errorf("keyword %q: walkChain = %v, want [%v]", w, ids, id)
		}
	}
}

func TestProcess_OpRemoveTag(t *testing.T) {
	keys := newTestKeys(t)
	id := uuid.New()

	kt := KeywordIndex{"alpha": {{DocID: id, Op: OpRemove}}}
	blob, err := Process(keys, kt)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	se := rowsToMap(t, blob)

	ktw, _ := cryptox.PRF(keys.Kf, []byte("alpha"))
	conBytes := bytesx.Uint64LEBytes(keys.Con)
	key := cryptox.Hash(ktw[:], conBytes[:])
	addr := cryptox.Hash(key[:], []byte{0xFF})
	mask := cryptox.Hash(key[:], []byte{0x00})

	val := se[addr]
	eid := bytesx.XORNew(mask[:EidSize], val[:EidSize])
	gotID, op, err := DecryptEid(keys.Kg, "alpha", keys.Con, eid)
	if err != nil {
		t.Fatalf("DecryptEid: %v", err)
	}
	if gotID != id {
		t.Errorf("doc id mismatch: got %v want %v", gotID, id)
	}
	if op != OpRemove {
		t.Errorf("op = %d, want OpRemove", op)
	}
}

func TestDecryptEid_BitFlipFails(t *testing.T) {
	keys := newTestKeys(t)
	id := uuid.New()

	kt := KeywordIndex{"alpha": {{DocID: id, Op: OpAdd}}}
	blob, err := Process(keys, kt)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	se := rowsToMap(t, blob)

	ktw, _ := cryptox.PRF(keys.Kf, []byte("alpha"))
	conBytes := bytesx.Uint64LEBytes(keys.Con)
	key := cryptox.Hash(ktw[:], conBytes[:])
	addr := cryptox.Hash(key[:], []byte{0xFF})
	mask := cryptox.Hash(key[:], []byte{0x00})

	val := se[addr]
	eid := bytesx.XORNew(mask[:EidSize], val[:EidSize])
	eid[0] ^= 0x01 // flip a bit inside the mac region

	if _, _, err := DecryptEid(keys.Kg, "alpha", keys.Con, eid); err != cryptox.ErrDecryptionFailed {
		t.Errorf("DecryptEid with flipped bit = %v, want ErrDecryptionFailed", err)
	}
}
