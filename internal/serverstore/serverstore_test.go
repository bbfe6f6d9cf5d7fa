package serverstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/dssewire"
)

func TestValidateUserID(t *testing.T) {
	cases := []struct {
		id      string
		wantErr bool
	}{
		{"alice", false},
		{"", true},
		{"../etc/passwd", true},
		{"a/b", true},
		{"a\\b", true},
		{string(make([]byte, 256)), true},
	}
	for _, c := range cases {
		err := ValidateUserID(c.id)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateUserID(%q) err=%v, wantErr=%v", c.id, err, c.wantErr)
		}
	}
}

func TestSe_AppendLoadRewrite_RoundTrip(t *testing.T) {
	store := New(t.TempDir())

	var addr1, addr2 [64]byte
	addr1[0] = 1
	addr2[0] = 2
	var val1, val2 [136]byte
	val1[0] = 0xAA
	val2[0] = 0xBB

	row1 := append(append([]byte{}, addr1[:]...), val1[:]...)
	row2 := append(append([]byte{}, addr2[:]...), val2[:]...)

	if err := store.AppendSe("alice", row1); err != nil {
		t.Fatalf("AppendSe: %v", err)
	}
	if err := store.AppendSe("alice", row2); err != nil {
		t.Fatalf("AppendSe: %v", err)
	}

	se, err := store.LoadSe("alice")
	if err != nil {
		t.Fatalf("LoadSe: %v", err)
	}
	if len(se) != 2 || se[addr1] != val1 || se[addr2] != val2 {
		t.Fatalf("LoadSe after append = %v", se)
	}

	delete(se, addr1)
	if err := store.RewriteSe("alice", se); err != nil {
		t.Fatalf("RewriteSe: %v", err)
	}

	se2, err := store.LoadSe("alice")
	if err != nil {
		t.Fatalf("LoadSe after rewrite: %v", err)
	}
	if len(se2) != 1 {
		t.Fatalf("LoadSe after rewrite = %v, want 1 entry", se2)
	}
	if _, ok := se2[addr1]; ok {
		t.Error("rewrite did not drop deleted address")
	}
	if se2[addr2] != val2 {
		t.Error("rewrite lost remaining entry")
	}
}

func TestSe_LoadMissingFile(t *testing.T) {
	store := New(t.TempDir())
	se, err := store.LoadSe("bob")
	if err != nil {
		t.Fatalf("LoadSe on missing file: %v", err)
	}
	if len(se) != 0 {
		t.Errorf("expected empty map, got %v", se)
	}
}

func TestSe_AppendWrongSizeFails(t *testing.T) {
	store := New(t.TempDir())
	if err := store.AppendSe("alice", make([]byte, 199)); !errors.Is(err, ErrCorruptedStore) {
		t.Errorf("AppendSe with bad size = %v, want ErrCorruptedStore", err)
	}
}

func TestSr_RewriteLoad_RoundTrip(t *testing.T) {
	store := New(t.TempDir())

	var t1 [32]byte
	t1[0] = 0xAA
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	sr := map[[32]byte]SrEntry{
		t1: {Con: 0xFFFFFFFFFFFFFFFD, UUIDs: ids},
	}
	if err := store.RewriteSr("alice", sr); err != nil {
		t.Fatalf("RewriteSr: %v", err)
	}

	got, err := store.LoadSr("alice")
	if err != nil {
		t.Fatalf("LoadSr: %v", err)
	}
	entry, ok := got[t1]
	if !ok {
		t.Fatalf("trapdoor missing after round trip: %v", got)
	}
	if entry.Con != sr[t1].Con {
		t.Errorf("Con mismatch: got %x want %x", entry.Con, sr[t1].Con)
	}
	if len(entry.UUIDs) != len(ids) || entry.UUIDs[0] != ids[0] || entry.UUIDs[1] != ids[1] {
		t.Errorf("uuids mismatch: got %v want %v", entry.UUIDs, ids)
	}
}

func TestSr_LoadMissingFile(t *testing.T) {
	store := New(t.TempDir())
	sr, err := store.LoadSr("nobody")
	if err != nil {
		t.Fatalf("LoadSr on missing file: %v", err)
	}
	if len(sr) != 0 {
		t.Errorf("expected empty map, got %v", sr)
	}
}

func TestDocument_AppendLoadLatest(t *testing.T) {
	store := New(t.TempDir())
	id := uuid.New()

	env1 := bytes.Repeat([]byte{0x01}, 40+5)
	env2 := bytes.Repeat([]byte{0x02}, 40+7)

	if err := store.AppendDocument("alice", dssewire.DocFrame{ID: id, Envelope: env1}); err != nil {
		t.Fatalf("AppendDocument: %v", err)
	}
	if err := store.AppendDocument("alice", dssewire.DocFrame{ID: id, Envelope: env2}); err != nil {
		t.Fatalf("AppendDocument: %v", err)
	}

	latest, err := store.LoadLatestDocument("alice", id)
	if err != nil {
		t.Fatalf("LoadLatestDocument: %v", err)
	}
	if !bytes.Equal(latest, env2) {
		t.Errorf("LoadLatestDocument = %x, want %x", latest, env2)
	}
}

func TestCompact_DeduplicatesTornAppend(t *testing.T) {
	store := New(t.TempDir())

	var addr [64]byte
	addr[0] = 7
	var val1, val2 [136]byte
	val1[0] = 1
	val2[0] = 2

	row1 := append(append([]byte{}, addr[:]...), val1[:]...)
	row2 := append(append([]byte{}, addr[:]...), val2[:]...)

	if err := store.AppendSe("alice", row1); err != nil {
		t.Fatalf("AppendSe: %v", err)
	}
	if err := store.AppendSe("alice", row2); err != nil {
		t.Fatalf("AppendSe: %v", err)
	}

	dropped, err := store.Compact("alice")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if dropped != 1 {
		t.Errorf("Compact reported %d dropped rows, want 1", dropped)
	}

	se, err := store.LoadSe("alice")
	if err != nil {
		t.Fatalf("LoadSe: %v", err)
	}
	if len(se) != 1 {
		t.Fatalf("Compact left %d entries, want 1", len(se))
	}
	if se[addr] != val2 {
		t.Error("Compact did not keep the last write for a duplicated address")
	}
}
