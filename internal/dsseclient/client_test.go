package dsseclient

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/config"
	"github.com/vaultmesh/apocm/internal/dssewire"
	"github.com/vaultmesh/apocm/internal/searchengine"
	"github.com/vaultmesh/apocm/internal/serverstore"
)

// writeTempFile writes content to a new file under t.TempDir() and returns
// its path, for tests exercising Add's read-then-tokenize contract.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// serveOne handles exactly one client connection the way internal/dsseserver
// does: read the opcode, dispatch to the add path or the
// two-round search path, using the real internal/serverstore and
// internal/searchengine packages.
func serveOne(t *testing.T, store *serverstore.Store, userID string, conn net.Conn) {
	t.Helper()
	defer conn.Close()

	if _, err := dssewire.ReadUserHeader(conn); err != nil {
		t.Errorf("server: ReadUserHeader: %v", err)
		return
	}

	op, err := dssewire.ReadOpcode(conn)
	if err != nil {
		t.Errorf("server: ReadOpcode: %v", err)
		return
	}

	switch op {
	case dssewire.OpAdd:
		seBlob, docBlob, err := dssewire.ReadAddRequest(conn)
		if err != nil {
			t.Errorf("server: ReadAddRequest: %v", err)
			return
		}
		if len(seBlob) > 0 {
			if err := store.AppendSe(userID, seBlob); err != nil {
				t.Errorf("server: AppendSe: %v", err)
				return
			}
		}
		frames, err := dssewire.DecodeDocBlob(docBlob)
		if err != nil {
			t.Errorf("server: DecodeDocBlob: %v", err)
			return
		}
		for _, f := range frames {
			if err := store.AppendDocument(userID, f); err != nil {
				t.Errorf("server: AppendDocument: %v", err)
				return
			}
		}
	case dssewire.OpSearch:
		trapdoor, ktw, con, err := dssewire.ReadSearchRequest1(conn)
		if err != nil {
			t.Errorf("server: ReadSearchRequest1: %v", err)
			return
		}
		id1, id2, _, err := searchengine.Search(store, userID, trapdoor, ktw, con)
		if err != nil {
			t.Errorf("server: Search: %v", err)
			return
		}
		if err := dssewire.WriteSearchResponse1(conn, id1, id2); err != nil {
			t.Errorf("server: WriteSearchResponse1: %v", err)
			return
		}
		id1Final, conFinal, err := dssewire.ReadSearchRequest2(conn)
		if err != nil {
			t.Errorf("server: ReadSearchRequest2: %v", err)
			return
		}
		if err := searchengine.Finalize(store, userID, trapdoor, id1Final, conFinal); err != nil {
			t.Errorf("server: Finalize: %v", err)
			return
		}
	default:
		t.Errorf("server: unexpected opcode %d", op)
	}
}

func startTestServer(t *testing.T, store *serverstore.Store, userID string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveOne(t, store, userID, conn)
		}
	}()
	return ln.Addr().String()
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg := config.ClientConfig{
		KeysPath:      filepath.Join(dir, "keys.enc"),
		ServerAddress: addr,
		UserID:        "alice",
		DialTimeout:   2 * time.Second,
		LogLevel:      "info",
		LogFormat:     "text",
		ManifestPath:  filepath.Join(dir, "manifest.enc"),
	}
	return NewClient(cfg, nil, nil)
}

func TestClient_AddThenSearch(t *testing.T) {
	store := serverstore.New(t.TempDir())
	addr := startTestServer(t, store, "alice")
	client := newTestClient(t, addr)

	password := []byte("correct horse battery staple")

	path := writeTempFile(t, "doc.txt", "alpha beta hello world")
	ids, err := client.Add(password, []string{path})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("len(ids) = %d, want 1", len(ids))
	}

	got, err := client.Search(password, "alpha")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0] != ids[0] {
		t.Errorf("Search(alpha) = %v, want [%v]", got, ids[0])
	}

	got, err = client.Search(password, "beta")
	if err != nil {
		t.Fatalf("Search(beta): %v", err)
	}
	if len(got) != 1 || got[0] != ids[0] {
		t.Errorf("Search(beta) = %v, want [%v]", got, ids[0])
	}

	got, err = client.Search(password, "gamma")
	if err != nil {
		t.Fatalf("Search(gamma): %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Search(gamma) = %v, want empty", got)
	}
}

func TestClient_CachedSearchAfterFinalize(t *testing.T) {
	store := serverstore.New(t.TempDir())
	addr := startTestServer(t, store, "alice")
	client := newTestClient(t, addr)

	password := []byte("another passphrase entirely")

	path1 := writeTempFile(t, "doc1.txt", "alpha doc one")
	ids, err := client.Add(password, []string{path1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := client.Search(password, "alpha"); err != nil {
		t.Fatalf("first Search: %v", err)
	}

	path2 := writeTempFile(t, "doc2.txt", "alpha doc two")
	ids2, err := client.Add(password, []string{path2})
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}

	got, err := client.Search(password, "alpha")
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	want := map[uuid.UUID]bool{ids[0]: true, ids2[0]: true}
	if len(got) != len(want) {
		t.Fatalf("Search(alpha) = %v, want 2 entries", got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected id %v in result", id)
		}
	}
}

func TestClient_Remove(t *testing.T) {
	store := serverstore.New(t.TempDir())
	addr := startTestServer(t, store, "alice")
	client := newTestClient(t, addr)

	password := []byte("yet another passphrase")

	path := writeTempFile(t, "doc.txt", "alpha doc one")
	ids, err := client.Add(password, []string{path})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := client.Remove(password, ids); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, err := client.Search(password, "alpha")
	if err != nil {
		t.Fatalf("Search after remove: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Search(alpha) after remove = %v, want empty", got)
	}
}

func TestClient_SetupCreatesKeystoreOnFirstUse(t *testing.T) {
	store := serverstore.New(t.TempDir())
	addr := startTestServer(t, store, "alice")
	client := newTestClient(t, addr)

	password := []byte("first run password")

	// No keystore exists yet; Add should provision one via loadOrSetupKeys.
	path := writeTempFile(t, "doc.txt", "alpha hi")
	ids, err := client.Add(password, []string{path})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("len(ids) = %d, want 1", len(ids))
	}
}

// TestClient_Add_SkipsNonRegularFiles exercises spec.md §4.5's warn-and-skip
// rule: a directory among the paths is skipped rather than failing the
// whole batch, and the files that are regular still upload normally.
func TestClient_Add_SkipsNonRegularFiles(t *testing.T) {
	store := serverstore.New(t.TempDir())
	addr := startTestServer(t, store, "alice")
	client := newTestClient(t, addr)

	password := []byte("skip-non-regular passphrase")

	dir := t.TempDir()
	nonRegular := dir // a directory, not a regular file
	regular := writeTempFile(t, "doc.txt", "alpha beta")

	ids, err := client.Add(password, []string{nonRegular, regular})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("len(ids) = %d, want 1 (directory should have been skipped)", len(ids))
	}

	got, err := client.Search(password, "alpha")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0] != ids[0] {
		t.Errorf("Search(alpha) = %v, want [%v]", got, ids[0])
	}
}

// TestClient_Add_AllPathsSkippedReturnsError covers the case where every
// path is non-regular or unreadable: Add must fail rather than silently
// uploading nothing.
func TestClient_Add_AllPathsSkippedReturnsError(t *testing.T) {
	store := serverstore.New(t.TempDir())
	addr := startTestServer(t, store, "alice")
	client := newTestClient(t, addr)

	password := []byte("all-skipped passphrase")

	if _, err := client.Add(password, []string{t.TempDir()}); err == nil {
		t.Error("Add with only a directory path should return an error")
	}
}
