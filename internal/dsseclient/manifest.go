package dsseclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/docenc"
)

// manifest tracks which keywords each document was filed under, so a later
// Remove call knows which trapdoors to tag with index.OpRemove without the
// caller having to repeat the keyword list. It has no counterpart in
// spec.md — the wire protocol only ever names a document by uuid — and
// exists purely as client-side bookkeeping (SPEC_FULL.md §10).
type manifest map[uuid.UUID][]string

// manifestDocID is the fixed identifier docenc binds the manifest blob to.
// The manifest is not a protocol document, so it has no uuid of its own;
// uuid.Nil is reserved for it.
var manifestDocID = uuid.Nil

func loadManifest(path string, kd [32]byte) (manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dsseclient: read manifest: %w", err)
	}

	_, plaintext, err := docenc.Decrypt(kd, data)
	if err != nil {
		return nil, fmt.Errorf("dsseclient: decrypt manifest: %w", err)
	}

	m := manifest{}
	if len(plaintext) > 0 {
		if err := json.Unmarshal(plaintext, &m); err != nil {
			return nil, fmt.Errorf("dsseclient: parse manifest: %w", err)
		}
	}
	return m, nil
}

func saveManifest(path string, kd [32]byte, m manifest) error {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("dsseclient: encode manifest: %w", err)
	}

	blob, err := docenc.Encrypt(kd, manifestDocID, plaintext)
	if err != nil {
		return fmt.Errorf("dsseclient: encrypt manifest: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest.enc.tmp-*")
	if err != nil {
		return fmt.Errorf("dsseclient: create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dsseclient: write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dsseclient: close temp manifest: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dsseclient: chmod temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dsseclient: rename manifest into place: %w", err)
	}
	return nil
}
