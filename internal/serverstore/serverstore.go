// Package serverstore manages the server's per-user on-disk state: the
// encrypted index Se.enc, the result cache Sr.enc, and per-document
// <hex(uuid)>.enc files.
//
// Grounded on original_source/server/protocol.cpp (is_valid_filename,
// create_user_directory, the Se/Sr row formats, and the document append
// loop), with the atomic-rewrite discipline carried over from
// internal/keystore's Store (temp file + rename, owner-only permissions
// where the reference leaves the mode unspecified).
package serverstore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/vaultmesh/apocm/internal/bytesx"
	"github.com/vaultmesh/apocm/internal/dssewire"
)

const (
	seRowSize  = 200 // addr(64) || val(136)
	addrSize   = 64
	valSize    = 136
	trapdoorSz = 32

	seFileName = "Se.enc"
	srFileName = "Sr.enc"
)

// ErrInvalidUserID is returned when a user id fails path-traversal
// validation.
var ErrInvalidUserID = errors.New("serverstore: invalid user id")

// ErrCorruptedStore is returned when an on-disk file's length or framing is
// inconsistent with its fixed or length-prefixed row format.
var ErrCorruptedStore = errors.New("serverstore: corrupted store file")

// ValidateUserID rejects empty, oversized, or path-traversing user ids, per
// original_source/server/protocol.cpp's is_valid_filename.
func ValidateUserID(id string) error {
	if id == "" || len(id) > 255 {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

// Store roots all per-user state under a single base directory.
type Store struct {
	baseDir string
}

// New returns a Store rooted at baseDir. baseDir is created on first use by
// EnsureUserDir, not by New itself.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// EnsureUserDir validates userID and creates its directory if absent,
// returning the directory path.
func (s *Store) EnsureUserDir(userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.baseDir, userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("serverstore: create user directory: %w", err)
	}
	return dir, nil
}

// ListUsers returns the user ids with an existing directory under baseDir,
// for callers (the compaction scheduler) that need to sweep every known
// user without being told the set up front. A missing base directory is
// treated as no users yet.
func (s *Store) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("serverstore: list users: %w", err)
	}
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	return users, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("serverstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("serverstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("serverstore: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("serverstore: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("serverstore: rename into place: %w", err)
	}
	return nil
}

// --- Se.enc ---

// LoadSe reads the user's Se.enc file into an in-memory map keyed by
// address. A missing file is treated as empty.
func (s *Store) LoadSe(userID string) (map[[addrSize]byte][valSize]byte, error) {
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, seFileName))
	if errors.Is(err, os.ErrNotExist) {
		return map[[addrSize]byte][valSize]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("serverstore: read Se.enc: %w", err)
	}
	if len(data)%seRowSize != 0 {
		return nil, fmt.Errorf("%w: Se.enc length %d not a multiple of %d", ErrCorruptedStore, len(data), seRowSize)
	}

	se := make(map[[addrSize]byte][valSize]byte, len(data)/seRowSize)
	for off := 0; off < len(data); off += seRowSize {
		var addr [addrSize]byte
		var val [valSize]byte
		copy(addr[:], data[off:off+addrSize])
		copy(val[:], data[off+addrSize:off+seRowSize])
		se[addr] = val
	}
	return se, nil
}

// AppendSe appends pre-serialized 200-byte rows (as produced by
// internal/index.Process) to the user's Se.enc without reading the existing
// file, matching the append-only write policy.
func (s *Store) AppendSe(userID string, rows []byte) error {
	if len(rows)%seRowSize != 0 {
		return fmt.Errorf("%w: Se_blob length %d not a multiple of %d", ErrCorruptedStore, len(rows), seRowSize)
	}
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, seFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("serverstore: open Se.enc: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(rows); err != nil {
		return fmt.Errorf("serverstore: append Se.enc: %w", err)
	}
	return nil
}

// RewriteSe replaces the user's Se.enc in full (never appended to after a
// search consumes entries, per spec.md §4.7). Rows are written in
// address-sorted order so repeated rewrites of an unchanged map are
// byte-identical.
func (s *Store) RewriteSe(userID string, se map[[addrSize]byte][valSize]byte) error {
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return err
	}

	addrs := make([][addrSize]byte, 0, len(se))
	for addr := range se {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

	out := make([]byte, 0, seRowSize*len(addrs))
	for _, addr := range addrs {
		val := se[addr]
		out = append(out, addr[:]...)
		out = append(out, val[:]...)
	}

	return atomicWrite(filepath.Join(dir, seFileName), out)
}

// --- Sr.enc ---

// SrEntry is the cached result of the last search for a trapdoor.
type SrEntry struct {
	Con   uint64
	UUIDs []uuid.UUID
}

// LoadSr reads the user's Sr.enc into memory, keyed by trapdoor. A missing
// file is treated as empty.
func (s *Store) LoadSr(userID string) (map[[trapdoorSz]byte]SrEntry, error) {
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, srFileName))
	if errors.Is(err, os.ErrNotExist) {
		return map[[trapdoorSz]byte]SrEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("serverstore: read Sr.enc: %w", err)
	}

	sr := make(map[[trapdoorSz]byte]SrEntry)
	off := 0
	for off < len(data) {
		if off+trapdoorSz+8 > len(data) {
			return nil, fmt.Errorf("%w: Sr.enc row header truncated", ErrCorruptedStore)
		}
		var t [trapdoorSz]byte
		copy(t[:], data[off:off+trapdoorSz])
		off += trapdoorSz

		rowLen := binary.LittleEndian.Uint64(data[off : off+8])
		off += 8

		if rowLen < 8 || (rowLen-8)%16 != 0 {
			return nil, fmt.Errorf("%w: Sr.enc payload length %d malformed", ErrCorruptedStore, rowLen)
		}
		if uint64(off)+rowLen > uint64(len(data)) {
			return nil, fmt.Errorf("%w: Sr.enc row overruns file", ErrCorruptedStore)
		}

		payload := data[off : uint64(off)+rowLen]
		off += int(rowLen)

		con := binary.LittleEndian.Uint64(payload[:8])
		uuidBytes := payload[8:]
		ids := make([]uuid.UUID, 0, len(uuidBytes)/16)
		for u := 0; u < len(uuidBytes); u += 16 {
			id, err := uuid.FromBytes(uuidBytes[u : u+16])
			if err != nil {
				return nil, fmt.Errorf("%w: parse Sr uuid: %v", ErrCorruptedStore, err)
			}
			ids = append(ids, id)
		}

		sr[t] = SrEntry{Con: con, UUIDs: ids}
	}
	return sr, nil
}

// RewriteSr replaces the user's Sr.enc in full, atomically.
func (s *Store) RewriteSr(userID string, sr map[[trapdoorSz]byte]SrEntry) error {
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return err
	}

	ts := make([][trapdoorSz]byte, 0, len(sr))
	for t := range sr {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return bytes.Compare(ts[i][:], ts[j][:]) < 0 })

	var out []byte
	for _, t := range ts {
		entry := sr[t]
		payload := make([]byte, 8+16*len(entry.UUIDs))
		binary.LittleEndian.PutUint64(payload[:8], entry.Con)
		for i, id := range entry.UUIDs {
			copy(payload[8+16*i:8+16*(i+1)], id[:])
		}

		lenBytes := bytesx.Uint64LEBytes(uint64(len(payload)))
		out = append(out, t[:]...)
		out = append(out, lenBytes[:]...)
		out = append(out, payload...)
	}

	return atomicWrite(filepath.Join(dir, srFileName), out)
}

// --- documents ---

func documentPath(dir string, id uuid.UUID) string {
	return filepath.Join(dir, hex.EncodeToString(id[:])+".enc")
}

// AppendDocument re-appends the full frame the server received for one
// document — uuid(16) || doc_len:u64 || envelope(doc_len) — to that
// document's append-only file.
func (s *Store) AppendDocument(userID string, frame dssewire.DocFrame) error {
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(documentPath(dir, frame.ID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("serverstore: open document file: %w", err)
	}
	defer f.Close()

	lenBytes := bytesx.Uint64LEBytes(uint64(len(frame.Envelope)))
	if _, err := f.Write(frame.ID[:]); err != nil {
		return fmt.Errorf("serverstore: write document id: %w", err)
	}
	if _, err := f.Write(lenBytes[:]); err != nil {
		return fmt.Errorf("serverstore: write document length: %w", err)
	}
	if _, err := f.Write(frame.Envelope); err != nil {
		return fmt.Errorf("serverstore: write document body: %w", err)
	}
	return nil
}

// LoadLatestDocument returns the most recently appended envelope for id, or
// os.ErrNotExist if no document file exists for it.
func (s *Store) LoadLatestDocument(userID string, id uuid.UUID) ([]byte, error) {
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(documentPath(dir, id))
	if err != nil {
		return nil, err
	}

	var last []byte
	off := 0
	for off < len(data) {
		if off+16+8 > len(data) {
			return nil, fmt.Errorf("%w: document frame header truncated", ErrCorruptedStore)
		}
		off += 16
		docLen := binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
		if uint64(off)+docLen > uint64(len(data)) {
			return nil, fmt.Errorf("%w: document frame overruns file", ErrCorruptedStore)
		}
		last = data[off : uint64(off)+docLen]
		off += int(docLen)
	}
	if last == nil {
		return nil, fmt.Errorf("%w: empty document file", ErrCorruptedStore)
	}
	return last, nil
}

// Compact rewrites Se.enc with duplicate addresses resolved to their last
// write, eliminating any partial final row left by a torn append (the
// per-user mutex in internal/dsseserver should prevent concurrent writers,
// but a process crash mid-append can still leave one). It has no semantic
// effect on a store with no torn writes. It returns the number of rows the
// rewrite dropped (duplicates plus any torn trailing row), for metrics.
func (s *Store) Compact(userID string) (int, error) {
	dir, err := s.EnsureUserDir(userID)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(filepath.Join(dir, seFileName))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("serverstore: read Se.enc: %w", err)
	}

	usable := len(data) - (len(data) % seRowSize)
	totalRows := usable / seRowSize
	se := make(map[[addrSize]byte][valSize]byte, totalRows)
	for off := 0; off < usable; off += seRowSize {
		var addr [addrSize]byte
		var val [valSize]byte
		copy(addr[:], data[off:off+addrSize])
		copy(val[:], data[off+addrSize:off+seRowSize])
		se[addr] = val
	}
	dropped := totalRows - len(se)
	if len(data) != usable {
		dropped++
	}

	return dropped, s.RewriteSe(userID, se)
}
