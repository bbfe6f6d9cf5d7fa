// Package dsseclient drives the DSSE wire protocol from the client side:
// add, remove, and the two-round search exchange. Every exported method
// loads the keystore, does its work, and wipes the keys before returning
// (spec.md §9 invariant 1) — callers never see key material linger past a
// single call.
//
// Grounded on internal/control.Client's shape (a thin struct wrapping a
// dial target, one method per RPC, a private helper for the connection),
// generalized from an HTTP-over-Unix-socket client to a raw length-prefixed
// stream client, and on original_source/client/protocol.cpp's
// load-or-setup-keys flow.
package dsseclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultmesh/apocm/internal/config"
	"github.com/vaultmesh/apocm/internal/cryptox"
	"github.com/vaultmesh/apocm/internal/docenc"
	"github.com/vaultmesh/apocm/internal/dssewire"
	"github.com/vaultmesh/apocm/internal/index"
	"github.com/vaultmesh/apocm/internal/keystore"
	"github.com/vaultmesh/apocm/internal/logging"
	"github.com/vaultmesh/apocm/internal/metrics"
	"github.com/vaultmesh/apocm/internal/tokenize"
)

// Client drives add/remove/search against one dsse-server for one user.
type Client struct {
	cfg     config.ClientConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient returns a Client for cfg. A nil logger becomes logging.NopLogger
// and a nil metrics.Metrics becomes an unregistered instance, so callers
// that don't care about observability can pass nils.
func NewClient(cfg config.ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	return &Client{cfg: cfg, logger: logger, metrics: m}
}

// dial opens a connection to the server and immediately sends the user
// header every request begins with, so every caller gets a
// ready-to-use connection without repeating that step.
func (c *Client) dial() (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	var conn net.Conn
	var err error
	if after, ok := strings.CutPrefix(c.cfg.ServerAddress, "unix:"); ok {
		conn, err = d.DialContext(context.Background(), "unix", after)
	} else {
		conn, err = d.DialContext(context.Background(), "tcp", c.cfg.ServerAddress)
	}
	if err != nil {
		return nil, err
	}
	if err := dssewire.WriteUserHeader(conn, c.cfg.UserID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write user header: %w", err)
	}
	return conn, nil
}

// Setup creates a fresh keystore under password at cfg.KeysPath. It is the
// client-side analogue of original_source/client/keystore.cpp's setup():
// called once, the first time a user runs the client, when Load returns
// keystore.ErrKeysNotFound.
func (c *Client) Setup(password []byte) error {
	keys, err := keystore.Create()
	if err != nil {
		return fmt.Errorf("dsseclient: setup: %w", err)
	}
	defer keys.Wipe()

	if err := keys.Store(c.cfg.KeysPath, password); err != nil {
		return fmt.Errorf("dsseclient: setup: store keys: %w", err)
	}
	c.logger.Info("keystore created", logging.KeyPath, c.cfg.KeysPath)
	return nil
}

// loadOrSetupKeys mirrors the reference client's load_or_setup_keys: try to
// load, and only provision a new keystore on ErrKeysNotFound.
func (c *Client) loadOrSetupKeys(password []byte) (*keystore.Keys, error) {
	keys, err := keystore.Load(c.cfg.KeysPath, password)
	if errors.Is(err, keystore.ErrKeysNotFound) {
		if err := c.Setup(password); err != nil {
			return nil, err
		}
		return keystore.Load(c.cfg.KeysPath, password)
	}
	return keys, err
}

// addDoc is one file successfully read and tokenized by readAddDocuments.
type addDoc struct {
	id        uuid.UUID
	keywords  []string
	plaintext []byte
}

// readAddDocuments reads each of paths, skipping (with a logged warning)
// any path that does not name a regular file or that cannot be read, and
// tokenizes the rest into the keyword set each is filed under (spec.md
// §4.5). The returned slice omits skipped paths entirely; callers index it
// directly, there is no placeholder for a skip.
func (c *Client) readAddDocuments(paths []string) []addDoc {
	docs := make([]addDoc, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			c.logger.Warn("skipping unreadable path", logging.KeyPath, p, logging.KeyError, err.Error())
			continue
		}
		if !info.Mode().IsRegular() {
			c.logger.Warn("skipping non-regular file", logging.KeyPath, p)
			continue
		}
		content, err := os.ReadFile(p)
		if err != nil {
			c.logger.Warn("skipping unreadable path", logging.KeyPath, p, logging.KeyError, err.Error())
			continue
		}
		docs = append(docs, addDoc{
			id:        uuid.New(),
			keywords:  tokenize.Keywords(content),
			plaintext: content,
		})
	}
	return docs
}

// Add reads each of paths (spec.md §4.5: non-regular paths are warned and
// skipped), tokenizes every file's content into its keyword set, and
// uploads the resulting index plus the encrypted documents. Returns the
// uuid assigned to each successfully read path, in the order the paths
// that survived filtering were read. index.Process runs before the network
// round so a transport failure never mutates the keystore's Con.
func (c *Client) Add(password []byte, paths []string) ([]uuid.UUID, error) {
	docs := c.readAddDocuments(paths)
	if len(docs) == 0 {
		return nil, fmt.Errorf("dsseclient: add: no regular files among %d path(s)", len(paths))
	}

	keys, err := c.loadOrSetupKeys(password)
	if err != nil {
		c.metrics.RecordAddError("keystore_load")
		return nil, fmt.Errorf("dsseclient: add: %w", err)
	}
	defer keys.Wipe()

	kt := index.KeywordIndex{}
	for _, d := range docs {
		for _, w := range d.keywords {
			kt[w] = append(kt[w], index.Entry{DocID: d.id, Op: index.OpAdd})
		}
	}

	seBlob, err := index.Process(keys, kt)
	if err != nil {
		c.metrics.RecordAddError("index_process")
		return nil, fmt.Errorf("dsseclient: add: build index: %w", err)
	}

	frames := make([]dssewire.DocFrame, len(docs))
	for i, d := range docs {
		env, err := docenc.Encrypt(keys.Kd, d.id, d.plaintext)
		if err != nil {
			c.metrics.RecordAddError("document_encrypt")
			return nil, fmt.Errorf("dsseclient: add: encrypt document: %w", err)
		}
		frames[i] = dssewire.DocFrame{ID: d.id, Envelope: env[docenc.ADSize:]}
	}
	docBlob := dssewire.EncodeDocBlob(frames)

	conn, err := c.dial()
	if err != nil {
		c.metrics.RecordConnectionError("dial")
		return nil, fmt.Errorf("dsseclient: add: dial: %w", err)
	}
	defer conn.Close()
	c.metrics.RecordConnect()
	defer c.metrics.RecordDisconnect()

	if err := dssewire.WriteAddRequest(conn, seBlob, docBlob); err != nil {
		c.metrics.RecordAddError("transport")
		return nil, fmt.Errorf("dsseclient: add: %w", err)
	}

	// The upload succeeded; only now is it safe to retire this epoch.
	keys.Con--
	if err := keys.Store(c.cfg.KeysPath, password); err != nil {
		return nil, fmt.Errorf("dsseclient: add: persist keystore: %w", err)
	}

	man, err := loadManifest(c.cfg.ManifestPath, keys.Kd)
	if err != nil {
		c.logger.Warn("manifest load failed, continuing without manifest update", logging.KeyError, err.Error())
		man = manifest{}
	}
	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = d.id
		man[d.id] = append([]string(nil), d.keywords...)
	}
	if err := saveManifest(c.cfg.ManifestPath, keys.Kd, man); err != nil {
		c.logger.Warn("manifest save failed", logging.KeyError, err.Error())
	}

	c.metrics.RecordAdd(len(docs), len(kt))
	c.logger.Info("add completed", logging.KeyCount, len(docs))
	return ids, nil
}

// Remove tags every keyword the manifest associates with each id as an
// OpRemove tombstone and uploads them through the same add path the
// wire protocol defines (spec.md has no remove wire format of its own;
// SPEC_FULL.md §10 wires OpRemove-tagged entries through the OpAdd opcode).
func (c *Client) Remove(password []byte, ids []uuid.UUID) error {
	keys, err := c.loadOrSetupKeys(password)
	if err != nil {
		c.metrics.RecordAddError("keystore_load")
		return fmt.Errorf("dsseclient: remove: %w", err)
	}
	defer keys.Wipe()

	man, err := loadManifest(c.cfg.ManifestPath, keys.Kd)
	if err != nil {
		return fmt.Errorf("dsseclient: remove: load manifest: %w", err)
	}

	kt := index.KeywordIndex{}
	for _, id := range ids {
		kws, ok := man[id]
		if !ok {
			return fmt.Errorf("dsseclient: remove: no manifest entry for %s", id)
		}
		for _, w := range kws {
			kt[w] = append(kt[w], index.Entry{DocID: id, Op: index.OpRemove})
		}
	}

	seBlob, err := index.Process(keys, kt)
	if err != nil {
		c.metrics.RecordAddError("index_process")
		return fmt.Errorf("dsseclient: remove: build index: %w", err)
	}

	conn, err := c.dial()
	if err != nil {
		c.metrics.RecordConnectionError("dial")
		return fmt.Errorf("dsseclient: remove: dial: %w", err)
	}
	defer conn.Close()
	c.metrics.RecordConnect()
	defer c.metrics.RecordDisconnect()

	if err := dssewire.WriteAddRequest(conn, seBlob, nil); err != nil {
		c.metrics.RecordAddError("transport")
		return fmt.Errorf("dsseclient: remove: %w", err)
	}

	keys.Con--
	if err := keys.Store(c.cfg.KeysPath, password); err != nil {
		return fmt.Errorf("dsseclient: remove: persist keystore: %w", err)
	}

	for _, id := range ids {
		delete(man, id)
	}
	if err := saveManifest(c.cfg.ManifestPath, keys.Kd, man); err != nil {
		c.logger.Warn("manifest save failed", logging.KeyError, err.Error())
	}

	c.logger.Info("remove completed", logging.KeyCount, len(ids))
	return nil
}

// Search runs the two-round search protocol for keyword w and returns the
// set of document ids currently filed under it.
func (c *Client) Search(password []byte, w string) ([]uuid.UUID, error) {
	keys, err := keystore.Load(c.cfg.KeysPath, password)
	if err != nil {
		return nil, fmt.Errorf("dsseclient: search: %w", err)
	}
	defer keys.Wipe()

	t, err := cryptox.PRF(keys.Kt, []byte(w))
	if err != nil {
		keys.Wipe()
		return nil, fmt.Errorf("dsseclient: search: derive trapdoor: %w", err)
	}
	ktw, err := cryptox.PRF(keys.Kf, []byte(w))
	if err != nil {
		keys.Wipe()
		return nil, fmt.Errorf("dsseclient: search: derive KTw: %w", err)
	}
	conSnapshot := keys.Con
	keys.Wipe()

	conn, err := c.dial()
	if err != nil {
		c.metrics.RecordConnectionError("dial")
		return nil, fmt.Errorf("dsseclient: search: dial: %w", err)
	}
	defer conn.Close()
	c.metrics.RecordConnect()
	defer c.metrics.RecordDisconnect()

	start := time.Now()
	if err := dssewire.WriteSearchRequest1(conn, t, ktw, conSnapshot); err != nil {
		return nil, fmt.Errorf("dsseclient: search: %w", err)
	}
	id1, id2, err := dssewire.ReadSearchResponse1(conn)
	if err != nil {
		return nil, fmt.Errorf("dsseclient: search: %w", err)
	}
	chains := make(map[uint64]struct{}, len(id2))
	for _, e := range id2 {
		chains[e.Con] = struct{}{}
	}
	c.metrics.RecordSearch(time.Since(start).Seconds(), len(chains), len(id2))

	// Reload keys only to recover Kg for decrypting the round-1 Eid
	// entries; everything else about this search has already been
	// decided with conSnapshot and the now-wiped t/ktw.
	keys2, err := keystore.Load(c.cfg.KeysPath, password)
	if err != nil {
		return nil, fmt.Errorf("dsseclient: search: reload keys: %w", err)
	}
	defer keys2.Wipe()

	present := make(map[uuid.UUID]bool, len(id1)+len(id2))
	for _, id := range id1 {
		present[id] = true
	}
	for _, e := range id2 {
		id, op, err := index.DecryptEid(keys2.Kg, w, e.Con, e.Eid[:])
		if err != nil {
			if errors.Is(err, cryptox.ErrDecryptionFailed) {
				c.metrics.RecordAEADVerifyFailure()
			}
			c.logger.Warn("skipping undecryptable search entry", logging.KeyError, err.Error())
			continue
		}
		switch op {
		case index.OpAdd:
			present[id] = true
		case index.OpRemove:
			delete(present, id)
		}
	}

	final := make([]uuid.UUID, 0, len(present))
	for id := range present {
		final = append(final, id)
	}
	sort.Slice(final, func(i, j int) bool { return final[i].String() < final[j].String() })

	if err := dssewire.WriteSearchRequest2(conn, final, conSnapshot); err != nil {
		return nil, fmt.Errorf("dsseclient: search: %w", err)
	}
	c.metrics.RecordSearchFinalize()

	return final, nil
}
