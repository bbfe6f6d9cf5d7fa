// Package dsseserver accepts client connections and dispatches each one to
// the add or search path against a single internal/serverstore.Store. One
// connection carries exactly one request (spec.md §6), so the dispatcher's
// job is a single opcode read followed by one of two fixed sequences.
//
// Grounded on original_source/server/protocol.cpp's main request loop
// (read opcode, branch on OpAdd/OpSearch, serialize all work for one user
// behind a lock) and on internal/control's accept-loop shape (one goroutine
// per connection, panic recovery, connection-count metrics).
package dsseserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vaultmesh/apocm/internal/dssewire"
	"github.com/vaultmesh/apocm/internal/index"
	"github.com/vaultmesh/apocm/internal/logging"
	"github.com/vaultmesh/apocm/internal/metrics"
	"github.com/vaultmesh/apocm/internal/recovery"
	"github.com/vaultmesh/apocm/internal/searchengine"
	"github.com/vaultmesh/apocm/internal/serverstore"
)

// Server dispatches client connections against one store. Requests for the
// same user are serialized through a per-user mutex; requests for distinct
// users run concurrently.
type Server struct {
	store   *serverstore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// New returns a Server backed by store. A nil logger becomes
// logging.NopLogger and a nil metrics.Metrics becomes an unregistered
// instance.
func New(store *serverstore.Store, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		store:     store,
		logger:    logger,
		metrics:   m,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding userID's on-disk state, creating it on
// first use. Every user gets its own lock so one user's search walk never
// blocks another user's add.
func (s *Server) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// Serve accepts connections on ln until it is closed or ctx-like shutdown is
// requested via ln.Close from another goroutine. Each connection is handled
// in its own recovered goroutine and is expected to carry exactly one
// request before the peer closes it.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dsseserver: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer recovery.RecoverWithLog(s.logger, "dsseserver.handleConn")
	defer conn.Close()

	s.metrics.RecordConnect()
	defer s.metrics.RecordDisconnect()

	remote := conn.RemoteAddr().String()
	if err := s.handle(conn); err != nil {
		s.metrics.RecordConnectionError(classifyError(err))
		s.logger.Warn("connection handling failed",
			logging.KeyRemoteAddr, remote,
			logging.KeyError, err.Error())
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, dssewire.ErrTransport):
		return "transport"
	case errors.Is(err, dssewire.ErrCorruptedResponse):
		return "corrupted_request"
	case errors.Is(err, serverstore.ErrInvalidUserID):
		return "invalid_user"
	case errors.Is(err, serverstore.ErrCorruptedStore):
		return "corrupted_store"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	default:
		return "other"
	}
}

// handle reads exactly one request from conn and dispatches it. Every
// connection begins with the user header dsseclient.dial writes, ahead of
// spec.md's own opcode-tagged frames.
func (s *Server) handle(conn net.Conn) error {
	userID, err := dssewire.ReadUserHeader(conn)
	if err != nil {
		return fmt.Errorf("read user header: %w", err)
	}
	if err := serverstore.ValidateUserID(userID); err != nil {
		return err
	}

	op, err := dssewire.ReadOpcode(conn)
	if err != nil {
		return fmt.Errorf("read opcode: %w", err)
	}

	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	switch op {
	case dssewire.OpAdd:
		return s.handleAdd(conn, userID)
	case dssewire.OpSearch:
		return s.handleSearch(conn, userID)
	default:
		return fmt.Errorf("%w: unknown opcode %d", dssewire.ErrTransport, op)
	}
}

func (s *Server) handleAdd(conn net.Conn, userID string) error {
	seBlob, docBlob, err := dssewire.ReadAddRequest(conn)
	if err != nil {
		s.metrics.RecordAddError("transport")
		return fmt.Errorf("read add request: %w", err)
	}
	s.logger.Debug("add request received",
		logging.KeyUserID, userID,
		"se_bytes", humanize.Bytes(uint64(len(seBlob))),
		"doc_bytes", humanize.Bytes(uint64(len(docBlob))))

	if len(seBlob) > 0 {
		if err := s.store.AppendSe(userID, seBlob); err != nil {
			s.metrics.RecordAddError("append_se")
			return fmt.Errorf("append Se: %w", err)
		}
	}

	frames, err := dssewire.DecodeDocBlob(docBlob)
	if err != nil {
		s.metrics.RecordAddError("decode_doc_blob")
		return fmt.Errorf("decode doc blob: %w", err)
	}
	for _, f := range frames {
		if err := s.store.AppendDocument(userID, f); err != nil {
			s.metrics.RecordAddError("append_document")
			return fmt.Errorf("append document: %w", err)
		}
	}

	s.metrics.RecordAdd(len(frames), len(seBlob)/index.RowSize)
	s.logger.Info("add request handled",
		logging.KeyUserID, userID,
		logging.KeyCount, len(frames))
	return nil
}

func (s *Server) handleSearch(conn net.Conn, userID string) error {
	start := time.Now()

	t, ktw, conClient, err := dssewire.ReadSearchRequest1(conn)
	if err != nil {
		return fmt.Errorf("read search request 1: %w", err)
	}

	id1, id2, _, err := searchengine.Search(s.store, userID, t, ktw, conClient)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if err := dssewire.WriteSearchResponse1(conn, id1, id2); err != nil {
		return fmt.Errorf("write search response 1: %w", err)
	}
	chains := make(map[uint64]struct{}, len(id2))
	for _, e := range id2 {
		chains[e.Con] = struct{}{}
	}
	s.metrics.RecordSearch(time.Since(start).Seconds(), len(chains), len(id2))

	id1Final, conFinal, err := dssewire.ReadSearchRequest2(conn)
	if err != nil {
		return fmt.Errorf("read search request 2: %w", err)
	}
	if err := searchengine.Finalize(s.store, userID, t, id1Final, conFinal); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	s.metrics.RecordSearchFinalize()

	s.logger.Info("search request handled",
		logging.KeyUserID, userID,
		logging.KeyCount, len(id1Final))
	return nil
}
