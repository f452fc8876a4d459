// Package server implements the ParaFlow upload server: a TCP listener that
// runs one independent session per accepted connection.
package server

import (
	"errors"
	"net"

	"github.com/paraflow/paraflow/internal/auth"
	"github.com/paraflow/paraflow/internal/history"
	"github.com/paraflow/paraflow/internal/observability"
	"github.com/paraflow/paraflow/internal/storage"
)

// Server wires the transfer core together. Metrics and History are optional;
// nil disables them.
type Server struct {
	Store    *storage.Store
	Verifier *auth.Verifier
	Key      []byte
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	History  *history.History
}

// New creates a server. A nil logger is replaced with a no-op one.
func New(store *storage.Store, verifier *auth.Verifier, key []byte, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{
		Store:    store,
		Verifier: verifier,
		Key:      key,
		Logger:   logger,
	}
}

// Serve accepts connections until the listener is closed. Each connection
// gets its own goroutine; a session failure never affects the accept loop.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	log := s.Logger.WithConn(conn.RemoteAddr().String())
	log.Info("connection accepted")
	if s.Metrics != nil {
		s.Metrics.RecordConnectionOpen()
		defer s.Metrics.RecordConnectionClose()
	}

	sess := newSession(s, conn, log)
	if err := sess.run(); err != nil {
		log.Error(err, "session terminated")
		return
	}
	log.Info("connection closed")
}
