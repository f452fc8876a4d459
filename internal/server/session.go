package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paraflow/paraflow/internal/auth"
	"github.com/paraflow/paraflow/internal/crypto"
	"github.com/paraflow/paraflow/internal/history"
	"github.com/paraflow/paraflow/internal/observability"
	"github.com/paraflow/paraflow/internal/protocol"
	"github.com/paraflow/paraflow/internal/storage"
)

var (
	// ErrUnauthenticated flags a post-login message on a connection that
	// has not completed the handshake.
	ErrUnauthenticated = errors.New("message received before authentication")

	// ErrUnexpectedMessage flags a message the current state cannot accept.
	ErrUnexpectedMessage = errors.New("unexpected message for session state")

	// ErrAuthFailed reports a rejected handshake answer.
	ErrAuthFailed = errors.New("authentication failed")
)

type sessionState int

const (
	awaitingLoginRequest sessionState = iota
	awaitingLoginAnswer
	authenticated
)

// session is the per-connection state machine. Message processing is
// strictly sequential, so no locking is needed inside a session.
type session struct {
	srv      *Server
	conn     net.Conn
	log      *observability.Logger
	state    sessionState
	salt     string
	clientID string
}

func newSession(srv *Server, conn net.Conn, log *observability.Logger) *session {
	return &session{
		srv:   srv,
		conn:  conn,
		log:   log,
		state: awaitingLoginRequest,
	}
}

// run services messages until the peer closes or a fatal fault occurs. A
// clean EOF between messages is a normal session end.
func (s *session) run() error {
	for {
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *session) handle(msg protocol.Message) error {
	switch s.state {
	case awaitingLoginRequest, awaitingLoginAnswer:
		return s.handleUnauthenticated(msg)
	case authenticated:
		return s.handleAuthenticated(msg)
	}
	return fmt.Errorf("%w: state %d", ErrUnexpectedMessage, s.state)
}

func (s *session) handleUnauthenticated(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.LoginRequest:
		// Every request regenerates the salt, including a repeated one.
		s.log.LoginAttempt(m.ClientID)
		s.salt = auth.GenerateSalt()
		s.clientID = m.ClientID
		s.state = awaitingLoginAnswer
		return protocol.WriteMessage(s.conn, &protocol.LoginChallenge{Salt: s.salt})

	case *protocol.LoginAnswer:
		if s.state != awaitingLoginAnswer {
			return fmt.Errorf("%w: answer without challenge", ErrUnexpectedMessage)
		}
		if !s.srv.Verifier.Verify(s.clientID, s.salt, m.Hash) {
			if s.srv.Metrics != nil {
				s.srv.Metrics.RecordAuth(false)
			}
			s.log.AuthResult(s.clientID, "", false)
			if err := protocol.WriteMessage(s.conn, &protocol.ErrorMessage{Text: "Access Denied"}); err != nil {
				return err
			}
			return ErrAuthFailed
		}

		sessionID := uuid.New().String()
		s.state = authenticated
		if s.srv.Metrics != nil {
			s.srv.Metrics.RecordAuth(true)
		}
		s.log.AuthResult(s.clientID, sessionID, true)
		return protocol.WriteMessage(s.conn, &protocol.Welcome{SessionID: sessionID})

	default:
		return fmt.Errorf("%w: %T", ErrUnauthenticated, msg)
	}
}

func (s *session) handleAuthenticated(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.InitUpload:
		return s.handleInitUpload(m)
	case *protocol.ChunkMeta:
		return s.handleChunkMeta(m)
	case *protocol.Complete:
		return s.handleComplete(m)
	default:
		return fmt.Errorf("%w: %T while authenticated", ErrUnexpectedMessage, msg)
	}
}

func (s *session) handleInitUpload(m *protocol.InitUpload) error {
	if strings.HasSuffix(m.FileName, ".sh") || strings.HasSuffix(m.FileName, ".exe") {
		s.log.Warn("forbidden file type rejected: " + m.FileName)
		return protocol.WriteMessage(s.conn, &protocol.ErrorMessage{Text: "Forbidden file type"})
	}
	if err := storage.ValidateName(m.FileName); err != nil {
		s.log.Warn("unsafe file name rejected: " + m.FileName)
		return protocol.WriteMessage(s.conn, &protocol.ErrorMessage{Text: "Invalid file name"})
	}

	uploadID := uuid.New().String()
	if err := s.srv.Store.CreateUploadDir(uploadID); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	s.log.UploadInitialized(uploadID, m.FileName, m.TotalSize)
	return protocol.WriteMessage(s.conn, &protocol.InitAck{ChunkSize: 0, UploadID: uploadID})
}

// maxPayloadSize bounds an announced chunk payload: a full chunk plus the
// AEAD nonce and tag. Anything larger is a corrupted or hostile header.
const maxPayloadSize = protocol.ChunkSize + crypto.NonceSize + 16

func (s *session) handleChunkMeta(m *protocol.ChunkMeta) error {
	if m.Size == 0 || m.Size > maxPayloadSize {
		return fmt.Errorf("%w: chunk payload size %d", ErrUnexpectedMessage, m.Size)
	}

	// The payload follows raw on the same connection, outside any frame.
	// It must be drained even if the chunk ends up rejected.
	payload := make([]byte, m.Size)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return fmt.Errorf("read chunk payload: %w", err)
	}

	// A traversal attempt in the upload id is an attack, not a bad chunk.
	if err := storage.ValidateName(m.UploadID); err != nil {
		return err
	}

	if crypto.DigestHex(payload) != m.Hash {
		return s.rejectChunk(m, "hash_mismatch")
	}

	plaintext, err := crypto.DecryptChunk(payload, s.srv.Key)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptFailed) {
			return s.rejectChunk(m, "decrypt_failed")
		}
		return err
	}

	if err := s.srv.Store.SaveChunk(m.UploadID, m.ChunkIndex, plaintext); err != nil {
		return fmt.Errorf("persist chunk %d: %w", m.ChunkIndex, err)
	}

	if s.srv.Metrics != nil {
		s.srv.Metrics.RecordChunkStored(int(m.Size))
	}
	s.log.ChunkStored(m.UploadID, m.ChunkIndex, len(plaintext))
	return protocol.WriteMessage(s.conn, &protocol.ChunkAck{ChunkIndex: m.ChunkIndex})
}

func (s *session) rejectChunk(m *protocol.ChunkMeta, reason string) error {
	if s.srv.Metrics != nil {
		s.srv.Metrics.RecordChunkReject(reason)
	}
	s.log.ChunkRejected(m.UploadID, m.ChunkIndex, reason)
	return protocol.WriteMessage(s.conn, &protocol.ChunkNack{ChunkIndex: m.ChunkIndex})
}

func (s *session) handleComplete(m *protocol.Complete) error {
	tracer := otel.Tracer("paraflow/server")
	_, span := tracer.Start(context.Background(), "merge_chunks", trace.WithAttributes(
		attribute.String("upload_id", m.UploadID),
		attribute.Int64("total_chunks", int64(m.TotalChunks)),
	))
	defer span.End()

	start := time.Now()
	err := s.srv.Store.MergeChunks(m.UploadID, m.FileName, m.TotalChunks)
	if err != nil {
		span.RecordError(err)
		if s.srv.Metrics != nil {
			s.srv.Metrics.RecordMerge(false, 0)
		}
		return fmt.Errorf("merge upload %s: %w", m.UploadID, err)
	}

	elapsed := time.Since(start)
	if s.srv.Metrics != nil {
		s.srv.Metrics.RecordMerge(true, elapsed.Seconds())
	}
	s.log.MergeCompleted(m.UploadID, m.FileName, m.TotalChunks, elapsed)
	s.recordHistory(m)

	// Complete is fire-and-forget: no reply is sent.
	return nil
}

// recordHistory appends the merged upload to the audit log. Failures are
// logged but never fail the session; the transfer itself already succeeded.
func (s *session) recordHistory(m *protocol.Complete) {
	if s.srv.History == nil {
		return
	}

	var size int64
	if fi, err := os.Stat(filepath.Join(s.srv.Store.Root(), m.FileName)); err == nil {
		size = fi.Size()
	}

	rec := history.Record{
		UploadID:    m.UploadID,
		FileName:    m.FileName,
		SizeBytes:   size,
		TotalChunks: m.TotalChunks,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.srv.History.Append(rec); err != nil {
		s.log.Error(err, "history append failed")
	}
}
