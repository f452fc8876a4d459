// Package client implements the upload side: one setup connection, a pool
// of authenticated workers draining a shared chunk queue, and a final
// completion connection.
package client

import (
	"fmt"
	"net"

	"github.com/paraflow/paraflow/internal/auth"
	"github.com/paraflow/paraflow/internal/protocol"
)

// login drives the challenge-response handshake on a fresh connection and
// returns the server-issued session id.
func login(conn net.Conn, clientID, password string) (string, error) {
	if err := protocol.WriteMessage(conn, &protocol.LoginRequest{ClientID: clientID}); err != nil {
		return "", fmt.Errorf("send login request: %w", err)
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return "", fmt.Errorf("read challenge: %w", err)
	}
	challenge, ok := msg.(*protocol.LoginChallenge)
	if !ok {
		return "", fmt.Errorf("%w: expected LoginChallenge, got %T", protocol.ErrUnknownMessage, msg)
	}

	answer := auth.Answer(password, challenge.Salt)
	if err := protocol.WriteMessage(conn, &protocol.LoginAnswer{Hash: answer}); err != nil {
		return "", fmt.Errorf("send answer: %w", err)
	}

	msg, err = protocol.ReadMessage(conn)
	if err != nil {
		return "", fmt.Errorf("read welcome: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.Welcome:
		return m.SessionID, nil
	case *protocol.ErrorMessage:
		return "", fmt.Errorf("%w: %s", auth.ErrAccessDenied, m.Text)
	default:
		return "", fmt.Errorf("%w: expected Welcome, got %T", protocol.ErrUnknownMessage, msg)
	}
}
