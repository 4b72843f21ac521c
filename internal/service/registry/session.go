package registry

import (
	"sync"

	"github.com/gorilla/websocket"
)

// CloseSuperseded is sent when a newer connection for the same user
// evicts this one.
const CloseSuperseded = 4001

type (
	// Conn is the subset of *websocket.Conn a session needs. Narrowed
	// so tests can substitute a fake transport.
	Conn interface {
		WriteJSON(v interface{}) error
		WriteMessage(messageType int, data []byte) error
		Close() error
	}

	// Session is one authenticated connection. Created on successful
	// auth, destroyed on disconnect or when a newer session for the
	// same user evicts it.
	Session struct {
		ID        string
		UserID    string
		PeerID    string
		PublicKey []byte

		conn    Conn
		writeMu sync.Mutex
	}
)

func NewSession(id, userID, peerID string, publicKey []byte, conn Conn) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		PeerID:    peerID,
		PublicKey: publicKey,
		conn:      conn,
	}
}

// Send writes a JSON frame. Websocket connections allow a single
// writer, so all writes funnel through the session's mutex.
func (s *Session) Send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// CloseWithCode sends a close frame with the given code and reason,
// then closes the transport.
func (s *Session) CloseWithCode(code int, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}
