package jsonrpc

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsSender wraps one client websocket connection, serialising writes so
// that "outgoing messages are strictly ordered by the writer side of the
// client socket" (spec §5) even though many goroutines (dispatcher pushes,
// request/response handling) may want to write concurrently. It implements
// registry.Sender.
type wsSender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

// Send writes payload as a single text message. A write failure is treated
// as a disconnect by the caller (spec §4.6, §7); this sender marks itself
// closed so subsequent Send calls fail fast without touching a torn-down
// socket (spec P3: "no further message is attempted to that client").
func (s *wsSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClientClosed
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.closed = true
		return err
	}
	return nil
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.conn.Close()
}

type sendErr struct{ msg string }

func (e sendErr) Error() string { return e.msg }

var errClientClosed = sendErr{"jsonrpc: client connection closed"}
