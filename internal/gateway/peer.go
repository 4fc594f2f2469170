package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/backtestd/internal/protocol"
	"github.com/seantiz/backtestd/internal/registry"
)

var _ registry.Conn = (*peer)(nil)

// peer is the outbound half of a worker connection. gorilla/websocket allows
// one concurrent writer, so writes are serialized here.
type peer struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newPeer(ws *websocket.Conn, writeTimeout time.Duration) *peer {
	return &peer{ws: ws, writeTimeout: writeTimeout}
}

// Send encodes env and writes it as one text frame.
func (p *peer) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return registry.ErrSessionClosed
	}
	_ = p.ws.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket. The blocked reader
// returns once the socket is closed.
func (p *peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return p.ws.Close()
}
