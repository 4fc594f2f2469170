// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"errors"
	"sync"

	"github.com/seantiz/backtestd/internal/protocol"
)

// Conn records every envelope sent to it.
type Conn struct {
	mu      sync.Mutex
	sent    []*protocol.Envelope
	closed  bool
	sendErr error
}

// NewConn returns an open recording connection.
func NewConn() *Conn {
	return &Conn{}
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Send records env.
func (c *Conn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("registrytest: send on closed conn")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Sent returns a copy of the recorded envelopes.
func (c *Conn) Sent() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Envelope(nil), c.sent...)
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
