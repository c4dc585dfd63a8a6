// Package pipe provides an in-memory pair of connected connectors.
package pipe

import (
	"context"
	"sync"

	"github.com/teslamotors/keyexchange/pkg/connector"
)

// Connection is one end of a pipe. It implements connector.Connector.
type Connection struct {
	inbox     chan connector.Event
	done      chan struct{}
	closeOnce sync.Once
	lock      sync.Mutex
	peer      *Connection
	chunkSize int
}

// New returns two connected ends. Events sent on one end are received on the other. Closing
// either end closes both.
func New(chunkSize int) (*Connection, *Connection) {
	a := newConnection(chunkSize)
	b := newConnection(chunkSize)
	a.peer = b
	b.peer = a
	return a, b
}

func newConnection(chunkSize int) *Connection {
	return &Connection{
		inbox:     make(chan connector.Event, connector.BufferSize),
		done:      make(chan struct{}),
		chunkSize: chunkSize,
	}
}

func (c *Connection) Receive() <-chan connector.Event {
	return c.inbox
}

func (c *Connection) ChunkSize() int {
	return c.chunkSize
}

// Send blocks until the peer has room for event, ctx expires, or either end is closed.
func (c *Connection) Send(ctx context.Context, event connector.Event) error {
	peer := c.peer
	// Holding the peer's lock prevents its inbox from being closed mid-send.
	peer.lock.Lock()
	defer peer.lock.Unlock()
	select {
	case <-c.done:
		return connector.ErrClosed
	case <-peer.done:
		return connector.ErrClosed
	default:
	}
	select {
	case peer.inbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return connector.ErrClosed
	case <-peer.done:
		return connector.ErrClosed
	}
}

func (c *Connection) Close() {
	c.shutdown()
	c.peer.shutdown()
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.lock.Lock()
		close(c.inbox)
		c.lock.Unlock()
	})
}
