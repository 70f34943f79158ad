// Package linktest provides in-memory connections and peers for link tests.
package linktest

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
)

// Conn records every transmitted frame. When wired into a Pipe, frames are
// also delivered to the other side.
type Conn struct {
	id     string
	peerID string
	table  *link.Table

	mu       sync.Mutex
	frames   []protocol.Frame
	attempts int
	touched  time.Time
	txErr    error
	deliver  func(protocol.Frame)
}

// NewConn returns a recording connection. outbound picks the lid parity.
func NewConn(peerID string, outbound bool) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		peerID: peerID,
		table:  link.NewTable(outbound),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) PeerID() string     { return c.peerID }
func (c *Conn) Links() *link.Table { return c.table }

func (c *Conn) Tx(f protocol.Frame) error {
	c.mu.Lock()
	c.attempts++
	if c.txErr != nil {
		err := c.txErr
		c.mu.Unlock()
		return err
	}
	c.frames = append(c.frames, f)
	deliver := c.deliver
	c.mu.Unlock()
	if deliver != nil {
		deliver(f)
	}
	return nil
}

func (c *Conn) TxError(lid int64, err error) error {
	return c.Tx(link.ErrorFrame(lid, err))
}

func (c *Conn) Touch(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touched = at
}

func (c *Conn) Touched() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touched
}

// Attempts counts Tx calls, failed ones included.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// FailTx makes every later Tx return err; nil restores delivery.
func (c *Conn) FailTx(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txErr = err
}

// Frames returns a copy of everything sent so far.
func (c *Conn) Frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.frames...)
}

// Sent returns the frames of type t.
func (c *Conn) Sent(t protocol.Type) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range c.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// Last returns the most recent frame, false when nothing was sent.
func (c *Conn) Last() (protocol.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return protocol.Frame{}, false
	}
	return c.frames[len(c.frames)-1], true
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
