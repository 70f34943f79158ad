package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
)

// Dispatcher consumes decoded inbound frames.
type Dispatcher interface {
	Dispatch(ctx context.Context, c link.Conn, f protocol.Frame)
}

// Conn is a link.Conn over one WebSocket.
type Conn struct {
	id       string
	peerID   string
	outbound bool
	ws       *websocket.Conn
	table    *link.Table
	cfg      session.Config

	writeMu sync.Mutex
	lastRx  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New wraps ws. outbound is true on the dialing side and picks odd lids.
func New(ws *websocket.Conn, peerID string, outbound bool, cfg session.Config) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		peerID:   peerID,
		outbound: outbound,
		ws:       ws,
		table:    link.NewTable(outbound),
		cfg:      cfg.WithDefaults(),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.lastRx.Store(time.Now().UnixNano())
	return c
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) PeerID() string     { return c.peerID }
func (c *Conn) Outbound() bool     { return c.outbound }
func (c *Conn) Links() *link.Table { return c.table }

func (c *Conn) Touch(at time.Time) {
	c.lastRx.Store(at.UnixNano())
}

// LastSeen is the receive time of the latest inbound frame.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastRx.Load())
}

// Done is closed once the read loop has exited and the table is abandoned.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Tx(f protocol.Frame) error {
	raw, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return link.ErrDisconnected
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger().Debug().Err(err).Str("conn", c.id).Str("peer", c.peerID).Str("type", string(f.Type)).Msg("write failed")
		c.Close()
		return fmt.Errorf("%w: %v", link.ErrDisconnected, err)
	}
	return nil
}

func (c *Conn) TxError(lid int64, err error) error {
	return c.Tx(link.ErrorFrame(lid, err))
}

// Close shuts the socket; the read loop notices and abandons the table.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// Run reads frames until the socket fails or ctx ends. It returns nil on a
// normal close.
func (c *Conn) Run(ctx context.Context, d Dispatcher) error {
	defer close(c.done)
	defer link.Abandon(c)
	defer c.Close()

	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(ctx)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	logger().Info().Str("conn", c.id).Str("peer", c.peerID).Bool("outbound", c.outbound).Msg("link transport up")
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			return c.readExit(err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.Touch(time.Now())
		f, err := protocol.Decode(raw)
		if err != nil {
			logger().Warn().Err(err).Str("conn", c.id).Str("peer", c.peerID).Msg("frame dropped")
			continue
		}
		d.Dispatch(ctx, c, f)
	}
}

func (c *Conn) readExit(err error) error {
	select {
	case <-c.closed:
		logger().Info().Str("conn", c.id).Str("peer", c.peerID).Msg("link transport closed")
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger().Info().Str("conn", c.id).Str("peer", c.peerID).Msg("link transport closed by peer")
		return nil
	}
	logger().Warn().Err(err).Str("conn", c.id).Str("peer", c.peerID).Msg("link transport lost")
	return err
}

// heartbeat sends a ping frame every interval and drops the connection once
// nothing has arrived for longer than dead_after.
func (c *Conn) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case now := <-ticker.C:
			if silent := now.Sub(c.LastSeen()); silent > c.cfg.SessionDeadAfter {
				logger().Warn().Str("conn", c.id).Str("peer", c.peerID).Dur("silent", silent).Msg("peer dead, closing")
				c.Close()
				return
			}
			if err := c.Tx(protocol.Frame{Type: protocol.TypePing}); err != nil && !errors.Is(err, link.ErrDisconnected) {
				logger().Debug().Err(err).Str("conn", c.id).Msg("ping failed")
			}
		}
	}
}
