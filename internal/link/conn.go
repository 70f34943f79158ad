package link

import (
	"time"

	"github.com/danmuck/linkctl/internal/protocol"
)

// Conn is one transport connection as the link layer sees it.
type Conn interface {
	// ID is unique per connection; PeerID names the remote node.
	ID() string
	PeerID() string
	Tx(f protocol.Frame) error
	TxError(lid int64, err error) error
	Links() *Table
	// Touch records the receive time of the latest inbound frame.
	Touch(at time.Time)
}

// ErrorFrame renders err as an error frame addressed to lid.
func ErrorFrame(lid int64, err error) protocol.Frame {
	le := AsError(err)
	return protocol.Frame{
		Type:    protocol.TypeError,
		Lid:     lid,
		Code:    string(le.Code),
		Message: le.Message,
		Data:    le.Data,
	}
}

// Abandon finalizes every socket registered on c after the transport is gone.
// Endpoints close with DISCONNECTED, callbacks receive DISCONNECTED and relays
// tell their far side.
func Abandon(c Conn) {
	for lid, s := range c.Links().Drain() {
		switch s := s.(type) {
		case *Endpoint:
			s.detach()
			if err := s.Close(ErrDisconnected); err != nil {
				logger().Error().Err(err).Str("conn", c.ID()).Int64("lid", lid).Msg("close on disconnect")
			}
		case *Callback:
			s.Invoke(ErrDisconnected, nil)
		case *Relay:
			if err := s.Release(ErrorFrame(lid, ErrDisconnected)); err != nil {
				logger().Debug().Err(err).Str("conn", c.ID()).Int64("lid", lid).Msg("relay release on disconnect")
			}
		}
	}
}
