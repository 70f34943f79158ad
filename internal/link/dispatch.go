package link

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
)

// Adopter accepts a freshly created master endpoint for a shard.
type Adopter interface {
	AdoptSlave(ep *Endpoint) error
}

// Target is where a shard request lands: a local shard, or the connection to
// the peer that owns it.
type Target struct {
	Shard    Adopter
	Upstream Conn
}

// Resolver finds the target for a shard descriptor.
type Resolver interface {
	ResolveShard(ctx context.Context, desc protocol.ShardDescriptor) (Target, error)
}

type route func(ctx context.Context, c Conn, f protocol.Frame) error

// Dispatcher routes inbound frames by type. It holds no per-link state; the
// connection's table is the only state it touches.
type Dispatcher struct {
	resolver Resolver
	now      func() time.Time
	routes   map[protocol.Type]route
}

func NewDispatcher(resolver Resolver) *Dispatcher {
	d := &Dispatcher{resolver: resolver, now: time.Now}
	d.routes = map[protocol.Type]route{
		protocol.TypePing:    d.onPing,
		protocol.TypePong:    d.onPong,
		protocol.TypeShard:   d.onShard,
		protocol.TypeOpen:    d.onOpen,
		protocol.TypeClose:   d.onClose,
		protocol.TypeError:   d.onError,
		protocol.TypeCommand: d.onCommand,
	}
	return d
}

// Dispatch handles one decoded frame from c. Failures are answered on the
// wire where possible and logged; they never stop the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, c Conn, f protocol.Frame) {
	r, ok := d.routes[f.Type]
	if !ok {
		logger().Warn().Str("conn", c.ID()).Str("type", string(f.Type)).Msg("unroutable frame")
		observability.RecordFrame(string(f.Type), "unroutable")
		return
	}
	err := r(ctx, c, f)
	observability.RecordFrame(string(f.Type), outcome(err))
	if err != nil {
		logger().Debug().Err(err).
			Str("conn", c.ID()).
			Str("peer", c.PeerID()).
			Str("type", string(f.Type)).
			Int64("lid", f.Lid).
			Msg("dispatch failed")
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(CodeOf(err))
}

// getLink resolves f.Lid on c. Unknown ids are reported to the sender unless
// the frame is itself an error, which would risk an error ping-pong.
func (d *Dispatcher) getLink(c Conn, f protocol.Frame) (Socket, error) {
	if f.Lid == 0 {
		logger().Warn().Str("conn", c.ID()).Str("type", string(f.Type)).Msg("frame without lid dropped")
		return nil, protocol.ErrMissingLid
	}
	s, ok := c.Links().Get(f.Lid)
	if ok {
		return s, nil
	}
	err := NewError(CodeMissingLink, "no link %d", f.Lid)
	if f.Type == protocol.TypeError {
		logger().Warn().Str("conn", c.ID()).Int64("lid", f.Lid).Str("code", f.Code).Str("message", f.Message).
			Msg("error frame for unknown link")
		return nil, err
	}
	if txErr := c.TxError(f.Lid, err); txErr != nil {
		return nil, errors.Join(err, txErr)
	}
	return nil, err
}

func (d *Dispatcher) onPing(_ context.Context, c Conn, _ protocol.Frame) error {
	c.Touch(d.now())
	return nil
}

// onPong is reserved for round-trip accounting.
func (d *Dispatcher) onPong(_ context.Context, c Conn, _ protocol.Frame) error {
	logger().Trace().Str("conn", c.ID()).Msg("pong")
	return nil
}

func (d *Dispatcher) onShard(ctx context.Context, c Conn, f protocol.Frame) error {
	if f.NewLid == 0 {
		logger().Warn().Str("conn", c.ID()).Msg("shard request without newLid dropped")
		return protocol.ErrMissingNewLid
	}
	if f.Shard == nil || f.Shard.Name == "" {
		err := NewError(CodeMissingShard, "shard descriptor required")
		return errors.Join(err, c.TxError(f.NewLid, err))
	}
	if d.resolver == nil {
		err := NewError(CodeMissingShard, "%s: no resolver", f.Shard)
		return errors.Join(err, c.TxError(f.NewLid, err))
	}

	target, err := d.resolver.ResolveShard(ctx, *f.Shard)
	if err != nil {
		return errors.Join(err, c.TxError(f.NewLid, err))
	}

	switch {
	case target.Shard != nil:
		ep := NewMaster(c, f.NewLid, f.Handlers)
		if err := c.Links().Add(f.NewLid, ep); err != nil {
			return errors.Join(err, c.TxError(f.NewLid, NewError(CodeUnexpected, "%v", err)))
		}
		if err := target.Shard.AdoptSlave(ep); err != nil {
			c.Links().DelIf(f.NewLid, ep)
			return errors.Join(err, c.TxError(f.NewLid, err))
		}
		logger().Debug().Str("conn", c.ID()).Int64("lid", f.NewLid).Str("shard", f.Shard.String()).Msg("slave link adopted")
		return nil
	case target.Upstream != nil:
		return d.relayShard(c, f, target.Upstream)
	default:
		err := NewError(CodeMissingShard, "%s", f.Shard)
		return errors.Join(err, c.TxError(f.NewLid, err))
	}
}

// relayShard forwards a shard request to the owning peer through a relay pair.
func (d *Dispatcher) relayShard(c Conn, f protocol.Frame, upstream Conn) error {
	pair := NewPair(c, f.NewLid, upstream, upstream.Links().Alloc())
	if err := pair.Register(); err != nil {
		return errors.Join(err, c.TxError(f.NewLid, NewError(CodeUnexpected, "%v", err)))
	}
	near, far := pair.Near(), pair.Far()
	out := f
	out.NewLid = far.Lid()
	if err := upstream.Tx(out); err != nil {
		pair.Unlink()
		c.Links().DelIf(near.Lid(), near)
		upstream.Links().DelIf(far.Lid(), far)
		return errors.Join(err, c.TxError(f.NewLid, ErrDisconnected))
	}
	logger().Debug().
		Str("conn", c.ID()).
		Str("upstream", upstream.PeerID()).
		Int64("lid", f.NewLid).
		Int64("upstream_lid", far.Lid()).
		Str("shard", f.Shard.String()).
		Msg("shard request relayed")
	return nil
}

func (d *Dispatcher) onOpen(_ context.Context, c Conn, f protocol.Frame) error {
	s, err := d.getLink(c, f)
	if err != nil {
		return err
	}
	switch s := s.(type) {
	case *Relay:
		return s.Forward(f)
	case *Endpoint:
		data, err := protocol.DecodeOpenData(f.Data)
		if err != nil {
			le := NewError(CodeInvalidSynced, "%v", err)
			le.Subject = c.PeerID()
			return s.Fail(le)
		}
		s.Open(f.Handlers, data)
		return nil
	case *Callback:
		return c.TxError(f.Lid, NewError(CodeMissingHandler, "link %d has no open handler", f.Lid))
	default:
		return invalidSocket(c, f)
	}
}

func (d *Dispatcher) onClose(_ context.Context, c Conn, f protocol.Frame) error {
	s, err := d.getLink(c, f)
	if err != nil {
		return err
	}
	c.Links().Del(f.Lid)
	switch s := s.(type) {
	case *Relay:
		return s.Release(f)
	case *Callback:
		s.Invoke(nil, f.Data)
		return nil
	case *Endpoint:
		s.detach()
		reason := &Error{Code: CodeClosed, Message: "closed by peer", Subject: c.PeerID(), Data: f.Data}
		return s.Close(reason)
	default:
		return invalidSocket(c, f)
	}
}

func (d *Dispatcher) onError(_ context.Context, c Conn, f protocol.Frame) error {
	s, err := d.getLink(c, f)
	if err != nil {
		return err
	}
	c.Links().Del(f.Lid)
	rx := &Error{
		Code:    Code(f.Code),
		Message: f.Message,
		Subject: c.PeerID(),
		Data:    f.Data,
	}
	if rx.Code == "" {
		rx.Code = CodeRxError
	}
	switch s := s.(type) {
	case *Relay:
		return s.Release(f)
	case *Callback:
		s.Invoke(rx, nil)
		return nil
	case *Endpoint:
		s.detach()
		return s.Error(rx)
	default:
		return invalidSocket(c, f)
	}
}

func (d *Dispatcher) onCommand(_ context.Context, c Conn, f protocol.Frame) error {
	s, err := d.getLink(c, f)
	if err != nil {
		return err
	}
	switch s := s.(type) {
	case *Relay:
		return s.ForwardCommand(f)
	case *Callback:
		return rejectCommand(c, f, nil, NewError(CodeMissingHandler, "%q", f.Name))
	case *Endpoint:
		h, err := s.Lookup(f.Name)
		if err != nil {
			return rejectCommand(c, f, s, err)
		}
		var reply *Endpoint
		if f.NewLid != 0 {
			reply = NewMaster(c, f.NewLid, nil)
			if err := c.Links().Add(f.NewLid, reply); err != nil {
				return errors.Join(err, c.TxError(f.NewLid, NewError(CodeUnexpected, "%v", err)))
			}
			reply.Open(nil, protocol.OpenData{})
		}
		if err := h(f.Data, reply); err != nil {
			if reply != nil {
				return reply.Fail(err)
			}
			return s.Fail(err)
		}
		return nil
	default:
		return invalidSocket(c, f)
	}
}

// rejectCommand answers on the reply lid when the caller opened one;
// otherwise the link itself fails.
func rejectCommand(c Conn, f protocol.Frame, s *Endpoint, err error) error {
	if f.NewLid != 0 {
		return errors.Join(err, c.TxError(f.NewLid, err))
	}
	if s != nil {
		return errors.Join(err, s.Fail(err))
	}
	return errors.Join(err, c.TxError(f.Lid, err))
}

func invalidSocket(c Conn, f protocol.Frame) error {
	err := NewError(CodeInvalidSocket, "link %d holds an unknown socket", f.Lid)
	logger().Error().Err(err).Str("conn", c.ID()).Str("type", string(f.Type)).Msg("invalid socket")
	return err
}
