package shard

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
)

// Peer is the remote node that owns a shard.
type Peer interface {
	ID() string
	IsConnected() bool
	// Conn is the live transport connection, nil while disconnected.
	Conn() link.Conn
	// OnceConnected runs fn on the next connected transition. cancel reports
	// whether fn was removed before it ran.
	OnceConnected(fn func()) (cancel func() bool)
}

type connectorConfig struct {
	delay    time.Duration
	done     func(error)
	handlers map[string]link.Handler
}

type ConnectorOption func(*connectorConfig)

// WithRetryDelay overrides the fixed wait before relinking after DISCONNECTED.
func WithRetryDelay(d time.Duration) ConnectorOption {
	return func(c *connectorConfig) {
		c.delay = d
	}
}

// WithDone registers the completion callback of the master link.
func WithDone(fn func(error)) ConnectorOption {
	return func(c *connectorConfig) {
		c.done = fn
	}
}

// WithSlaveHandler exposes an extra command to the authoritative peer.
func WithSlaveHandler(name string, h link.Handler) ConnectorOption {
	return func(c *connectorConfig) {
		c.handlers[name] = h
	}
}

// MasterConnector keeps one slave endpoint linked to the authoritative peer
// of a shard, across disconnects.
type MasterConnector struct {
	peer  Peer
	ep    *link.Endpoint
	delay time.Duration

	mu      sync.Mutex
	shard   *Shard
	timer   *time.Timer
	unwatch func() bool
}

// NewMasterConnector installs itself as the shard's master and starts
// connecting. It fails with duplicitMaster if the shard already has one.
func NewMasterConnector(s *Shard, p Peer, opts ...ConnectorOption) (*MasterConnector, error) {
	cfg := connectorConfig{
		delay:    session.DefaultConfig().ReconnectDelay,
		handlers: make(map[string]link.Handler),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &MasterConnector{peer: p, delay: cfg.delay, shard: s}
	if err := s.setMaster(c); err != nil {
		logger().Error().Err(err).Str("shard", s.Name()).Str("peer", p.ID()).Msg("master connector rejected")
		return nil, err
	}

	epOpts := []link.Option{
		link.WithHandler(SyncedCommand, c.onSynced),
		link.WithHooks(link.Hooks{Open: c.onOpen, Teardown: c.teardown}),
	}
	if cfg.done != nil {
		epOpts = append(epOpts, link.OnDone(cfg.done))
	}
	for name, h := range cfg.handlers {
		epOpts = append(epOpts, link.WithHandler(name, h))
	}
	c.ep = link.NewSlave(epOpts...)

	c.connect()
	return c, nil
}

func (c *MasterConnector) Endpoint() *link.Endpoint { return c.ep }
func (c *MasterConnector) Peer() Peer               { return c.peer }

// Shard is nil once the connector has been dismantled.
func (c *MasterConnector) Shard() *Shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shard
}

// RetryPending reports whether a relink timer is armed.
func (c *MasterConnector) RetryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// WaitingForPeer reports whether a connected-event subscription is live.
func (c *MasterConnector) WaitingForPeer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unwatch != nil
}

func (c *MasterConnector) connect() {
	c.mu.Lock()
	s := c.shard
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	if s == nil {
		return
	}

	conn := c.peer.Conn()
	if !c.peer.IsConnected() || conn == nil {
		c.waitForPeer(s)
		return
	}

	lid := c.ep.Bind(conn)
	desc := s.Identify()
	err := conn.Tx(protocol.Frame{
		Type:     protocol.TypeShard,
		NewLid:   lid,
		Handlers: c.ep.Handlers(),
		Shard:    &desc,
	})
	if err != nil {
		conn.Links().DelIf(lid, c.ep)
		observability.RecordConnectAttempt(s.Name(), "tx_failed")
		logger().Warn().Err(err).Str("shard", s.Name()).Str("peer", c.peer.ID()).Dur("delay", c.delay).Msg("master establish not sent, relink scheduled")
		// The peer can still report connected while its transport winds down,
		// so wait out the relink delay instead of re-checking connectivity.
		c.ep.Complete(link.ErrDisconnected)
		c.scheduleRetry()
		return
	}
	observability.RecordConnectAttempt(s.Name(), "sent")
	logger().Debug().Str("shard", s.Name()).Str("peer", c.peer.ID()).Int64("lid", lid).Msg("master establish sent")
}

// waitForPeer reports DISCONNECTED and retries on the next connected edge.
func (c *MasterConnector) waitForPeer(s *Shard) {
	observability.RecordConnectAttempt(s.Name(), "disconnected")
	c.ep.Complete(link.ErrDisconnected)

	c.mu.Lock()
	if c.shard == nil || c.unwatch != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cancel := c.peer.OnceConnected(c.onPeerConnected)
	c.mu.Lock()
	if c.shard == nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.unwatch = cancel
	c.mu.Unlock()

	// The peer may have connected between the check and the subscription.
	if c.peer.IsConnected() && cancel() {
		c.onPeerConnected()
	}
}

func (c *MasterConnector) onPeerConnected() {
	c.mu.Lock()
	c.unwatch = nil
	c.mu.Unlock()
	c.connect()
}

func (c *MasterConnector) onOpen(_ *link.Endpoint, data protocol.OpenData) {
	s := c.Shard()
	if s == nil {
		return
	}
	n := s.Relink()
	s.SetSynced(data.Synced)
	logger().Info().Str("shard", s.Name()).Str("peer", c.peer.ID()).Bool("synced", data.Synced).Int("relinked", n).Msg("master link open")
}

func (c *MasterConnector) onSynced(data json.RawMessage, _ *link.Endpoint) error {
	v, err := protocol.DecodeSynced(data)
	if err != nil {
		le := link.NewError(link.CodeInvalidSynced, "%v", err)
		le.Subject = c.peer.ID()
		return le
	}
	if s := c.Shard(); s != nil {
		s.SetSynced(v)
	}
	return nil
}

// teardown runs on every close and error of the master endpoint.
func (c *MasterConnector) teardown(_ *link.Endpoint, cause error) error {
	s := c.Shard()
	if s == nil {
		err := &link.Error{Code: link.CodeUnexpected, Message: "teardown on dismantled master link", Subject: c.peer.ID()}
		logger().Error().Err(err).AnErr("cause", cause).Msg("master teardown")
		return err
	}

	s.SetSynced(false)
	if s.Check2Link() {
		if errors.Is(cause, link.ErrDisconnected) {
			c.scheduleRetry()
			logger().Info().Str("shard", s.Name()).Str("peer", c.peer.ID()).Dur("delay", c.delay).Msg("master link lost, relink scheduled")
			return nil
		}
		logger().Warn().Err(cause).Str("shard", s.Name()).Str("peer", c.peer.ID()).Msg("master link failed, left for recovery")
		return nil
	}

	c.dismantle()
	logger().Info().Str("shard", s.Name()).Str("peer", c.peer.ID()).Msg("master link dismantled")
	return nil
}

// scheduleRetry arms the relink timer unless one is pending or the connector
// is dismantled.
func (c *MasterConnector) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shard != nil && c.timer == nil {
		c.timer = time.AfterFunc(c.delay, c.connect)
	}
}

// dismantle clears the shard linkage and cancels any pending retry.
func (c *MasterConnector) dismantle() {
	c.mu.Lock()
	s := c.shard
	c.shard = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if s != nil {
		s.clearMaster(c)
	}
}

// Close shuts the master link down for good.
func (c *MasterConnector) Close() error {
	if c.Shard() == nil {
		return nil
	}
	c.dismantle()
	c.ep.SetHooks(link.Hooks{})
	return c.ep.Shutdown()
}
