// Package peer tracks remote nodes: their live transport, the connected
// event master connectors wait on, and the outbound dial loop.
package peer

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/linkctl/internal/link"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/transport"
)

var ErrMissingID = errors.New("peer: missing id")

func logger() *zerolog.Logger {
	return logs.Component("peer")
}

type Config struct {
	ID string
	// URL is empty for peers that only ever dial in.
	URL   string
	Token string
}

// Peer is one remote node.
type Peer struct {
	cfg        Config
	localID    string
	session    session.Config
	dispatcher transport.Dispatcher
	rng        *rand.Rand

	mu      sync.Mutex
	conn    *transport.Conn
	next    int
	waiters map[int]func()
}

func New(cfg Config, localID string, sess session.Config, d transport.Dispatcher) (*Peer, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, ErrMissingID
	}
	observability.SetPeerConnected(cfg.ID, false)
	return &Peer{
		cfg:        cfg,
		localID:    localID,
		session:    sess.WithDefaults(),
		dispatcher: d,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		waiters:    make(map[int]func()),
	}, nil
}

func (p *Peer) ID() string  { return p.cfg.ID }
func (p *Peer) URL() string { return p.cfg.URL }

func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Conn returns the active transport, nil while disconnected.
func (p *Peer) Conn() link.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn
}

// OnceConnected runs fn on the next connected transition. cancel reports
// whether fn was removed before it ran.
func (p *Peer) OnceConnected(fn func()) (cancel func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	p.waiters[id] = fn
	return func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.waiters[id]; !ok {
			return false
		}
		delete(p.waiters, id)
		return true
	}
}

// Attach makes conn the peer's active transport and serves it until it
// drops. Pending connected subscriptions run before the first read.
func (p *Peer) Attach(ctx context.Context, conn *transport.Conn) error {
	p.mu.Lock()
	prev := p.conn
	p.conn = conn
	waiters := p.waiters
	p.waiters = make(map[int]func())
	p.mu.Unlock()

	if prev != nil {
		logger().Warn().Str("peer", p.cfg.ID).Str("old", prev.ID()).Str("new", conn.ID()).Msg("replacing active transport")
	}
	observability.SetPeerConnected(p.cfg.ID, true)
	logger().Info().Str("peer", p.cfg.ID).Str("conn", conn.ID()).Int("waiters", len(waiters)).Msg("peer connected")
	for _, fn := range waiters {
		fn()
	}

	err := conn.Run(ctx, p.dispatcher)

	p.mu.Lock()
	current := p.conn == conn
	if current {
		p.conn = nil
	}
	p.mu.Unlock()
	if current {
		observability.SetPeerConnected(p.cfg.ID, false)
		logger().Info().Str("peer", p.cfg.ID).Str("conn", conn.ID()).Msg("peer disconnected")
	}
	return err
}

// Maintain dials the peer and redials with backoff whenever the transport
// drops, until ctx ends. Peers without a URL return at once.
func (p *Peer) Maintain(ctx context.Context) {
	if strings.TrimSpace(p.cfg.URL) == "" {
		return
	}
	var attempt int
	for {
		attempt++
		conn, err := transport.Dial(ctx, transport.DialOptions{
			URL:      p.cfg.URL,
			LocalID:  p.localID,
			RemoteID: p.cfg.ID,
			Token:    p.cfg.Token,
			Session:  p.session,
		})
		if err != nil {
			logger().Warn().Err(err).Str("peer", p.cfg.ID).Str("url", p.cfg.URL).Int("attempt", attempt).Msg("dial failed")
		} else {
			attempt = 0
			if err := p.Attach(ctx, conn); err != nil {
				logger().Warn().Err(err).Str("peer", p.cfg.ID).Msg("transport ended")
			}
			attempt = 1
		}
		if err := p.sleepBackoff(ctx, attempt); err != nil {
			return
		}
	}
}

func (p *Peer) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(p.session.Backoff, attempt, p.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Status is the admin view of a peer.
type Status struct {
	ID        string          `json:"id"`
	URL       string          `json:"url,omitempty"`
	Connected bool            `json:"connected"`
	Conn      string          `json:"conn,omitempty"`
	LastSeen  *time.Time      `json:"last_seen,omitempty"`
	Links     []link.LinkInfo `json:"links,omitempty"`
}

func (p *Peer) Status() Status {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	st := Status{ID: p.cfg.ID, URL: p.cfg.URL}
	if conn != nil {
		seen := conn.LastSeen()
		st.Connected = true
		st.Conn = conn.ID()
		st.LastSeen = &seen
		st.Links = conn.Links().Snapshot()
	}
	return st
}

// Set indexes peers by id.
type Set struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewSet() *Set {
	return &Set{peers: make(map[string]*Peer)}
}

func (s *Set) Add(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID()] = p
}

func (s *Set) Get(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// List returns peers sorted by id.
func (s *Set) List() []*Peer {
	s.mu.RLock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
