package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/danmuck/linkctl/internal/auth"
	"github.com/danmuck/linkctl/internal/config"
	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/peer"
	"github.com/danmuck/linkctl/internal/shard"
	"github.com/danmuck/linkctl/internal/transport"
)

const Version = "0.1.0"

var ErrAlreadyStarted = errors.New("node: already started")

type Option func(*options)

type options struct {
	shardOpts map[string][]shard.Option
}

// WithShardOptions applies opts to the named shard when it is created, for
// example to expose commands with shard.WithHandler.
func WithShardOptions(name string, opts ...shard.Option) Option {
	return func(o *options) {
		o.shardOpts[name] = append(o.shardOpts[name], opts...)
	}
}

// Server is one linkd node.
type Server struct {
	cfg      config.NodeConfig
	appeared time.Time

	registry   *shard.Registry
	dispatcher *link.Dispatcher
	peers      *peer.Set
	acceptor   *transport.Acceptor
	router     *gin.Engine

	mu         sync.Mutex
	ctx        context.Context
	connectors []*shard.MasterConnector
	anonymous  map[string]*transport.Conn
}

var _ Node = (*Server)(nil)

func New(cfg config.NodeConfig, opts ...Option) (*Server, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	o := options{shardOpts: make(map[string][]shard.Option)}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.Session = cfg.Session.WithDefaults()
	observability.RegisterMetrics()

	s := &Server{
		cfg:       cfg,
		appeared:  time.Now(),
		registry:  shard.NewRegistry(),
		peers:     peer.NewSet(),
		acceptor:  transport.NewAcceptor(auth.ForToken(cfg.Token), cfg.Session),
		anonymous: make(map[string]*transport.Conn),
	}
	s.dispatcher = link.NewDispatcher(s.registry)

	for _, pc := range cfg.PeerConfigs() {
		p, err := peer.New(pc, cfg.ID, cfg.Session, s.dispatcher)
		if err != nil {
			return nil, err
		}
		s.peers.Add(p)
	}
	for _, entry := range cfg.Shards {
		if err := s.addShard(entry, o.shardOpts[entry.Name]); err != nil {
			s.closeConnectors()
			return nil, err
		}
	}

	s.router = s.newRouter()
	s.registerRoutes()
	return s, nil
}

func (s *Server) addShard(entry config.ShardEntry, opts []shard.Option) error {
	desc := s.cfg.Descriptor(entry)
	if s.cfg.Authoritative(entry) {
		sh := shard.New(desc, append([]shard.Option{shard.Authoritative()}, opts...)...)
		return s.registry.Add(sh)
	}

	owner, ok := s.peers.Get(desc.Owner)
	if !ok {
		return fmt.Errorf("%w: shard %s owner %q unknown", config.ErrInvalidConfig, desc.Name, desc.Owner)
	}
	if entry.Relay {
		return s.registry.Route(desc.Name, owner)
	}

	sh := shard.New(desc, opts...)
	if err := s.registry.Add(sh); err != nil {
		return err
	}
	// Declared dependent shards are always wanted, so their master link is
	// kept up for the node's lifetime.
	sh.Retain()
	c, err := shard.NewMasterConnector(sh, owner, shard.WithRetryDelay(s.cfg.Session.ReconnectDelay))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.connectors = append(s.connectors, c)
	s.mu.Unlock()
	return nil
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminMiddleware(s.cfg.ID, logger(), "/health", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func (s *Server) NodeID() string            { return s.cfg.ID }
func (s *Server) Kind() string              { return "linkd" }
func (s *Server) HTTPRouter() *gin.Engine   { return s.router }
func (s *Server) Registry() *shard.Registry { return s.registry }
func (s *Server) Peers() *peer.Set          { return s.peers }

// Start launches the outbound dial loops. Inbound links accepted before Start
// are refused.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.ctx = ctx
	s.mu.Unlock()

	for _, p := range s.peers.List() {
		go p.Maintain(ctx)
	}
	go func() {
		<-ctx.Done()
		s.stop()
	}()
	logger().Info().Str("node", s.cfg.ID).Int("peers", len(s.peers.List())).Int("shards", len(s.registry.List())).Msg("node started")
	return nil
}

// Run starts the node and serves HTTP on the configured address until ctx
// ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger().Info().Str("node", s.cfg.ID).Str("addr", s.cfg.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) stop() {
	s.closeConnectors()
	s.mu.Lock()
	conns := make([]*transport.Conn, 0, len(s.anonymous))
	for _, c := range s.anonymous {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	logger().Info().Str("node", s.cfg.ID).Msg("node stopped")
}

func (s *Server) closeConnectors() {
	s.mu.Lock()
	connectors := s.connectors
	s.connectors = nil
	s.mu.Unlock()
	for _, c := range connectors {
		if err := c.Close(); err != nil {
			logger().Debug().Err(err).Str("peer", c.Peer().ID()).Msg("master link close")
		}
	}
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// serveLink upgrades an inbound link transport and serves it until it drops.
// Configured peers become reachable for master connectors and relays.
func (s *Server) serveLink(c *gin.Context) {
	ctx := s.baseContext()
	if ctx == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "node not started"})
		return
	}
	conn, err := s.acceptor.Accept(c.Writer, c.Request)
	if err != nil {
		logger().Warn().Err(err).Str("remote", c.ClientIP()).Msg("link upgrade refused")
		return
	}

	if p, ok := s.peers.Get(conn.PeerID()); ok {
		if err := p.Attach(ctx, conn); err != nil {
			logger().Debug().Err(err).Str("peer", p.ID()).Msg("inbound transport ended")
		}
		return
	}

	s.mu.Lock()
	s.anonymous[conn.ID()] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.anonymous, conn.ID())
		s.mu.Unlock()
	}()
	if err := conn.Run(ctx, s.dispatcher); err != nil {
		logger().Debug().Err(err).Str("peer", conn.PeerID()).Msg("inbound transport ended")
	}
}

// ConnStatus is the admin view of one transport.
type ConnStatus struct {
	Conn     string          `json:"conn"`
	Peer     string          `json:"peer"`
	Known    bool            `json:"known"`
	LastSeen time.Time       `json:"last_seen"`
	Links    []link.LinkInfo `json:"links"`
}

func (s *Server) connStatuses() []ConnStatus {
	var out []ConnStatus
	for _, p := range s.peers.List() {
		st := p.Status()
		if !st.Connected {
			continue
		}
		out = append(out, ConnStatus{Conn: st.Conn, Peer: st.ID, Known: true, LastSeen: *st.LastSeen, Links: st.Links})
	}
	s.mu.Lock()
	for _, c := range s.anonymous {
		out = append(out, ConnStatus{Conn: c.ID(), Peer: c.PeerID(), LastSeen: c.LastSeen(), Links: c.Links().Snapshot()})
	}
	s.mu.Unlock()
	return out
}
