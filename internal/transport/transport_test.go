package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/linkctl/internal/auth"
	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/shard"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

type linkServer struct {
	*httptest.Server
	accepted chan *Conn
}

func startServer(t *testing.T, token string, cfg session.Config, d Dispatcher) *linkServer {
	t.Helper()
	acceptor := NewAcceptor(auth.ForToken(token), cfg)
	ls := &linkServer{accepted: make(chan *Conn, 4)}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := acceptor.Accept(w, r)
		if err != nil {
			return
		}
		ls.accepted <- conn
		_ = conn.Run(context.Background(), d)
	}))
	t.Cleanup(ls.Close)
	return ls
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/link"
}

func testSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SessionDeadAfter = time.Second
	cfg.WriteTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func TestDialOpensShardLinkOverWebSocket(t *testing.T) {
	testlog.Start(t)

	reg := shard.NewRegistry()
	users := shard.New(protocol.ShardDescriptor{Name: "users"}, shard.Authoritative())
	if err := reg.Add(users); err != nil {
		t.Fatalf("add shard: %v", err)
	}
	srv := startServer(t, "s3cret", testSession(), link.NewDispatcher(reg))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := Dial(ctx, DialOptions{URL: wsURL(srv.Server), LocalID: "edge", RemoteID: "core", Token: "s3cret", Session: testSession()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _ = conn.Run(ctx, link.NewDispatcher(nil)) }()
	defer conn.Close()

	var accepted *Conn
	select {
	case accepted = <-srv.accepted:
	case <-ctx.Done():
		t.Fatalf("server never accepted")
	}
	if accepted.PeerID() != "edge" || accepted.Outbound() {
		t.Fatalf("unexpected accepted conn peer=%q outbound=%v", accepted.PeerID(), accepted.Outbound())
	}

	ep := link.NewSlave()
	lid := ep.Bind(conn)
	if err := conn.Tx(protocol.Frame{Type: protocol.TypeShard, NewLid: lid, Shard: &protocol.ShardDescriptor{Name: "users"}}); err != nil {
		t.Fatalf("tx shard: %v", err)
	}
	if err := ep.Wait(ctx); err != nil {
		t.Fatalf("link did not open: %v", err)
	}
	require.Eventually(t, func() bool { return users.SlaveCount() == 1 }, time.Second, 10*time.Millisecond)

	// Heartbeat pings keep both sides touched.
	before := accepted.LastSeen()
	require.Eventually(t, func() bool { return accepted.LastSeen().After(before) }, time.Second, 10*time.Millisecond)

	if err := accepted.Close(); err != nil {
		t.Fatalf("close accepted: %v", err)
	}
	require.Eventually(t, func() bool { return ep.State() == link.StateClosed }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatalf("client read loop did not exit")
	}
	if conn.Links().Len() != 0 {
		t.Fatalf("client table not abandoned")
	}
	if err := ep.Send("x", nil); !errors.Is(err, link.ErrDisconnected) {
		t.Fatalf("expected DISCONNECTED after transport loss, got %v", err)
	}
}

func TestDialRejectedWithoutToken(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, "s3cret", testSession(), link.NewDispatcher(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, DialOptions{URL: wsURL(srv.Server), LocalID: "edge", RemoteID: "core", Token: "wrong", Session: testSession()})
	if err == nil {
		t.Fatalf("expected dial to fail with a wrong token")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 in error, got %v", err)
	}
}

func TestDialValidatesOptions(t *testing.T) {
	testlog.Start(t)

	if _, err := Dial(context.Background(), DialOptions{LocalID: "a", RemoteID: "b"}); !errors.Is(err, ErrMissingURL) {
		t.Fatalf("expected ErrMissingURL, got %v", err)
	}
	if _, err := Dial(context.Background(), DialOptions{URL: "ws://x"}); !errors.Is(err, ErrMissingPeerID) {
		t.Fatalf("expected ErrMissingPeerID, got %v", err)
	}
}

func TestSilentPeerIsDropped(t *testing.T) {
	testlog.Start(t)

	cfg := testSession()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.SessionDeadAfter = 100 * time.Millisecond
	srv := startServer(t, "", cfg, link.NewDispatcher(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	// The client never runs its read loop or heartbeat, so it stays silent.
	conn, err := Dial(ctx, DialOptions{URL: wsURL(srv.Server), LocalID: "quiet", RemoteID: "core", Session: cfg})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	accepted := <-srv.accepted
	select {
	case <-accepted.Done():
	case <-ctx.Done():
		t.Fatalf("silent peer was not dropped")
	}
}
