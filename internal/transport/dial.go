package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/danmuck/linkctl/internal/auth"
	"github.com/danmuck/linkctl/internal/protocol/session"
)

// HeaderPeer carries the dialing node's id.
const HeaderPeer = "X-Link-Peer"

var (
	ErrMissingPeerID = errors.New("transport: missing peer id")
	ErrMissingURL    = errors.New("transport: missing url")
)

type DialOptions struct {
	URL string
	// LocalID is announced to the remote; RemoteID names it locally.
	LocalID  string
	RemoteID string
	Token    string
	Session  session.Config
}

// Dial opens an outbound link transport.
func Dial(ctx context.Context, opts DialOptions) (*Conn, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, ErrMissingURL
	}
	if strings.TrimSpace(opts.LocalID) == "" || strings.TrimSpace(opts.RemoteID) == "" {
		return nil, ErrMissingPeerID
	}
	cfg := opts.Session.WithDefaults()
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	header.Set(HeaderPeer, opts.LocalID)
	auth.SetBearer(header, opts.Token)

	ws, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", opts.URL, err)
	}
	return New(ws, opts.RemoteID, true, cfg), nil
}

// Acceptor upgrades inbound HTTP requests into link transports.
type Acceptor struct {
	upgrader  websocket.Upgrader
	validator auth.Validator
	cfg       session.Config
}

func NewAcceptor(v auth.Validator, cfg session.Config) *Acceptor {
	cfg = cfg.WithDefaults()
	if v == nil {
		v = auth.AllowAll{}
	}
	return &Acceptor{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Peers are nodes, not browsers; the bearer token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validator: v,
		cfg:       cfg,
	}
}

// Accept authenticates r and upgrades it. On failure an HTTP error has
// already been written.
func (a *Acceptor) Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if err := auth.Request(a.validator, r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, err
	}
	peerID := strings.TrimSpace(r.Header.Get(HeaderPeer))
	if peerID == "" {
		http.Error(w, ErrMissingPeerID.Error(), http.StatusBadRequest)
		return nil, ErrMissingPeerID
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, peerID, false, a.cfg), nil
}
