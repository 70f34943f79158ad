package linktest

import (
	"sync"

	"github.com/danmuck/linkctl/internal/link"
)

// Peer is a controllable remote node for master connector tests.
type Peer struct {
	id string

	mu      sync.Mutex
	conn    link.Conn
	next    int
	waiters map[int]func()
}

func NewPeer(id string) *Peer {
	return &Peer{id: id, waiters: make(map[int]func())}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *Peer) Conn() link.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *Peer) OnceConnected(fn func()) func() bool {
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

// Connect marks the peer connected on c and runs pending subscriptions.
func (p *Peer) Connect(c link.Conn) {
	p.mu.Lock()
	p.conn = c
	waiters := p.waiters
	p.waiters = make(map[int]func())
	p.mu.Unlock()
	for _, fn := range waiters {
		fn()
	}
}

// Disconnect drops the connection reference without touching its table.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = nil
}

// Subscriptions counts live connected-event subscriptions.
func (p *Peer) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
