package link

import (
	"sync"

	"github.com/danmuck/linkctl/internal/protocol"
)

// Relay stands in for a link whose real endpoint lives behind another local
// connection. Frames arriving on one half are forwarded to the other half
// with the lid rewritten.
type Relay struct {
	conn Conn
	lid  int64
	pair *Pair
}

func (r *Relay) Kind() Kind { return KindRelay }
func (r *Relay) sealed()    {}

func (r *Relay) Conn() Conn { return r.conn }
func (r *Relay) Lid() int64 { return r.lid }

// Pair joins two relay halves. Unlink clears both sides in one step.
type Pair struct {
	mu   sync.Mutex
	near *Relay
	far  *Relay
}

// NewPair builds both halves; registering them is the caller's job.
func NewPair(nearConn Conn, nearLid int64, farConn Conn, farLid int64) *Pair {
	p := &Pair{}
	p.near = &Relay{conn: nearConn, lid: nearLid, pair: p}
	p.far = &Relay{conn: farConn, lid: farLid, pair: p}
	return p
}

func (p *Pair) Near() *Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.near
}

func (p *Pair) Far() *Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.far
}

// Linked reports whether both halves are still joined.
func (p *Pair) Linked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.near != nil && p.far != nil
}

func (p *Pair) other(r *Relay) *Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch r {
	case p.near:
		return p.far
	case p.far:
		return p.near
	default:
		return nil
	}
}

// Unlink detaches both halves and returns them; later calls return nils.
func (p *Pair) Unlink() (near, far *Relay) {
	p.mu.Lock()
	defer p.mu.Unlock()
	near, far = p.near, p.far
	p.near, p.far = nil, nil
	return near, far
}

// Register adds both halves to their connection tables.
func (p *Pair) Register() error {
	near, far := p.Near(), p.Far()
	if err := near.conn.Links().Add(near.lid, near); err != nil {
		return err
	}
	if err := far.conn.Links().Add(far.lid, far); err != nil {
		near.conn.Links().DelIf(near.lid, near)
		return err
	}
	return nil
}

// Forward sends f to the other half.
func (r *Relay) Forward(f protocol.Frame) error {
	other := r.pair.other(r)
	if other == nil {
		return NewError(CodeMissingLink, "relay %d is unlinked", r.lid)
	}
	f.Lid = other.lid
	return other.conn.Tx(f)
}

// ForwardCommand forwards a command. A nested reply lid is re-mapped through
// a nested pair so each connection keeps its own lid space.
func (r *Relay) ForwardCommand(f protocol.Frame) error {
	other := r.pair.other(r)
	if other == nil {
		return NewError(CodeMissingLink, "relay %d is unlinked", r.lid)
	}
	if f.NewLid != 0 {
		nested := NewPair(r.conn, f.NewLid, other.conn, other.conn.Links().Alloc())
		if err := nested.Register(); err != nil {
			return err
		}
		f.NewLid = nested.Far().lid
	}
	f.Lid = other.lid
	return other.conn.Tx(f)
}

// Release unlinks the pair, deregisters the other half and forwards the
// terminal frame f (close or error) to it.
func (r *Relay) Release(f protocol.Frame) error {
	other := r.pair.other(r)
	r.pair.Unlink()
	r.conn.Links().DelIf(r.lid, r)
	if other == nil {
		return nil
	}
	other.conn.Links().DelIf(other.lid, other)
	f.Lid = other.lid
	return other.conn.Tx(f)
}
