package linktest

import (
	"context"
	"sync"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
)

// Dispatcher is the inbound side of a pipe end.
type Dispatcher interface {
	Dispatch(ctx context.Context, c link.Conn, f protocol.Frame)
}

// Pipe joins two Conns. Each side drains its inbox on its own goroutine, in
// order, the way a transport read loop does.
type Pipe struct {
	A *Conn
	B *Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
	inA    *inbox
	inB    *inbox
	once   sync.Once
}

// NewPipe connects a (dialing side) and b (accepting side).
func NewPipe(a, b *Conn, da, db Dispatcher) *Pipe {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipe{A: a, B: b, cancel: cancel, inA: newInbox(), inB: newInbox()}

	a.mu.Lock()
	a.deliver = p.inB.push
	a.mu.Unlock()
	b.mu.Lock()
	b.deliver = p.inA.push
	b.mu.Unlock()

	p.wg.Add(2)
	go p.drain(ctx, p.inA, a, da)
	go p.drain(ctx, p.inB, b, db)
	return p
}

func (p *Pipe) drain(ctx context.Context, in *inbox, c *Conn, d Dispatcher) {
	defer p.wg.Done()
	for {
		f, ok := in.pop()
		if !ok {
			return
		}
		d.Dispatch(ctx, c, f)
		in.done()
	}
}

// Idle reports whether both sides have dispatched everything sent so far.
func (p *Pipe) Idle() bool {
	return p.inA.idle() && p.inB.idle()
}

// Close drops the transport: later sends fail with DISCONNECTED and every
// registered socket on both sides is abandoned.
func (p *Pipe) Close() {
	p.once.Do(func() {
		p.A.FailTx(link.ErrDisconnected)
		p.B.FailTx(link.ErrDisconnected)
		p.inA.close()
		p.inB.close()
		p.cancel()
		p.wg.Wait()
		link.Abandon(p.A)
		link.Abandon(p.B)
	})
}

type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []protocol.Frame
	busy   bool
	closed bool
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) push(f protocol.Frame) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.queue = append(in.queue, f)
	in.cond.Signal()
}

func (in *inbox) pop() (protocol.Frame, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(in.queue) == 0 && !in.closed {
		in.cond.Wait()
	}
	if in.closed {
		return protocol.Frame{}, false
	}
	f := in.queue[0]
	in.queue = in.queue[1:]
	in.busy = true
	return f, true
}

func (in *inbox) done() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.busy = false
}

func (in *inbox) idle() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue) == 0 && !in.busy
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.cond.Broadcast()
}
