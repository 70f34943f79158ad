package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
)

// State is the lifecycle position of an Endpoint.
type State int32

const (
	StatePending State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Role tells which half of a link an endpoint is.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// Handler serves one named command. reply is nil unless the caller asked for
// a reply channel.
type Handler func(data json.RawMessage, reply *Endpoint) error

// Hooks observe transitions after the endpoint's own state has changed.
type Hooks struct {
	Open func(ep *Endpoint, data protocol.OpenData)
	// Teardown runs on every close and error, including repeats on an
	// endpoint that is already terminal.
	Teardown func(ep *Endpoint, cause error) error
}

// forbiddenHandlers may never be registered or invoked as commands.
var forbiddenHandlers = [...]string{
	"constructor",
	"prototype",
	"__proto__",
	"open",
	"close",
	"error",
	"command",
	"done",
	"link",
	"lid",
	"ws",
}

func IsForbidden(name string) bool {
	for _, f := range forbiddenHandlers {
		if name == f {
			return true
		}
	}
	return false
}

type Option func(*Endpoint)

// WithHandler adds a command to the endpoint's capability table. Registering
// a protected name is a programming error and panics.
func WithHandler(name string, h Handler) Option {
	if IsForbidden(name) {
		panic(fmt.Sprintf("link: handler name %q is protected", name))
	}
	return func(e *Endpoint) {
		e.caps[name] = h
	}
}

func WithHooks(h Hooks) Option {
	return func(e *Endpoint) {
		e.hooks = h
	}
}

// OnDone registers the completion callback; it fires once on the first of
// open, close or error.
func OnDone(fn func(error)) Option {
	return func(e *Endpoint) {
		e.done.fn = fn
	}
}

// Endpoint is one end of a link: the slave side that asked for it or the
// master side that serves it.
type Endpoint struct {
	role Role

	mu     sync.Mutex
	conn   Conn
	lid    int64
	state  State
	remote []string
	caps   map[string]Handler
	hooks  Hooks

	done completion
}

func newEndpoint(role Role, opts []Option) *Endpoint {
	e := &Endpoint{
		role: role,
		caps: make(map[string]Handler),
		done: completion{ch: make(chan struct{})},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewSlave returns an unbound endpoint; Bind attaches it to a connection.
func NewSlave(opts ...Option) *Endpoint {
	return newEndpoint(RoleSlave, opts)
}

// NewMaster returns an endpoint serving lid on c. The caller registers it.
func NewMaster(c Conn, lid int64, remote []string, opts ...Option) *Endpoint {
	e := newEndpoint(RoleMaster, opts)
	e.conn = c
	e.lid = lid
	e.remote = protocol.NormalizeHandlers(remote)
	return e
}

func (e *Endpoint) Kind() Kind { return KindEndpoint }
func (e *Endpoint) sealed()    {}

func (e *Endpoint) Role() Role { return e.role }

func (e *Endpoint) Lid() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lid
}

func (e *Endpoint) Conn() Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Remote lists the handler names the far side exposes.
func (e *Endpoint) Remote() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.remote...)
}

// Handlers lists the names this endpoint serves.
func (e *Endpoint) Handlers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.caps))
	for name := range e.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Endpoint) Handle(name string, h Handler) error {
	if IsForbidden(name) {
		return NewError(CodeForbiddenHandler, "%q is protected", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps[name] = h
	return nil
}

func (e *Endpoint) SetHooks(h Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = h
}

// Bind registers the endpoint on c under a fresh lid and resets it to pending.
// A previous registration is dropped first.
func (e *Endpoint) Bind(c Conn) int64 {
	e.mu.Lock()
	prev, prevLid := e.conn, e.lid
	e.conn = nil
	e.mu.Unlock()
	if prev != nil {
		prev.Links().DelIf(prevLid, e)
	}

	lid := c.Links().AddNew(e)
	e.mu.Lock()
	e.conn = c
	e.lid = lid
	e.state = StatePending
	e.remote = nil
	e.mu.Unlock()
	return lid
}

// detach drops the connection reference without touching the table.
func (e *Endpoint) detach() {
	e.mu.Lock()
	e.conn = nil
	e.mu.Unlock()
}

// Open moves pending -> open, runs the open hook and completes with nil.
func (e *Endpoint) Open(remote []string, data protocol.OpenData) {
	e.mu.Lock()
	if e.state.Terminal() {
		lid, st := e.lid, e.state
		e.mu.Unlock()
		logger().Debug().Int64("lid", lid).Str("state", st.String()).Msg("open on terminal link ignored")
		return
	}
	e.state = StateOpen
	e.remote = protocol.NormalizeHandlers(remote)
	hook := e.hooks.Open
	e.mu.Unlock()

	observability.RecordTransition(string(e.role), StateOpen.String(), "")
	if hook != nil {
		hook(e, data)
	}
	e.done.fire(nil)
}

// Close finalizes the endpoint as closed. reason defaults to CLOSED.
func (e *Endpoint) Close(reason error) error {
	if reason == nil {
		reason = ErrClosed
	}
	return e.finish(StateClosed, reason)
}

// Error finalizes the endpoint as errored.
func (e *Endpoint) Error(err error) error {
	if err == nil {
		err = ErrRx
	}
	return e.finish(StateErrored, err)
}

func (e *Endpoint) finish(st State, cause error) error {
	e.mu.Lock()
	if !e.state.Terminal() {
		e.state = st
	}
	conn, lid := e.conn, e.lid
	e.conn = nil
	hook := e.hooks.Teardown
	e.mu.Unlock()

	if conn != nil {
		conn.Links().DelIf(lid, e)
	}
	observability.RecordTransition(string(e.role), st.String(), string(CodeOf(cause)))
	var err error
	if hook != nil {
		err = hook(e, cause)
	}
	e.done.fire(cause)
	return err
}

// Lookup resolves a command name against the capability table.
func (e *Endpoint) Lookup(name string) (Handler, error) {
	if IsForbidden(name) {
		return nil, NewError(CodeForbiddenHandler, "%q is protected", name)
	}
	e.mu.Lock()
	st, lid := e.state, e.lid
	h, ok := e.caps[name]
	e.mu.Unlock()
	if st != StateOpen {
		return nil, NewError(CodeNotOpen, "link %d is %s", lid, st)
	}
	if !ok {
		return nil, NewError(CodeMissingHandler, "%q", name)
	}
	return h, nil
}

// Command invokes a local handler by name.
func (e *Endpoint) Command(name string, data json.RawMessage, reply *Endpoint) error {
	h, err := e.Lookup(name)
	if err != nil {
		return err
	}
	return h(data, reply)
}

func (e *Endpoint) bound() (Conn, int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, e.lid, ErrDisconnected
	}
	return e.conn, e.lid, nil
}

// Accept tells the slave its link is open, carrying the local handler names
// and the shard's synced state, then opens the endpoint. If the open frame
// cannot be sent the endpoint stays pending.
func (e *Endpoint) Accept(data protocol.OpenData) error {
	raw, err := protocol.MarshalData(data)
	if err != nil {
		return err
	}
	c, lid, err := e.bound()
	if err != nil {
		return err
	}
	err = c.Tx(protocol.Frame{
		Type:     protocol.TypeOpen,
		Lid:      lid,
		Handlers: e.Handlers(),
		Data:     raw,
	})
	if err != nil {
		return err
	}
	e.Open(e.Remote(), data)
	return nil
}

// Send fires a command at the far side without a reply channel.
func (e *Endpoint) Send(name string, data any) error {
	raw, err := protocol.MarshalData(data)
	if err != nil {
		return err
	}
	c, lid, err := e.bound()
	if err != nil {
		return err
	}
	return c.Tx(protocol.Frame{Type: protocol.TypeCommand, Lid: lid, Name: name, Data: raw})
}

// Request sends a command with a nested reply channel answered into fn.
func (e *Endpoint) Request(name string, data any, fn func(err error, data json.RawMessage)) error {
	raw, err := protocol.MarshalData(data)
	if err != nil {
		return err
	}
	c, lid, err := e.bound()
	if err != nil {
		return err
	}
	cb := NewCallback(fn)
	replyLid := c.Links().AddNew(cb)
	err = c.Tx(protocol.Frame{Type: protocol.TypeCommand, Lid: lid, Name: name, Data: raw, NewLid: replyLid})
	if err != nil {
		c.Links().DelIf(replyLid, cb)
		return err
	}
	return nil
}

// Call is the blocking form of Request.
func (e *Endpoint) Call(ctx context.Context, name string, data any) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)
	err := e.Request(name, data, func(err error, data json.RawMessage) {
		ch <- result{data: data, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.data, res.err
	}
}

// Reply answers a nested reply channel with data and closes it.
func (e *Endpoint) Reply(data any) error {
	raw, err := protocol.MarshalData(data)
	if err != nil {
		return err
	}
	c, lid, err := e.bound()
	if err != nil {
		return err
	}
	txErr := c.Tx(protocol.Frame{Type: protocol.TypeClose, Lid: lid, Data: raw})
	return errors.Join(txErr, e.Close(ErrClosed))
}

// Fail reports err to the far side and errors the endpoint locally.
func (e *Endpoint) Fail(err error) error {
	var txErr error
	if c, lid, berr := e.bound(); berr == nil {
		txErr = c.Tx(ErrorFrame(lid, err))
	}
	return errors.Join(txErr, e.Error(err))
}

// Shutdown closes the link on both sides.
func (e *Endpoint) Shutdown() error {
	var txErr error
	if c, lid, err := e.bound(); err == nil {
		txErr = c.Tx(protocol.Frame{Type: protocol.TypeClose, Lid: lid})
	}
	return errors.Join(txErr, e.Close(ErrClosed))
}

// Complete fires the completion callback if nothing has yet.
func (e *Endpoint) Complete(err error) bool {
	return e.done.fire(err)
}

// Completed reports whether the completion has fired.
func (e *Endpoint) Completed() bool {
	e.done.mu.Lock()
	defer e.done.mu.Unlock()
	return e.done.fired
}

// Wait blocks until completion and returns its error.
func (e *Endpoint) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done.ch:
		e.done.mu.Lock()
		defer e.done.mu.Unlock()
		return e.done.err
	}
}

// completion is a single-assignment result slot.
type completion struct {
	mu    sync.Mutex
	fn    func(error)
	fired bool
	err   error
	ch    chan struct{}
}

func (c *completion) fire(err error) bool {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return false
	}
	c.fired = true
	c.err = err
	fn := c.fn
	c.fn = nil
	close(c.ch)
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return true
}
