package shard

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/testutil/linktest"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

type doneRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *doneRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *doneRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func dependent(name string) *Shard {
	return New(protocol.ShardDescriptor{Name: name, Owner: "core"})
}

// openMaster answers the pending shard request on conn with an open frame.
func openMaster(t *testing.T, conn *linktest.Conn, synced bool) int64 {
	t.Helper()
	reqs := conn.Sent(protocol.TypeShard)
	if len(reqs) == 0 {
		t.Fatalf("no shard request sent")
	}
	lid := reqs[len(reqs)-1].NewLid
	data, _ := json.Marshal(protocol.OpenData{Synced: synced})
	link.NewDispatcher(nil).Dispatch(context.Background(), conn, protocol.Frame{
		Type:     protocol.TypeOpen,
		Lid:      lid,
		Handlers: []string{"get"},
		Data:     data,
	})
	return lid
}

func TestNewMasterConnectorRejectsDuplicate(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	peer := linktest.NewPeer("core")
	first, err := NewMasterConnector(s, peer)
	if err != nil {
		t.Fatalf("first connector: %v", err)
	}
	defer first.Close()

	_, err = NewMasterConnector(s, peer)
	if !errors.Is(err, link.ErrDuplicitMaster) {
		t.Fatalf("expected duplicitMaster, got %v", err)
	}
	if s.Master() != first {
		t.Fatalf("original master replaced")
	}
}

func TestConnectorReportsDisconnectedAndRetriesOncePerConnect(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	s.Retain()
	peer := linktest.NewPeer("core")
	done := &doneRecorder{}
	c, err := NewMasterConnector(s, peer, WithDone(done.record))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer c.Close()

	errs := done.all()
	if len(errs) != 1 || !errors.Is(errs[0], link.ErrDisconnected) {
		t.Fatalf("expected DISCONNECTED report, got %v", errs)
	}
	if peer.Subscriptions() != 1 || !c.WaitingForPeer() {
		t.Fatalf("expected one connected subscription, got %d", peer.Subscriptions())
	}

	conn := linktest.NewConn("core", true)
	peer.Connect(conn)
	reqs := conn.Sent(protocol.TypeShard)
	if len(reqs) != 1 {
		t.Fatalf("expected one shard request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.NewLid != 1 || req.Shard == nil || req.Shard.Name != "users" || req.Shard.Owner != "core" {
		t.Fatalf("unexpected shard request: %+v", req)
	}
	if len(req.Handlers) != 1 || req.Handlers[0] != SyncedCommand {
		t.Fatalf("slave handlers not advertised: %v", req.Handlers)
	}
	if peer.Subscriptions() != 0 || c.WaitingForPeer() {
		t.Fatalf("subscription should be consumed")
	}

	// A second connected edge without a teardown in between is not a retry trigger.
	other := linktest.NewConn("core", true)
	peer.Connect(other)
	if len(other.Frames()) != 0 {
		t.Fatalf("unexpected extra request")
	}
	if s, ok := conn.Links().Get(1); !ok || s != c.Endpoint() {
		t.Fatalf("slave endpoint not registered under its lid")
	}
}

func TestConnectorOpenRelinksAndSyncs(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	entry := &fakeEntry{id: "u1", slaves: 1}
	s.Put(entry)
	peer := linktest.NewPeer("core")
	conn := linktest.NewConn("core", true)
	peer.Connect(conn)
	done := &doneRecorder{}
	c, err := NewMasterConnector(s, peer, WithDone(done.record))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer c.Close()

	openMaster(t, conn, true)
	if !s.Synced() {
		t.Fatalf("open with synced=true should sync the shard")
	}
	if entry.relinks.Load() != 1 {
		t.Fatalf("entry with slaves should relink, got %d", entry.relinks.Load())
	}
	if errs := done.all(); len(errs) != 1 || errs[0] != nil {
		t.Fatalf("expected nil completion, got %v", errs)
	}
	if remote := c.Endpoint().Remote(); len(remote) != 1 || remote[0] != "get" {
		t.Fatalf("remote handlers not recorded: %v", remote)
	}
}

func TestConnectorRelinksAfterDisconnect(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	s.Retain()
	peer := linktest.NewPeer("core")
	conn := linktest.NewConn("core", true)
	peer.Connect(conn)
	c, err := NewMasterConnector(s, peer, WithRetryDelay(20*time.Millisecond))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer c.Close()
	openMaster(t, conn, true)

	peer.Disconnect()
	link.Abandon(conn)

	if s.Synced() {
		t.Fatalf("teardown must clear synced")
	}
	if c.Shard() != s || s.Master() != c {
		t.Fatalf("state must be left intact while something depends on the link")
	}
	require.Eventually(t, c.WaitingForPeer, time.Second, 5*time.Millisecond)

	next := linktest.NewConn("core", true)
	peer.Connect(next)
	if reqs := next.Sent(protocol.TypeShard); len(reqs) != 1 {
		t.Fatalf("expected one relink request, got %d", len(reqs))
	}
	openMaster(t, next, true)
	if !s.Synced() || c.Endpoint().State() != link.StateOpen {
		t.Fatalf("relinked master should be open and synced")
	}
}

func TestConnectorEstablishSendFailureWaitsForRetryDelay(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	s.Retain()
	peer := linktest.NewPeer("core")
	conn := linktest.NewConn("core", true)
	conn.FailTx(link.ErrDisconnected)
	peer.Connect(conn)

	var done doneRecorder
	c, err := NewMasterConnector(s, peer, WithRetryDelay(time.Hour), WithDone(done.record))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer c.Close()

	if n := conn.Attempts(); n != 1 {
		t.Fatalf("expected a single establish attempt, got %d", n)
	}
	if conn.Links().Len() != 0 {
		t.Fatalf("failed establish must not stay registered")
	}
	errs := done.all()
	if len(errs) != 1 || !errors.Is(errs[0], link.ErrDisconnected) {
		t.Fatalf("expected DISCONNECTED completion, got %v", errs)
	}
	if !c.RetryPending() || c.WaitingForPeer() {
		t.Fatalf("send failure should arm the relink timer only")
	}

	// The timer fires once the transport recovers.
	conn.FailTx(nil)
	c.connect()
	if reqs := conn.Sent(protocol.TypeShard); len(reqs) != 1 {
		t.Fatalf("expected one establish request after retry, got %d", len(reqs))
	}
	if c.RetryPending() {
		t.Fatalf("retry should consume the timer")
	}
}

func TestConnectorNonDisconnectFailureLeavesState(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	s.Retain()
	peer := linktest.NewPeer("core")
	conn := linktest.NewConn("core", true)
	peer.Connect(conn)
	c, err := NewMasterConnector(s, peer, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer c.Close()
	lid := openMaster(t, conn, true)

	link.NewDispatcher(nil).Dispatch(context.Background(), conn, protocol.Frame{
		Type: protocol.TypeError, Lid: lid, Code: "MISSING_SHARD", Message: "users",
	})
	if s.Synced() {
		t.Fatalf("teardown must clear synced")
	}
	if c.RetryPending() || c.WaitingForPeer() {
		t.Fatalf("only DISCONNECTED schedules a retry")
	}
	if c.Shard() != s || s.Master() != c {
		t.Fatalf("state must be left intact")
	}
}

func TestConnectorDismantlesWhenNothingDepends(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	peer := linktest.NewPeer("core")
	conn := linktest.NewConn("core", true)
	peer.Connect(conn)
	c, err := NewMasterConnector(s, peer, WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	lid := openMaster(t, conn, true)

	link.NewDispatcher(nil).Dispatch(context.Background(), conn, protocol.Frame{Type: protocol.TypeClose, Lid: lid})
	if c.Shard() != nil || s.Master() != nil {
		t.Fatalf("connector should be dismantled synchronously")
	}
	if c.RetryPending() || c.WaitingForPeer() {
		t.Fatalf("dismantled connector must not retry")
	}

	err = c.Endpoint().Close(nil)
	if !errors.Is(err, link.ErrUnexpected) {
		t.Fatalf("teardown after dismantle should be UNEXPECTED, got %v", err)
	}

	// The shard is free for a new master.
	again, err := NewMasterConnector(s, peer)
	if err != nil {
		t.Fatalf("new master after dismantle: %v", err)
	}
	again.Close()
}

func TestConnectorDismantleCancelsPendingRetry(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	s.Retain()
	peer := linktest.NewPeer("core")
	conn := linktest.NewConn("core", true)
	peer.Connect(conn)
	c, err := NewMasterConnector(s, peer, WithRetryDelay(time.Hour))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	openMaster(t, conn, true)

	peer.Disconnect()
	link.Abandon(conn)
	if !c.RetryPending() {
		t.Fatalf("expected armed retry timer")
	}

	s.Release()
	if err := c.Endpoint().Close(link.ErrDisconnected); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.RetryPending() || c.Shard() != nil {
		t.Fatalf("dismantle must cancel the retry timer")
	}
	// A late retry is a no-op.
	c.connect()
	if peer.Subscriptions() != 0 {
		t.Fatalf("retry after dismantle must not subscribe")
	}
}

func TestSyncedCommandValidation(t *testing.T) {
	testlog.Start(t)

	s := dependent("users")
	s.Retain()
	peer := linktest.NewPeer("core")
	conn := linktest.NewConn("core", true)
	peer.Connect(conn)
	c, err := NewMasterConnector(s, peer, WithRetryDelay(time.Hour))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer c.Close()
	lid := openMaster(t, conn, true)
	d := link.NewDispatcher(nil)

	d.Dispatch(context.Background(), conn, protocol.Frame{Type: protocol.TypeCommand, Lid: lid, Name: SyncedCommand, Data: json.RawMessage("false")})
	if s.Synced() {
		t.Fatalf("synced=false not applied")
	}
	d.Dispatch(context.Background(), conn, protocol.Frame{Type: protocol.TypeCommand, Lid: lid, Name: SyncedCommand, Data: json.RawMessage("true")})
	if !s.Synced() {
		t.Fatalf("synced=true not applied")
	}

	d.Dispatch(context.Background(), conn, protocol.Frame{Type: protocol.TypeCommand, Lid: lid, Name: SyncedCommand, Data: json.RawMessage(`"yes"`)})
	f, _ := conn.Last()
	if f.Type != protocol.TypeError || f.Lid != lid || f.Code != string(link.CodeInvalidSynced) {
		t.Fatalf("expected invalidSynced error frame, got %+v", f)
	}
	if c.Endpoint().State() != link.StateErrored || s.Synced() {
		t.Fatalf("invalid synced should error the link and clear synced")
	}
	if c.Shard() != s {
		t.Fatalf("non-disconnect failure keeps the connector")
	}
}

func TestConnectorAgainstAuthoritativeShardOverPipe(t *testing.T) {
	testlog.Start(t)

	origin := NewRegistry()
	users := New(protocol.ShardDescriptor{Name: "users"})
	users.SetSynced(true)
	if err := origin.Add(users); err != nil {
		t.Fatalf("add: %v", err)
	}

	client := linktest.NewConn("origin", true)
	server := linktest.NewConn("edge", false)
	pipe := linktest.NewPipe(client, server, link.NewDispatcher(NewRegistry()), link.NewDispatcher(origin))
	defer pipe.Close()

	local := dependent("users")
	entry := &fakeEntry{id: "u1", slaves: 1}
	local.Put(entry)
	peer := linktest.NewPeer("origin")
	peer.Connect(client)
	c, err := NewMasterConnector(local, peer, WithRetryDelay(time.Hour))
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer c.Close()

	require.Eventually(t, local.Synced, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), entry.relinks.Load())
	require.Equal(t, 1, users.SlaveCount())

	users.SetSynced(false)
	require.Eventually(t, func() bool { return !local.Synced() }, time.Second, 5*time.Millisecond)
	users.SetSynced(true)
	require.Eventually(t, local.Synced, time.Second, 5*time.Millisecond)
}
