package shard

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/testutil/linktest"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestRegistryAddRejectsDuplicatesAndEmptyNames(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	if err := r.Add(New(protocol.ShardDescriptor{Name: "users"})); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(New(protocol.ShardDescriptor{Name: "users"})); !errors.Is(err, ErrShardExists) {
		t.Fatalf("expected ErrShardExists, got %v", err)
	}
	if err := r.Add(New(protocol.ShardDescriptor{})); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
	if err := r.Route("", linktest.NewPeer("x")); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName for route, got %v", err)
	}
}

func TestRegistryResolveShard(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	users := New(protocol.ShardDescriptor{Name: "users"}, Authoritative())
	if err := r.Add(users); err != nil {
		t.Fatalf("add: %v", err)
	}
	owner := linktest.NewPeer("core")
	if err := r.Route("orders", owner); err != nil {
		t.Fatalf("route: %v", err)
	}
	ctx := context.Background()

	target, err := r.ResolveShard(ctx, protocol.ShardDescriptor{Name: "users"})
	if err != nil || target.Shard != users || target.Upstream != nil {
		t.Fatalf("local resolve: target=%+v err=%v", target, err)
	}

	_, err = r.ResolveShard(ctx, protocol.ShardDescriptor{Name: "orders"})
	if !errors.Is(err, link.ErrDisconnected) {
		t.Fatalf("expected DISCONNECTED for unreachable owner, got %v", err)
	}

	conn := linktest.NewConn("core", true)
	owner.Connect(conn)
	target, err = r.ResolveShard(ctx, protocol.ShardDescriptor{Name: "orders"})
	if err != nil || target.Upstream != conn {
		t.Fatalf("routed resolve: target=%+v err=%v", target, err)
	}

	_, err = r.ResolveShard(ctx, protocol.ShardDescriptor{Name: "ghosts"})
	if !errors.Is(err, link.ErrMissingShard) {
		t.Fatalf("expected MISSING_SHARD, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := r.ResolveShard(cancelled, protocol.ShardDescriptor{Name: "users"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	st := r.Statuses()
	if len(st) != 1 || st[0].Name != "users" || !st[0].Synced || !st[0].Authoritative {
		t.Fatalf("unexpected statuses: %+v", st)
	}
}
