package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/protocol"
)

var (
	ErrShardExists = errors.New("shard: already registered")
	ErrEmptyName   = errors.New("shard: name required")
)

// Registry holds the shards this node serves and routes to the peers that own
// the rest. It is the dispatcher's resolver.
type Registry struct {
	mu     sync.RWMutex
	shards map[string]*Shard
	routes map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{
		shards: make(map[string]*Shard),
		routes: make(map[string]Peer),
	}
}

func (r *Registry) Add(s *Shard) error {
	if s.Name() == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shards[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrShardExists, s.Name())
	}
	r.shards[s.Name()] = s
	return nil
}

// Route forwards requests for name to p. Local shards win over routes.
func (r *Registry) Route(name string, p Peer) error {
	if name == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = p
	return nil
}

func (r *Registry) Get(name string) (*Shard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[name]
	return s, ok
}

// List returns local shards sorted by name.
func (r *Registry) List() []*Shard {
	r.mu.RLock()
	out := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ResolveShard maps a descriptor to a local shard, or to the connection of the
// peer that owns it.
func (r *Registry) ResolveShard(ctx context.Context, desc protocol.ShardDescriptor) (link.Target, error) {
	if err := ctx.Err(); err != nil {
		return link.Target{}, err
	}
	r.mu.RLock()
	s, local := r.shards[desc.Name]
	p, routed := r.routes[desc.Name]
	r.mu.RUnlock()

	switch {
	case local:
		return link.Target{Shard: s}, nil
	case routed:
		conn := p.Conn()
		if !p.IsConnected() || conn == nil {
			le := link.NewError(link.CodeDisconnected, "owner of %s is unreachable", desc)
			le.Subject = p.ID()
			return link.Target{}, le
		}
		return link.Target{Upstream: conn}, nil
	default:
		return link.Target{}, link.NewError(link.CodeMissingShard, "%s", desc)
	}
}

// Statuses is the admin view of every local shard.
func (r *Registry) Statuses() []Status {
	shards := r.List()
	out := make([]Status, 0, len(shards))
	for _, s := range shards {
		out = append(out, s.Status())
	}
	return out
}
