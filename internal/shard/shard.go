package shard

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/danmuck/linkctl/internal/link"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
)

// SyncedCommand is the command a shard sends its slave links when its own
// reachability changes.
const SyncedCommand = "synced"

// Entry is a cached resource. Entries with dependent slaves re-link their own
// master whenever the shard's master link re-opens.
type Entry interface {
	ID() string
	Slaves() int
	LinkMaster()
}

// Shard is a named resource container. An authoritative shard is always
// synced; a dependent shard is synced only while its master link is up.
type Shard struct {
	desc          protocol.ShardDescriptor
	authoritative bool

	mu       sync.Mutex
	master   *MasterConnector
	synced   bool
	demand   int
	cache    map[string]Entry
	slaves   map[*link.Endpoint]struct{}
	handlers map[string]link.Handler
}

type Option func(*Shard)

// Authoritative marks the shard as owned by this node.
func Authoritative() Option {
	return func(s *Shard) {
		s.authoritative = true
		s.synced = true
	}
}

// WithHandler exposes a command on every slave link the shard adopts.
func WithHandler(name string, h link.Handler) Option {
	if link.IsForbidden(name) {
		panic("shard: handler name " + name + " is protected")
	}
	return func(s *Shard) {
		s.handlers[name] = h
	}
}

func New(desc protocol.ShardDescriptor, opts ...Option) *Shard {
	s := &Shard{
		desc:     desc,
		cache:    make(map[string]Entry),
		slaves:   make(map[*link.Endpoint]struct{}),
		handlers: make(map[string]link.Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	observability.SetShardSynced(desc.Name, s.synced)
	return s
}

func (s *Shard) Identify() protocol.ShardDescriptor { return s.desc }
func (s *Shard) Name() string                       { return s.desc.Name }
func (s *Shard) Authoritative() bool                { return s.authoritative }

func (s *Shard) Master() *MasterConnector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *Shard) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// SetSynced records reachability of the authoritative peer and tells every
// adopted slave link when it changes.
func (s *Shard) SetSynced(v bool) {
	s.mu.Lock()
	if s.authoritative {
		v = true
	}
	changed := s.synced != v
	s.synced = v
	slaves := s.slaveListLocked()
	s.mu.Unlock()

	observability.SetShardSynced(s.desc.Name, v)
	if !changed {
		return
	}
	for _, ep := range slaves {
		if err := ep.Send(SyncedCommand, v); err != nil {
			logger().Debug().Err(err).Str("shard", s.desc.Name).Int64("lid", ep.Lid()).Msg("synced fan-out failed")
		}
	}
}

// Check2Link reports whether anything still depends on the master link:
// local demand, adopted slave links, or cached entries with slaves.
func (s *Shard) Check2Link() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.demand > 0 || len(s.slaves) > 0 {
		return true
	}
	for _, e := range s.cache {
		if e.Slaves() > 0 {
			return true
		}
	}
	return false
}

// Retain registers local demand for the master link.
func (s *Shard) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demand++
}

func (s *Shard) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.demand > 0 {
		s.demand--
	}
}

func (s *Shard) Put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[e.ID()] = e
}

func (s *Shard) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[id]
	return e, ok
}

func (s *Shard) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

// Entries returns the cache sorted by id.
func (s *Shard) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.cache))
	for _, e := range s.cache {
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Relink asks every cached entry with dependents to re-establish its master.
func (s *Shard) Relink() int {
	n := 0
	for _, e := range s.Entries() {
		if e.Slaves() > 0 {
			e.LinkMaster()
			n++
		}
	}
	return n
}

// AdoptSlave takes a master endpoint created for a remote slave, installs the
// shard's handlers and opens it with the current synced state.
func (s *Shard) AdoptSlave(ep *link.Endpoint) error {
	s.mu.Lock()
	for name, h := range s.handlers {
		if err := ep.Handle(name, h); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.slaves[ep] = struct{}{}
	synced := s.synced
	s.mu.Unlock()

	ep.SetHooks(link.Hooks{Teardown: func(ep *link.Endpoint, _ error) error {
		s.dropSlave(ep)
		return nil
	}})
	if err := ep.Accept(protocol.OpenData{Synced: synced}); err != nil {
		// Teardown drops the slave; the endpoint must still finalize.
		if ferr := ep.Error(err); ferr != nil {
			logger().Debug().Err(ferr).Str("shard", s.desc.Name).Msg("adopt teardown")
		}
		return err
	}
	return nil
}

func (s *Shard) dropSlave(ep *link.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slaves, ep)
}

// SlaveCount is the number of live adopted slave links.
func (s *Shard) SlaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slaves)
}

// Broadcast sends a command to every adopted slave link.
func (s *Shard) Broadcast(name string, data json.RawMessage) int {
	s.mu.Lock()
	slaves := s.slaveListLocked()
	s.mu.Unlock()
	sent := 0
	for _, ep := range slaves {
		if err := ep.Send(name, data); err == nil {
			sent++
		}
	}
	return sent
}

func (s *Shard) slaveListLocked() []*link.Endpoint {
	out := make([]*link.Endpoint, 0, len(s.slaves))
	for ep := range s.slaves {
		out = append(out, ep)
	}
	return out
}

func (s *Shard) setMaster(c *MasterConnector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master != nil {
		return &link.Error{Code: link.CodeDuplicitMaster, Message: "shard already has a master", Subject: s.desc.String()}
	}
	s.master = c
	return nil
}

func (s *Shard) clearMaster(c *MasterConnector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.master == c {
		s.master = nil
	}
}

// Status is the admin view of a shard.
type Status struct {
	Name          string `json:"name"`
	Owner         string `json:"owner,omitempty"`
	Authoritative bool   `json:"authoritative"`
	Synced        bool   `json:"synced"`
	HasMaster     bool   `json:"has_master"`
	Slaves        int    `json:"slaves"`
	Entries       int    `json:"entries"`
	Demand        int    `json:"demand"`
}

func (s *Shard) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:          s.desc.Name,
		Owner:         s.desc.Owner,
		Authoritative: s.authoritative,
		Synced:        s.synced,
		HasMaster:     s.master != nil,
		Slaves:        len(s.slaves),
		Entries:       len(s.cache),
		Demand:        s.demand,
	}
}
