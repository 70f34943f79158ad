package link

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrLidInUse = errors.New("link: lid already registered")

// Table maps link ids to sockets for one connection. The dialing side
// allocates odd ids and the accepting side even ids, so ids chosen by either
// end never collide in the shared table.
type Table struct {
	mu    sync.Mutex
	next  int64
	links map[int64]Socket
}

func NewTable(outbound bool) *Table {
	next := int64(2)
	if outbound {
		next = 1
	}
	return &Table{next: next, links: make(map[int64]Socket)}
}

// Alloc reserves nothing; it returns the next free id of this side's parity.
func (t *Table) Alloc() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocLocked()
}

func (t *Table) allocLocked() int64 {
	for {
		lid := t.next
		t.next += 2
		if _, taken := t.links[lid]; !taken {
			return lid
		}
	}
}

func (t *Table) Add(lid int64, s Socket) error {
	if lid == 0 {
		return fmt.Errorf("%w: lid 0", ErrLidInUse)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.links[lid]; taken {
		return fmt.Errorf("%w: %d", ErrLidInUse, lid)
	}
	t.links[lid] = s
	return nil
}

// AddNew allocates an id and registers s under it.
func (t *Table) AddNew(s Socket) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	lid := t.allocLocked()
	t.links[lid] = s
	return lid
}

func (t *Table) Get(lid int64) (Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.links[lid]
	return s, ok
}

func (t *Table) Del(lid int64) (Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.links[lid]
	if ok {
		delete(t.links, lid)
	}
	return s, ok
}

// DelIf removes lid only while it still maps to s.
func (t *Table) DelIf(lid int64, s Socket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.links[lid]
	if !ok || cur != s {
		return false
	}
	delete(t.links, lid)
	return true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

// Drain empties the table and returns what it held.
func (t *Table) Drain() map[int64]Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.links
	t.links = make(map[int64]Socket)
	return out
}

// LinkInfo is a read-only view of one table row.
type LinkInfo struct {
	Lid   int64  `json:"lid"`
	Kind  string `json:"kind"`
	Role  string `json:"role,omitempty"`
	State string `json:"state,omitempty"`
}

func (t *Table) Snapshot() []LinkInfo {
	t.mu.Lock()
	rows := make(map[int64]Socket, len(t.links))
	for lid, s := range t.links {
		rows[lid] = s
	}
	t.mu.Unlock()

	out := make([]LinkInfo, 0, len(rows))
	for lid, s := range rows {
		info := LinkInfo{Lid: lid, Kind: s.Kind().String()}
		if ep, ok := s.(*Endpoint); ok {
			info.Role = string(ep.Role())
			info.State = ep.State().String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lid < out[j].Lid })
	return out
}
