package config

import (
	"strings"

	"github.com/danmuck/linkctl/internal/peer"
	"github.com/danmuck/linkctl/internal/protocol"
)

func (c NodeConfig) PeerConfigs() []peer.Config {
	out := make([]peer.Config, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, peer.Config{
			ID:    strings.TrimSpace(p.ID),
			URL:   strings.TrimSpace(p.URL),
			Token: p.Token,
		})
	}
	return out
}

// Authoritative reports whether this node serves the shard itself.
func (c NodeConfig) Authoritative(s ShardEntry) bool {
	owner := strings.TrimSpace(s.Owner)
	return owner == "" || owner == c.ID
}

// Descriptor names the shard on the wire. Authoritative shards carry this
// node's id as owner.
func (c NodeConfig) Descriptor(s ShardEntry) protocol.ShardDescriptor {
	owner := strings.TrimSpace(s.Owner)
	if owner == "" {
		owner = c.ID
	}
	return protocol.ShardDescriptor{Name: strings.TrimSpace(s.Name), Owner: owner}
}
