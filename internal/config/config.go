// Package config loads node configuration from TOML or YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/danmuck/linkctl/internal/protocol/session"
)

var (
	ErrInvalidConfig     = errors.New("config: invalid")
	ErrUnsupportedFormat = errors.New("config: unsupported format")
)

const (
	DefaultID   = "linkd"
	DefaultAddr = ":7700"
)

type PeerEntry struct {
	ID    string `toml:"id" yaml:"id"`
	URL   string `toml:"url" yaml:"url"`
	Token string `toml:"token" yaml:"token"`
}

// ShardEntry declares a shard. Owner empty (or the node's own id) makes it
// authoritative here; otherwise Owner names the peer that serves it. Relay
// keeps no local copy and forwards every request for it to the owner.
type ShardEntry struct {
	Name  string `toml:"name" yaml:"name"`
	Owner string `toml:"owner" yaml:"owner"`
	Relay bool   `toml:"relay" yaml:"relay"`
}

type NodeConfig struct {
	ID          string
	Addr        string
	Token       string
	CorsOrigins []string
	Peers       []PeerEntry
	Shards      []ShardEntry
	Session     session.Config
}

func Default() NodeConfig {
	return NodeConfig{
		ID:      DefaultID,
		Addr:    DefaultAddr,
		Session: session.DefaultConfig(),
	}
}

// linkd config file key mapping.
type fileConfig struct {
	ID          string       `toml:"id" yaml:"id"`
	Addr        string       `toml:"addr" yaml:"addr"`
	Token       string       `toml:"token" yaml:"token"`
	CorsOrigins []string     `toml:"cors_origins" yaml:"cors_origins"`
	Peers       []PeerEntry  `toml:"peers" yaml:"peers"`
	Shards      []ShardEntry `toml:"shards" yaml:"shards"`
	Session     fileSession  `toml:"session" yaml:"session"`
}

type fileSession struct {
	Heartbeat         string  `toml:"heartbeat" yaml:"heartbeat"`
	DeadAfter         string  `toml:"dead_after" yaml:"dead_after"`
	WriteTimeout      string  `toml:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout  string  `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ReconnectDelay    string  `toml:"reconnect_delay" yaml:"reconnect_delay"`
	MaxMessageBytes   int64   `toml:"max_message_bytes" yaml:"max_message_bytes"`
	BackoffInitial    string  `toml:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max" yaml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter" yaml:"backoff_jitter"`
}

// Load reads path, picking the decoder by extension, and overlays the keys
// it defines on Default().
func Load(path string) (NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var (
		raw     fileConfig
		defined func(keys ...string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), &raw)
		if err != nil {
			return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return NodeConfig{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
		}
		defined = meta.IsDefined
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil {
			return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = yamlDefined(tree)
	default:
		return NodeConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	cfg, err := overlay(Default(), raw, defined)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func yamlDefined(tree map[string]any) func(keys ...string) bool {
	return func(keys ...string) bool {
		var cur any = tree
		for _, k := range keys {
			m, ok := cur.(map[string]any)
			if !ok {
				return false
			}
			if cur, ok = m[k]; !ok {
				return false
			}
		}
		return true
	}
}

func overlay(cfg NodeConfig, raw fileConfig, defined func(keys ...string) bool) (NodeConfig, error) {
	if defined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if defined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if defined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if defined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if defined("peers") {
		cfg.Peers = raw.Peers
	}
	if defined("shards") {
		cfg.Shards = raw.Shards
	}

	s := &cfg.Session
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat", raw.Session.Heartbeat, &s.HeartbeatInterval},
		{"dead_after", raw.Session.DeadAfter, &s.SessionDeadAfter},
		{"write_timeout", raw.Session.WriteTimeout, &s.WriteTimeout},
		{"handshake_timeout", raw.Session.HandshakeTimeout, &s.HandshakeTimeout},
		{"reconnect_delay", raw.Session.ReconnectDelay, &s.ReconnectDelay},
		{"backoff_initial", raw.Session.BackoffInitial, &s.Backoff.InitialDelay},
		{"backoff_max", raw.Session.BackoffMax, &s.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !defined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return NodeConfig{}, fmt.Errorf("%w: session.%s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = v
	}
	if defined("session", "max_message_bytes") {
		s.MaxMessageBytes = raw.Session.MaxMessageBytes
	}
	if defined("session", "backoff_multiplier") {
		s.Backoff.Multiplier = raw.Session.BackoffMultiplier
	}
	if defined("session", "backoff_jitter") {
		s.Backoff.Jitter = raw.Session.BackoffJitter
	}
	return cfg, nil
}

func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}

	peers := make(map[string]struct{}, len(cfg.Peers))
	for i, p := range cfg.Peers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("%w: peers[%d] missing id", ErrInvalidConfig, i)
		}
		if id == cfg.ID {
			return fmt.Errorf("%w: peers[%d] uses the node's own id %q", ErrInvalidConfig, i, id)
		}
		if _, dup := peers[id]; dup {
			return fmt.Errorf("%w: duplicate peer %q", ErrInvalidConfig, id)
		}
		if u := strings.TrimSpace(p.URL); u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("%w: peer %q url must be ws:// or wss://", ErrInvalidConfig, id)
		}
		peers[id] = struct{}{}
	}

	shards := make(map[string]struct{}, len(cfg.Shards))
	for i, s := range cfg.Shards {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%w: shards[%d] missing name", ErrInvalidConfig, i)
		}
		if _, dup := shards[name]; dup {
			return fmt.Errorf("%w: duplicate shard %q", ErrInvalidConfig, name)
		}
		shards[name] = struct{}{}
		owner := strings.TrimSpace(s.Owner)
		if owner == "" || owner == cfg.ID {
			if s.Relay {
				return fmt.Errorf("%w: shard %q relays but has no remote owner", ErrInvalidConfig, name)
			}
			continue
		}
		if _, ok := peers[owner]; !ok {
			return fmt.Errorf("%w: shard %q owner %q is not a configured peer", ErrInvalidConfig, name, owner)
		}
	}

	if err := cfg.Session.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
