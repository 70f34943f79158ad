package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Type discriminates wire frames.
type Type string

const (
	TypePing    Type = "ping"
	TypePong    Type = "pong"
	TypeShard   Type = "shard"
	TypeOpen    Type = "open"
	TypeClose   Type = "close"
	TypeError   Type = "error"
	TypeCommand Type = "command"
)

// MaxFrameBytes bounds one decoded text frame.
const MaxFrameBytes = 4 * 1024 * 1024

// Types lists every frame type the dispatcher understands.
func Types() []Type {
	return []Type{TypePing, TypePong, TypeShard, TypeOpen, TypeClose, TypeError, TypeCommand}
}

// ShardDescriptor identifies a shard across peers.
type ShardDescriptor struct {
	Name  string `json:"name" yaml:"name" toml:"name"`
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty" toml:"owner"`
}

func (d ShardDescriptor) String() string {
	if d.Owner == "" {
		return d.Name
	}
	return d.Name + "@" + d.Owner
}

// Frame is the logical link envelope. Lid and NewLid use 0 for "absent".
type Frame struct {
	Type     Type             `json:"type"`
	Lid      int64            `json:"lid,omitempty"`
	NewLid   int64            `json:"newLid,omitempty"`
	Handlers []string         `json:"handlers,omitempty"`
	Shard    *ShardDescriptor `json:"shard,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
	Name     string           `json:"name,omitempty"`
	Code     string           `json:"code,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// OpenData is the payload of an open frame.
type OpenData struct {
	Synced bool `json:"synced"`
}

func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses one text frame. Only the type is checked here; per-type field
// presence is the dispatcher's concern so it can answer on the right lid.
func Decode(raw []byte) (Frame, error) {
	if len(raw) > MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if f.Type == "" {
		return Frame{}, ErrMissingType
	}
	if !knownType(f.Type) {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	f.Handlers = NormalizeHandlers(f.Handlers)
	return f, nil
}

// Validate checks the fields each frame type must carry before sending.
func (f Frame) Validate() error {
	switch f.Type {
	case "":
		return ErrMissingType
	case TypePing, TypePong:
		return nil
	case TypeShard:
		if f.NewLid == 0 {
			return ErrMissingNewLid
		}
		if f.Shard == nil || strings.TrimSpace(f.Shard.Name) == "" {
			return ErrMissingShard
		}
		return nil
	case TypeOpen, TypeClose, TypeError:
		if f.Lid == 0 {
			return ErrMissingLid
		}
		return nil
	case TypeCommand:
		if f.Lid == 0 {
			return ErrMissingLid
		}
		if strings.TrimSpace(f.Name) == "" {
			return ErrMissingName
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// MarshalData encodes v as a frame payload. nil stays absent.
func MarshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// DecodeOpenData reads {synced: bool}. A missing payload or field means not synced.
func DecodeOpenData(raw json.RawMessage) (OpenData, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return OpenData{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return OpenData{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	synced, ok := fields["synced"]
	if !ok {
		return OpenData{}, nil
	}
	v, err := DecodeSynced(synced)
	if err != nil {
		return OpenData{}, err
	}
	return OpenData{Synced: v}, nil
}

// DecodeSynced accepts exactly a JSON boolean.
func DecodeSynced(raw json.RawMessage) (bool, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrInvalidSynced, truncate(raw, 64))
	}
}

// NormalizeHandlers turns a handler list into a sorted set.
func NormalizeHandlers(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, name := range in {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func knownType(t Type) bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
