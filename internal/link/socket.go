package link

import (
	"encoding/json"
	"sync"
)

// Kind tags the socket variants a table can hold.
type Kind int

const (
	KindCallback Kind = iota + 1
	KindEndpoint
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindCallback:
		return "callback"
	case KindEndpoint:
		return "endpoint"
	case KindRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Socket is the closed set Callback | *Endpoint | *Relay.
type Socket interface {
	Kind() Kind
	sealed()
}

// Callback is a one-shot reply slot: close delivers (nil, data), error
// delivers (err, nil).
type Callback struct {
	once sync.Once
	fn   func(err error, data json.RawMessage)
}

func NewCallback(fn func(err error, data json.RawMessage)) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Kind() Kind { return KindCallback }
func (c *Callback) sealed()    {}

// Invoke runs the callback at most once.
func (c *Callback) Invoke(err error, data json.RawMessage) {
	c.once.Do(func() {
		if c.fn != nil {
			c.fn(err, data)
		}
	})
}
