// Package link implements the per-connection link layer: the lid table, the
// endpoint lifecycle state machine, relay pairs and the inbound dispatcher.
//
// Ownership boundary:
// - lid allocation and routing per connection
// - endpoint open/close/error/command transitions and completion
// - wire-type dispatch, forbidden-handler protection and relay forwarding
package link

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/linkctl/internal/logging"
)

func logger() *zerolog.Logger {
	return logs.Component("link")
}
