// Package transport carries link frames over WebSocket connections.
//
// A Conn owns one gorilla/websocket connection and its link table. Its read
// loop decodes text frames and hands them to the dispatcher one at a time, so
// frames of one connection are processed in arrival order. When the loop
// exits every socket left in the table is abandoned with DISCONNECTED.
package transport

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/linkctl/internal/logging"
)

func logger() *zerolog.Logger {
	return logs.Component("transport")
}
