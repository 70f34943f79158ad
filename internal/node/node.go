// Package node composes the link runtime: shard registry, dispatcher, peers,
// the WebSocket link endpoint and the admin HTTP surface.
package node

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	logs "github.com/danmuck/linkctl/internal/logging"
)

type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

func logger() *zerolog.Logger {
	return logs.Component("node")
}
