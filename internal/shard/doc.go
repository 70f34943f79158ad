// Package shard holds named resource containers and the master connector
// that keeps a dependent shard linked to its authoritative peer.
package shard

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/linkctl/internal/logging"
)

func logger() *zerolog.Logger {
	return logs.Component("shard")
}
