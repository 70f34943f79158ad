// Package logging configures the process-wide zerolog logger and exposes the
// printf-style helpers used throughout linkctl.
package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component returns a child of the current global logger tagged with
// component=name. Call it at log time, not at package init, so Configure wins.
func Component(name string) *zerolog.Logger {
	l := log.With().Str("component", name).Logger()
	return &l
}

func Tracef(format string, args ...any) { log.Trace().Msgf(format, args...) }
func Debugf(format string, args ...any) { log.Debug().Msgf(format, args...) }
func Infof(format string, args ...any)  { log.Info().Msgf(format, args...) }
func Warnf(format string, args ...any)  { log.Warn().Msgf(format, args...) }
func Errorf(format string, args ...any) { log.Error().Msgf(format, args...) }

// Logf writes an unlevelled line; tests use it to narrate scenarios.
func Logf(format string, args ...any) { log.Log().Msgf(format, args...) }
