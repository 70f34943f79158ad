package protocol

import "errors"

var (
	ErrMissingType      = errors.New("protocol: missing frame type")
	ErrUnknownType      = errors.New("protocol: unknown frame type")
	ErrMissingLid       = errors.New("protocol: missing lid")
	ErrMissingNewLid    = errors.New("protocol: missing newLid")
	ErrMissingShard     = errors.New("protocol: missing shard descriptor")
	ErrMissingName      = errors.New("protocol: missing command name")
	ErrInvalidSynced    = errors.New("protocol: synced must be a boolean")
	ErrFrameTooLarge    = errors.New("protocol: frame too large")
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)
