package link

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Code classifies link failures; it travels as the code field of error frames.
type Code string

const (
	CodeClosed           Code = "CLOSED"
	CodeDisconnected     Code = "DISCONNECTED"
	CodeMissingLink      Code = "MISSING_LINK"
	CodeMissingHandler   Code = "MISSING_HANDLER"
	CodeForbiddenHandler Code = "FORBIDDEN_HANDLER"
	CodeMissingShard     Code = "MISSING_SHARD"
	CodeNotOpen          Code = "NOT_OPEN"
	CodeRxError          Code = "RX_ERROR"
	CodeInvalidSynced    Code = "invalidSynced"
	CodeInvalidSocket    Code = "invalidSocket"
	CodeUnexpected       Code = "UNEXPECTED"
	CodeDuplicitMaster   Code = "duplicitMaster"
)

// Error is a protocol-level failure. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code    Code
	Message string
	// Subject names the peer (or shard) the failure concerns.
	Subject string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("link: ")
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Subject != "" {
		b.WriteString(" (subject=")
		b.WriteString(e.Subject)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrClosed           = &Error{Code: CodeClosed, Message: "link closed"}
	ErrDisconnected     = &Error{Code: CodeDisconnected, Message: "peer disconnected"}
	ErrMissingLink      = &Error{Code: CodeMissingLink, Message: "no such link"}
	ErrMissingHandler   = &Error{Code: CodeMissingHandler, Message: "no such handler"}
	ErrForbiddenHandler = &Error{Code: CodeForbiddenHandler, Message: "handler is protected"}
	ErrMissingShard     = &Error{Code: CodeMissingShard, Message: "no such shard"}
	ErrNotOpen          = &Error{Code: CodeNotOpen, Message: "link not open"}
	ErrRx               = &Error{Code: CodeRxError, Message: "remote error"}
	ErrInvalidSynced    = &Error{Code: CodeInvalidSynced, Message: "synced must be a boolean"}
	ErrInvalidSocket    = &Error{Code: CodeInvalidSocket, Message: "unknown socket shape"}
	ErrUnexpected       = &Error{Code: CodeUnexpected, Message: "unexpected internal state"}
	ErrDuplicitMaster   = &Error{Code: CodeDuplicitMaster, Message: "shard already has a master"}
)

// NewError builds an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf reports the code of err, RX_ERROR for foreign errors.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeRxError
}

// AsError converts any error into its wire form.
func AsError(err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	return &Error{Code: CodeRxError, Message: err.Error()}
}
