package cdp

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by every in-flight and subsequent call
	// once the underlying websocket has been torn down, whether by Close or
	// by a transport failure.
	ErrConnectionClosed = errors.New("cdp: connection closed")

	// ErrTimeout indicates a command or wait exceeded its deadline while the
	// connection itself stayed healthy.
	ErrTimeout = errors.New("cdp: operation timed out")
)

// ProtocolError is a command failure reported by the browser itself, as
// opposed to a transport failure.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp: protocol error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp: protocol error %d: %s", e.Code, e.Message)
}
