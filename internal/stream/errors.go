package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is reported once reconnect attempts are exhausted.
	ErrUnavailable = errors.New("market data unavailable")

	// ErrTooManySymbols is returned when a subscribe would exceed stream.max_symbols.
	ErrTooManySymbols = errors.New("stream: subscription limit exceeded")

	// ErrNoSymbols is returned for an empty subscribe/unsubscribe request.
	ErrNoSymbols = errors.New("stream: no symbols given")
)

// ConnectionError wraps a socket-level failure; it drives the reconnect state machine.
type ConnectionError struct {
	Op  string // dial | subscribe | read | ping | rotate
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
