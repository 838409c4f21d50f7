package normalizer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for a well-formed frame whose type is not quote, trade or summary.
	ErrUnknownType = errors.New("normalizer: unknown message type")

	// ErrControl marks provider control replies (subscribed, heartbeat, ...). They are skipped, not dropped.
	ErrControl = errors.New("normalizer: control message")
)

// MalformedMessageError describes a frame that could not be decoded into a tick.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalizer: malformed message (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("normalizer: malformed message (%s)", e.Reason)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}

// Reason maps a normalization error onto a metric label.
func Reason(err error) string {
	var me *MalformedMessageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrControl):
		return "control"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.As(err, &me):
		return me.Reason
	default:
		return "other"
	}
}
