package session

import "fmt"

// Причины отказа в сессии.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonRateLimited  = "rate_limited"
	ReasonRejected     = "rejected"
	ReasonUnavailable  = "unavailable"
)

// SessionError is returned when negotiation or renewal fails.
type SessionError struct {
	Op     string // negotiate | renew
	Reason string
	Status int // HTTP status, 0 when the request never completed
	Err    error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("session: %s %s", e.Op, e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }
