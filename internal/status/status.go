// Package status keeps the process-wide connectivity record. The stream connection is its
// only writer, except for Symbols which follows the desired subscription set; readers get
// immutable snapshots.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

// State of the upstream connection.
type State string

const (
	StateIdle         State = "Idle"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateReconnecting State = "Reconnecting"
	StateDisconnected State = "Disconnected"
)

// Snapshot is a point-in-time copy of the connectivity record.
type Snapshot struct {
	Provider          string     `json:"provider"`
	State             State      `json:"state"`
	Connected         bool       `json:"connected"`
	Degraded          bool       `json:"degraded"`
	Symbols           []string   `json:"symbols"`
	LastMessageAt     *time.Time `json:"last_message_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	SessionExpiresAt  *time.Time `json:"session_expires_at,omitempty"`
	MalformedFrames   uint64     `json:"malformed_frames"`
}

type record struct {
	state             State
	degraded          bool
	symbols           []string
	lastError         string
	reconnectAttempts int
	sessionExpiresAt  time.Time
}

// Tracker owns the record. Writes are serialized by mu; the message timestamp and the
// malformed counter are updated on the hot path with atomics only.
type Tracker struct {
	provider string

	mu  sync.Mutex
	cur atomic.Pointer[record]

	lastMessage atomic.Int64 // unix nanos, 0 → never
	malformed   atomic.Uint64
}

// NewTracker starts in Idle.
func NewTracker(provider string) *Tracker {
	t := &Tracker{provider: provider}
	t.cur.Store(&record{state: StateIdle})
	return t
}

func (t *Tracker) update(fn func(r *record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := *t.cur.Load()
	fn(&next)
	t.cur.Store(&next)
}

// SetState records a state transition. Entering Connected clears the error, the degraded
// flag and the attempt counter.
func (t *Tracker) SetState(s State) {
	t.update(func(r *record) {
		r.state = s
		if s == StateConnected {
			r.degraded = false
			r.lastError = ""
			r.reconnectAttempts = 0
		}
	})
}

// SetReconnecting records a failed attempt.
func (t *Tracker) SetReconnecting(attempt int, err error) {
	t.update(func(r *record) {
		r.state = StateReconnecting
		r.reconnectAttempts = attempt
		if err != nil {
			r.lastError = err.Error()
		}
	})
}

// SetError records err without changing state.
func (t *Tracker) SetError(err error) {
	if err == nil {
		return
	}
	t.update(func(r *record) { r.lastError = err.Error() })
}

// SetDegraded flags renewal trouble while the socket may still be up.
func (t *Tracker) SetDegraded(degraded bool, err error) {
	t.update(func(r *record) {
		r.degraded = degraded
		if err != nil {
			r.lastError = err.Error()
		}
	})
}

// SetSymbols records the desired subscription set. It changes on every subscribe or
// unsubscribe, whether or not the set has reached the wire yet.
func (t *Tracker) SetSymbols(symbols []string) {
	cp := append([]string(nil), symbols...)
	t.update(func(r *record) { r.symbols = cp })
}

// SetSessionExpiry records when the current provider session expires.
func (t *Tracker) SetSessionExpiry(at time.Time) {
	t.update(func(r *record) { r.sessionExpiresAt = at })
}

// MessageReceived stamps the last-message time.
func (t *Tracker) MessageReceived(at time.Time) {
	t.lastMessage.Store(at.UnixNano())
}

// MalformedFrame counts one dropped frame.
func (t *Tracker) MalformedFrame() {
	t.malformed.Add(1)
}

// State returns the current state without building a full snapshot.
func (t *Tracker) State() State {
	return t.cur.Load().state
}

// Status returns an immutable snapshot; it has no side effects.
func (t *Tracker) Status() Snapshot {
	r := t.cur.Load()
	s := Snapshot{
		Provider:          t.provider,
		State:             r.state,
		Connected:         r.state == StateConnected,
		Degraded:          r.degraded,
		Symbols:           append([]string{}, r.symbols...),
		LastError:         r.lastError,
		ReconnectAttempts: r.reconnectAttempts,
		MalformedFrames:   t.malformed.Load(),
	}
	if ns := t.lastMessage.Load(); ns != 0 {
		at := time.Unix(0, ns).UTC()
		s.LastMessageAt = &at
	}
	if !r.sessionExpiresAt.IsZero() {
		at := r.sessionExpiresAt.UTC()
		s.SessionExpiresAt = &at
	}
	return s
}
