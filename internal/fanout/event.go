// Package fanout turns the shared cache and the position source into per-client event
// feeds. Each client runs its own polling loop; nothing is shared between clients except
// read access to the cache, so one slow client never holds up another.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/YaganovValera/market-stream/internal/marketdata"
)

// Event names on the wire.
const (
	EventData      = "data"
	EventHeartbeat = "heartbeat"
)

// Event is one message for a client. Data is JSON-encoded by the writer.
type Event struct {
	Name string
	Data any
}

// Heartbeat is the payload of a heartbeat event.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// EventWriter delivers events to one client. WriteEvent must give up when ctx expires.
type EventWriter interface {
	ConnectionID() string
	WriteEvent(ctx context.Context, ev Event) error
}

// ClientWriteError ends one client's feed.
type ClientWriteError struct {
	ConnectionID string
	Err          error
}

func (e *ClientWriteError) Error() string {
	return fmt.Sprintf("fanout: write to client %s: %v", e.ConnectionID, e.Err)
}

func (e *ClientWriteError) Unwrap() error { return e.Err }

// ClientSubscription is the per-client state of a feed. It lives as long as the
// client's loop and is never shared. LastSeen holds the cache write sequence last
// delivered per key.
type ClientSubscription struct {
	ConnectionID string
	Symbols      []string
	LastSeen     map[marketdata.Key]uint64
	LastSentHash string
}

func newClientSubscription(id string, symbols []string) *ClientSubscription {
	return &ClientSubscription{
		ConnectionID: id,
		Symbols:      symbols,
		LastSeen:     make(map[marketdata.Key]uint64, len(symbols)*len(marketdata.Channels)),
	}
}

// write applies the write timeout and wraps failures.
func write(ctx context.Context, w EventWriter, timeout time.Duration, ev Event) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := w.WriteEvent(wctx, ev); err != nil {
		return &ClientWriteError{ConnectionID: w.ConnectionID(), Err: err}
	}
	return nil
}
