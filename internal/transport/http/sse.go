package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/YaganovValera/market-stream/internal/fanout"
)

// sseWriter renders fanout events as text/event-stream frames on one response.
type sseWriter struct {
	id  string
	w   http.ResponseWriter
	rc  *http.ResponseController
	buf bytes.Buffer
}

// newSSEWriter sends the stream headers and flushes them so the client sees the
// response immediately.
func newSSEWriter(w http.ResponseWriter, id string) (*sseWriter, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Connection-ID", id)
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{id: id, w: w, rc: http.NewResponseController(w)}
	if err := sw.rc.Flush(); err != nil {
		return nil, fmt.Errorf("sse: streaming unsupported: %w", err)
	}
	return sw, nil
}

func (s *sseWriter) ConnectionID() string { return s.id }

// WriteEvent writes and flushes one event. The ctx deadline becomes the connection
// write deadline; where the server does not support deadlines only ctx is checked.
func (s *sseWriter) WriteEvent(ctx context.Context, ev fanout.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("sse: encode %s: %w", ev.Name, err)
	}

	s.buf.Reset()
	s.buf.WriteString("event: ")
	s.buf.WriteString(ev.Name)
	s.buf.WriteString("\ndata: ")
	s.buf.Write(data)
	s.buf.WriteString("\n\n")

	if dl, ok := ctx.Deadline(); ok {
		_ = s.rc.SetWriteDeadline(dl)
		defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		return err
	}
	return ctx.Err()
}
