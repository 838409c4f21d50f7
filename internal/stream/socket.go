package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc/panics"

	"github.com/YaganovValera/market-stream/internal/session"
)

// controlFrame is the upstream subscribe/unsubscribe message.
type controlFrame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// socket is one upstream websocket. Only the connection task writes to it; its reader
// goroutine only reads.
type socket struct {
	gen      uint64
	ws       *websocket.Conn
	session  session.Session
	asserted map[string]struct{}

	writeTimeout time.Duration
	readTimeout  time.Duration

	closeOnce sync.Once
	done      chan struct{} // closed when the reader exits
	err       error         // reader exit cause, valid after done
}

func newSocket(gen uint64, ws *websocket.Conn, sess session.Session, readTimeout, writeTimeout time.Duration) *socket {
	return &socket{
		gen:          gen,
		ws:           ws,
		session:      sess,
		asserted:     make(map[string]struct{}),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// send writes one control frame and records the symbols as asserted.
func (s *socket) send(action string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	data, err := json.Marshal(controlFrame{Action: action, Symbols: symbols})
	if err != nil {
		return err
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	for _, sym := range symbols {
		if action == "subscribe" {
			s.asserted[sym] = struct{}{}
		} else {
			delete(s.asserted, sym)
		}
	}
	streamMetrics.ControlFrames.WithLabelValues(action).Inc()
	return nil
}

func (s *socket) ping() error {
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// readLoop runs in the socket's own goroutine until the socket fails or is closed.
func (s *socket) readLoop(handle func(data []byte)) {
	var pc panics.Catcher
	pc.Try(func() {
		_ = s.ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		s.ws.SetPongHandler(func(string) error {
			return s.ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		})
		for {
			_, data, err := s.ws.ReadMessage()
			if err != nil {
				s.err = err
				return
			}
			_ = s.ws.SetReadDeadline(time.Now().Add(s.readTimeout))
			handle(data)
		}
	})
	if r := pc.Recovered(); r != nil {
		s.err = fmt.Errorf("reader panic: %w", r.AsError())
		_ = s.ws.Close()
	}
	close(s.done)
}

// close sends a normal close frame when graceful and tears the socket down.
func (s *socket) close(graceful bool) {
	s.closeOnce.Do(func() {
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
		}
		_ = s.ws.Close()
	})
}

// closedByPeer reports whether err is a clean close initiated by us or the provider.
func closedByPeer(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
