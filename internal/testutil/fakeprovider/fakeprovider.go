// Package fakeprovider is an in-process upstream: a session endpoint plus a websocket that
// records control frames and lets tests push ticks or drop connections.
package fakeprovider

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Control is one control frame received from the client. At is when the provider read it.
type Control struct {
	Session string    `json:"-"`
	At      time.Time `json:"-"`
	Action  string    `json:"action"`
	Symbols []string  `json:"symbols"`
}

type conn struct {
	id      int
	session string
	ws      *websocket.Conn
	writeMu sync.Mutex
	symbols map[string]struct{}
	open    bool
}

// Provider is safe for concurrent use.
type Provider struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	ttl           float64
	negotiations  int
	failNext      int
	failStatus    int
	rejectDials   bool
	conns         []*conn
	controls      []Control
	issued        []string
	expiry        map[string]time.Time
	sendSubscribe bool
}

// New starts a provider; it is closed on test cleanup.
func New(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{ttl: 300, sendSubscribe: true, expiry: map[string]time.Time{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", p.handleSession)
	mux.HandleFunc("/ws", p.handleWS)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

// SessionURL is the negotiation endpoint.
func (p *Provider) SessionURL() string { return p.srv.URL + "/session" }

// SetTTL sets expires_in (seconds) for subsequent sessions.
func (p *Provider) SetTTL(seconds float64) {
	p.mu.Lock()
	p.ttl = seconds
	p.mu.Unlock()
}

// FailNegotiations makes the next n negotiations answer with status.
func (p *Provider) FailNegotiations(n, status int) {
	p.mu.Lock()
	p.failNext, p.failStatus = n, status
	p.mu.Unlock()
}

// RejectDials makes websocket upgrades fail with 503 while on.
func (p *Provider) RejectDials(on bool) {
	p.mu.Lock()
	p.rejectDials = on
	p.mu.Unlock()
}

// Negotiations is the number of successful session negotiations.
func (p *Provider) Negotiations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.negotiations
}

// Sessions lists issued session ids in order.
func (p *Provider) Sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.issued...)
}

// ExpiresAt is when session id expires on the provider side.
func (p *Provider) ExpiresAt(id string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiry[id]
}

func (p *Provider) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p.mu.Lock()
	if p.failNext > 0 {
		p.failNext--
		status := p.failStatus
		p.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
		return
	}
	p.negotiations++
	id := fmt.Sprintf("s-%d", p.negotiations)
	p.issued = append(p.issued, id)
	ttl := p.ttl
	p.expiry[id] = time.Now().Add(time.Duration(ttl * float64(time.Second)))
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"session_id": id,
		"socket_url": "/ws?session=" + id,
		"expires_in": ttl,
	})
}

func (p *Provider) handleWS(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	reject := p.rejectDials
	p.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.mu.Lock()
	c := &conn{id: len(p.conns) + 1, session: r.URL.Query().Get("session"), ws: ws, symbols: map[string]struct{}{}, open: true}
	p.conns = append(p.conns, c)
	p.mu.Unlock()

	go p.readLoop(c)
}

func (p *Provider) readLoop(c *conn) {
	defer func() {
		p.mu.Lock()
		c.open = false
		p.mu.Unlock()
		_ = c.ws.Close()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var ctl Control
		if err := json.Unmarshal(data, &ctl); err != nil || ctl.Action == "" {
			continue
		}
		ctl.Session, ctl.At = c.session, time.Now()

		p.mu.Lock()
		p.controls = append(p.controls, ctl)
		for _, s := range ctl.Symbols {
			switch ctl.Action {
			case "subscribe":
				c.symbols[s] = struct{}{}
			case "unsubscribe":
				delete(c.symbols, s)
			}
		}
		reply := p.sendSubscribe
		p.mu.Unlock()

		if reply {
			ack, _ := json.Marshal(map[string]any{"type": ctl.Action + "d", "symbols": ctl.Symbols})
			p.write(c, ack)
		}
	}
}

func (p *Provider) write(c *conn, frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (p *Provider) openConns() []*conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*conn
	for _, c := range p.conns {
		if c.open {
			out = append(out, c)
		}
	}
	return out
}

// Send pushes a raw frame to every open connection.
func (p *Provider) Send(frame string) {
	for _, c := range p.openConns() {
		p.write(c, []byte(frame))
	}
}

// DropConnections closes every open socket without a close frame.
func (p *Provider) DropConnections() {
	for _, c := range p.openConns() {
		_ = c.ws.UnderlyingConn().Close()
	}
}

// OpenConnections counts sockets the provider still considers open.
func (p *Provider) OpenConnections() int { return len(p.openConns()) }

// TotalConnections counts every accepted socket.
func (p *Provider) TotalConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// ActiveSymbols is the subscribed set of the newest open connection, sorted.
func (p *Provider) ActiveSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.conns) - 1; i >= 0; i-- {
		c := p.conns[i]
		if !c.open {
			continue
		}
		out := make([]string, 0, len(c.symbols))
		for s := range c.symbols {
			out = append(out, s)
		}
		sort.Strings(out)
		return out
	}
	return nil
}

// ActiveSession is the session id of the newest open connection.
func (p *Provider) ActiveSession() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.conns) - 1; i >= 0; i-- {
		if p.conns[i].open {
			return p.conns[i].session
		}
	}
	return ""
}

// Controls returns every control frame received so far.
func (p *Provider) Controls() []Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Control(nil), p.controls...)
}

// ControlsFor returns the control frames received on session id.
func (p *Provider) ControlsFor(session string) []Control {
	var out []Control
	for _, c := range p.Controls() {
		if c.Session == session {
			out = append(out, c)
		}
	}
	return out
}

// Quote renders a quote frame.
func Quote(symbol, bid, ask string) string {
	return fmt.Sprintf(`{"type":"quote","symbol":%q,"bid":%s,"ask":%s}`, symbol, bid, ask)
}

// Trade renders a trade frame.
func Trade(symbol, price, size string) string {
	return fmt.Sprintf(`{"type":"trade","symbol":%q,"price":%q,"size":%s}`, symbol, price, size)
}

// Close shuts the provider down.
func (p *Provider) Close() {
	for _, c := range p.openConns() {
		_ = c.ws.Close()
	}
	p.srv.Close()
}

// String is used in failure messages.
func (p *Provider) String() string {
	return fmt.Sprintf("fakeprovider{url=%s conns=%d active=%s}", p.srv.URL, p.TotalConnections(), strings.Join(p.ActiveSymbols(), ","))
}
