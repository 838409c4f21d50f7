// Package session negotiates and renews upstream provider sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/logger"
)

const (
	apiKeyHeader    = "X-API-Key"
	apiSecretHeader = "X-API-Secret"
	maxResponseBody = 64 << 10
)

var (
	tracer = otel.Tracer("market-stream/session")

	negotiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "market_stream", Subsystem: "session", Name: "negotiations_total",
		Help: "Session negotiations by result (ok or failure reason)",
	}, []string{"result"})
)

// Session is one provider stream session. Renewal supersedes it with a new value.
type Session struct {
	ID        string
	SocketURL string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether s stays valid for at least margin after now.
func (s Session) ValidAt(now time.Time, margin time.Duration) bool {
	return s.ID != "" && now.Add(margin).Before(s.ExpiresAt)
}

// Config controls negotiation.
type Config struct {
	URL          string
	APIKey       string
	APISecret    string
	DefaultTTL   time.Duration // used when the provider omits expires_in
	SafetyMargin time.Duration
	Timeout      time.Duration
	Rate         float64 // negotiations per second, 0 → unlimited
	Burst        int
	Retry        backoff.PolicyConfig
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

type negotiateResponse struct {
	SessionID string  `json:"session_id"`
	SocketURL string  `json:"socket_url"`
	ExpiresIn float64 `json:"expires_in"` // seconds
}

// Manager holds the current session. Safe for concurrent use.
type Manager struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	current Session
	changed chan struct{} // closed and replaced on every install
}

// Option tunes a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager builds a Manager; it does not contact the provider.
func NewManager(cfg Config, log *logger.Logger, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("session: URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("session: parse URL: %w", err)
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	m := &Manager{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log.Named("session"),
		now:     time.Now,
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Negotiate requests a new session from the provider without installing it.
func (m *Manager) Negotiate(ctx context.Context) (Session, error) {
	return m.negotiate(ctx, "negotiate")
}

func (m *Manager) negotiate(ctx context.Context, op string) (s Session, err error) {
	ctx, span := tracer.Start(ctx, "Negotiate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			var se *SessionError
			if errors.As(err, &se) {
				negotiations.WithLabelValues(se.Reason).Inc()
			}
		} else {
			span.SetAttributes(attribute.String("session.id", s.ID))
			negotiations.WithLabelValues("ok").Inc()
		}
		span.End()
	}()

	if err := m.limiter.Wait(ctx); err != nil {
		return Session{}, &SessionError{Op: op, Reason: ReasonRateLimited, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, strings.NewReader("{}"))
	if err != nil {
		return Session{}, &SessionError{Op: op, Reason: ReasonRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set(apiKeyHeader, m.cfg.APIKey)
	}
	if m.cfg.APISecret != "" {
		req.Header.Set(apiSecretHeader, m.cfg.APISecret)
	}

	issued := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		return Session{}, &SessionError{Op: op, Reason: ReasonUnavailable, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Session{}, &SessionError{Op: op, Reason: ReasonUnavailable, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Session{}, &SessionError{Op: op, Reason: ReasonUnauthorized, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Session{}, &SessionError{Op: op, Reason: ReasonRateLimited, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Session{}, &SessionError{Op: op, Reason: ReasonRejected, Status: resp.StatusCode,
			Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}

	var nr negotiateResponse
	if err := json.Unmarshal(body, &nr); err != nil {
		return Session{}, &SessionError{Op: op, Reason: ReasonRejected, Status: resp.StatusCode, Err: err}
	}
	if nr.SessionID == "" || nr.SocketURL == "" {
		return Session{}, &SessionError{Op: op, Reason: ReasonRejected, Status: resp.StatusCode,
			Err: errors.New("missing session_id or socket_url")}
	}
	socketURL, err := m.resolveSocketURL(nr.SocketURL)
	if err != nil {
		return Session{}, &SessionError{Op: op, Reason: ReasonRejected, Status: resp.StatusCode, Err: err}
	}

	ttl := m.cfg.DefaultTTL
	if nr.ExpiresIn > 0 {
		ttl = time.Duration(nr.ExpiresIn * float64(time.Second))
	}
	s = Session{ID: nr.SessionID, SocketURL: socketURL, IssuedAt: issued, ExpiresAt: issued.Add(ttl)}
	m.log.WithContext(ctx).Info("session negotiated",
		zap.String("op", op),
		zap.String("session_id", s.ID),
		zap.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

// resolveSocketURL accepts absolute ws(s)/http(s) URLs and paths relative to the session endpoint.
func (m *Manager) resolveSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("socket_url: %w", err)
	}
	if !u.IsAbs() {
		base, _ := url.Parse(m.cfg.URL)
		u = base.ResolveReference(u)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socket_url: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Current returns the installed session if it stays valid beyond the safety margin;
// otherwise it negotiates and installs a new one.
func (m *Manager) Current(ctx context.Context) (Session, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur.ValidAt(m.now(), m.cfg.SafetyMargin) {
		return cur, nil
	}
	s, err := m.negotiate(ctx, "negotiate")
	if err != nil {
		return Session{}, err
	}
	m.install(s)
	return s, nil
}

// Renew negotiates a session that supersedes the current one.
func (m *Manager) Renew(ctx context.Context) (Session, error) {
	s, err := m.negotiate(ctx, "renew")
	if err != nil {
		return Session{}, err
	}
	m.install(s)
	return s, nil
}

// Invalidate drops the current session so the next Current negotiates.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = Session{}
	m.mu.Unlock()
}

func (m *Manager) install(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	close(m.changed)
	m.changed = make(chan struct{})
}

// snapshot returns the installed session and a channel closed on the next install.
func (m *Manager) snapshot() (Session, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.changed
}
