// Package stream owns the single upstream connection: the reconnect state machine,
// session rotation and the reconciliation of subscriptions onto the wire.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/common/safe"
	"github.com/YaganovValera/market-stream/internal/cache"
	"github.com/YaganovValera/market-stream/internal/marketdata"
	"github.com/YaganovValera/market-stream/internal/normalizer"
	"github.com/YaganovValera/market-stream/internal/session"
	"github.com/YaganovValera/market-stream/internal/status"
)

var tracer = otel.Tracer("market-stream/stream")

// Sessions is the part of session.Manager the connection needs.
type Sessions interface {
	Current(ctx context.Context) (session.Session, error)
	Invalidate()
	RunRenewal(ctx context.Context, rotations chan<- session.Rotation) error
}

// TickSink receives every normalized tick after it is cached. Offer must not block.
type TickSink interface {
	Offer(tick marketdata.Tick)
}

// Config of the connection.
type Config struct {
	Policy          backoff.PolicyConfig
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CacheTTL        time.Duration
	OverlapSessions bool
	MaxSymbols      int
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Minute
	}
}

// Service is the control surface of the ingestion side.
type Service struct {
	cfg      Config
	sessions Sessions
	cache    cache.Cache
	registry *Registry
	tracker  *status.Tracker
	sink     TickSink
	dialer   *websocket.Dialer
	log      *logger.Logger
	now      func() time.Time

	gen  atomic.Uint64
	live atomic.Uint64 // newest generation that has delivered ticks

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option tunes a Service.
type Option func(*Service)

// WithSink mirrors ticks to sink.
func WithSink(sink TickSink) Option { return func(s *Service) { s.sink = sink } }

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(s *Service) { s.dialer = d } }

// New wires a Service; nothing runs until Start.
func New(cfg Config, sessions Sessions, c cache.Cache, tracker *status.Tracker, log *logger.Logger, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		cache:    c,
		registry: NewRegistry(cfg.MaxSymbols),
		tracker:  tracker,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		log: log.Named("stream"),
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.registry.OnChange(tracker.SetSymbols)
	s.setState(status.StateIdle)
	return s
}

// Registry exposes the desired subscription set.
func (s *Service) Registry() *Registry { return s.registry }

// Symbols is the desired subscription set, sorted.
func (s *Service) Symbols() []string { return s.registry.Snapshot() }

// Status returns the connectivity snapshot.
func (s *Service) Status() status.Snapshot { return s.tracker.Status() }

// Ready is nil unless the connection gave up.
func (s *Service) Ready() error {
	if s.tracker.State() == status.StateDisconnected {
		return ErrUnavailable
	}
	return nil
}

// Subscribe adds symbols to the desired set. Symbols already present are ignored.
// It is accepted in every state; anything not yet on the wire is asserted on the next
// successful connect.
func (s *Service) Subscribe(symbols []string) error {
	added, err := s.registry.Add(symbols)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		s.log.Info("symbols subscribed", zap.Strings("symbols", added))
	}
	return nil
}

// Unsubscribe removes symbols from the desired set.
func (s *Service) Unsubscribe(symbols []string) error {
	removed, err := s.registry.Remove(symbols)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		s.log.Info("symbols unsubscribed", zap.Strings("symbols", removed))
	}
	return nil
}

// Start launches the connection and renewal tasks. Calling it while running is a no-op.
// The tasks live until Stop, ctx cancellation, or exhaustion of reconnect attempts.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.running, s.cancel, s.done = true, cancel, done

	rotations := make(chan session.Rotation)
	g := safe.New(runCtx, s.log)
	g.Go("connection", func(ctx context.Context) error { return s.run(ctx, g, rotations) })
	g.Go("renewal", func(ctx context.Context) error { return s.sessions.RunRenewal(ctx, rotations) })

	go func() {
		err := g.Wait()
		cancel()
		if !errors.Is(err, ErrUnavailable) {
			s.setState(status.StateIdle)
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	s.log.Info("stream started", zap.Strings("symbols", s.registry.Snapshot()))
	return nil
}

// Stop closes the socket with a normal close frame and waits for the tasks to exit.
// The subscription set is kept for the next Start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.log.Info("stream stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream: stop: %w", ctx.Err())
	}
}

// Done is closed when the current run ends; nil before the first Start.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Service) setState(st status.State) {
	observeState(st)
	s.tracker.SetState(st)
}

func observeState(st status.State) {
	for _, x := range []status.State{status.StateIdle, status.StateConnecting, status.StateConnected, status.StateReconnecting, status.StateDisconnected} {
		v := 0.0
		if x == st {
			v = 1
		}
		streamMetrics.State.WithLabelValues(string(x)).Set(v)
	}
}

// run is the connection task: the only writer to any socket.
func (s *Service) run(ctx context.Context, g *safe.Group, rotations <-chan session.Rotation) error {
	policy := backoff.NewPolicy(s.cfg.Policy)
	log := s.log

	for {
		s.setState(status.StateConnecting)
		sock, err := s.connect(ctx, g)
		if err == nil {
			policy.Reset()
			s.setState(status.StateConnected)
			err = s.serve(ctx, g, sock, rotations)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, ok := policy.Next()
		if !ok {
			s.tracker.SetError(err)
			s.setState(status.StateDisconnected)
			log.Error("reconnect attempts exhausted", zap.Int("max_attempts", policy.Config().MaxAttempts), zap.Error(err))
			return ErrUnavailable
		}
		streamMetrics.Reconnects.Inc()
		s.tracker.SetReconnecting(policy.Attempts(), err)
		observeState(status.StateReconnecting)
		log.Warn("upstream lost, reconnecting",
			zap.Int("attempt", policy.Attempts()),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if !s.sleep(ctx, delay, rotations) {
			return ctx.Err()
		}
	}
}

// sleep waits out a backoff delay. Rotations arriving meanwhile are stale: the next
// connect picks up whatever session is installed.
func (s *Service) sleep(ctx context.Context, d time.Duration, rotations <-chan session.Rotation) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case <-rotations:
		}
	}
}

// connect obtains a session and opens a socket on it.
func (s *Service) connect(ctx context.Context, g *safe.Group) (*socket, error) {
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	sess, err := s.sessions.Current(ctx)
	if err != nil {
		span.RecordError(err)
		streamMetrics.Connects.WithLabelValues("session_error").Inc()
		return nil, err
	}
	sock, err := s.open(ctx, g, sess)
	if err != nil {
		span.RecordError(err)
		streamMetrics.Connects.WithLabelValues("dial_error").Inc()
		return nil, err
	}
	streamMetrics.Connects.WithLabelValues("ok").Inc()
	return sock, nil
}

// open dials sess and asserts the full subscription set on the new socket.
func (s *Service) open(ctx context.Context, g *safe.Group, sess session.Session) (*socket, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("X-Session-ID", sess.ID)
	ws, resp, err := s.dialer.DialContext(dctx, sess.SocketURL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			// the session was refused; negotiate a fresh one next time
			s.sessions.Invalidate()
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	sock := newSocket(s.gen.Add(1), ws, sess, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	symbols := s.registry.Snapshot()
	if err := sock.send("subscribe", symbols); err != nil {
		sock.close(false)
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}

	g.Go(fmt.Sprintf("reader-%d", sock.gen), func(ctx context.Context) error {
		sock.readLoop(func(data []byte) { s.handleFrame(ctx, sock.gen, data) })
		return nil
	})

	s.tracker.SetSessionExpiry(sess.ExpiresAt)
	s.log.Info("upstream connected",
		zap.Uint64("generation", sock.gen),
		zap.String("session_id", sess.ID),
		zap.Int("symbols", len(symbols)),
	)
	return sock, nil
}

// serve keeps one connected socket alive until it fails or ctx ends. It reconciles
// subscriptions, pings, and rotates sessions.
func (s *Service) serve(ctx context.Context, g *safe.Group, sock *socket, rotations <-chan session.Rotation) error {
	ping := time.NewTicker(s.cfg.ReadTimeout / 3)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			sock.close(true)
			<-sock.done
			return ctx.Err()

		case <-sock.done:
			sock.close(false)
			if closedByPeer(sock.err) {
				s.log.Info("upstream closed the socket", zap.Uint64("generation", sock.gen), zap.Error(sock.err))
			}
			return &ConnectionError{Op: "read", Err: sock.err}

		case <-s.registry.Dirty():
			if err := s.reconcile(sock); err != nil {
				sock.close(false)
				return &ConnectionError{Op: "subscribe", Err: err}
			}

		case <-ping.C:
			if err := sock.ping(); err != nil {
				sock.close(false)
				return &ConnectionError{Op: "ping", Err: err}
			}

		case rot := <-rotations:
			if rot.Previous.ID != sock.session.ID {
				// renewal of a session this socket never used
				continue
			}
			if rot.Err != nil {
				streamMetrics.Rotations.WithLabelValues("failed").Inc()
				s.tracker.SetDegraded(true, rot.Err)
				s.sessions.Invalidate()
				sock.close(true)
				return rot.Err
			}
			next, err := s.rotate(ctx, g, sock, rot.Session)
			if err != nil {
				return err
			}
			sock = next
		}
	}
}

// reconcile sends the incremental difference between desired and asserted symbols.
func (s *Service) reconcile(sock *socket) error {
	desired := s.registry.Snapshot()
	sub, unsub := diff(desired, sock.asserted)
	if err := sock.send("subscribe", sub); err != nil {
		return err
	}
	if err := sock.send("unsubscribe", unsub); err != nil {
		return err
	}
	if len(sub)+len(unsub) > 0 {
		s.log.Debug("subscriptions reconciled", zap.Strings("subscribe", sub), zap.Strings("unsubscribe", unsub))
	}
	return nil
}

// rotate moves onto next. With overlapping sessions the new socket is fully subscribed
// before the old one is closed; otherwise the old socket goes first and a short gap is
// accepted. A gap rotation does not count as a reconnect attempt.
func (s *Service) rotate(ctx context.Context, g *safe.Group, old *socket, next session.Session) (*socket, error) {
	ctx, span := tracer.Start(ctx, "Rotate", trace.WithAttributes(
		attribute.String("session.old", old.session.ID),
		attribute.String("session.new", next.ID),
		attribute.Bool("overlap", s.cfg.OverlapSessions),
	))
	defer span.End()

	if s.cfg.OverlapSessions {
		sock, err := s.open(ctx, g, next)
		if err != nil {
			span.RecordError(err)
			old.close(true)
			return nil, &ConnectionError{Op: "rotate", Err: err}
		}
		old.close(true)
		streamMetrics.Rotations.WithLabelValues("overlap").Inc()
		s.log.Info("session rotated", zap.String("from", old.session.ID), zap.String("to", next.ID))
		return sock, nil
	}

	old.close(true)
	<-old.done
	s.setState(status.StateReconnecting)
	s.setState(status.StateConnecting)
	sock, err := s.open(ctx, g, next)
	if err != nil {
		span.RecordError(err)
		return nil, &ConnectionError{Op: "rotate", Err: err}
	}
	s.setState(status.StateConnected)
	streamMetrics.Rotations.WithLabelValues("gap").Inc()
	s.log.Info("session rotated with gap", zap.String("from", old.session.ID), zap.String("to", next.ID))
	return sock, nil
}

// handleFrame runs on the reader goroutine of socket gen.
func (s *Service) handleFrame(ctx context.Context, gen uint64, data []byte) {
	now := s.now()
	streamMetrics.Frames.Inc()
	s.tracker.MessageReceived(now)

	ticks, dropped := normalizer.Frame(data, now)
	for _, err := range dropped {
		normalizer.CountDropped(err)
		s.tracker.MalformedFrame()
		s.log.Debug("frame dropped", zap.String("reason", normalizer.Reason(err)), zap.Error(err))
	}
	if len(ticks) > 0 && !s.takeLive(gen) {
		// the socket being rotated out must not overwrite ticks of its successor
		streamMetrics.StaleFrames.Inc()
		return
	}
	for _, t := range ticks {
		if err := s.cache.Put(ctx, t.Key(), t, s.cfg.CacheTTL); err != nil {
			streamMetrics.CacheErrors.Inc()
			s.log.Warn("cache put failed", zap.String("key", t.Key().String()), zap.Error(err))
			continue
		}
		streamMetrics.Ticks.WithLabelValues(string(t.Channel)).Inc()
		if s.sink != nil {
			s.sink.Offer(t)
		}
	}
}

// takeLive reports whether gen may write to the cache. The first ticks of a newer socket
// make it live; from then on older sockets are ignored.
func (s *Service) takeLive(gen uint64) bool {
	for {
		cur := s.live.Load()
		if gen < cur {
			return false
		}
		if gen == cur || s.live.CompareAndSwap(cur, gen) {
			return true
		}
	}
}
