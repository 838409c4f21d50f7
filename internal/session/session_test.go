package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/market-stream/common/backoff"
	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/internal/session"
	"github.com/YaganovValera/market-stream/internal/testutil/fakeprovider"
)

func newManager(t *testing.T, url string, mutate ...func(*session.Config)) *session.Manager {
	t.Helper()
	cfg := session.Config{
		URL:          url,
		APIKey:       "key",
		APISecret:    "secret",
		SafetyMargin: 100 * time.Millisecond,
		Timeout:      time.Second,
		Retry:        backoff.PolicyConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 2},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	m, err := session.NewManager(cfg, logger.NewNop())
	require.NoError(t, err)
	return m
}

func TestNegotiate_Success(t *testing.T) {
	var gotKey, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, gotSecret = r.Header.Get("X-API-Key"), r.Header.Get("X-API-Secret")
		_, _ = w.Write([]byte(`{"session_id":"abc","socket_url":"wss://stream.example/ws","expires_in":120}`))
	}))
	defer srv.Close()

	m := newManager(t, srv.URL)
	before := time.Now()
	s, err := m.Negotiate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "abc", s.ID)
	assert.Equal(t, "wss://stream.example/ws", s.SocketURL)
	assert.WithinDuration(t, before.Add(120*time.Second), s.ExpiresAt, time.Second)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "secret", gotSecret)
}

func TestNegotiate_DefaultTTLAndRelativeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"session_id":"abc","socket_url":"/ws?session=abc"}`))
	}))
	defer srv.Close()

	m := newManager(t, srv.URL+"/session", func(c *session.Config) { c.DefaultTTL = time.Minute })
	s, err := m.Negotiate(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.SocketURL, "ws://"), s.SocketURL)
	assert.True(t, strings.HasSuffix(s.SocketURL, "/ws?session=abc"), s.SocketURL)
	assert.Equal(t, time.Minute, s.ExpiresAt.Sub(s.IssuedAt))
}

func TestNegotiate_ErrorReasons(t *testing.T) {
	cases := []struct {
		status int
		body   string
		reason string
	}{
		{http.StatusUnauthorized, "", session.ReasonUnauthorized},
		{http.StatusForbidden, "", session.ReasonUnauthorized},
		{http.StatusTooManyRequests, "", session.ReasonRateLimited},
		{http.StatusInternalServerError, "boom", session.ReasonRejected},
		{http.StatusOK, `{"session_id":""}`, session.ReasonRejected},
		{http.StatusOK, `not json`, session.ReasonRejected},
	}
	for _, tc := range cases {
		t.Run(tc.reason+"/"+http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newManager(t, srv.URL).Negotiate(context.Background())
			var se *session.SessionError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, tc.reason, se.Reason)
			assert.Equal(t, tc.status, se.Status)
		})
	}
}

func TestNegotiate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newManager(t, url).Negotiate(context.Background())
	var se *session.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, session.ReasonUnavailable, se.Reason)
}

func TestCurrent_ReusesValidSession(t *testing.T) {
	p := fakeprovider.New(t)
	m := newManager(t, p.SessionURL())

	s1, err := m.Current(context.Background())
	require.NoError(t, err)
	s2, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, 1, p.Negotiations())

	m.Invalidate()
	s3, err := m.Current(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s3.ID)
}

func TestCurrent_RenegotiatesInsideSafetyMargin(t *testing.T) {
	p := fakeprovider.New(t)
	p.SetTTL(0.05) // shorter than the 100ms safety margin
	m := newManager(t, p.SessionURL())

	_, err := m.Current(context.Background())
	require.NoError(t, err)
	_, err = m.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.Negotiations())
}

func TestNegotiate_RateLimited(t *testing.T) {
	p := fakeprovider.New(t)
	m := newManager(t, p.SessionURL(), func(c *session.Config) { c.Rate = 0.001; c.Burst = 1 })

	_, err := m.Negotiate(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Negotiate(ctx)
	var se *session.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, session.ReasonRateLimited, se.Reason)
	assert.Equal(t, 1, p.Negotiations())
}
