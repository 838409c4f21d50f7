package session_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/market-stream/internal/session"
	"github.com/YaganovValera/market-stream/internal/testutil/fakeprovider"
)

func TestRunRenewal_RenewsBeforeExpiryRepeatedly(t *testing.T) {
	p := fakeprovider.New(t)
	p.SetTTL(0.3)
	m := newManager(t, p.SessionURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := m.Current(ctx)
	require.NoError(t, err)

	rotations := make(chan session.Rotation)
	done := make(chan error, 1)
	go func() { done <- m.RunRenewal(ctx, rotations) }()

	prev := first
	for i := 0; i < 3; i++ {
		select {
		case rot := <-rotations:
			require.NoError(t, rot.Err)
			assert.Equal(t, prev.ID, rot.Previous.ID)
			assert.NotEqual(t, prev.ID, rot.Session.ID)
			assert.True(t, time.Now().Before(prev.ExpiresAt), "cycle %d renewed after expiry", i)

			cur, err := m.Current(ctx)
			require.NoError(t, err)
			assert.Equal(t, rot.Session.ID, cur.ID, "renewed session must be installed")
			prev = rot.Session
		case <-time.After(2 * time.Second):
			t.Fatalf("no rotation in cycle %d", i)
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunRenewal_ReportsExhaustion(t *testing.T) {
	p := fakeprovider.New(t)
	p.SetTTL(0.2)
	m := newManager(t, p.SessionURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := m.Current(ctx)
	require.NoError(t, err)
	p.FailNegotiations(10, http.StatusServiceUnavailable)

	rotations := make(chan session.Rotation)
	go func() { _ = m.RunRenewal(ctx, rotations) }()

	select {
	case rot := <-rotations:
		require.Error(t, rot.Err)
		assert.Equal(t, first.ID, rot.Previous.ID)
		var se *session.SessionError
		require.ErrorAs(t, rot.Err, &se)
		assert.Equal(t, "renew", se.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion was not reported")
	}

	// A fresh session installed by the reconnect path re-arms renewal.
	p.FailNegotiations(0, 0)
	m.Invalidate()
	next, err := m.Current(ctx)
	require.NoError(t, err)

	select {
	case rot := <-rotations:
		require.NoError(t, rot.Err)
		assert.Equal(t, next.ID, rot.Previous.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("renewal did not resume after a fresh session")
	}
}
