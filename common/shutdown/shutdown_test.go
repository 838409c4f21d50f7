package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/market-stream/common/logger"
)

func TestGracefulShutdown_PassesDeadlineAndWrapsError(t *testing.T) {
	var deadline time.Time
	err := GracefulShutdown("stream", 50*time.Millisecond, func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		<-ctx.Done()
		return ctx.Err()
	}, logger.NewNop())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "shutdown stream")
	assert.False(t, deadline.IsZero())

	assert.NoError(t, GracefulShutdown("noop", time.Second, func(context.Context) error { return nil }, logger.NewNop()))
}

func TestWaitForSignals_SecondSignalExits(t *testing.T) {
	// keeps SIGTERM from killing the test binary before WaitForSignals subscribes
	guard := make(chan os.Signal, 16)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)

	codes := make(chan int, 1)
	exit = func(code int) { codes <- code }
	t.Cleanup(func() { exit = func(int) {} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	returned := make(chan struct{})
	go func() {
		WaitForSignals(ctx, cancel, logger.NewNop())
		close(returned)
	}()

	// Notify is installed asynchronously; keep signalling until the first one lands.
	require.Eventually(t, func() bool {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
		return ctx.Err() != nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case code := <-codes:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
		assert.Equal(t, 1, <-codes)
	}
	<-returned
}

func TestWaitForSignals_ReturnsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WaitForSignals(ctx, func() {}, logger.NewNop())
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignals did not return")
	}
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}
