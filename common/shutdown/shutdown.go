package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
)

// exit is replaced in tests.
var exit = os.Exit

// WaitForSignals блокирует выполнение до SIGINT/SIGTERM и вызывает cancel().
// Повторный сигнал во время остановки (например, зависшие SSE-клиенты) завершает
// процесс с кодом 1.
func WaitForSignals(ctx context.Context, cancel context.CancelFunc, log *logger.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("shutdown: signal received", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
		return
	}

	sig := <-sigCh
	log.Warn("shutdown: second signal, exiting now", zap.String("signal", sig.String()))
	log.Sync()
	exit(1)
}

// GracefulShutdown выполняет fn с таймаутом и возвращает её ошибку.
// Используется для остановки потока, продьюсера, пулов и экспортёров.
func GracefulShutdown(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	log.Info("shutdown: stopping " + name)
	if err := fn(ctx); err != nil {
		log.Error("shutdown: error in "+name, zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return fmt.Errorf("shutdown %s: %w", name, err)
	}
	log.Info("shutdown: "+name+" stopped cleanly", zap.Duration("elapsed", time.Since(start)))
	return nil
}
