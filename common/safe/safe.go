package safe

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
)

// Group: аналог errgroup.Group с защитой от panic.
// Первая ошибка (или паника) отменяет контекст остальных задач.
type Group struct {
	p   *pool.ContextPool
	log *logger.Logger
}

// New создает группу с контекстом и логгером.
func New(ctx context.Context, log *logger.Logger) *Group {
	return &Group{
		p:   pool.New().WithContext(ctx).WithCancelOnError().WithFirstError(),
		log: log.Named("safe"),
	}
}

// Go запускает защищённую goroutine с именем name (для логов).
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.p.Go(func(ctx context.Context) error {
		var (
			err error
			pc  panics.Catcher
		)
		pc.Try(func() { err = fn(ctx) })

		if r := pc.Recovered(); r != nil {
			g.log.Error("panic recovered",
				zap.String("task", name),
				zap.Any("panic", r.Value),
				zap.ByteString("stack", r.Stack),
			)
			return r.AsError()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error("goroutine error", zap.String("task", name), zap.Error(err))
		}
		return err
	})
}

// Wait блокирует до завершения всех goroutine и возвращает первую ошибку.
func (g *Group) Wait() error {
	return g.p.Wait()
}
