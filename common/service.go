package common

import (
	"github.com/YaganovValera/market-stream/common/backoff"
)

// InitServiceName задаёт имя сервиса для метрик backoff.
// Нужно вызывать до первых ретраев.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
}
