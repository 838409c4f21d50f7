package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DefaultRegistry: стандартный глобальный реестр метрик.
	DefaultRegistry = prometheus.DefaultRegisterer

	// DefaultGatherer используется promhttp.Handler'ом.
	DefaultGatherer = prometheus.DefaultGatherer
)

// Handler возвращает HTTP-обработчик для /metrics.
// Подключается в common/httpserver по пути из конфига.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		DefaultRegistry,
		promhttp.HandlerFor(DefaultGatherer, promhttp.HandlerOpts{}),
	)
}

// MustRegisterMany регистрирует несколько метрик в reg (nil → DefaultRegistry).
// Повторная регистрация той же метрики не считается ошибкой.
func MustRegisterMany(reg prometheus.Registerer, cs ...prometheus.Collector) {
	if reg == nil {
		reg = DefaultRegistry
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
}
