package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// buildZapConfig: dev → консоль без семплинга, иначе JSON. Ключи одинаковые в обоих режимах.
func buildZapConfig(cfg Config) zap.Config {
	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
		if cfg.SampleInitial > 0 {
			// per message and per second: first SampleInitial, then every SampleThereafter-th
			zc.Sampling = &zap.SamplingConfig{Initial: cfg.SampleInitial, Thereafter: cfg.SampleThereafter}
		}
	}

	ec := &zc.EncoderConfig
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	ec.StacktraceKey = "stacktrace"
	ec.EncodeDuration = zapcore.StringDurationEncoder

	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	return zc
}

func setZapLevel(cfg *zap.Config, level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return nil
}
