package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig controls the zap backend used by the stackd daemon.
type ZapConfig struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoding with colored levels
}

// NewZapLogger builds a Logger backed by a zap SugaredLogger. The zap
// types never escape this package.
func NewZapLogger(config ZapConfig) (Logger, func(), error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		if err := level.Set(config.Level); err != nil {
			return nil, nil, err
		}
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapConfig.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, nil, err
	}

	sugar := zapLogger.Sugar()
	flush := func() {
		_ = zapLogger.Sync()
	}

	return NewLogger("", LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}), flush, nil
}
