package serverlogger

import (
	"sync"

	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/config"
)

var (
	factoryLock sync.RWMutex
	// pion/webrtc, pion/ice
	defaultFactory logging.LoggerFactory
)

func LoggerFactory() logging.LoggerFactory {
	factoryLock.RLock()
	lf := defaultFactory
	factoryLock.RUnlock()
	if lf == nil {
		return logging.NewDefaultLoggerFactory()
	}
	return lf
}

func SetLoggerFactory(lf logging.LoggerFactory) {
	factoryLock.Lock()
	defaultFactory = lf
	factoryLock.Unlock()
}

// NewLoggerFactory routes pion logs into l, dropping anything below level.
// valid levels: debug, info, warn, error
func NewLoggerFactory(l logger.Logger, level string) logging.LoggerFactory {
	lvl := zapcore.ErrorLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = zapcore.ErrorLevel
		}
	}
	return &loggerFactory{sink: l, level: lvl}
}

func InitFromConfig(conf *config.LoggingConfig) {
	config.InitLoggerFromConfig(conf)
	SetLoggerFactory(NewLoggerFactory(logger.GetLogger(), conf.PionLevel))
}
