package serverlogger

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"
)

type sink interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
}

// implements logging.LoggerFactory
type loggerFactory struct {
	sink  sink
	level zapcore.Level
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{
		sink:  f.sink,
		scope: scope,
		level: f.level,
	}
}

// implements logging.LeveledLogger
type logAdapter struct {
	sink  sink
	scope string
	level zapcore.Level
}

func (l *logAdapter) Trace(msg string) {
	// ignore trace
}

func (l *logAdapter) Tracef(format string, args ...interface{}) {
	// ignore trace
}

func (l *logAdapter) Debug(msg string) {
	if l.level > zapcore.DebugLevel {
		return
	}
	l.sink.Debugw(msg, "pion", l.scope)
}

func (l *logAdapter) Debugf(format string, args ...interface{}) {
	if l.level > zapcore.DebugLevel {
		return
	}
	l.sink.Debugw(fmt.Sprintf(format, args...), "pion", l.scope)
}

func (l *logAdapter) Info(msg string) {
	if l.level > zapcore.InfoLevel {
		return
	}
	l.sink.Infow(msg, "pion", l.scope)
}

func (l *logAdapter) Infof(format string, args ...interface{}) {
	if l.level > zapcore.InfoLevel {
		return
	}
	l.sink.Infow(fmt.Sprintf(format, args...), "pion", l.scope)
}

func (l *logAdapter) Warn(msg string) {
	if l.level > zapcore.WarnLevel {
		return
	}
	l.sink.Warnw(msg, nil, "pion", l.scope)
}

func (l *logAdapter) Warnf(format string, args ...interface{}) {
	if l.level > zapcore.WarnLevel {
		return
	}
	l.sink.Warnw(fmt.Sprintf(format, args...), nil, "pion", l.scope)
}

func (l *logAdapter) Error(msg string) {
	if l.level > zapcore.ErrorLevel {
		return
	}
	l.sink.Errorw(msg, nil, "pion", l.scope)
}

func (l *logAdapter) Errorf(format string, args ...interface{}) {
	if l.level > zapcore.ErrorLevel {
		return
	}
	l.sink.Errorw(fmt.Sprintf(format, args...), nil, "pion", l.scope)
}
