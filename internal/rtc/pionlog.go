package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"

	"rentalconnect-realtime/pkg/logger"
)

// zapLoggerFactory routes pion's internal logging (ice, dtls, sctp, pc)
// into the zap logger. Pion's trace level maps to debug.
type zapLoggerFactory struct {
	base *zap.Logger
}

func newZapLoggerFactory() *zapLoggerFactory {
	return &zapLoggerFactory{base: logger.Named("pion")}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{log: f.base.Named(scope)}
}

type zapLeveledLogger struct {
	log *zap.Logger
}

var _ logging.LeveledLogger = (*zapLeveledLogger)(nil)

func (l *zapLeveledLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l *zapLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l *zapLeveledLogger) Info(msg string) { l.log.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...))
}
func (l *zapLeveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
func (l *zapLeveledLogger) Error(msg string) { l.log.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}
