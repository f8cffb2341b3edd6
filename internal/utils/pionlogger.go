package utils

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// pion has a trace level below debug, slog does not
const LevelTrace = slog.LevelDebug - 4

// A pion logging.LoggerFactory writing through slog, so pion's internal
// logs share the application's handler and level.
//
// Every pion scope (ice, dtls, pc, ...) gets a child logger tagged with "pionScope".
type PionLoggerFactory struct {
	logger *slog.Logger
}

// If no logger is given, slog.Default() is used.
func NewPionLoggerFactory(logger *slog.Logger) *PionLoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &PionLoggerFactory{logger: logger}
}

func (factory *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: factory.logger.With("pionScope", scope)}
}

type pionLogger struct {
	logger *slog.Logger
}

func (l *pionLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *pionLogger) logf(level slog.Level, format string, args ...any) {
	// Avoid formatting messages that will be discarded anyway
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *pionLogger) Trace(msg string)                  { l.log(LevelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *pionLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *pionLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
