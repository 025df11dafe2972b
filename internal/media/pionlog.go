package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below debug so pion's packet-level chatter stays off
// unless a handler explicitly enables it.
const levelTrace = slog.LevelDebug - 4

// slogFactory routes pion's internal logging into slog, one logger per
// pion scope ("ice", "dtls", "pc", ...).
type slogFactory struct {
	logger *slog.Logger
}

func newLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogFactory{logger: logger.With("component", "pion")}
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{logger: f.logger.With("scope", scope)}
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *slogLogger) logf(level slog.Level, format string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Trace(msg string)                  { l.log(levelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l *slogLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l *slogLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l *slogLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *slogLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *slogLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
