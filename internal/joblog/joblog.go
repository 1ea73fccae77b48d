// Package joblog writes a job's append-only log stream.
package joblog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/models"
)

// Appender persists one log row and returns it with its assigned id.
type Appender interface {
	AppendLog(ctx context.Context, e models.LogEntry) (models.LogEntry, error)
}

// Logger is the single writer for one job's log stream. Calls are serialized so
// concurrent producers (stdout and stderr readers) never interleave ids out of order.
// Every row is mirrored to zap.
type Logger struct {
	mu     sync.Mutex
	store  Appender
	jobID  string
	logger *zap.Logger
	now    func() time.Time
}

// New returns the log writer for jobID.
func New(store Appender, jobID string, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		store:  store,
		jobID:  jobID,
		logger: logger.With(zap.String(logging.FieldJobID, jobID)),
		now:    time.Now,
	}
}

// Log appends one entry. A failed write is reported to zap and dropped: losing a log
// row never fails the job.
func (l *Logger) Log(ctx context.Context, level, source, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := models.LogEntry{
		JobID:     l.jobID,
		Timestamp: l.now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
	}
	if _, err := l.store.AppendLog(ctx, entry); err != nil {
		l.logger.Warn("append job log", zap.Error(err), zap.String(logging.FieldSource, source))
	}

	fields := []zap.Field{zap.String(logging.FieldSource, source)}
	switch level {
	case models.LevelError:
		l.logger.Error(message, fields...)
	case models.LevelWarn:
		l.logger.Warn(message, fields...)
	case models.LevelDebug:
		l.logger.Debug(message, fields...)
	default:
		l.logger.Info(message, fields...)
	}
}

func (l *Logger) Infof(ctx context.Context, source, format string, args ...interface{}) {
	l.Log(ctx, models.LevelInfo, source, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(ctx context.Context, source, format string, args ...interface{}) {
	l.Log(ctx, models.LevelWarn, source, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(ctx context.Context, source, format string, args ...interface{}) {
	l.Log(ctx, models.LevelError, source, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(ctx context.Context, source, format string, args ...interface{}) {
	l.Log(ctx, models.LevelDebug, source, fmt.Sprintf(format, args...))
}
