package audit

import (
	"context"
	"time"

	"realm-steward/internal/storage"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelInfo = "INFO"
	LevelWarn = "WARN"
	LevelCrit = "CRIT"
)

type Sink interface {
	AddAuditLog(ctx context.Context, log storage.AuditLog) error
}

// Logger records moderation events to the store, the process log and an
// optional mod-log notifier. A nil Logger discards everything.
type Logger struct {
	store  Sink
	logger *zap.Logger
	notify func(context.Context, storage.AuditLog)
	now    func() time.Time
}

func NewLogger(store Sink, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{store: store, logger: logger, now: time.Now}
}

func (l *Logger) SetNotifier(notify func(context.Context, storage.AuditLog)) {
	l.notify = notify
}

func (l *Logger) Log(ctx context.Context, level, guildID, userID, event, details string) {
	if l == nil {
		return
	}
	entry := storage.AuditLog{
		GuildID:   guildID,
		UserID:    userID,
		Level:     level,
		Event:     event,
		Details:   details,
		CreatedAt: l.now(),
	}
	l.logger.Log(zapLevel(level), "audit",
		zap.String("level", level),
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("event", event),
		zap.String("details", details),
	)
	if l.store != nil {
		if err := l.store.AddAuditLog(ctx, entry); err != nil {
			l.logger.Warn("persist audit log failed", zap.String("event", event), zap.Error(err))
		}
	}
	if l.notify != nil {
		l.notify(ctx, entry)
	}
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelCrit:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
