package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// Logger writes events as structured log lines.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(l zerolog.Logger) *Logger {
	return &Logger{log: l.With().Str("component", "audit").Logger()}
}

func (l *Logger) Record(_ context.Context, e Event) error {
	e = Stamp(e)
	ev := l.log.Info()
	if e.Kind == UnlockFailed || e.Kind == TokenRejected {
		ev = l.log.Warn()
	}
	ev = ev.Str("event", string(e.Kind)).Time("at", e.Time)
	if e.UserID != "" {
		ev = ev.Str("user_id", e.UserID)
	}
	if e.Method != "" {
		ev = ev.Str("method", e.Method)
	}
	if e.Session != "" {
		ev = ev.Str("session", e.Session)
	}
	if e.TokenID != "" {
		ev = ev.Str("token_id", e.TokenID)
	}
	if len(e.Scopes) > 0 {
		ev = ev.Strs("scopes", e.Scopes)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	ev.Msg("audit")
	return nil
}
