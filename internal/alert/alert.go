// Package alert delivers operator alerts and answers operator commands.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Log writes alerts to the log only. Used when no bot token is configured.
type Log struct {
	log *slog.Logger
}

// NewLog creates a log-only alerter
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Alert logs the alert text
func (l *Log) Alert(ctx context.Context, text string) {
	l.log.Warn("operator alert", "text", text)
}

// suppressor drops repeats of the same alert within a quiet period
type suppressor struct {
	mu    sync.Mutex
	quiet time.Duration
	sent  map[string]time.Time
	now   func() time.Time
}

func newSuppressor(quiet time.Duration) *suppressor {
	return &suppressor{
		quiet: quiet,
		sent:  make(map[string]time.Time),
		now:   time.Now,
	}
}

// allow reports whether text may be sent now and remembers it if so
func (s *suppressor) allow(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, at := range s.sent {
		if now.Sub(at) >= s.quiet {
			delete(s.sent, k)
		}
	}
	if _, ok := s.sent[text]; ok {
		return false
	}
	s.sent[text] = now
	return true
}

// forget lets text be sent again right away
func (s *suppressor) forget(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, text)
}
