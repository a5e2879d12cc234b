package swcache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type rateLimitedLogger struct {
	log      zerolog.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warn logs at most once per interval and reports how many were suppressed.
func (l *rateLimitedLogger) Warn(err error, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	l.log.Warn().Err(err).Int("suppressed", dropped).Msg(msg)
}
