package mealcache

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// rateLimitedLogger emits at most one warning per interval and counts what
// it swallowed in between.
type rateLimitedLogger struct {
	log      *log.Entry
	interval time.Duration

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(l *log.Entry, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: l, interval: interval}
}

func (l *rateLimitedLogger) Warn(err error, msg string) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	suppressed := l.suppressed
	l.lastAt = now
	l.suppressed = 0
	l.mu.Unlock()

	e := l.log.WithError(err)
	if suppressed > 0 {
		e = e.WithField("suppressed", suppressed)
	}
	e.Warn(msg)
}
