package swcache

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger lets through at most one record per interval and counts
// the rest. Used for warnings that would otherwise repeat on every request.
type rateLimitedLogger struct {
	log *slog.Logger
	lim *rate.Limiter
	now func() time.Time

	mu      sync.Mutex
	dropped int
}

func newRateLimitedLogger(log *slog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		log: log,
		lim: rate.NewLimiter(rate.Every(interval), 1),
		now: time.Now,
	}
}

func (l *rateLimitedLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	if !l.lim.AllowN(l.now(), 1) {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		args = append(args, slog.Int("suppressed", dropped))
	}
	l.log.Warn(msg, args...)
}
