// Package throttle rate-limits inbound messages before they reach any
// provider call: a global bucket, one bucket per session, and a per-user
// cooldown.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/daiyosei/cirno-go/internal/config"
)

// Verdicts returned by Allow.
const (
	Allowed      = "allowed"
	GlobalLimit  = "global_limit"
	SessionLimit = "session_limit"
	UserCooldown = "user_cooldown"
)

// Limiter enforces the configured rate limits. Safe for concurrent use.
type Limiter struct {
	cfg    config.ThrottleConfig
	global *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*rate.Limiter
	lastSeen map[int64]time.Time

	now func() time.Time // swapped in tests
}

// NewLimiter builds a limiter from config. A zero RPM disables the
// corresponding bucket.
func NewLimiter(cfg config.ThrottleConfig) *Limiter {
	l := &Limiter{
		cfg:      cfg,
		sessions: make(map[string]*rate.Limiter),
		lastSeen: make(map[int64]time.Time),
		now:      time.Now,
	}
	if cfg.GlobalRPM > 0 {
		l.global = rate.NewLimiter(rate.Limit(float64(cfg.GlobalRPM)/60), cfg.GlobalRPM)
	}
	return l
}

// Allow decides whether a message from userID in sessionKey may proceed
// and returns the verdict. A disallowed message consumes no tokens from
// buckets it did not reach.
func (l *Limiter) Allow(sessionKey string, userID int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.cfg.UserCooldown > 0 {
		if last, ok := l.lastSeen[userID]; ok && now.Sub(last) < l.cfg.UserCooldown {
			return UserCooldown
		}
	}

	if l.global != nil && !l.global.AllowN(now, 1) {
		return GlobalLimit
	}

	if l.cfg.SessionRPM > 0 {
		s, ok := l.sessions[sessionKey]
		if !ok {
			s = rate.NewLimiter(rate.Limit(float64(l.cfg.SessionRPM)/60), l.cfg.SessionRPM)
			l.sessions[sessionKey] = s
		}
		if !s.AllowN(now, 1) {
			return SessionLimit
		}
	}

	l.lastSeen[userID] = now
	return Allowed
}
