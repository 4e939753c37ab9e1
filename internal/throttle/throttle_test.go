package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daiyosei/cirno-go/internal/config"
)

func TestLimiter_UserCooldown(t *testing.T) {
	l := NewLimiter(config.ThrottleConfig{UserCooldown: time.Second})
	now := time.Now()
	l.now = func() time.Time { return now }

	require.Equal(t, Allowed, l.Allow("group:1", 42))
	require.Equal(t, UserCooldown, l.Allow("group:1", 42))

	// Different user is unaffected.
	require.Equal(t, Allowed, l.Allow("group:1", 43))

	now = now.Add(2 * time.Second)
	require.Equal(t, Allowed, l.Allow("group:1", 42))
}

func TestLimiter_SessionLimit(t *testing.T) {
	l := NewLimiter(config.ThrottleConfig{SessionRPM: 2})
	now := time.Now()
	l.now = func() time.Time { return now }

	require.Equal(t, Allowed, l.Allow("group:1", 1))
	require.Equal(t, Allowed, l.Allow("group:1", 2))
	require.Equal(t, SessionLimit, l.Allow("group:1", 3))

	// Another session has its own bucket.
	require.Equal(t, Allowed, l.Allow("group:2", 4))
}

func TestLimiter_GlobalLimit(t *testing.T) {
	l := NewLimiter(config.ThrottleConfig{GlobalRPM: 1})
	now := time.Now()
	l.now = func() time.Time { return now }

	require.Equal(t, Allowed, l.Allow("group:1", 1))
	require.Equal(t, GlobalLimit, l.Allow("group:2", 2))
}

func TestLimiter_ZeroConfigAllowsEverything(t *testing.T) {
	l := NewLimiter(config.ThrottleConfig{})
	for i := 0; i < 100; i++ {
		require.Equal(t, Allowed, l.Allow("group:1", 42))
	}
}
