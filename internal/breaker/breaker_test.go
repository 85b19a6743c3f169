package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, cfg Config) *Breaker {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)
	return b
}

func TestTripsExactlyOnceAtThreshold(t *testing.T) {
	var transitions [][2]State
	cfg := Config{
		MaxFailures: 3,
		Cooldown:    time.Minute,
		OnTransition: func(from, to State) {
			transitions = append(transitions, [2]State{from, to})
		},
	}
	b := newTestBreaker(t, cfg)
	now := time.Now()

	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow(now))

	b.RecordFailure(now)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow(now), "no spawns while Open")
	assert.False(t, b.Allow(now.Add(30*time.Second)))

	require.Len(t, transitions, 1)
	assert.Equal(t, [2]State{Closed, Open}, transitions[0])
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b := newTestBreaker(t, Config{MaxFailures: 1, Cooldown: time.Minute})
	now := time.Now()
	b.RecordFailure(now)
	require.Equal(t, Open, b.State())

	after := now.Add(time.Minute)
	assert.True(t, b.Allow(after), "cool-down elapsed grants one trial")
	assert.Equal(t, HalfOpen, b.State())
	assert.False(t, b.Allow(after), "second trial denied while one is in flight")
}

func TestHalfOpenSuccessClosesAndResets(t *testing.T) {
	b := newTestBreaker(t, Config{MaxFailures: 2, Cooldown: time.Minute})
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	require.Equal(t, Open, b.State())
	require.True(t, b.Allow(now.Add(time.Minute)))

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Failures())
	// Cool-down is back to base: one full cycle trips and waits a minute.
	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.False(t, b.Allow(now.Add(59*time.Second)))
	assert.True(t, b.Allow(now.Add(61*time.Second)))
}

func TestHalfOpenFailureGrowsCooldown(t *testing.T) {
	b := newTestBreaker(t, Config{
		MaxFailures:        1,
		Cooldown:           time.Minute,
		CooldownMultiplier: 2,
		CooldownMax:        3 * time.Minute,
	})
	now := time.Now()
	b.RecordFailure(now) // trips, cool-down 1m

	now = now.Add(time.Minute)
	require.True(t, b.Allow(now))
	b.RecordFailure(now) // re-opens, cool-down 2m
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow(now.Add(time.Minute)))
	assert.Equal(t, 2*time.Minute, b.RemainingCooldown(now))

	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow(now))
	b.RecordFailure(now) // would be 4m, capped at 3m
	assert.Equal(t, 3*time.Minute, b.RemainingCooldown(now))

	now = now.Add(3 * time.Minute)
	require.True(t, b.Allow(now))
	b.RecordFailure(now) // stays at the cap
	assert.Equal(t, 3*time.Minute, b.RemainingCooldown(now))
}

func TestReleaseTrialReopensSlot(t *testing.T) {
	b := newTestBreaker(t, Config{MaxFailures: 1, Cooldown: time.Minute})
	now := time.Now()
	b.RecordFailure(now)
	now = now.Add(time.Minute)
	require.True(t, b.Allow(now))
	require.False(t, b.Allow(now))

	// Trial worker was restarted proactively; no verdict produced.
	b.ReleaseTrial()
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow(now), "released slot grants a fresh trial")
}

func TestClosedSuccessResetsFailures(t *testing.T) {
	b := newTestBreaker(t, Config{MaxFailures: 3, Cooldown: time.Minute})
	now := time.Now()
	b.RecordFailure(now)
	b.RecordFailure(now)
	b.RecordSuccess()
	assert.Equal(t, 0, b.Failures())
	// Two more failures must not trip by carrying the old count.
	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.Equal(t, Closed, b.State())
}

func TestRemainingCooldownZeroOutsideOpen(t *testing.T) {
	b := newTestBreaker(t, Config{MaxFailures: 1, Cooldown: time.Minute})
	now := time.Now()
	assert.Zero(t, b.RemainingCooldown(now))
	b.RecordFailure(now)
	assert.Equal(t, time.Minute, b.RemainingCooldown(now))
	assert.Equal(t, 30*time.Second, b.RemainingCooldown(now.Add(30*time.Second)))
	require.True(t, b.Allow(now.Add(time.Minute)))
	assert.Zero(t, b.RemainingCooldown(now.Add(time.Minute)))
}

func TestConfigValidation(t *testing.T) {
	cases := []Config{
		{MaxFailures: -1, Cooldown: time.Second},
		{MaxFailures: 1, Cooldown: -time.Second},
		{MaxFailures: 1, Cooldown: time.Second, CooldownMultiplier: 0.5},
		{MaxFailures: 1, Cooldown: time.Minute, CooldownMax: time.Second},
	}
	for i, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestDefaults(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.RecordFailure(now)
	}
	assert.Equal(t, Open, b.State(), "default threshold is 5")
	assert.Equal(t, 30*time.Second, b.RemainingCooldown(now))
}
