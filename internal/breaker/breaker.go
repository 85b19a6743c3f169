package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit position. Closed permits restarts, Open suppresses
// them until the cool-down elapses, HalfOpen permits a single trial restart.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. OnTransition, when set, is invoked on every
// state change; it runs with the breaker lock held and must not call back
// into the breaker.
type Config struct {
	MaxFailures        int
	Cooldown           time.Duration
	CooldownMultiplier float64
	CooldownMax        time.Duration
	OnTransition       func(from, to State)
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.CooldownMultiplier == 0 {
		c.CooldownMultiplier = 2.0
	}
	if c.CooldownMax == 0 {
		c.CooldownMax = 10 * c.Cooldown
	}
}

func (c *Config) Validate() error {
	if c.MaxFailures <= 0 {
		return errors.New("breaker: max failures must be positive")
	}
	if c.Cooldown <= 0 {
		return errors.New("breaker: cooldown must be positive")
	}
	if c.CooldownMultiplier < 1 {
		return fmt.Errorf("breaker: cooldown multiplier %v must be >= 1", c.CooldownMultiplier)
	}
	if c.CooldownMax < c.Cooldown {
		return fmt.Errorf("breaker: cooldown max %v below cooldown %v", c.CooldownMax, c.Cooldown)
	}
	return nil
}

// Breaker is the restart gate. The supervisor consults Allow before every
// spawn and reports verdicts through RecordFailure/RecordSuccess. Repeated
// HalfOpen failures grow the cool-down geometrically up to CooldownMax.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	trial    bool
}

func New(cfg Config) (*Breaker, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{cfg: cfg, cooldown: cfg.Cooldown}, nil
}

// Allow reports whether a spawn may proceed now. An Open breaker whose
// cool-down has elapsed moves to HalfOpen and grants the one trial slot.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(HalfOpen)
		b.trial = true
		return true
	case HalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

// RecordFailure registers a counted failure. In Closed it may trip the
// circuit; in HalfOpen it re-opens with a grown cool-down.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.MaxFailures {
			b.openedAt = now
			b.transition(Open)
		}
	case HalfOpen:
		b.trial = false
		next := time.Duration(float64(b.cooldown) * b.cfg.CooldownMultiplier)
		if next > b.cfg.CooldownMax {
			next = b.cfg.CooldownMax
		}
		b.cooldown = next
		b.openedAt = now
		b.transition(Open)
	case Open:
		// no spawns happen while Open; counted for observability only
	}
}

// RecordSuccess registers a worker that reached stable uptime. It closes a
// HalfOpen circuit and resets the failure count and cool-down.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.trial = false
		b.failures = 0
		b.cooldown = b.cfg.Cooldown
		b.transition(Closed)
	case Closed:
		b.failures = 0
	case Open:
	}
}

// ReleaseTrial returns a HalfOpen trial slot whose worker left without a
// verdict (proactive or operator restart), so the next Allow can grant a
// fresh trial instead of deadlocking the circuit.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.trial = false
	}
}

// RemainingCooldown reports how long until an Open breaker will consider a
// trial; zero in any other state.
func (b *Breaker) RemainingCooldown(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	d := b.openedAt.Add(b.cooldown).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(from, to)
	}
}
