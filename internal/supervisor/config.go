package supervisor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/keepalive"
	"github.com/loykin/vigil/internal/memguard"
	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/worker"
)

const (
	DefaultMaxFailures        = 5
	DefaultBaseBackoff        = 500 * time.Millisecond
	DefaultBackoffMultiplier  = 2.0
	DefaultBackoffCap         = 30 * time.Second
	DefaultCooldown           = 30 * time.Second
	DefaultCooldownMultiplier = 2.0
	DefaultCooldownMax        = 5 * time.Minute
	DefaultMinStableUptime    = 10 * time.Second
	DefaultGraceTimeout       = 5 * time.Second
)

// RestartPolicy governs how exits translate into restart delays and when the
// circuit opens. Crash delays grow from BaseBackoff by BackoffMultiplier up
// to BackoffCap; after MaxFailures consecutive crashes the circuit opens for
// Cooldown, growing by CooldownMultiplier up to CooldownMax on each failed
// trial.
type RestartPolicy struct {
	MaxFailures        int           `json:"max_failures" mapstructure:"max_failures"`
	BaseBackoff        time.Duration `json:"base_backoff" mapstructure:"base_backoff"`
	BackoffMultiplier  float64       `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	BackoffCap         time.Duration `json:"backoff_cap" mapstructure:"backoff_cap"`
	Cooldown           time.Duration `json:"cooldown" mapstructure:"cooldown"`
	CooldownMultiplier float64       `json:"cooldown_multiplier" mapstructure:"cooldown_multiplier"`
	CooldownMax        time.Duration `json:"cooldown_max" mapstructure:"cooldown_max"`
}

// Normalize fills zero fields with defaults.
func (r *RestartPolicy) Normalize() {
	if r.MaxFailures == 0 {
		r.MaxFailures = DefaultMaxFailures
	}
	if r.BaseBackoff == 0 {
		r.BaseBackoff = DefaultBaseBackoff
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if r.BackoffCap == 0 {
		r.BackoffCap = DefaultBackoffCap
	}
	if r.Cooldown == 0 {
		r.Cooldown = DefaultCooldown
	}
	if r.CooldownMultiplier == 0 {
		r.CooldownMultiplier = DefaultCooldownMultiplier
	}
	if r.CooldownMax == 0 {
		r.CooldownMax = DefaultCooldownMax
	}
}

func (r *RestartPolicy) Validate() error {
	if r.MaxFailures <= 0 {
		return fmt.Errorf("restart: max_failures must be positive")
	}
	if r.BaseBackoff <= 0 {
		return fmt.Errorf("restart: base_backoff must be positive")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("restart: backoff_multiplier %v must be >= 1", r.BackoffMultiplier)
	}
	if r.BackoffCap < r.BaseBackoff {
		return fmt.Errorf("restart: backoff_cap %v below base_backoff %v", r.BackoffCap, r.BaseBackoff)
	}
	if r.Cooldown <= 0 {
		return fmt.Errorf("restart: cooldown must be positive")
	}
	if r.CooldownMultiplier < 1 {
		return fmt.Errorf("restart: cooldown_multiplier %v must be >= 1", r.CooldownMultiplier)
	}
	if r.CooldownMax < r.Cooldown {
		return fmt.Errorf("restart: cooldown_max %v below cooldown %v", r.CooldownMax, r.Cooldown)
	}
	return nil
}

// newBackoffPolicy builds the crash delay schedule. Randomization is off so
// consecutive delays never shrink.
func newBackoffPolicy(r RestartPolicy) *backoff.ExponentialBackOff {
	pol := backoff.NewExponentialBackOff()
	pol.InitialInterval = r.BaseBackoff
	pol.Multiplier = r.BackoffMultiplier
	pol.MaxInterval = r.BackoffCap
	pol.MaxElapsedTime = 0
	pol.RandomizationFactor = 0
	pol.Reset()
	return pol
}

// Config wires one supervised worker with its guards and destinations.
// Store and Sinks are optional; the supervisor does not close an injected
// Store, the caller owns its lifecycle. Sinks are closed on Stop.
type Config struct {
	Spec      worker.Spec      `json:"spec" mapstructure:"worker"`
	Restart   RestartPolicy    `json:"restart" mapstructure:"restart"`
	Health    health.Config    `json:"health" mapstructure:"health"`
	Memory    memguard.Config  `json:"memory" mapstructure:"memory"`
	KeepAlive keepalive.Config `json:"keepalive" mapstructure:"keepalive"`

	Store store.Store    `json:"-" mapstructure:"-"`
	Sinks []history.Sink `json:"-" mapstructure:"-"`
	Env   *env.Env       `json:"-" mapstructure:"-"`
}

// Normalize fills zero fields with defaults across all sections.
func (c *Config) Normalize() {
	if c.Spec.MinStableUptime == 0 {
		c.Spec.MinStableUptime = DefaultMinStableUptime
	}
	if c.Spec.GraceTimeout == 0 {
		c.Spec.GraceTimeout = DefaultGraceTimeout
	}
	c.Restart.Normalize()
	if c.Health.Enabled() {
		c.Health.Normalize()
	}
	if c.Memory.Enabled() {
		c.Memory.Normalize()
	}
	if c.KeepAlive.Enabled() {
		c.KeepAlive.Normalize()
	}
}

func (c *Config) Validate() error {
	if err := c.Spec.Validate(); err != nil {
		return err
	}
	if err := c.Restart.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	return c.KeepAlive.Validate()
}
