package health

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/metrics"
)

// Status classifies the most recent liveness probe.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

const (
	DefaultInterval    = 10 * time.Second
	DefaultTimeout     = 3 * time.Second
	DefaultMaxFailures = 3
)

// Config describes the HTTP liveness probe for a worker. An empty URL
// disables probing.
type Config struct {
	URL         string        `json:"url" mapstructure:"url"`
	Interval    time.Duration `json:"interval" mapstructure:"interval"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxFailures int           `json:"max_failures" mapstructure:"max_failures"`
}

func (c *Config) Enabled() bool { return c != nil && c.URL != "" }

// Normalize fills zero fields with defaults.
func (c *Config) Normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
}

func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("health: invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("health: url %q must be http or https", c.URL)
	}
	if c.Interval < 0 || c.Timeout < 0 || c.MaxFailures < 0 {
		return fmt.Errorf("health: interval, timeout and max_failures must not be negative")
	}
	return nil
}

// Result is the snapshot of the last completed probe. ConsecFails is the
// consecutive-failure count after this probe was applied; the probe that
// trips the alarm reports the tripping count.
type Result struct {
	Status      Status        `json:"status"`
	StatusCode  int           `json:"status_code,omitempty"`
	Latency     time.Duration `json:"latency"`
	CheckedAt   time.Time     `json:"checked_at"`
	ConsecFails int           `json:"consecutive_failures,omitempty"`
	Err         string        `json:"error,omitempty"`
}

// Prober polls a liveness endpoint at a fixed interval and raises an alarm
// after MaxFailures consecutive unhealthy results. Probes taken while the
// worker is not running classify as unknown and leave the counter untouched;
// a healthy result resets it. The alarm resets the counter as well, so a
// replacement worker gets the full threshold before the next alarm.
type Prober struct {
	name    string
	cfg     Config
	client  *http.Client
	alive   func() bool
	onAlarm func(failures int)

	mu       sync.RWMutex
	last     Result
	failures int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a prober. alive reports whether the worker currently runs;
// onAlarm is invoked from the probe goroutine when the threshold trips.
func New(name string, cfg Config, alive func() bool, onAlarm func(failures int)) *Prober {
	cfg.Normalize()
	return &Prober{
		name:    name,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		alive:   alive,
		onAlarm: onAlarm,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic probing.
func (p *Prober) Start() {
	if !p.cfg.Enabled() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.probe()
			}
		}
	}()
}

// Stop halts probing and waits for the in-flight probe to finish.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Last returns the most recent probe result.
func (p *Prober) Last() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Failures returns the current consecutive-failure count.
func (p *Prober) Failures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

func (p *Prober) probe() {
	if p.alive != nil && !p.alive() {
		p.record(Result{Status: StatusUnknown, CheckedAt: time.Now()})
		metrics.IncHealthCheck(p.name, StatusUnknown.String())
		return
	}

	start := time.Now()
	res := Result{CheckedAt: start}
	resp, err := p.client.Get(p.cfg.URL)
	res.Latency = time.Since(start)
	metrics.ObserveHealthCheckDuration(p.name, res.Latency.Seconds())
	if err != nil {
		res.Status = StatusUnhealthy
		res.Err = err.Error()
	} else {
		_ = resp.Body.Close()
		res.StatusCode = resp.StatusCode
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			res.Status = StatusHealthy
		} else {
			res.Status = StatusUnhealthy
			res.Err = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
	}
	metrics.IncHealthCheck(p.name, res.Status.String())

	fired, failures := p.record(res)
	if fired {
		slog.Warn("health probe threshold exceeded", "name", p.name, "failures", failures, "url", p.cfg.URL)
		if p.onAlarm != nil {
			p.onAlarm(failures)
		}
	} else if res.Status == StatusUnhealthy {
		slog.Debug("health probe failed", "name", p.name, "failures", failures, "error", res.Err)
	}
}

// record stores the result and advances the consecutive counter. It reports
// whether the alarm threshold fired along with the count that tripped it.
func (p *Prober) record(res Result) (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch res.Status {
	case StatusHealthy:
		p.failures = 0
	case StatusUnhealthy:
		p.failures++
	}
	res.ConsecFails = p.failures
	p.last = res
	if res.Status == StatusUnhealthy && p.failures >= p.cfg.MaxFailures {
		n := p.failures
		p.failures = 0
		return true, n
	}
	return false, p.failures
}
