package memguard

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/metrics"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultWindow   = 60 * time.Second
	DefaultSustain  = 3
)

// Config describes the RSS guard for a worker. A zero threshold disables it.
// The guard restarts a worker only when the rolling average over a full
// window stays above the threshold for Sustain consecutive evaluations, so
// short allocation spikes never trigger it.
type Config struct {
	ThresholdMB int64         `json:"threshold_mb" mapstructure:"threshold_mb"`
	Interval    time.Duration `json:"interval" mapstructure:"interval"`
	Window      time.Duration `json:"window" mapstructure:"window"`
	Sustain     int           `json:"sustain" mapstructure:"sustain"`
}

func (c *Config) Enabled() bool { return c != nil && c.ThresholdMB > 0 }

// Normalize fills zero fields with defaults.
func (c *Config) Normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Window < c.Interval {
		c.Window = c.Interval
	}
	if c.Sustain <= 0 {
		c.Sustain = DefaultSustain
	}
}

func (c *Config) Validate() error {
	if c.ThresholdMB < 0 {
		return fmt.Errorf("memguard: threshold_mb must not be negative")
	}
	if c.Interval < 0 || c.Window < 0 || c.Sustain < 0 {
		return fmt.Errorf("memguard: interval, window and sustain must not be negative")
	}
	return nil
}

func (c *Config) thresholdBytes() uint64 { return uint64(c.ThresholdMB) * 1024 * 1024 }

// Snapshot is the guard's view of the worker's memory at the last sample.
type Snapshot struct {
	RSS       uint64    `json:"rss_bytes"`
	Avg       uint64    `json:"avg_bytes"`
	Samples   int       `json:"samples"`
	SampledAt time.Time `json:"sampled_at"`
}

// SampleFunc reads the resident set size of a pid in bytes.
type SampleFunc func(pid int) (uint64, error)

// Guard samples a worker's RSS on a fixed interval and raises an alarm when
// the windowed average exceeds the threshold long enough. The window resets
// after an alarm and whenever the pid changes, so a fresh worker starts with
// a clean slate.
type Guard struct {
	name    string
	cfg     Config
	pid     func() int
	sample  SampleFunc
	onAlarm func(avg uint64)

	mu      sync.RWMutex
	last    Snapshot
	lastPID int
	window  []uint64
	over    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a guard. pid reports the worker's current pid (<= 0 while down),
// sample reads its RSS, onAlarm runs on the guard goroutine when sustained
// pressure is detected.
func New(name string, cfg Config, pid func() int, sample SampleFunc, onAlarm func(avg uint64)) *Guard {
	cfg.Normalize()
	if sample == nil {
		sample = SampleRSS
	}
	n := int(cfg.Window / cfg.Interval)
	if n < 1 {
		n = 1
	}
	return &Guard{
		name:    name,
		cfg:     cfg,
		pid:     pid,
		sample:  sample,
		onAlarm: onAlarm,
		window:  make([]uint64, 0, n),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic sampling.
func (g *Guard) Start() {
	if !g.cfg.Enabled() {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.observe()
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// Last returns the most recent snapshot.
func (g *Guard) Last() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

func (g *Guard) observe() {
	pid := 0
	if g.pid != nil {
		pid = g.pid()
	}
	if pid <= 0 {
		g.reset(0)
		return
	}

	rss, err := g.sample(pid)
	if err != nil {
		slog.Debug("rss sample failed", "name", g.name, "pid", pid, "error", err)
		return
	}
	metrics.SetWorkerRSS(g.name, rss)

	fired, avg := g.push(pid, rss)
	if fired {
		slog.Warn("sustained memory pressure", "name", g.name, "pid", pid,
			"avg_mb", avg/1024/1024, "threshold_mb", g.cfg.ThresholdMB)
		if g.onAlarm != nil {
			g.onAlarm(avg)
		}
	}
}

// push appends a sample and evaluates the window. It reports whether the
// sustain threshold fired and the average that tripped it.
func (g *Guard) push(pid int, rss uint64) (bool, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pid != g.lastPID {
		g.window = g.window[:0]
		g.over = 0
		g.lastPID = pid
	}

	if len(g.window) == cap(g.window) {
		copy(g.window, g.window[1:])
		g.window = g.window[:len(g.window)-1]
	}
	g.window = append(g.window, rss)

	var sum uint64
	for _, v := range g.window {
		sum += v
	}
	avg := sum / uint64(len(g.window))
	g.last = Snapshot{RSS: rss, Avg: avg, Samples: len(g.window), SampledAt: time.Now()}

	if len(g.window) < cap(g.window) {
		return false, avg
	}
	if avg > g.cfg.thresholdBytes() {
		g.over++
	} else {
		g.over = 0
	}
	if g.over >= g.cfg.Sustain {
		g.window = g.window[:0]
		g.over = 0
		g.last.Samples = 0
		return true, avg
	}
	return false, avg
}

func (g *Guard) reset(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window = g.window[:0]
	g.over = 0
	g.lastPID = pid
}
