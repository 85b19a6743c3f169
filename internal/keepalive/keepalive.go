package keepalive

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/metrics"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Config describes the keep-warm pinger. An empty URL disables it.
type Config struct {
	URL      string        `json:"url" mapstructure:"url"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

func (c *Config) Enabled() bool { return c != nil && c.URL != "" }

func (c *Config) Normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("keepalive: invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("keepalive: url %q must be http or https", c.URL)
	}
	return nil
}

// Result records the outcome of the last ping.
type Result struct {
	OK       bool      `json:"ok"`
	PingedAt time.Time `json:"pinged_at"`
	Err      string    `json:"error,omitempty"`
}

// Pinger fires periodic GETs to keep a worker's caches and connections warm.
// Outcomes are logged and counted but never influence restart decisions.
type Pinger struct {
	name   string
	cfg    Config
	client *http.Client

	mu   sync.RWMutex
	last Result

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(name string, cfg Config) *Pinger {
	cfg.Normalize()
	return &Pinger{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		stopCh: make(chan struct{}),
	}
}

func (p *Pinger) Start() {
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
				p.ping()
			}
		}
	}()
}

func (p *Pinger) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Last returns the outcome of the most recent ping.
func (p *Pinger) Last() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Pinger) ping() {
	res := Result{PingedAt: time.Now()}
	resp, err := p.client.Get(p.cfg.URL)
	if err != nil {
		res.Err = err.Error()
		metrics.IncKeepalivePing(p.name, "error")
		slog.Debug("keepalive ping failed", "name", p.name, "url", p.cfg.URL, "error", err)
	} else {
		_ = resp.Body.Close()
		res.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
		if res.OK {
			metrics.IncKeepalivePing(p.name, "ok")
		} else {
			res.Err = fmt.Sprintf("unexpected status %d", resp.StatusCode)
			metrics.IncKeepalivePing(p.name, "error")
			slog.Debug("keepalive ping rejected", "name", p.name, "status", resp.StatusCode)
		}
	}
	p.mu.Lock()
	p.last = res
	p.mu.Unlock()
}
