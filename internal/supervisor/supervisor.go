package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/vigil/internal/breaker"
	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/keepalive"
	"github.com/loykin/vigil/internal/memguard"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/worker"
)

var (
	ErrNotRunning     = errors.New("supervisor: worker not running")
	ErrStopped        = errors.New("supervisor: stopped")
	ErrAlreadyStarted = errors.New("supervisor: already started")
)

const (
	eventQueue       = 32
	storeTimeout     = 2 * time.Second
	exitDrainTimeout = 2 * time.Second
)

// Phase is the supervisor's coarse lifecycle state, exposed in snapshots.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseBackoff  Phase = "backoff"
	PhaseCooldown Phase = "cooldown"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

// Stop causes the loop records before stopping a worker on purpose, so the
// following exit event is attributed instead of counted as a crash.
const (
	causeNone     = ""
	causeHealth   = store.ReasonHealth
	causeMemory   = store.ReasonMemory
	causeOperator = store.ReasonOperator
	causeShutdown = store.ReasonShutdown
)

var circuitStates = []string{
	breaker.Closed.String(), breaker.Open.String(), breaker.HalfOpen.String(),
}

// Supervisor keeps one worker process alive. All restart decisions flow
// through a single event loop; reaper, probe, guard and timer goroutines
// only post events. The supervisor itself never exits on worker failure.
type Supervisor struct {
	cfg  Config
	name string

	brk *breaker.Breaker
	pol *backoff.ExponentialBackOff

	events   chan event
	quit     chan struct{}
	loopDone chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopping  atomic.Bool

	mu       sync.RWMutex
	w        *worker.Worker
	gen      uint64
	phase    Phase
	spawns   uint64
	lastExit *ExitSummary

	// loop goroutine only
	stopCause   string
	retryTimer  *time.Timer
	stableTimer *time.Timer

	prober *health.Prober
	guard  *memguard.Guard
	pinger *keepalive.Pinger
	fanout *history.Fanout
}

// ExitSummary is the snapshot view of the most recent worker exit.
type ExitSummary struct {
	Gen      uint64        `json:"gen"`
	PID      int           `json:"pid"`
	ExitCode int           `json:"exit_code"`
	At       time.Time     `json:"at"`
	Uptime   time.Duration `json:"uptime"`
	Reason   string        `json:"reason"`
	Err      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of the supervised worker.
type Snapshot struct {
	Name            string             `json:"name"`
	Phase           Phase              `json:"phase"`
	PID             int                `json:"pid,omitempty"`
	Gen             uint64             `json:"gen"`
	StartedAt       time.Time          `json:"started_at"`
	Uptime          time.Duration      `json:"uptime"`
	Starts          uint64             `json:"starts"`
	Circuit         string             `json:"circuit"`
	CircuitFailures int                `json:"circuit_failures"`
	CooldownLeft    time.Duration      `json:"cooldown_left,omitempty"`
	LastExit        *ExitSummary       `json:"last_exit,omitempty"`
	Health          *health.Result     `json:"health,omitempty"`
	Memory          *memguard.Snapshot `json:"memory,omitempty"`
	KeepAlive       *keepalive.Result  `json:"keepalive,omitempty"`
}

// New builds a supervisor from cfg. The worker is not spawned until Start.
func New(cfg Config) (*Supervisor, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		name:     cfg.Spec.Name,
		events:   make(chan event, eventQueue),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		phase:    PhaseIdle,
	}

	brk, err := breaker.New(breaker.Config{
		MaxFailures:        cfg.Restart.MaxFailures,
		Cooldown:           cfg.Restart.Cooldown,
		CooldownMultiplier: cfg.Restart.CooldownMultiplier,
		CooldownMax:        cfg.Restart.CooldownMax,
		OnTransition:       s.onCircuitTransition,
	})
	if err != nil {
		return nil, err
	}
	s.brk = brk
	s.pol = newBackoffPolicy(cfg.Restart)
	s.fanout = history.NewFanout(cfg.Sinks...)

	if cfg.Health.Enabled() {
		s.prober = health.New(s.name, cfg.Health, s.workerUp, s.onHealthAlarm)
	}
	if cfg.Memory.Enabled() {
		s.guard = memguard.New(s.name, cfg.Memory, s.workerPID, nil, s.onMemoryAlarm)
	}
	if cfg.KeepAlive.Enabled() {
		s.pinger = keepalive.New(s.name, cfg.KeepAlive)
	}

	metrics.SetCircuitState(s.name, breaker.Closed.String(), circuitStates)
	return s, nil
}

// Name returns the supervised worker's name.
func (s *Supervisor) Name() string { return s.name }

// Start launches the event loop and the first spawn attempt. It returns
// immediately; spawn failures are retried by the loop, not surfaced here.
func (s *Supervisor) Start() error {
	if s.stopping.Load() {
		return ErrStopped
	}
	already := true
	s.startOnce.Do(func() {
		already = false
		s.started.Store(true)
		if s.prober != nil {
			s.prober.Start()
		}
		if s.guard != nil {
			s.guard.Start()
		}
		if s.pinger != nil {
			s.pinger.Start()
		}
		go s.run()
		s.post(event{kind: evRetry, gen: 0})
	})
	if already {
		return ErrAlreadyStarted
	}
	return nil
}

// Stop gracefully shuts the supervisor down: the worker gets TERM, then
// KILL after the grace timeout, the final run record is written, and all
// helper goroutines are joined. Safe to call more than once.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.quit)
	})
	if s.started.Load() {
		<-s.loopDone
	} else {
		s.setPhase(PhaseStopped)
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.guard != nil {
		s.guard.Stop()
	}
	if s.pinger != nil {
		s.pinger.Stop()
	}
	metrics.SetWorkerUp(s.name, false)
	return s.fanout.Close()
}

// Restart stops the current worker on the operator's behalf; the loop then
// respawns it without counting a failure. Errors when no worker runs.
func (s *Supervisor) Restart() error {
	if s.stopping.Load() {
		return ErrStopped
	}
	if !s.started.Load() {
		return ErrNotRunning
	}
	msg := &ctrlMsg{op: opRestart, reply: make(chan error, 1)}
	s.post(event{kind: evCtrl, ctrl: msg})
	select {
	case err := <-msg.reply:
		return err
	case <-s.loopDone:
		return ErrStopped
	}
}

// Snapshot returns a point-in-time view safe to call from any goroutine.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Name:   s.name,
		Phase:  s.phase,
		Gen:    s.gen,
		Starts: s.spawns,
	}
	w := s.w
	if s.lastExit != nil {
		le := *s.lastExit
		snap.LastExit = &le
	}
	s.mu.RUnlock()

	if w != nil {
		if _, exited := w.Exited(); !exited {
			h := w.Handle()
			snap.PID = h.PID
			snap.StartedAt = h.StartedAt
			snap.Uptime = time.Since(h.StartedAt)
		}
	}

	now := time.Now()
	snap.Circuit = s.brk.State().String()
	snap.CircuitFailures = s.brk.Failures()
	snap.CooldownLeft = s.brk.RemainingCooldown(now)

	if s.prober != nil {
		r := s.prober.Last()
		snap.Health = &r
	}
	if s.guard != nil {
		m := s.guard.Last()
		snap.Memory = &m
	}
	if s.pinger != nil {
		k := s.pinger.Last()
		snap.KeepAlive = &k
	}
	return snap
}

// post delivers an event to the loop, giving up once the loop has exited.
func (s *Supervisor) post(e event) {
	select {
	case s.events <- e:
	case <-s.loopDone:
	}
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Supervisor) currentGen() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// workerUp reports whether a worker instance is currently running.
func (s *Supervisor) workerUp() bool {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w == nil {
		return false
	}
	_, exited := w.Exited()
	return !exited
}

// workerPID reports the running worker's pid, or 0 while down.
func (s *Supervisor) workerPID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.w == nil {
		return 0
	}
	return s.w.Handle().PID
}

func (s *Supervisor) onWorkerExit(info worker.ExitInfo) {
	s.post(event{kind: evExit, gen: info.Handle.Gen, exit: info})
}

func (s *Supervisor) onHealthAlarm(failures int) {
	s.post(event{kind: evHealthAlarm, gen: s.currentGen(), failures: failures})
}

func (s *Supervisor) onMemoryAlarm(avg uint64) {
	s.post(event{kind: evMemoryAlarm, gen: s.currentGen(), avgRSS: avg})
}

// onCircuitTransition runs with the breaker lock held; it must not call
// back into the breaker.
func (s *Supervisor) onCircuitTransition(from, to breaker.State) {
	metrics.RecordCircuitTransition(s.name, from.String(), to.String())
	metrics.SetCircuitState(s.name, to.String(), circuitStates)
	slog.Warn("circuit state changed", "name", s.name, "from", from.String(), "to", to.String())

	s.mu.RLock()
	gen := s.gen
	var h worker.Handle
	if s.w != nil {
		h = s.w.Handle()
	}
	s.mu.RUnlock()

	rec := store.Record{Name: s.name, Gen: gen, PID: h.PID, StartedAt: h.StartedAt}
	detail := fmt.Sprintf("%s -> %s", from, to)
	switch to {
	case breaker.Open:
		s.publish(history.EventCircuitOpen, rec, detail)
	case breaker.Closed:
		s.publish(history.EventCircuitClose, rec, detail)
	}
}

func (s *Supervisor) environ() []string {
	e := s.cfg.Env
	if e == nil {
		e = env.New()
		e.FromOS()
	}
	return e.Merge(s.cfg.Spec.Env)
}

func (s *Supervisor) runRecord(h worker.Handle, running bool) store.Record {
	return store.Record{Name: s.name, Gen: h.Gen, PID: h.PID, StartedAt: h.StartedAt, Running: running}
}

func (s *Supervisor) publish(t history.EventType, rec store.Record, detail string) {
	s.fanout.Publish(history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec, Detail: detail})
}

func (s *Supervisor) storeStart(rec store.Record) {
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cfg.Store.RecordStart(ctx, rec); err != nil {
		slog.Warn("run record write failed", "name", s.name, "error", err)
	}
}

func (s *Supervisor) storeStop(info worker.ExitInfo, reason string) {
	if s.cfg.Store == nil {
		return
	}
	stop := store.StopInfo{
		StoppedAt: info.StoppedAt,
		ExitCode:  sql.NullInt64{Int64: int64(info.ExitCode), Valid: true},
		Reason:    reason,
	}
	if info.ExitErr != nil {
		stop.ExitErr = info.ExitErr.Error()
	}
	key := store.Record{Name: s.name, Gen: info.Handle.Gen}.Key()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cfg.Store.RecordStop(ctx, key, stop); err != nil {
		slog.Warn("run record close failed", "name", s.name, "error", err)
	}
}
