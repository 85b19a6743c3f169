package supervisor

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/vigil/internal/breaker"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/store"
	"github.com/loykin/vigil/internal/worker"
)

type evKind int

const (
	evExit evKind = iota
	evRetry
	evStable
	evHealthAlarm
	evMemoryAlarm
	evCtrl
)

// event is the loop's only input. gen stamps the worker instance the event
// belongs to; handlers drop events from replaced instances.
type event struct {
	kind     evKind
	gen      uint64
	exit     worker.ExitInfo
	failures int
	avgRSS   uint64
	ctrl     *ctrlMsg
}

type ctrlOp int

const opRestart ctrlOp = iota

type ctrlMsg struct {
	op    ctrlOp
	reply chan error
}

func (s *Supervisor) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.quit:
			s.shutdown()
			return
		case e := <-s.events:
			s.handle(e)
		}
	}
}

func (s *Supervisor) handle(e event) {
	switch e.kind {
	case evExit:
		s.handleExit(e.exit)
	case evRetry:
		s.handleRetry(e.gen)
	case evStable:
		s.handleStable(e.gen)
	case evHealthAlarm:
		s.handleAlarm(e.gen, causeHealth, fmt.Sprintf("%d consecutive probe failures", e.failures))
	case evMemoryAlarm:
		s.handleAlarm(e.gen, causeMemory, fmt.Sprintf("rss average %d MiB over threshold", e.avgRSS/(1<<20)))
	case evCtrl:
		s.handleCtrl(e.ctrl)
	}
}

// handleExit classifies the exit, persists it, feeds the breaker and
// schedules the respawn. A cause recorded before an intentional stop
// overrides crash accounting.
func (s *Supervisor) handleExit(info worker.ExitInfo) {
	s.mu.Lock()
	if info.Handle.Gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.w = nil
	s.mu.Unlock()

	s.stopStableTimer()
	metrics.SetWorkerUp(s.name, false)

	cause := s.stopCause
	s.stopCause = causeNone

	reason := cause
	counted := false
	switch cause {
	case causeNone:
		if info.Failed(s.cfg.Spec.MinStableUptime) {
			reason = store.ReasonCrash
			counted = true
		} else {
			reason = store.ReasonClean
		}
	case causeHealth:
		counted = true
	}

	summary := &ExitSummary{
		Gen:      info.Handle.Gen,
		PID:      info.Handle.PID,
		ExitCode: info.ExitCode,
		At:       info.StoppedAt,
		Uptime:   info.Uptime,
		Reason:   reason,
	}
	if info.ExitErr != nil {
		summary.Err = info.ExitErr.Error()
	}
	s.mu.Lock()
	s.lastExit = summary
	s.mu.Unlock()

	slog.Info("worker exited",
		"name", s.name, "pid", info.Handle.PID, "gen", info.Handle.Gen,
		"code", info.ExitCode, "uptime", info.Uptime.Round(time.Millisecond), "reason", reason)
	metrics.IncExit(s.name, reason)

	rec := s.runRecord(info.Handle, false)
	rec.StoppedAt = sql.NullTime{Time: info.StoppedAt, Valid: true}
	rec.ExitCode = sql.NullInt64{Int64: int64(info.ExitCode), Valid: true}
	if info.ExitErr != nil {
		rec.ExitErr = sql.NullString{String: info.ExitErr.Error(), Valid: true}
	}
	rec.Reason = reason
	s.storeStop(info, reason)
	s.publish(history.EventExit, rec, fmt.Sprintf("uptime %s", info.Uptime.Round(time.Millisecond)))

	switch {
	case counted:
		s.brk.RecordFailure(time.Now())
	case cause == causeMemory || cause == causeOperator:
		s.brk.ReleaseTrial()
	}

	if cause == causeShutdown || s.stopping.Load() {
		return
	}

	delay := s.cfg.Restart.BaseBackoff
	if counted {
		delay = s.pol.NextBackOff()
	}
	metrics.IncRestart(s.name, reason)
	s.publish(history.EventRestart, rec, fmt.Sprintf("reason %s, delay %s", reason, delay.Round(time.Millisecond)))
	s.scheduleRetry(delay)
}

// handleRetry spawns if the breaker allows it, otherwise parks until the
// cool-down runs out.
func (s *Supervisor) handleRetry(gen uint64) {
	if s.stopping.Load() {
		return
	}
	s.mu.RLock()
	cur := s.gen
	running := s.w != nil
	s.mu.RUnlock()
	if gen != cur || running {
		return
	}

	now := time.Now()
	if !s.brk.Allow(now) {
		d := s.brk.RemainingCooldown(now)
		if d <= 0 {
			d = 50 * time.Millisecond
		}
		slog.Info("restart suppressed by open circuit", "name", s.name, "retry_in", d.Round(time.Millisecond))
		s.scheduleRetry(d)
		return
	}
	s.spawn()
}

// handleStable marks the current instance as a success once it has lived
// past the minimum stable uptime.
func (s *Supervisor) handleStable(gen uint64) {
	s.mu.RLock()
	cur, w := s.gen, s.w
	s.mu.RUnlock()
	if gen != cur || w == nil {
		return
	}
	if _, exited := w.Exited(); exited {
		return
	}
	s.brk.RecordSuccess()
	s.pol.Reset()
	slog.Debug("worker reached stable uptime", "name", s.name, "pid", w.Handle().PID, "gen", gen)
}

// handleAlarm forces a restart on behalf of the health probe or the memory
// guard. The cause is remembered so the exit is attributed, not treated as
// a crash.
func (s *Supervisor) handleAlarm(gen uint64, cause, detail string) {
	if s.stopping.Load() {
		return
	}
	s.mu.RLock()
	cur, w := s.gen, s.w
	s.mu.RUnlock()
	if gen != cur || w == nil {
		return
	}
	if _, exited := w.Exited(); exited {
		return
	}

	s.stopCause = cause
	et := history.EventHealthAlarm
	if cause == causeMemory {
		et = history.EventMemoryAlarm
	}
	s.publish(et, s.runRecord(w.Handle(), true), detail)
	slog.Warn("forcing worker restart", "name", s.name, "pid", w.Handle().PID, "cause", cause, "detail", detail)

	if err := w.Stop(s.cfg.Spec.GraceTimeout); err != nil {
		// reaper still owns the wait; the eventual exit keeps the cause
		slog.Error("worker stop failed", "name", s.name, "error", err)
	}
}

func (s *Supervisor) handleCtrl(msg *ctrlMsg) {
	switch msg.op {
	case opRestart:
		if s.stopping.Load() {
			msg.reply <- ErrStopped
			return
		}
		s.mu.RLock()
		w := s.w
		s.mu.RUnlock()
		if w == nil {
			msg.reply <- ErrNotRunning
			return
		}
		if _, exited := w.Exited(); exited {
			msg.reply <- ErrNotRunning
			return
		}
		s.stopCause = causeOperator
		slog.Info("operator restart requested", "name", s.name, "pid", w.Handle().PID)
		msg.reply <- w.Stop(s.cfg.Spec.GraceTimeout)
	}
}

// spawn starts the next worker generation. Spawn errors feed the breaker
// like crashes so a broken command cannot hot-loop.
func (s *Supervisor) spawn() {
	environ := s.environ()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	w, err := worker.Start(s.cfg.Spec, gen, environ, s.onWorkerExit)
	if err != nil {
		slog.Error("worker spawn failed", "name", s.name, "gen", gen, "error", err)
		s.brk.RecordFailure(time.Now())
		s.publish(history.EventExit, store.Record{Name: s.name, Gen: gen}, "spawn failed: "+err.Error())
		if s.stopping.Load() {
			return
		}
		delay := s.pol.NextBackOff()
		metrics.IncRestart(s.name, store.ReasonCrash)
		s.scheduleRetry(delay)
		return
	}

	s.mu.Lock()
	s.w = w
	s.spawns++
	s.phase = PhaseRunning
	s.mu.Unlock()

	h := w.Handle()
	slog.Info("worker started", "name", s.name, "pid", h.PID, "gen", h.Gen)
	metrics.IncStart(s.name)
	metrics.SetWorkerUp(s.name, true)

	rec := s.runRecord(h, true)
	s.storeStart(rec)
	s.publish(history.EventStart, rec, "")

	s.armStableTimer(gen)
}

// scheduleRetry arms the retry timer for the current generation and flips
// the phase to backoff or cooldown depending on the breaker.
func (s *Supervisor) scheduleRetry(d time.Duration) {
	if s.stopping.Load() {
		return
	}
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(d, func() {
		s.post(event{kind: evRetry, gen: gen})
	})
	if s.brk.State() == breaker.Open {
		s.setPhase(PhaseCooldown)
	} else {
		s.setPhase(PhaseBackoff)
	}
}

func (s *Supervisor) armStableTimer(gen uint64) {
	if s.stableTimer != nil {
		s.stableTimer.Stop()
	}
	s.stableTimer = time.AfterFunc(s.cfg.Spec.MinStableUptime, func() {
		s.post(event{kind: evStable, gen: gen})
	})
}

func (s *Supervisor) stopStableTimer() {
	if s.stableTimer != nil {
		s.stableTimer.Stop()
		s.stableTimer = nil
	}
}

func (s *Supervisor) stopTimers() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.stopStableTimer()
}

// shutdown stops the worker with the graceful-kill protocol and waits for
// its exit record before the loop returns.
func (s *Supervisor) shutdown() {
	s.setPhase(PhaseStopping)
	s.stopTimers()

	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	if w != nil {
		s.stopCause = causeShutdown
		if err := w.Stop(s.cfg.Spec.GraceTimeout); err != nil {
			slog.Warn("worker did not stop cleanly", "name", s.name, "error", err)
		}
		s.awaitExit(w.Handle().Gen)
	}
	s.setPhase(PhaseStopped)
}

// awaitExit drains events until the shutdown target's exit is processed so
// its run record is closed before Stop returns.
func (s *Supervisor) awaitExit(gen uint64) {
	deadline := time.NewTimer(s.cfg.Spec.GraceTimeout + exitDrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case e := <-s.events:
			switch e.kind {
			case evCtrl:
				e.ctrl.reply <- ErrStopped
			case evExit:
				s.handleExit(e.exit)
				if e.exit.Handle.Gen == gen {
					return
				}
			}
		case <-deadline.C:
			slog.Warn("gave up waiting for worker exit", "name", s.name, "gen", gen)
			return
		}
	}
}
