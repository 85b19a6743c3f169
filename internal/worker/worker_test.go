package worker

import (
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func TestStartAndCleanExit(t *testing.T) {
	requireUnix(t)
	var got atomic.Pointer[ExitInfo]
	spec := Spec{Name: "clean", Command: "sh -c 'exit 0'"}
	w, err := Start(spec, 1, nil, func(info ExitInfo) { got.Store(&info) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.Handle().PID <= 0 {
		t.Fatalf("bad pid %d", w.Handle().PID)
	}
	if w.Handle().Gen != 1 {
		t.Fatalf("gen = %d, want 1", w.Handle().Gen)
	}
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	if !waitUntil(time.Second, 10*time.Millisecond, func() bool { return got.Load() != nil }) {
		t.Fatal("onExit never fired")
	}
	info := *got.Load()
	if info.ExitCode != 0 || info.ExitErr != nil {
		t.Fatalf("expected clean exit, got code=%d err=%v", info.ExitCode, info.ExitErr)
	}
	if info.Handle != w.Handle() {
		t.Fatalf("exit handle mismatch: %+v vs %+v", info.Handle, w.Handle())
	}
}

func TestExitCodePropagates(t *testing.T) {
	requireUnix(t)
	var got atomic.Pointer[ExitInfo]
	w, err := Start(Spec{Name: "boom", Command: "sh -c 'exit 3'"}, 1, nil,
		func(info ExitInfo) { got.Store(&info) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Done()
	if !waitUntil(time.Second, 10*time.Millisecond, func() bool { return got.Load() != nil }) {
		t.Fatal("onExit never fired")
	}
	if code := got.Load().ExitCode; code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestStopGraceful(t *testing.T) {
	requireUnix(t)
	w, err := Start(Spec{Name: "long", Command: "sleep 300"}, 1, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !w.Alive() {
		t.Fatal("worker should be alive")
	}
	start := time.Now()
	if err := w.Stop(3 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("graceful stop took %v, SIGTERM should have sufficed", elapsed)
	}
	info, ok := w.Exited()
	if !ok {
		t.Fatal("Exited should report after Stop")
	}
	// sleep dies on SIGTERM without an exit status
	if info.ExitCode == 0 {
		t.Fatalf("expected signal exit, got code 0")
	}
	if w.Alive() {
		t.Fatal("worker still alive after Stop")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	// The child ignores SIGTERM, forcing the KILL escalation.
	w, err := Start(Spec{Name: "stubborn", Command: `sh -c 'trap "" TERM; sleep 300'`}, 1, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)
	if err := w.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-w.Done():
	default:
		t.Fatal("done not closed after escalation")
	}
}

func TestKillImmediate(t *testing.T) {
	requireUnix(t)
	w, err := Start(Spec{Name: "victim", Command: "sleep 300"}, 1, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if w.Alive() {
		t.Fatal("worker alive after Kill")
	}
}

func TestStopIdempotentAfterExit(t *testing.T) {
	requireUnix(t)
	w, err := Start(Spec{Name: "short", Command: "sh -c 'exit 0'"}, 1, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Done()
	if err := w.Stop(time.Second); err != nil {
		t.Fatalf("Stop after exit must be a no-op, got %v", err)
	}
	if err := w.Kill(); err != nil {
		t.Fatalf("Kill after exit must be a no-op, got %v", err)
	}
}

func TestSignalReachesGroup(t *testing.T) {
	requireUnix(t)
	var got atomic.Pointer[ExitInfo]
	w, err := Start(Spec{Name: "sig", Command: "sleep 300"}, 1, nil,
		func(info ExitInfo) { got.Store(&info) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker survived SIGTERM")
	}
}

func TestUptimeRecorded(t *testing.T) {
	requireUnix(t)
	var got atomic.Pointer[ExitInfo]
	w, err := Start(Spec{Name: "timed", Command: "sh -c 'sleep 0.2'"}, 1, nil,
		func(info ExitInfo) { got.Store(&info) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Done()
	waitUntil(time.Second, 10*time.Millisecond, func() bool { return got.Load() != nil })
	if up := got.Load().Uptime; up < 150*time.Millisecond {
		t.Fatalf("uptime %v implausibly short", up)
	}
}

func TestFailedClassification(t *testing.T) {
	minStable := 5 * time.Second
	cases := []struct {
		name string
		info ExitInfo
		want bool
	}{
		{"crash fast nonzero", ExitInfo{ExitCode: 1, Uptime: time.Second}, true},
		{"crash fast zero", ExitInfo{ExitCode: 0, Uptime: time.Second}, true},
		{"crash late nonzero", ExitInfo{ExitCode: 2, Uptime: time.Minute}, true},
		{"benign late zero", ExitInfo{ExitCode: 0, Uptime: time.Minute}, false},
		{"signal kill", ExitInfo{ExitCode: -1, Uptime: time.Minute}, true},
	}
	for _, tc := range cases {
		if got := tc.info.Failed(minStable); got != tc.want {
			t.Fatalf("%s: Failed = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWorkerLogCapture(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	spec := Spec{Name: "chatty", Command: "sh -c 'echo out-line; echo err-line >&2'"}
	spec.Log.Dir = dir
	w, err := Start(spec, 1, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Done()
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "chatty.stdout.log"))
		return err == nil && len(b) > 0
	}) {
		t.Fatal("stdout capture file empty")
	}
	b, err := os.ReadFile(filepath.Join(dir, "chatty.stderr.log"))
	if err != nil || len(b) == 0 {
		t.Fatalf("stderr capture missing: %v", err)
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	requireUnix(t)
	pidPath := filepath.Join(t.TempDir(), "w.pid")
	w, err := Start(Spec{Name: "pidful", Command: "sleep 300", PIDFile: pidPath}, 1, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != w.Handle().PID {
		t.Fatalf("pid file has %d, want %d", pid, w.Handle().PID)
	}
	_ = w.Kill()
	if !waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		_, err := os.Stat(pidPath)
		return os.IsNotExist(err)
	}) {
		t.Fatal("pid file not removed after exit")
	}
}
