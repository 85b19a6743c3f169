package worker

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Handle identifies one spawned worker instance. It is replaced wholesale on
// every spawn; Gen increases monotonically across a supervisor's lifetime so
// late events from a replaced instance can be recognized and dropped.
type Handle struct {
	PID       int       `json:"pid"`
	Gen       uint64    `json:"gen"`
	StartedAt time.Time `json:"started_at"`
}

// ExitInfo describes how a worker instance left.
type ExitInfo struct {
	Handle    Handle
	ExitCode  int // 0 clean; -1 when killed by signal
	ExitErr   error
	StoppedAt time.Time
	Uptime    time.Duration
}

// Failed reports whether this exit counts as a crash: a non-zero code, or
// any exit before the spec's minimum stable uptime.
func (e ExitInfo) Failed(minStable time.Duration) bool {
	return e.ExitCode != 0 || e.Uptime < minStable
}

// Worker is one running instance of the supervised process. Exactly one
// reaper goroutine owns cmd.Wait; Stop and Kill coordinate with it through
// the done channel instead of waiting themselves.
type Worker struct {
	spec   Spec
	handle Handle

	mu   sync.Mutex
	cmd  *exec.Cmd
	exit ExitInfo
	done chan struct{}

	outW io.WriteCloser
	errW io.WriteCloser
}

// killReapWindow bounds how long Stop/Kill wait for the reaper after SIGKILL.
const killReapWindow = 200 * time.Millisecond

// Start spawns the worker in its own process group and begins reaping it.
// onExit fires exactly once, after the done channel is closed, with the
// final ExitInfo.
func Start(spec Spec, gen uint64, environ []string, onExit func(ExitInfo)) (*Worker, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(environ) > 0 {
		cmd.Env = environ
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	w := &Worker{spec: spec, done: make(chan struct{})}
	w.attachOutput(cmd)

	if err := cmd.Start(); err != nil {
		w.closeWriters()
		return nil, err
	}
	w.cmd = cmd
	w.handle = Handle{PID: cmd.Process.Pid, Gen: gen, StartedAt: time.Now()}
	writePIDFile(spec.PIDFile, w.handle.PID)

	go w.reap(onExit)
	return w, nil
}

func (w *Worker) attachOutput(cmd *exec.Cmd) {
	if w.spec.Log.Enabled() {
		if w.spec.Log.Dir != "" {
			_ = os.MkdirAll(w.spec.Log.Dir, 0o750)
		}
		outW, errW, _ := w.spec.Log.Writers(w.spec.Name)
		w.outW, w.errW = outW, errW
	}
	if w.outW != nil {
		cmd.Stdout = w.outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if w.errW != nil {
		cmd.Stderr = w.errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
}

// reap is the single waiter on the child. Ordering matters: exit state is
// published and done closed before onExit runs, so a Stop blocked on done
// returns before the supervisor sees the event.
func (w *Worker) reap(onExit func(ExitInfo)) {
	err := w.cmd.Wait()
	now := time.Now()
	info := ExitInfo{
		Handle:    w.handle,
		ExitCode:  exitCode(err),
		ExitErr:   err,
		StoppedAt: now,
		Uptime:    now.Sub(w.handle.StartedAt),
	}
	w.mu.Lock()
	w.exit = info
	close(w.done)
	w.mu.Unlock()

	w.closeWriters()
	removePIDFile(w.spec.PIDFile)
	if onExit != nil {
		onExit(info)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Handle returns the identity of this instance.
func (w *Worker) Handle() Handle { return w.handle }

// Done is closed once the child has been reaped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Exited returns the final ExitInfo once the child has been reaped.
func (w *Worker) Exited() (ExitInfo, bool) {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.exit, true
	default:
		return ExitInfo{}, false
	}
}

// Alive reports whether the child is still running. A zombie awaiting reap
// counts as dead.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
	}
	pid := w.handle.PID
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Signal forwards sig to the worker's process group.
func (w *Worker) Signal(sig syscall.Signal) error {
	select {
	case <-w.done:
		return errors.New("worker already exited")
	default:
	}
	return syscall.Kill(-w.handle.PID, sig)
}

// Stop performs the graceful-kill protocol: SIGTERM to the group, wait up
// to grace for the reaper, then SIGKILL and a short final wait. It returns
// an error only when the child could not be confirmed reaped.
func (w *Worker) Stop(grace time.Duration) error {
	select {
	case <-w.done:
		return nil
	default:
	}
	pid := w.handle.PID
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-w.done:
		return nil
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-w.done:
		return nil
	case <-time.After(killReapWindow):
		return errors.New("worker not reaped after SIGKILL")
	}
}

// Kill skips the grace window and SIGKILLs the group immediately.
func (w *Worker) Kill() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	_ = syscall.Kill(-w.handle.PID, syscall.SIGKILL)
	select {
	case <-w.done:
		return nil
	case <-time.After(killReapWindow):
		return errors.New("worker not reaped after SIGKILL")
	}
}

func (w *Worker) closeWriters() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outW != nil {
		_ = w.outW.Close()
		w.outW = nil
	}
	if w.errW != nil {
		_ = w.errW.Close()
		w.errW = nil
	}
}

// isZombie reports whether /proc/<pid>/status shows state Z on Linux. A
// quickly-exiting child stays a zombie until the reaper's Wait returns.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
