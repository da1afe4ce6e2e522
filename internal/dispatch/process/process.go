// Package process supervises a single OS child process running the
// dispatch demo workload, enforcing an optional wall-clock timeout and
// notifying interested parties exactly once when the process reaches a
// terminal state.
package process

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/relaypool/dispatch/internal/dispatch/cgroup"
	"github.com/relaypool/dispatch/internal/dispatch/worker"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "process")

// ErrAlreadyStarted indicates Start was called on a Task that has already
// been started.
var ErrAlreadyStarted = errors.New("process: already started")

// State is one of a Task's lifecycle states.
type State int

const (
	// Fresh is the initial state, before Start is called.
	Fresh State = iota
	// Running indicates the child process is alive.
	Running
	// Exited indicates the child exited on its own.
	Exited
	// Timeout indicates the child was terminated because its wall-clock
	// budget elapsed.
	Timeout
	// Terminated indicates Terminate was called explicitly (including by an
	// evicting PriorityRunner).
	Terminated
)

// Terminal reports whether s is one of the sticky terminal states.
func (s State) Terminal() bool {
	return s == Exited || s == Timeout || s == Terminated
}

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Timeout:
		return "timeout"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// disposition records which of {timeout, explicit terminate} decided a
// Task's fate first; the wait goroutine consults it once the child has
// been reaped.
type disposition int

const (
	dispNone disposition = iota
	dispTimeout
	dispTerminated
)

const (
	// noExitCode indicates the child did not exit normally (it was killed by
	// a signal, or never ran).
	noExitCode = -1
	// spawnFailureExitCode is recorded when the OS refuses to create the
	// child process.
	spawnFailureExitCode = 127
)

// Option mutates a Task at construction time.
type Option func(*Task)

// WithCgroup confines the Task's child process to a cgroup created via svc,
// best-effort: failure to place the process logs a warning and the task
// proceeds unconfined.
func WithCgroup(svc *cgroup.Service) Option {
	return func(t *Task) { t.cgroupSvc = svc }
}

// Task supervises a single reexec'd child process running the demo "sleep
// N seconds" workload.
type Task struct {
	mu sync.Mutex

	id      uuid.UUID
	runtime time.Duration

	state       State
	exitCode    int
	disposition disposition

	cmd   *exec.Cmd
	timer *time.Timer

	cgroupSvc *cgroup.Service
	cgrp      *cgroup.Cgroup

	done           chan struct{}
	callbacks      []func(*Task)
	callbacksFired bool
}

// New creates a Task for a workload expected to run for runtime. The Task
// is not started.
func New(runtime time.Duration, opts ...Option) *Task {
	t := &Task{
		id:       uuid.New(),
		runtime:  runtime,
		state:    Fresh,
		exitCode: noExitCode,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the Task's unique identifier.
func (t *Task) ID() uuid.UUID { return t.id }

// Start spawns the child process, arming an optional wall-clock timeout.
// Start is idempotent: calling it more than once returns ErrAlreadyStarted.
func (t *Task) Start(timeout time.Duration) error {
	t.mu.Lock()
	if t.state != Fresh {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.state = Running
	t.mu.Unlock()

	cmdOut, cmdIn, err := os.Pipe()
	if err != nil {
		return t.spawnFailed(err)
	}
	contOut, contIn, err := os.Pipe()
	if err != nil {
		cmdOut.Close()
		cmdIn.Close()
		return t.spawnFailed(err)
	}

	exe, err := os.Executable()
	if err != nil {
		cmdOut.Close()
		cmdIn.Close()
		contOut.Close()
		contIn.Close()
		return t.spawnFailed(err)
	}

	cmd := exec.Command(exe, worker.ReexecArg)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{cmdOut, contOut}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cmdOut.Close()
		cmdIn.Close()
		contOut.Close()
		contIn.Close()
		return t.spawnFailed(err)
	}

	// The child has its own duplicated descriptors; the parent's copies of
	// the child-side pipe ends are no longer needed.
	cmdOut.Close()
	contOut.Close()

	t.mu.Lock()
	t.cmd = cmd
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, t.onTimeout)
	}
	t.mu.Unlock()

	go t.sendSpec(cmdIn)
	go t.placeAndContinue(contIn)
	go t.wait()

	return nil
}

// spawnFailed records an immediate EXITED terminal state and fires done
// callbacks from a fresh goroutine, so a caller that invoked Start while
// holding a lock (e.g. a PriorityRunner admitting a job) is never
// re-entered on its own goroutine.
func (t *Task) spawnFailed(err error) error {
	logger.Errorf("spawn child; id: %s, error: %s", t.id, err)

	t.mu.Lock()
	t.state = Exited
	t.exitCode = spawnFailureExitCode
	close(t.done)
	cbs := append([]func(*Task){}, t.callbacks...)
	t.callbacksFired = true
	t.mu.Unlock()

	go fireAll(cbs, t)

	return err
}

// sendSpec writes the workload Spec to the child's cmd pipe.
func (t *Task) sendSpec(cmdIn *os.File) {
	defer cmdIn.Close()

	spec := worker.Spec{ID: t.id, Runtime: t.runtime}
	b, err := json.Marshal(spec)
	if err != nil {
		logger.Errorf("marshal spec; id: %s, error: %s", t.id, err)
		t.Terminate()
		return
	}
	if _, err := cmdIn.Write(b); err != nil {
		logger.Errorf("write spec; id: %s, error: %s", t.id, err)
		t.Terminate()
		return
	}
}

// placeAndContinue optionally confines the child to a cgroup, then closes
// contIn, signalling the child it may proceed.
func (t *Task) placeAndContinue(contIn *os.File) {
	defer contIn.Close()

	t.mu.Lock()
	svc := t.cgroupSvc
	pid := t.cmd.Process.Pid
	t.mu.Unlock()

	if svc == nil {
		return
	}

	cg, err := svc.CreateCgroup()
	if err != nil {
		logger.Warnf("create cgroup; id: %s, error: %s", t.id, err)
		return
	}
	if err := svc.PlaceInCgroup(*cg, pid); err != nil {
		logger.Warnf("place in cgroup; id: %s, error: %s", t.id, err)
		return
	}

	t.mu.Lock()
	t.cgrp = cg
	t.mu.Unlock()
}

// onTimeout fires when the wall-clock timeout elapses before natural exit
// or explicit Terminate.
func (t *Task) onTimeout() {
	t.mu.Lock()
	if t.disposition != dispNone || t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.disposition = dispTimeout
	proc := t.cmd.Process
	t.mu.Unlock()

	signalGroup(proc, syscall.SIGTERM)
}

// Terminate signals the child to exit. It is idempotent: a no-op if the
// Task was never started, has already reached a terminal state, or has
// already been handed a disposition by a racing timeout.
func (t *Task) Terminate() {
	t.mu.Lock()
	if t.state != Running || t.disposition != dispNone {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.disposition = dispTerminated
	proc := t.cmd.Process
	t.mu.Unlock()

	signalGroup(proc, syscall.SIGTERM)
}

// wait blocks for the child to exit, assigns the terminal state implied by
// the disposition recorded by onTimeout/Terminate (or Exited if neither
// fired), reaps the child, and fires done callbacks exactly once. It never
// runs on a caller's goroutine, so callbacks can safely call back into a
// PriorityRunner without deadlocking on a mutex the caller already holds.
func (t *Task) wait() {
	waitErr := t.cmd.Wait()
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		logger.Errorf("wait child; id: %s, error: %s", t.id, waitErr)
	}

	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	switch t.disposition {
	case dispTerminated:
		t.state = Terminated
	case dispTimeout:
		t.state = Timeout
		logger.Warnf("task timed out; id: %s", t.id)
	default:
		t.state = Exited
	}
	if t.cmd.ProcessState != nil {
		t.exitCode = t.cmd.ProcessState.ExitCode()
	}
	close(t.done)
	cbs := append([]func(*Task){}, t.callbacks...)
	t.callbacksFired = true
	cgroupSvc, cgrp := t.cgroupSvc, t.cgrp
	t.mu.Unlock()

	fireAll(cbs, t)

	if cgroupSvc != nil && cgrp != nil {
		if err := cgroupSvc.RemoveCgroup(cgrp.ID); err != nil {
			logger.Warnf("remove cgroup; id: %s, error: %s", t.id, err)
		}
	}
}

// OnDone registers cb to be invoked exactly once, after the Task's terminal
// state is assigned and the child has been reaped. If the Task is already
// terminal, cb fires immediately (asynchronously).
func (t *Task) OnDone(cb func(*Task)) {
	t.mu.Lock()
	if t.callbacksFired {
		t.mu.Unlock()
		go cb(t)
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// Wait suspends the calling goroutine until the Task reaches a terminal
// state.
func (t *Task) Wait() {
	<-t.done
}

// State returns the Task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ExitCode returns the child's exit code, or noExitCode's -1 sentinel if
// the child never exited normally.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

func fireAll(cbs []func(*Task), t *Task) {
	for _, cb := range cbs {
		cb(t)
	}
}

// signalGroup sends sig to proc's process group. Setpgid ensures the
// child is its own group leader, so -pid targets it and any descendants it
// may have spawned. A process that has already exited and been reaped is
// tolerated (ESRCH).
func signalGroup(proc *os.Process, sig syscall.Signal) {
	if proc == nil {
		return
	}
	if err := syscall.Kill(-proc.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Warnf("signal process group; pid: %d, error: %s", proc.Pid, err)
	}
}
