// Package runner implements PriorityRunner: a bounded pool of at most N
// active process.Tasks, admitted and evicted by priority.
package runner

import (
	"os"
	"sync"
	"time"

	"github.com/relaypool/dispatch/internal/dispatch/cgroup"
	"github.com/relaypool/dispatch/internal/dispatch/process"
	"github.com/relaypool/dispatch/internal/dispatch/task"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "runner")

// job is an admitted task.Description bound to a live process.Task. Its
// Sequence is assigned at admission time (distinct from the originating
// task.Description's Sequence, which only orders the pending area) — it
// exists purely for observability/debugging, since eviction only ever
// compares Priority.
type job struct {
	priority int
	runtime  time.Duration
	sequence uint64
	process  *process.Task
}

// Option mutates a Runner at construction time.
type Option func(*Runner)

// WithCgroup confines every job this Runner starts to a cgroup created via
// svc.
func WithCgroup(svc *cgroup.Service) Option {
	return func(r *Runner) { r.cgroupSvc = svc }
}

// New creates a Runner bounded to size concurrent jobs, applying
// defaultTimeout (zero means no timeout) to every job it starts.
func New(size int, defaultTimeout time.Duration, opts ...Option) *Runner {
	r := &Runner{size: size, defaultTimeout: defaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Runner is a bounded, priority-preemptive pool of process.Tasks.
//
// Runner is safe for concurrent use: Schedule, AddDoneCallback,
// TerminateAll and the internal terminatedJob callback all serialize
// through a single mutex, matching the single-cooperative-event-loop model
// the spec describes (see SPEC_FULL.md §5).
type Runner struct {
	mu sync.Mutex

	size           int
	defaultTimeout time.Duration
	cgroupSvc      *cgroup.Service

	active    []*job
	callbacks []func()
}

// AddDoneCallback registers a callback invoked once per non-evicted
// completion, after the completed job has been removed from the active
// set. Multiple callbacks are invoked in registration order.
func (r *Runner) AddDoneCallback(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Schedule attempts to admit a job of the given priority and runtime. It
// returns true iff a job was started — either because a slot was free, or
// because a strictly lower-priority active job was evicted to make room.
func (r *Runner) Schedule(priority int, runtime time.Duration) bool {
	r.mu.Lock()
	if len(r.active) >= r.size && !r.evictLocked(priority) {
		r.mu.Unlock()
		return false
	}
	j := r.startLocked(priority, runtime)
	r.active = append(r.active, j)
	r.mu.Unlock()
	return true
}

// evictLocked finds the active job with the largest numeric priority value
// (the lowest-priority job). If that victim is strictly lower priority
// than the newcomer, it is terminated and removed from the active set
// immediately — before the newcomer starts — so |active| is decremented
// atomically with respect to this decision. Must be called with r.mu held.
func (r *Runner) evictLocked(priority int) bool {
	if len(r.active) == 0 {
		return false
	}

	victimIdx := 0
	for i, j := range r.active[1:] {
		if j.priority > r.active[victimIdx].priority {
			victimIdx = i + 1
		}
	}
	victim := r.active[victimIdx]

	if victim.priority <= priority {
		// Equal or better priority than the newcomer: never evict.
		return false
	}

	logger.Debugf("evicting job; priority: %d, victim priority: %d", priority, victim.priority)
	victim.process.Terminate()
	r.active = append(r.active[:victimIdx], r.active[victimIdx+1:]...)
	return true
}

// startLocked builds and starts a job. Must be called with r.mu held.
func (r *Runner) startLocked(priority int, runtime time.Duration) *job {
	var opts []process.Option
	if r.cgroupSvc != nil {
		opts = append(opts, process.WithCgroup(r.cgroupSvc))
	}

	pt := process.New(runtime, opts...)
	j := &job{
		priority: priority,
		runtime:  runtime,
		sequence: task.NextSequence(),
		process:  pt,
	}
	pt.OnDone(func(*process.Task) { r.terminatedJob(j) })

	if err := pt.Start(r.defaultTimeout); err != nil {
		logger.Errorf("start job; error: %s", err)
	}
	return j
}

// terminatedJob is process.Task's OnDone callback for every job this
// Runner started. It runs on process.Task's dedicated wait goroutine, never
// on a goroutine already holding r.mu, so locking here cannot deadlock.
func (r *Runner) terminatedJob(j *job) {
	if j.process.State() == process.Terminated {
		// Evicted earlier; evictLocked already removed it from the active
		// set and the newcomer already filled the freed slot. Firing
		// slot-freed callbacks here would double-free the slot.
		return
	}

	r.mu.Lock()
	removed := r.removeLocked(j)
	cbs := append([]func(){}, r.callbacks...)
	r.mu.Unlock()

	if !removed {
		logger.Warnf("job already absent from active set; tolerated")
	}

	for _, cb := range cbs {
		cb()
	}
}

// removeLocked deletes j from the active set by identity, tolerating
// absence. Must be called with r.mu held.
func (r *Runner) removeLocked(j *job) bool {
	for i, other := range r.active {
		if other == j {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return true
		}
	}
	return false
}

// TerminateAll terminates every active job and empties the active set. It
// is idempotent: calling it repeatedly, or Scheduling afterward, never
// panics or resurrects a job.
func (r *Runner) TerminateAll() {
	r.mu.Lock()
	jobs := r.active
	r.active = nil
	r.mu.Unlock()

	for _, j := range jobs {
		j.process.Terminate()
	}
}

// Len reports the current active set size. Intended for tests and
// observability; not part of the scheduling contract.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
