// Package bin implements SchedulerBin: a PriorityRunner paired with an
// unbounded pending area, promoting one waiting task per freed slot.
package bin

import (
	"container/heap"
	"os"
	"sync"

	"github.com/relaypool/dispatch/internal/dispatch/runner"
	"github.com/relaypool/dispatch/internal/dispatch/task"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "bin")

// Option mutates a Bin at construction time.
type Option func(*Bin)

// WithAcceptPredicate installs a filter Accepts consults in addition to the
// bin's open/shut state, e.g. to reserve a bin for a resource class. The
// default predicate accepts everything.
func WithAcceptPredicate(fn func(task.Description) bool) Option {
	return func(b *Bin) { b.acceptFn = fn }
}

// New creates a Bin delegating admission to r. The Bin registers itself as
// r's slot-freed callback, so r must not already be shared with a
// different promotion policy.
func New(r *runner.Runner, opts ...Option) *Bin {
	b := &Bin{
		runner:    r,
		accepting: true,
		acceptFn:  func(task.Description) bool { return true },
	}
	for _, opt := range opts {
		opt(b)
	}
	heap.Init(&b.pending)
	r.AddDoneCallback(b.promotePending)
	return b
}

// Bin composes a PriorityRunner with a priority-ordered pending area.
type Bin struct {
	mu sync.Mutex

	runner    *runner.Runner
	pending   pendingHeap
	accepting bool
	acceptFn  func(task.Description) bool
}

// Accepts reports whether the bin is open and d passes its predicate.
func (b *Bin) Accepts(d task.Description) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepting && b.acceptFn(d)
}

// Schedule admits d to the runner if a slot is free; otherwise it is pushed
// onto the pending heap, keyed by (Priority, Sequence).
func (b *Bin) Schedule(d task.Description) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.accepting {
		logger.Warnf("schedule on shut-down bin; task discarded")
		return
	}
	if !b.runner.Schedule(d.Priority, d.Runtime) {
		heap.Push(&b.pending, d)
	}
}

// promotePending is the runner's slot-freed callback. It pops at most one
// task from the pending heap and offers it to the runner. The returned bool
// is ignored for correctness: the slot was genuinely free, so a false
// return here would indicate a logic error rather than an expected
// condition.
func (b *Bin) promotePending() {
	b.mu.Lock()
	if b.pending.Len() == 0 {
		b.mu.Unlock()
		return
	}
	d := heap.Pop(&b.pending).(task.Description)
	b.mu.Unlock()

	b.runner.Schedule(d.Priority, d.Runtime)
}

// Shutdown closes the bin to new admissions, discards every pending task,
// and terminates every active job.
func (b *Bin) Shutdown() {
	b.mu.Lock()
	b.accepting = false
	b.pending = nil
	b.mu.Unlock()

	b.runner.TerminateAll()
}

// PendingLen reports the current pending heap size. Intended for tests and
// observability.
func (b *Bin) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}
