// Package manager implements SchedulerManager: routing of inbound task
// descriptions to the first bin willing to accept them.
package manager

import (
	"os"
	"sync"

	"github.com/relaypool/dispatch/internal/dispatch/bin"
	"github.com/relaypool/dispatch/internal/dispatch/task"
	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "manager")

// New creates a Manager routing across the given bins, in order.
func New(bins ...*bin.Bin) *Manager {
	return &Manager{bins: bins}
}

// Manager holds an ordered list of bins and routes inbound task
// descriptions to the first one that accepts them.
type Manager struct {
	mu   sync.Mutex
	bins []*bin.Bin
}

// Handle routes d to the first bin whose Accepts is true and schedules it
// there. If no bin accepts, d is logged and dropped.
func (m *Manager) Handle(d task.Description) {
	for _, b := range m.snapshot() {
		if b.Accepts(d) {
			b.Schedule(d)
			return
		}
	}
	logger.Warnf("no bin accepted task; priority: %d, runtime: %s", d.Priority, d.Runtime)
}

// ShutdownAll shuts down every bin.
func (m *Manager) ShutdownAll() {
	for _, b := range m.snapshot() {
		b.Shutdown()
	}
}

func (m *Manager) snapshot() []*bin.Bin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*bin.Bin{}, m.bins...)
}
