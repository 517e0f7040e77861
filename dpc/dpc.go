// Package dpc implements the per-CPU deferred-procedure-call queue that
// drains when a CPU lowers out of Dispatch IPL (spec.md §4.8).
//
// Grounded on spec.md §4.8's queue contract. The real kernel's queue is
// lock-free MPSC; this portable backend uses a mutex-guarded deque
// instead (documented in DESIGN.md as the one deliberate stdlib-only
// simplification — no lock-free queue library exists in the example
// pack, and a genuine lock-free ring needs arch-specific atomics this
// host-testable backend can't honestly claim).
package dpc

import (
	"sync"

	"github.com/DeanoBurrito/northport-sub001/ipl"
)

// Func is one deferred procedure.
type Func func()

type queue struct {
	mu    sync.Mutex
	items []Func
}

// Manager owns one DPC queue per CPU and registers itself as the
// Dispatch-level drainer with an ipl.Manager.
type Manager struct {
	ipl     *ipl.Manager
	queues  []queue
	current func() int // returns the calling CPU id
}

// New creates a Manager for n CPUs and registers it as the Dispatch
// drainer on m. cpuID reports which CPU is calling (normally
// hal.Current().CPUID).
func New(m *ipl.Manager, n int, cpuID func() int) *Manager {
	d := &Manager{ipl: m, queues: make([]queue, n), current: cpuID}
	m.RegisterDrainer(ipl.Dispatch, d)
	return d
}

// Queue appends fn to cpu's DPC queue and signals it by raising then
// lowering IPL to Dispatch if the caller is currently below it (spec.md
// §4.8: "raising IPL to Dispatch and then lowering it").
func (d *Manager) Queue(cpu int, fn Func) {
	d.queues[cpu].mu.Lock()
	d.queues[cpu].items = append(d.queues[cpu].items, fn)
	d.queues[cpu].mu.Unlock()

	if d.ipl.Current(cpu) < ipl.Dispatch {
		old := d.ipl.Raise(cpu, ipl.Dispatch)
		d.ipl.Lower(cpu, old)
	}
}

// Drain implements ipl.Drainer: runs every queued DPC on the calling CPU
// until the queue is empty, per spec.md §4.8's "drains it until empty".
func (d *Manager) Drain() {
	cpu := d.current()
	for {
		d.queues[cpu].mu.Lock()
		if len(d.queues[cpu].items) == 0 {
			d.queues[cpu].mu.Unlock()
			return
		}
		fn := d.queues[cpu].items[0]
		d.queues[cpu].items = d.queues[cpu].items[1:]
		d.queues[cpu].mu.Unlock()
		fn()
	}
}

// Pending reports how many DPCs are queued on cpu, for tests and metrics.
func (d *Manager) Pending(cpu int) int {
	d.queues[cpu].mu.Lock()
	defer d.queues[cpu].mu.Unlock()
	return len(d.queues[cpu].items)
}
