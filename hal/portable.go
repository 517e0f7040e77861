package hal

import (
	"sync"
	"sync/atomic"
	"time"
)

// Portable is a host-testable Backend. It has no real notion of CPU
// affinity or registers: CPUID is one id shared by every goroutine, set by
// BindCPU, timestamps come from time.Now, and TLB shootdown is a no-op
// counter.
// Production builds swap this for an arch-specific backend at boot; this
// repo ships Portable because that is the only backend that can honestly
// run in this module's test suite.
type Portable struct {
	mu         sync.Mutex
	cpuCount   int
	irqEnabled []atomic.Bool
	shootdowns atomic.Uint64
	startTime  time.Time
	tickRate   time.Duration
	current    atomic.Int64
}

// NewPortable creates a Portable backend pre-populated with n CPUs.
func NewPortable(n int) *Portable {
	p := &Portable{
		cpuCount:  n,
		startTime: time.Now(),
		tickRate:  time.Nanosecond,
	}
	p.irqEnabled = make([]atomic.Bool, n)
	for i := range p.irqEnabled {
		p.irqEnabled[i].Store(true)
	}
	return p
}

// BindCPU sets the logical CPU id that CPUID reports. The portable backend
// has no real per-CPU register, so the id is a single value shared by every
// goroutine, not per-goroutine state: the last BindCPU call wins for all
// callers. Tests that don't call it run as CPU 0.
func (p *Portable) BindCPU(id int) {
	p.current.Store(int64(id))
}

func (p *Portable) CPUID() int {
	return int(p.current.Load())
}

func (p *Portable) CPUCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpuCount
}

// GrowCPUs raises the reported CPU count, used by tests emulating AP bringup.
func (p *Portable) GrowCPUs(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.cpuCount < n {
		p.irqEnabled = append(p.irqEnabled, atomic.Bool{})
		p.irqEnabled[len(p.irqEnabled)-1].Store(true)
		p.cpuCount++
	}
}

func (p *Portable) InterruptsEnabled() bool {
	id := p.CPUID()
	if id >= len(p.irqEnabled) {
		return true
	}
	return p.irqEnabled[id].Load()
}

func (p *Portable) SetInterrupts(enabled bool) bool {
	id := p.CPUID()
	if id >= len(p.irqEnabled) {
		return true
	}
	return p.irqEnabled[id].Swap(enabled)
}

func (p *Portable) Timestamp() uint64 {
	return uint64(time.Since(p.startTime))
}

func (p *Portable) TicksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks)
}

func (p *Portable) ShootdownTLB(cpuMask uint64, vaddr uintptr) {
	p.shootdowns.Add(1)
}

// Shootdowns reports how many ShootdownTLB calls have been made, for tests.
func (p *Portable) Shootdowns() uint64 {
	return p.shootdowns.Load()
}

func (p *Portable) Halt() {
	time.Sleep(time.Microsecond)
}
