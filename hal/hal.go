// Package hal isolates the architecture-specific primitives the rest of the
// kernel core is built on: register access, interrupt masking, timestamps
// and TLB shootdowns. Instruction encodings themselves are out of scope
// (see spec §1); this package only defines the shape those operations must
// have so everything above it can be tested on a normal host.
package hal

import (
	"sync/atomic"
	"time"
)

// PageSize is the base page size every arch backend must support.
const PageSize = 4096

// PfnShift is the base-2 exponent of PageSize.
const PfnShift = 12

// KernelStackSize is the usable size of a kernel stack, excluding guard pages.
const KernelStackSize = 64 * 1024

// MaxCPUs bounds every per-CPU array in the core. Real kernels size this at
// boot from the handoff's CPU count; a fixed cap keeps the portable backend
// allocation-free at init.
const MaxCPUs = 256

// Backend is the set of operations an architecture must provide. The core
// never touches registers directly; it always goes through a Backend so it
// stays testable off real hardware.
type Backend interface {
	// CPUID returns the logical id of the calling CPU.
	CPUID() int
	// CPUCount returns the number of CPUs brought up so far.
	CPUCount() int
	// InterruptsEnabled reports whether the calling CPU accepts interrupts.
	InterruptsEnabled() bool
	// SetInterrupts enables or disables interrupts on the calling CPU and
	// returns the previous state.
	SetInterrupts(enabled bool) bool
	// Timestamp returns a monotonic tick count, arch-calibrated.
	Timestamp() uint64
	// TicksToDuration converts a Timestamp delta into a time.Duration.
	TicksToDuration(ticks uint64) time.Duration
	// ShootdownTLB invalidates vaddr on every CPU named in cpuMask (a
	// bitmask of logical CPU ids). Batched by the caller.
	ShootdownTLB(cpuMask uint64, vaddr uintptr)
	// Halt parks the calling CPU until the next interrupt.
	Halt()
}

var current atomic.Value // Backend

// Install registers the active Backend. Called once during early bring-up;
// every other package resolves the backend lazily via
// Current so tests can install a Portable backend before touching anything.
func Install(b Backend) {
	current.Store(b)
}

// Current returns the installed Backend, installing Portable on first use
// so unit tests never need to call Install themselves.
func Current() Backend {
	if v := current.Load(); v != nil {
		return v.(Backend)
	}
	p := NewPortable(1)
	Install(p)
	return p
}
