package boot

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/DeanoBurrito/northport-sub001/hal"
)

// ApSender delivers the platform-defined startup IPI sequence to a logical
// CPU: INIT, INIT de-assert, then a startup IPI carrying the AP
// trampoline's physical page number (HwBootAps/TryStartAp). Concrete
// interrupt-controller programming is out of this core's scope (spec.md
// §1); this is the contract a real lapic/plic layer implements.
type ApSender interface {
	SendInit(cpu int)
	SendInitDeassert(cpu int)
	SendStartup(cpu int, trampolinePage uint64)
}

// ApDelays configures the platform-specific settle times between each IPI
// in the startup sequence. Modern chipsets tolerate far shorter delays than
// legacy ones (npk.x86.lapic_modern_delays in the original).
type ApDelays struct {
	InitDeassert time.Duration
	Sipi         time.Duration
}

// DefaultApDelays matches the legacy (non-"modern") timings BringUp.cpp
// falls back to: a 10ms de-assert wait and 300us between startup IPIs.
func DefaultApDelays() ApDelays {
	return ApDelays{InitDeassert: 10 * time.Millisecond, Sipi: 300 * time.Microsecond}
}

// bootedFlags is the per-AP atomic `booted` word TryStartAp spins on.
type bootedFlags struct {
	flags []atomic.Bool
}

func newBootedFlags(n int) *bootedFlags {
	return &bootedFlags{flags: make([]atomic.Bool, n)}
}

// Mark records that cpu has come online; real APs call this from their own
// entry hook the moment they've installed their locals.
func (b *bootedFlags) Mark(cpu int) {
	if cpu >= 0 && cpu < len(b.flags) {
		b.flags[cpu].Store(true)
	}
}

func (b *bootedFlags) booted(cpu int) bool {
	return cpu >= 0 && cpu < len(b.flags) && b.flags[cpu].Load()
}

// tryStartAP sends the startup sequence to one AP, retrying the startup
// IPI itself up to two times, matching TryStartAp.
func tryStartAP(sender ApSender, booted *bootedFlags, cpu int, trampolinePage uint64, delays ApDelays, logger *slog.Logger) bool {
	sender.SendInit(cpu)
	time.Sleep(delays.InitDeassert)
	sender.SendInitDeassert(cpu)

	for i := 0; i < 2; i++ {
		sender.SendStartup(cpu, trampolinePage)
		time.Sleep(delays.Sipi)
		if booted.booted(cpu) {
			logger.Info("ap started", "cpu", cpu)
			return true
		}
	}

	logger.Error("ap failed to respond", "cpu", cpu)
	return false
}

// BootAPs starts every secondary CPU in [1, smp.CPUCount) in turn, spinning
// on its booted flag with a bounded retry, and omits any AP that never
// responds rather than failing the whole boot (spec.md §4.1 step 8,
// HwBootAps). The firmware CPU topology walk (MADT/DTB) that picks which
// physical CPUs exist is out of this core's scope; callers already know
// smp.CPUCount by the time this runs.
func BootAPs(sender ApSender, smp *SmpInfo, trampolinePage uint64, delays ApDelays, logger *slog.Logger) (*bootedFlags, int) {
	booted := newBootedFlags(smp.CPUCount)
	booted.Mark(0) // the BSP is always online by the time this runs
	started := 1

	for cpu := 1; cpu < smp.CPUCount; cpu++ {
		logger.Info("preparing to start ap", "cpu", cpu)
		if tryStartAP(sender, booted, cpu, trampolinePage, delays, logger) {
			started++
		}
	}

	logger.Info("ap startup done", "cpus_running", started)
	return booted, started
}

// ApEntryHook is what each AP runs immediately after landing in Go code:
// install its own per-CPU locals (left to the caller, since that's
// arch-specific register state), restore any BSP-captured shared state
// (e.g. an MTRR snapshot), calibrate its local timer, then fall into the
// idle loop with interrupts enabled (spec.md §4.1 step 9, ApEntryFunc).
func ApEntryHook(cpu int, backend hal.Backend, booted *bootedFlags, restoreSharedState func(), calibrateTimer func() bool, logger *slog.Logger) {
	logger.Info("core online", "cpu", cpu)
	booted.Mark(cpu)

	if restoreSharedState != nil {
		restoreSharedState()
	}
	if calibrateTimer != nil && !calibrateTimer() {
		logger.Warn("timer calibration failed", "cpu", cpu)
	}

	logger.Info("ap init thread done, becoming idle thread", "cpu", cpu)
	backend.SetInterrupts(true)
}
