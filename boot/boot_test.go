package boot_test

import (
	"log/slog"
	"testing"

	"github.com/DeanoBurrito/northport-sub001/boot"
	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/klog"
	"github.com/DeanoBurrito/northport-sub001/vmspace"
)

func testLogger() *slog.Logger {
	return klog.NewManager(64).Logger()
}

func testLoader() *boot.LoaderData {
	return &boot.LoaderData{
		MemMap: []boot.MemRegion{
			{Base: 0x10000000, Length: 16384 * hal.PageSize},
		},
		CommandLine: "kernel.pma.cache_entries=8 debug.verbose",
		Image: boot.KernelImage{
			VirtBase:    0xffffffff80000000,
			PhysBase:    0x1000000,
			TextPages:   2,
			RodataPages: 1,
			DataPages:   1,
		},
		NumCPUs: 2,
	}
}

func testOptions() boot.Options {
	return boot.Options{
		Kaslr:            boot.NoSlide{},
		RingSize:         256,
		PmaSlots:         8,
		HeapGrowPages:    2,
		HeapCacheSize:    8,
		StackMagazineCap: 2,
		KernelVmLength:   1 << 30,
	}
}

func TestBringEndToEndWiresEverySubsystem(t *testing.T) {
	k, err := boot.Bring(testLoader(), testOptions())
	if err != nil {
		t.Fatalf("Bring: %v", err)
	}

	d0 := k.Domain0
	if !(d0.InfoDbBase < d0.PmaBase && d0.PmaBase < d0.PmaMetaBase && d0.PmaMetaBase <= d0.ArchBase) {
		t.Fatalf("domain0 regions not monotonically increasing: %+v", d0)
	}
	if k.Smp.LocalsBase == 0 || k.Smp.LocalsBase%hal.PageSize != 0 {
		t.Fatalf("LocalsBase = %#x, want nonzero page-aligned", k.Smp.LocalsBase)
	}
	if k.Smp.StacksBase <= k.Smp.LocalsBase {
		t.Fatalf("StacksBase (%#x) should follow LocalsBase (%#x)", k.Smp.StacksBase, k.Smp.LocalsBase)
	}

	if k.Frames.FreeCount() <= 0 {
		t.Fatalf("FreeCount() = %d, want some frames left for the real PMM", k.Frames.FreeCount())
	}
}

// TestSetupDomain0MapsLocalsAtCorrectBase guards against a regression where
// the per-CPU locals region gets mapped at a byte count instead of its
// actual virtual base. It confirms the real base is mapped, and that the
// byte-count address (when distinct from it) is not.
func TestSetupDomain0MapsLocalsAtCorrectBase(t *testing.T) {
	k, err := boot.Bring(testLoader(), testOptions())
	if err != nil {
		t.Fatalf("Bring: %v", err)
	}

	localsSize := k.Smp.LocalsStride * uint64(k.Smp.CPUCount)
	if _, _, merr := k.Hat.MapQuery(k.KernelMap, uintptr(k.Smp.LocalsBase)); merr != 0 {
		t.Fatalf("MapQuery at the correct locals base failed: %v", merr)
	}

	if localsSize != k.Smp.LocalsBase {
		if _, _, merr := k.Hat.MapQuery(k.KernelMap, uintptr(localsSize)); merr == 0 {
			t.Fatalf("the buggy address (localsSize=%#x) is mapped; the bug was reintroduced", localsSize)
		}
	}
}

func TestHeapStacksAndVmSpaceAreFunctional(t *testing.T) {
	k, err := boot.Bring(testLoader(), testOptions())
	if err != nil {
		t.Fatalf("Bring: %v", err)
	}

	if _, ok := k.HeapCache.Alloc(); !ok {
		t.Fatalf("HeapCache.Alloc failed after bring-up")
	}
	if _, merr := k.Stacks.Alloc(); merr != 0 {
		t.Fatalf("Stacks.Alloc failed after bring-up: %v", merr)
	}
	if _, status := k.VmSpace.Alloc(4096, vmspace.Constraints{}); status != 0 {
		t.Fatalf("VmSpace.Alloc failed after bring-up: %v", status)
	}

	k.Symbols.AddRepo("kernel", nil)
}

func TestBringRejectsEmptyMemMap(t *testing.T) {
	loader := testLoader()
	loader.MemMap = nil
	if _, err := boot.Bring(loader, testOptions()); err == nil {
		t.Fatalf("Bring with empty memmap should fail")
	}
}

// fakeSender never responds to a startup IPI; BootAPs should give up on
// each unresponsive CPU after its retries and continue past it rather than
// aborting the whole boot.
type fakeSender struct {
	inits    []int
	startups []int
}

func (f *fakeSender) SendInit(cpu int)              { f.inits = append(f.inits, cpu) }
func (f *fakeSender) SendInitDeassert(int)          {}
func (f *fakeSender) SendStartup(cpu int, _ uint64) { f.startups = append(f.startups, cpu) }

func TestBootAPsSkipsUnresponsiveCpusButContinues(t *testing.T) {
	log := testLogger()
	smp := &boot.SmpInfo{CPUCount: 3}
	sender := &fakeSender{}

	_, started := boot.BootAPs(sender, smp, 0x9000, boot.ApDelays{}, log)

	if started != 1 {
		t.Fatalf("started = %d, want 1 (only the bsp, since nothing ever responds)", started)
	}
	if len(sender.inits) != 2 {
		t.Fatalf("expected init IPIs sent to cpus 1 and 2, got %v", sender.inits)
	}
	if len(sender.startups) != 4 {
		t.Fatalf("expected 2 startup retries each for cpus 1 and 2, got %v", sender.startups)
	}
}

func TestApEntryHookMarksBootedAndEnablesInterrupts(t *testing.T) {
	log := testLogger()
	backend := hal.NewPortable(2)
	backend.SetInterrupts(false)
	flags, _ := boot.BootAPs(&fakeSender{}, &boot.SmpInfo{CPUCount: 2}, 0x9000, boot.ApDelays{}, log)

	calibrated := false
	boot.ApEntryHook(1, backend, flags, nil, func() bool { calibrated = true; return true }, log)

	if !calibrated {
		t.Fatalf("calibrateTimer was not invoked")
	}
	if !backend.InterruptsEnabled() {
		t.Fatalf("ApEntryHook should have enabled interrupts")
	}
}
