// Package boot implements early kernel bring-up: turning a bootloader
// handoff into domain-0 page tables, per-CPU storage, idle stacks, a mapped
// kernel image, and every core subsystem initialised enough to start
// secondary CPUs (spec.md §4.1).
//
// Grounded directly on original_source/kernel/BringUp.cpp's KernelEntry/
// SetupDomain0/EarlyPageAlloc, with the physical-frame bump allocator
// generalised from biscuit's mem.Physmem_t free-list idiom (mem/mem.go) to
// a standalone pre-pfndb allocator, since pfndb.DB itself isn't built until
// after domain-0's static regions are mapped.
package boot

import (
	"fmt"

	"github.com/DeanoBurrito/northport-sub001/config"
	"github.com/DeanoBurrito/northport-sub001/defs"
	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/hat"
	"github.com/DeanoBurrito/northport-sub001/heap"
	"github.com/DeanoBurrito/northport-sub001/klog"
	"github.com/DeanoBurrito/northport-sub001/kstack"
	"github.com/DeanoBurrito/northport-sub001/pfndb"
	"github.com/DeanoBurrito/northport-sub001/pmacache"
	"github.com/DeanoBurrito/northport-sub001/symbols"
	"github.com/DeanoBurrito/northport-sub001/vmspace"
)

// domain0VirtBase is the first virtual address SetupDomain0 carves its six
// regions from. A real arch backend picks this per-platform; the portable
// backend only needs a fixed, page-aligned starting point.
const domain0VirtBase = uint64(1) << 40

// MemRegion describes one usable physical memory range from the
// bootloader's memory map. Callers are expected to pass entries already
// sorted by Base and non-overlapping, the same assumption SetupDomain0's
// PageInfo-db loop documents ("NOTE: this assumes usable entries are
// sorted by base address").
type MemRegion struct {
	Base   uint64
	Length uint64
}

// KernelImage describes the already-loaded kernel binary's segments as the
// loader hands them off: one contiguous physical blob mapped at VirtBase,
// split into three permission regions by page count.
type KernelImage struct {
	VirtBase    uint64
	PhysBase    uint64
	TextPages   int
	RodataPages int
	DataPages   int
}

// LoaderData is everything the bootloader handoff gives the kernel before
// it has its own page tables (Loader::LoaderData / Loader::GetCommandLine).
type LoaderData struct {
	MemMap      []MemRegion
	CommandLine string
	Image       KernelImage
	// BspStackTop is the highest address of the BSP's pre-existing stack,
	// reused in place rather than allocated fresh (step 5). Zero means
	// "allocate a fresh stack for the BSP too", used by tests that don't
	// model a real bootstrap stack.
	BspStackTop uint64
	NumCPUs     int

	// ArchHook and PlatHook are consulted during step 4's arch/platform
	// discovery phase (ArchMappingEntry/PalMappingEntry). Both default to
	// a no-op; a real arch/platform layer supplies its own.
	ArchHook MappingHook
	PlatHook MappingHook
}

// Options tunes the parts of bring-up that spec.md leaves as configurable
// defaults. Every field left at its zero value gets a sane default.
type Options struct {
	Kaslr            KaslrSource
	RingSize         int
	PmaSlots         int
	HeapGrowPages    int
	HeapCacheSize    uintptr
	StackMagazineCap int
	KernelVmLength   uint64
}

func (o *Options) applyDefaults() {
	if o.Kaslr == nil {
		o.Kaslr = NoSlide{}
	}
	if o.RingSize <= 0 {
		o.RingSize = 16 * 1024
	}
	if o.PmaSlots <= 0 {
		o.PmaSlots = pmacache.DefaultSlots
	}
	if o.HeapGrowPages <= 0 {
		o.HeapGrowPages = 4
	}
	if o.HeapCacheSize == 0 {
		o.HeapCacheSize = 64
	}
	if o.StackMagazineCap <= 0 {
		o.StackMagazineCap = 8
	}
	if o.KernelVmLength == 0 {
		o.KernelVmLength = uint64(1) << 46
	}
}

// Domain0 records the virtual address each of the six bring-up regions
// landed at, for diagnostics and for later subsystems that need to carve
// their own windows past the last one.
type Domain0 struct {
	InfoDbBase  uint64
	PmaBase     uint64
	PmaMetaBase uint64
	ArchBase    uint64
	PlatBase    uint64
	ImageBase   uint64
	VmAllocHead uint64
}

// SmpInfo is the per-CPU layout bring-up computes while mapping domain-0,
// read back by BootAPs to place each AP's locals and stack.
type SmpInfo struct {
	CPUCount     int
	LocalsStride uint64
	LocalsBase   uint64
	StacksBase   uint64
	StackStride  uint64
}

// Kernel is every subsystem bring-up leaves initialised and ready, handed
// back to whatever starts the scheduler next.
type Kernel struct {
	Log       *klog.Manager
	Config    *config.Store
	Frames    *pfndb.DB
	Hat       *hat.HAT
	KernelMap *hat.KernelMap
	Pma       *pmacache.Cache
	Heap      *heap.Pool
	HeapCache *heap.Cache
	Stacks    *kstack.Cache
	VmSpace   *vmspace.Space
	Symbols   *symbols.Store
	Domain0   *Domain0
	Smp       *SmpInfo
}

// Bring runs the early bring-up algorithm of spec.md §4.1 up to step 7 and
// returns every subsystem ready for HwBootAps/the scheduler to take over.
// Go has no global-constructor array to run (step 2 is therefore a no-op:
// package init() funcs have already run by the time Bring is called), so
// this implements steps 1 and 3–7; steps 8 and 9 are BootAPs and
// ApEntryHook in ap.go, which Bring does not call.
func Bring(loader *LoaderData, opts Options) (*Kernel, error) {
	opts.applyDefaults()
	if len(loader.MemMap) == 0 {
		return nil, fmt.Errorf("boot: empty memory map")
	}
	if loader.NumCPUs <= 0 {
		loader.NumCPUs = 1
	}

	// Step 1: logging is available before anything else. A dummy per-CPU
	// block in the original just means "don't crash if logging runs before
	// locals are set"; klog.Manager has no such dependency, so this step
	// reduces to constructing it first.
	log := klog.NewManager(opts.RingSize)
	logger := log.Logger()
	logger.Info("northport kernel bring-up starting")

	// Step 3.
	cfg := config.New()
	cfg.SetMany(loader.CommandLine)
	if v := int(cfg.ReadConfigUint("kernel.pma.cache_entries", 0)); v > 0 {
		opts.PmaSlots = v
	}

	lowestFrame, frameCount := memmapExtent(loader.MemMap)
	frames := pfndb.New(lowestFrame, frameCount)
	reserveGaps(frames, loader.MemMap, lowestFrame)

	h := hat.New(frames)
	km := h.Master()

	// Step 4.
	d0, smp, bump, err := setupDomain0(loader, opts.Kaslr, h, km, opts.PmaSlots, logger)
	if err != nil {
		return nil, err
	}

	// Step 5: activate domain-0. The portable backend has no CR3 to load;
	// the act of installing km as the active map is exercised by callers
	// through hat.HAT itself (MmuActivate has no portable equivalent).
	logger.Info("domain-0 active", "highest_vaddr", d0.VmAllocHead)

	// Step 6: walk the remainder of the memmap the bump allocator didn't
	// touch and fold the consumed portion back into reserved frames so it
	// can never be double-allocated by the real PMM free list.
	reserveConsumed(frames, loader.MemMap, bump)
	logger.Info("pmm free list ready", "free_frames", frames.FreeCount())

	// Step 7: HAT proper is already `h`/`km`; finish pool/heap, VM space,
	// symbol store.
	pma := pmacache.New(h, km, opts.PmaSlots)

	heapBase := alignUpPage(d0.VmAllocHead)
	heapBase += opts.Kaslr.NextSlide()
	heapSrc := newHeapPageSource(frames, h, km, heapBase)
	heapPool := heap.NewPool(heapSrc, opts.HeapGrowPages)
	heapCache := heap.NewCache(heapPool, opts.HeapCacheSize)

	stacksWindow := heapBase + (uint64(1) << 32) // generous gap past the heap's own growth room
	stacks := kstack.New(frames, h, km, uintptr(stacksWindow), opts.StackMagazineCap)

	vmBase := stacksWindow + (uint64(1) << 32)
	vm := vmspace.New(vmBase, opts.KernelVmLength)

	syms := symbols.New()

	logger.Info("hat/pool/heap/vm-space/symbol-store initialised")

	return &Kernel{
		Log:       log,
		Config:    cfg,
		Frames:    frames,
		Hat:       h,
		KernelMap: km,
		Pma:       pma,
		Heap:      heapPool,
		HeapCache: heapCache,
		Stacks:    stacks,
		VmSpace:   vm,
		Symbols:   syms,
		Domain0:   d0,
		Smp:       smp,
	}, nil
}

func alignUpPage(v uint64) uint64 {
	return (v + hal.PageSize - 1) &^ (hal.PageSize - 1)
}

func alignDownPage(v uint64) uint64 {
	return v &^ (hal.PageSize - 1)
}

// memmapExtent returns the frame number of the lowest byte covered by any
// region and the total frame count up to the highest byte, the span a
// single pfndb.DB needs to cover every usable region.
func memmapExtent(memmap []MemRegion) (lowestFrame uint64, count int) {
	lowest := memmap[0].Base
	highest := memmap[0].Base + memmap[0].Length
	for _, r := range memmap[1:] {
		if r.Base < lowest {
			lowest = r.Base
		}
		if end := r.Base + r.Length; end > highest {
			highest = end
		}
	}
	return lowest >> hal.PfnShift, int((highest - lowest) >> hal.PfnShift)
}

// reserveGaps marks every frame *not* covered by a usable region (device
// holes, reserved firmware ranges the caller simply omitted) as reserved,
// so pfndb never hands them out.
func reserveGaps(frames *pfndb.DB, memmap []MemRegion, lowestFrame uint64) {
	cursor := lowestFrame
	for _, r := range memmap {
		base := r.Base >> hal.PfnShift
		if base > cursor {
			frames.MarkReserved(cursor, int(base-cursor))
		}
		if end := base + (r.Length >> hal.PfnShift); end > cursor {
			cursor = end
		}
	}
}

// reserveConsumed marks every frame the early bump allocator actually
// handed out during SetupDomain0 as reserved, so the PMM free list built
// afterwards can't reissue them.
func reserveConsumed(frames *pfndb.DB, memmap []MemRegion, bump *bumpAllocator) {
	for i, region := range memmap {
		if i > bump.index {
			break
		}
		end := region.Base + region.Length
		if i == bump.index {
			if bump.head <= region.Base {
				break
			}
			end = bump.head
		}
		count := int((end - region.Base) >> hal.PfnShift)
		if count <= 0 {
			continue
		}
		frames.MarkReserved(region.Base>>hal.PfnShift, count)
	}
}

// heapPageSource backs package heap's PageSource by pulling frames from a
// pfndb.DB and mapping them through a HAT, growing a private bump cursor
// one page at a time.
type heapPageSource struct {
	frames *pfndb.DB
	h      *hat.HAT
	km     *hat.KernelMap
	next   uintptr
}

func newHeapPageSource(frames *pfndb.DB, h *hat.HAT, km *hat.KernelMap, base uint64) *heapPageSource {
	return &heapPageSource{frames: frames, h: h, km: km, next: uintptr(base)}
}

func (s *heapPageSource) AllocPages(count int) (uintptr, bool) {
	base := s.next
	mapped := 0
	for ; mapped < count; mapped++ {
		_, frame, ok := s.frames.AllocPage(true)
		if !ok {
			break
		}
		vaddr := base + uintptr(mapped)*hal.PageSize
		if merr := s.h.MapAdd(s.km, vaddr, frame, hat.Write); merr != defs.MmuOk {
			if pi, ok := s.frames.LookupPageInfo(frame); ok {
				s.frames.Refdown(pi)
				s.frames.FreePage(pi)
			}
			break
		}
	}
	if mapped < count {
		for i := 0; i < mapped; i++ {
			vaddr := base + uintptr(i)*hal.PageSize
			frame, merr := s.h.MapClear(s.km, vaddr)
			if merr != defs.MmuOk {
				continue
			}
			if pi, ok := s.frames.LookupPageInfo(frame); ok {
				if s.frames.Refdown(pi) {
					s.frames.FreePage(pi)
				}
			}
		}
		return 0, false
	}
	s.next += uintptr(count) * hal.PageSize
	return base, true
}
