package boot

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/DeanoBurrito/northport-sub001/defs"
	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/hat"
	"github.com/DeanoBurrito/northport-sub001/pfndb"
)

// pmaSlotMetaSize approximates the bookkeeping pfndb needs per PmaCache
// slot (paddr + refcount + flags); package pmacache keeps this internal,
// so bring-up only needs a representative size to reserve the metadata
// region, not the real layout.
const pmaSlotMetaSize = 32

// setupDomain0 maps the six KASLR-gapped regions of spec.md §4.1 step 4 in
// order, using bump to back every leaf page. It returns the resulting
// region bases, the per-CPU layout BootAPs needs, and the bump allocator
// itself so the caller can fold its consumed frames into the real PMM free
// list afterwards.
func setupDomain0(loader *LoaderData, kaslr KaslrSource, h *hat.HAT, km *hat.KernelMap, pmaEntries int, logger *slog.Logger) (*Domain0, *SmpInfo, *bumpAllocator, error) {
	bump := newBumpAllocator(loader.MemMap)
	d := &Domain0{VmAllocHead: domain0VirtBase}
	smp := &SmpInfo{
		CPUCount:     loader.NumCPUs,
		LocalsStride: hal.PageSize,
		StackStride:  hal.KernelStackSize + hal.PageSize,
	}

	zeroPage, ok := bump.alloc()
	if !ok {
		return nil, nil, nil, fmt.Errorf("boot: out of memory allocating zero page")
	}

	// 1. PageInfo database: one entry per usable frame across every region.
	d.InfoDbBase = d.VmAllocHead
	infoSize := uint64(unsafe.Sizeof(pfndb.PageInfo{}))
	physOffset := loader.MemMap[0].Base
	for _, region := range loader.MemMap {
		infoBase := (region.Base - physOffset) >> hal.PfnShift
		infoLength := region.Length >> hal.PfnShift
		top := d.InfoDbBase + alignUpPage((infoBase+infoLength)*infoSize)
		base := d.InfoDbBase + alignDownPage(infoBase*infoSize)
		if base < d.VmAllocHead {
			base = d.VmAllocHead
		}
		for base < top {
			frame, ok := bump.alloc()
			if !ok {
				return nil, nil, nil, fmt.Errorf("boot: out of memory mapping PageInfo db")
			}
			if merr := h.MapAdd(km, uintptr(base), frame, hat.Write); merr != defs.MmuOk {
				return nil, nil, nil, fmt.Errorf("boot: mapping PageInfo db at 0x%x: %w", base, merr)
			}
			base += hal.PageSize
		}
		d.VmAllocHead = top
	}
	logger.Info("page info db mapped", "base", fmt.Sprintf("0x%x", d.InfoDbBase), "top", fmt.Sprintf("0x%x", d.VmAllocHead))
	d.VmAllocHead += kaslr.NextSlide()

	// 2. Pma temp-mapping window plus its per-slot metadata.
	d.PmaBase = d.VmAllocHead
	for i := 0; i < pmaEntries; i++ {
		vaddr := d.PmaBase + uint64(i)*hal.PageSize
		if merr := h.MapAdd(km, uintptr(vaddr), zeroPage, 0); merr != defs.MmuOk {
			return nil, nil, nil, fmt.Errorf("boot: mapping pma window: %w", merr)
		}
	}
	d.VmAllocHead += uint64(pmaEntries) * hal.PageSize

	d.PmaMetaBase = d.VmAllocHead
	metaSize := alignUpPage(uint64(pmaEntries) * pmaSlotMetaSize)
	for i := uint64(0); i < metaSize; i += hal.PageSize {
		frame, ok := bump.alloc()
		if !ok {
			return nil, nil, nil, fmt.Errorf("boot: out of memory mapping pma metadata")
		}
		if merr := h.MapAdd(km, uintptr(d.PmaMetaBase+i), frame, hat.Write); merr != defs.MmuOk {
			return nil, nil, nil, fmt.Errorf("boot: mapping pma metadata: %w", merr)
		}
	}
	d.VmAllocHead += metaSize
	logger.Info("temp mappings ready", "access", fmt.Sprintf("0x%x", d.PmaBase), "entries", pmaEntries)
	d.VmAllocHead += kaslr.NextSlide()

	// 3. Arch/platform discovery hooks (MMIO regs, ACPI/FDT access). Real
	// instruction-level hardware access is out of this core's scope
	// (spec.md §1); callers that need real hooks wire a MappingHook in via
	// loader.ArchHook/loader.PlatHook, tests use the no-op default.
	d.ArchBase = d.VmAllocHead
	d.VmAllocHead = runMappingHook(loader.ArchHook, h, km, d.VmAllocHead)
	d.PlatBase = d.VmAllocHead
	d.VmAllocHead = runMappingHook(loader.PlatHook, h, km, d.VmAllocHead)
	logger.Info("target-specific mappings done", "arch", fmt.Sprintf("0x%x", d.ArchBase), "plat", fmt.Sprintf("0x%x", d.PlatBase))
	d.VmAllocHead += kaslr.NextSlide()

	// 4. Per-CPU local storage.
	localsSize := smp.LocalsStride * uint64(smp.CPUCount)
	smp.LocalsBase = d.VmAllocHead
	d.VmAllocHead += alignUpPage(localsSize)

	for i := uint64(0); i < localsSize; i += hal.PageSize {
		frame, ok := bump.alloc()
		if !ok {
			return nil, nil, nil, fmt.Errorf("boot: out of memory mapping cpu locals")
		}
		// BringUp.cpp's SetupDomain0 maps this region at `localsSize + i`,
		// a byte *count* rather than smpInfo.localsBase (the region's
		// actual virtual base) — a bug named in spec.md §9. This maps at
		// the correct base instead.
		if merr := h.MapAdd(km, uintptr(smp.LocalsBase+i), frame, hat.Write); merr != defs.MmuOk {
			return nil, nil, nil, fmt.Errorf("boot: mapping cpu locals: %w", merr)
		}
	}
	logger.Info("cpu-local storage mapped", "base", fmt.Sprintf("0x%x", smp.LocalsBase), "cpus", smp.CPUCount, "stride", smp.LocalsStride)
	d.VmAllocHead += kaslr.NextSlide()

	// 5. Kernel idle stacks; the BSP reuses its pre-existing stack, APs get
	// fresh frames. A guard page separates every stack, including before
	// the first one.
	d.VmAllocHead += hal.PageSize
	smp.StacksBase = d.VmAllocHead

	if loader.BspStackTop != 0 {
		bspStackBase := loader.BspStackTop - hal.KernelStackSize
		for i := uint64(0); i < hal.KernelStackSize; i += hal.PageSize {
			if merr := h.MapAdd(km, uintptr(d.VmAllocHead+i), bspStackBase+i, hat.Write); merr != defs.MmuOk {
				return nil, nil, nil, fmt.Errorf("boot: mapping bsp stack: %w", merr)
			}
		}
	} else {
		for i := uint64(0); i < hal.KernelStackSize; i += hal.PageSize {
			frame, ok := bump.alloc()
			if !ok {
				return nil, nil, nil, fmt.Errorf("boot: out of memory mapping bsp stack")
			}
			if merr := h.MapAdd(km, uintptr(d.VmAllocHead+i), frame, hat.Write); merr != defs.MmuOk {
				return nil, nil, nil, fmt.Errorf("boot: mapping bsp stack: %w", merr)
			}
		}
	}
	d.VmAllocHead += hal.KernelStackSize + hal.PageSize

	for cpu := 1; cpu < smp.CPUCount; cpu++ {
		for i := uint64(0); i < hal.KernelStackSize; i += hal.PageSize {
			frame, ok := bump.alloc()
			if !ok {
				return nil, nil, nil, fmt.Errorf("boot: out of memory mapping ap %d stack", cpu)
			}
			if merr := h.MapAdd(km, uintptr(d.VmAllocHead+i), frame, hat.Write); merr != defs.MmuOk {
				return nil, nil, nil, fmt.Errorf("boot: mapping ap %d stack: %w", cpu, merr)
			}
		}
		d.VmAllocHead += hal.KernelStackSize + hal.PageSize
	}
	logger.Info("idle stacks mapped", "base", fmt.Sprintf("0x%x", smp.StacksBase), "size", hal.KernelStackSize)
	d.VmAllocHead += kaslr.NextSlide()

	// 6. The kernel image proper, one segment at a time with the
	// permissions each needs.
	d.ImageBase = loader.Image.VirtBase
	if err := mapImageSegment(h, km, d.ImageBase, loader.Image.PhysBase, 0, loader.Image.TextPages, hat.Execute); err != nil {
		return nil, nil, nil, err
	}
	off := loader.Image.TextPages
	if err := mapImageSegment(h, km, d.ImageBase, loader.Image.PhysBase, off, loader.Image.RodataPages, 0); err != nil {
		return nil, nil, nil, err
	}
	off += loader.Image.RodataPages
	if err := mapImageSegment(h, km, d.ImageBase, loader.Image.PhysBase, off, loader.Image.DataPages, hat.Write); err != nil {
		return nil, nil, nil, err
	}
	logger.Info("kernel image mapped", "vbase", fmt.Sprintf("0x%x", d.ImageBase), "pbase", fmt.Sprintf("0x%x", loader.Image.PhysBase))

	return d, smp, bump, nil
}

func mapImageSegment(h *hat.HAT, km *hat.KernelMap, virtBase, physBase uint64, pageOffset, pages int, flags hat.Flags) error {
	for i := 0; i < pages; i++ {
		vaddr := virtBase + uint64(pageOffset+i)*hal.PageSize
		paddr := physBase + uint64(pageOffset+i)*hal.PageSize
		if merr := h.MapAdd(km, uintptr(vaddr), paddr, flags); merr != defs.MmuOk {
			return fmt.Errorf("boot: mapping kernel image at 0x%x: %w", vaddr, merr)
		}
	}
	return nil
}

// MappingHook lets the (absent) arch/platform layers reserve virtual
// address space for their own discovery structures (MMIO registers,
// ACPI/FDT tables) during bring-up, mirroring ArchMappingEntry/
// PalMappingEntry. Concrete hardware access is out of this core's scope
// (spec.md §1); the default is a no-op that consumes no space.
type MappingHook func(h *hat.HAT, km *hat.KernelMap, vmAllocHead uint64) uint64

func runMappingHook(hook MappingHook, h *hat.HAT, km *hat.KernelMap, vmAllocHead uint64) uint64 {
	if hook == nil {
		return vmAllocHead
	}
	return hook(h, km, vmAllocHead)
}
