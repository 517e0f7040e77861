// Package hat implements the hardware address translator: an opaque
// per-address-space page-table abstraction with map/unmap/query, flush
// granularity, and a kernel master-map generation counter so per-CPU
// caches know when to resync (spec.md §4.3).
//
// Grounded on original_source/kernel/arch/x86_64/Hat.cpp for the operation
// contract (MapAdd fails on an existing translation and unlinks any
// intermediate tables it created; MapClear returns the old paddr and does
// not itself shoot down the TLB) and on biscuit's mem.Pmap_t ([512]Pa_t
// page-table pages) for the table shape. This backend walks a real 4-level,
// 512-entry-per-level radix — the same shape x86_64 and riscv64 hardware
// page tables have — rather than a flat map, so MapAdd/MapClear/MapQuery
// genuinely exercise intermediate-table allocation. Intermediate tables are
// Go-allocated structs, not pfndb frames, and MapClear never reclaims a
// table that has become empty.
package hat

import (
	"sync"
	"sync/atomic"

	"github.com/DeanoBurrito/northport-sub001/defs"
	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/pfndb"
)

// Flags mirror spec.md §4.3: Mmio forces strong-uncachable and Framebuffer
// forces write-combining where the arch supports it; this portable backend
// just records the bits for MapQuery/MapSync to hand back.
type Flags uint32

const (
	Read Flags = 1 << iota
	Write
	Execute
	User
	Global
	Mmio
	Framebuffer
	Bound
)

const (
	levels      = 4
	bitsPerLvl  = 9
	entriesPerLvl = 1 << bitsPerLvl
	lvlMask     = entriesPerLvl - 1
)

type leaf struct {
	paddr uint64
	flags Flags
	valid bool
}

// table is one level of the radix; a slot is either a child table (when
// Children[i] != nil) or a leaf translation (Leaves[i].valid).
type table struct {
	children  [entriesPerLvl]*table
	leaves    [entriesPerLvl]leaf
	validPtes int32 // live entries (child or leaf) at this table, for reclaim
}

// kernelHalfStart is the first top-level radix index reserved for the
// kernel (the upper half of the address space, mirroring the canonical
// x86_64/riscv64 split). Top-level child tables at or above this index are
// shared, by pointer, across every KernelMap so an edit to the kernel half
// through any one of them is visible to all without copying (spec.md §3:
// "Kernel-half PTEs are identical across all maps at any instant where the
// generation counters agree").
const kernelHalfStart = entriesPerLvl / 2

// KernelMap is the opaque per-address-space translation structure. A
// KernelMap carries no generation counter of its own: the only counter is
// the HAT-wide one returned by HAT.KernelGeneration, bumped whenever the
// *kernel half* is edited through any map.
type KernelMap struct {
	mu   sync.Mutex
	root *table
}

// HAT owns the master kernel map. It keeps the frame database it was
// created with, but never allocates intermediate page-table frames from it.
type HAT struct {
	frames *pfndb.DB
	master *KernelMap
	gen    atomic.Uint64
}

// New creates a HAT with a fresh, empty kernel master map. All kernel
// mappings (the image, PFN-DB, per-CPU locals, ...) must be installed into
// Master() before any call to HatCreate, since HatCreate only shares the
// top-level kernel-half pointers that exist at the time it's called — the
// same reason real bring-up pre-populates those top-level slots early
// (spec.md §4.1 step 4).
func New(frames *pfndb.DB) *HAT {
	h := &HAT{frames: frames}
	h.master = &KernelMap{root: &table{}}
	return h
}

// Master returns the kernel's own address space map.
func (h *HAT) Master() *KernelMap {
	return h.master
}

// KernelGeneration returns the master map's current generation counter.
func (h *HAT) KernelGeneration() uint64 {
	return h.gen.Load()
}

// HatCreate allocates a new address space map that shares the kernel half
// of the master map (spec.md §4.3: "new maps inherit the kernel half").
func (h *HAT) HatCreate() *KernelMap {
	h.master.mu.Lock()
	defer h.master.mu.Unlock()

	m := &KernelMap{root: &table{}}
	for i := kernelHalfStart; i < entriesPerLvl; i++ {
		m.root.children[i] = h.master.root.children[i]
		if h.master.root.children[i] != nil {
			m.root.validPtes++
		}
	}
	return m
}

// HatDestroy walks m's tables and drops its root. The tables are Go heap
// structs rather than pfndb frames, so no frame is returned to the
// database; the walk frees nothing itself.
func (h *HAT) HatDestroy(m *KernelMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.destroyTable(m.root, levels)
	m.root = nil
}

func (h *HAT) destroyTable(t *table, depth int) {
	if t == nil {
		return
	}
	if depth > 1 {
		for _, c := range t.children {
			h.destroyTable(c, depth-1)
		}
	}
}

func isKernelVaddr(vaddr uintptr) bool {
	return pageIndex(vaddr, 0) >= kernelHalfStart
}

func pageIndex(vaddr uintptr, level int) int {
	// level 0 is the top (PML4-equivalent); level levels-1 addresses the
	// leaf (PT-equivalent).
	shift := hal.PfnShift + bitsPerLvl*(levels-1-level)
	return int((vaddr >> uint(shift)) & lvlMask)
}

// MapAdd installs a translation at vaddr. It fails with MmuAlreadyMapped if
// one already exists, unlinking any intermediate table this call created so
// no PTE is left behind. Intermediate tables are Go-allocated rather than
// taken from pfndb, so MapAdd never fails for lack of frames.
func (h *HAT) MapAdd(m *KernelMap, vaddr uintptr, paddr uint64, flags Flags) defs.MmuError {
	if vaddr%hal.PageSize != 0 {
		return defs.MmuInvalidArg
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.root
	var allocated []*table
	ok := true
	for lvl := 0; lvl < levels-1; lvl++ {
		idx := pageIndex(vaddr, lvl)
		if t.children[idx] == nil {
			nt := &table{}
			t.children[idx] = nt
			t.validPtes++
			allocated = append(allocated, nt)
		}
		t = t.children[idx]
	}
	idx := pageIndex(vaddr, levels-1)
	if t.leaves[idx].valid {
		ok = false
	}
	if !ok {
		// roll back every intermediate table we created in this call
		h.rollback(m.root, vaddr, allocated)
		return defs.MmuAlreadyMapped
	}
	t.leaves[idx] = leaf{paddr: paddr, flags: flags, valid: true}
	t.validPtes++

	if isKernelVaddr(vaddr) {
		h.gen.Add(1)
	}
	return defs.MmuOk
}

// rollback removes any table pointers this MapAdd call created, restoring
// the tree to how it looked before the failed call.
func (h *HAT) rollback(root *table, vaddr uintptr, allocated []*table) {
	if len(allocated) == 0 {
		return
	}
	t := root
	for lvl := 0; lvl < levels-1; lvl++ {
		idx := pageIndex(vaddr, lvl)
		child := t.children[idx]
		isNew := false
		for _, a := range allocated {
			if a == child {
				isNew = true
				break
			}
		}
		if isNew {
			t.children[idx] = nil
			t.validPtes--
			return
		}
		t = child
	}
}

// MapClear removes the translation at vaddr and returns the physical
// address that had been mapped there. It fails with MmuNotMapped if
// nothing was mapped. It does not shoot down the TLB; callers batch that
// explicitly (spec.md §4.3).
func (h *HAT) MapClear(m *KernelMap, vaddr uintptr) (uint64, defs.MmuError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.root
	for lvl := 0; lvl < levels-1; lvl++ {
		idx := pageIndex(vaddr, lvl)
		if t.children[idx] == nil {
			return 0, defs.MmuNotMapped
		}
		t = t.children[idx]
	}
	idx := pageIndex(vaddr, levels-1)
	if !t.leaves[idx].valid {
		return 0, defs.MmuNotMapped
	}
	paddr := t.leaves[idx].paddr
	t.leaves[idx] = leaf{}
	t.validPtes--

	if isKernelVaddr(vaddr) {
		h.gen.Add(1)
	}
	return paddr, defs.MmuOk
}

// MapQuery returns the physical address and flags mapped at vaddr.
func (h *HAT) MapQuery(m *KernelMap, vaddr uintptr) (uint64, Flags, defs.MmuError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.root
	for lvl := 0; lvl < levels-1; lvl++ {
		idx := pageIndex(vaddr, lvl)
		if t.children[idx] == nil {
			return 0, 0, defs.MmuNotMapped
		}
		t = t.children[idx]
	}
	idx := pageIndex(vaddr, levels-1)
	l := t.leaves[idx]
	if !l.valid {
		return 0, 0, defs.MmuNotMapped
	}
	return l.paddr, l.flags, defs.MmuOk
}

// MapSync atomically updates the permission and/or target of an existing
// mapping. Either newPaddr or newFlags may be left as their zero value by
// passing havePaddr=false or haveFlags=false for the one not being changed.
func (h *HAT) MapSync(m *KernelMap, vaddr uintptr, newPaddr uint64, havePaddr bool, newFlags Flags, haveFlags bool) defs.MmuError {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.root
	for lvl := 0; lvl < levels-1; lvl++ {
		idx := pageIndex(vaddr, lvl)
		if t.children[idx] == nil {
			return defs.MmuNotMapped
		}
		t = t.children[idx]
	}
	idx := pageIndex(vaddr, levels-1)
	if !t.leaves[idx].valid {
		return defs.MmuNotMapped
	}
	if havePaddr {
		t.leaves[idx].paddr = newPaddr
	}
	if haveFlags {
		t.leaves[idx].flags = newFlags
	}
	if isKernelVaddr(vaddr) {
		h.gen.Add(1)
	}
	return defs.MmuOk
}

// TempMapBase is the start of the kernel VA window reserved for
// SetTempMap, used exclusively by package pmacache.
const TempMapBase = uintptr(1) << (hal.PfnShift + bitsPerLvl*levels - 1)

// SetTempMap installs or clears a single transient mapping in slotIndex of
// the PmaCache's reserved window and returns the virtual address it now
// occupies (spec.md §4.4). Passing paddr=0 clears the slot.
func (h *HAT) SetTempMap(m *KernelMap, slotIndex int, paddr uint64) (uintptr, defs.MmuError) {
	vaddr := TempMapBase + uintptr(slotIndex)*hal.PageSize
	if _, err := h.MapClear(m, vaddr); err != defs.MmuOk && err != defs.MmuNotMapped {
		return 0, err
	}
	if paddr == 0 {
		return vaddr, defs.MmuOk
	}
	if err := h.MapAdd(m, vaddr, paddr, Read|Write); err != defs.MmuOk {
		return 0, err
	}
	return vaddr, defs.MmuOk
}
