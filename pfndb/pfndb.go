// Package pfndb implements the physical frame-number database: one
// PageInfo per physical frame, an alloc/free free-list, and the refcount
// and ownership bookkeeping every other memory subsystem builds on.
//
// Grounded on biscuit's mem.Physmem_t (biscuit/src/mem/mem.go): a flat
// []PageInfo slice indexed by frame number minus a base, an intrusive
// singly-linked free list threaded through the slice itself, and atomic
// refcounts. Unlike biscuit this repo only tracks a single free-list (no
// per-CPU sub-allocator) — the per-CPU magazine layer lives in package heap
// instead, which is where spec.md places it (§4.7), keeping pfndb itself a
// pure frame ledger per spec.md §4.2/§3.
package pfndb

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/DeanoBurrito/northport-sub001/hal"
)

// OwnerKind tags what a non-free PageInfo is currently backing.
type OwnerKind int

const (
	OwnerNone OwnerKind = iota
	OwnerMmu            // a page-table frame; ValidPtes counts live entries
	OwnerAnon           // backing an AnonPage
	OwnerFile           // backing a file-mapped page
	OwnerHeap           // wired to the kernel heap
)

// PageInfo is the per-frame record. Exactly one of {on the free list, in a
// mapping, wired to the heap, owned by a pageable object} holds at any time
// (spec.md §3); which one is encoded by Owner plus membership in the free
// list.
type PageInfo struct {
	refcount  int32
	Owner     OwnerKind
	ValidPtes int32 // meaningful only when Owner == OwnerMmu
	BackRef   uintptr // opaque back-pointer: *AnonPage, *FileRef, etc.
	next      uint32  // free-list link, index into db.pages
	inUse     bool
}

// Refcount returns the frame's current reference count.
func (pi *PageInfo) Refcount() int {
	return int(atomic.LoadInt32(&pi.refcount))
}

const freeListEnd = ^uint32(0)

// DB is the frame database for one memory domain. Created once at boot
// from the bootloader memmap and never resized or destroyed afterwards
// (spec.md §3 invariant).
type DB struct {
	mu       sync.Mutex
	pages    []PageInfo
	baseFrame uint64 // first frame number covered by pages[0]
	freeHead uint32
	freeLen  int
}

// New creates a DB covering frame numbers [baseFrame, baseFrame+count).
// All frames start free.
func New(baseFrame uint64, count int) *DB {
	db := &DB{
		pages:     make([]PageInfo, count),
		baseFrame: baseFrame,
		freeLen:   count,
	}
	for i := range db.pages {
		if i == count-1 {
			db.pages[i].next = freeListEnd
		} else {
			db.pages[i].next = uint32(i + 1)
		}
	}
	db.freeHead = 0
	if count == 0 {
		db.freeHead = freeListEnd
	}
	return db
}

// MarkReserved removes frames in [baseFrame, baseFrame+count) from the free
// list at construction time, for regions the bootloader memmap marks
// Reserved/AcpiNvs/Bad/etc (spec.md §6). Must be called before any
// AllocPage.
func (db *DB) MarkReserved(frame uint64, count int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for f := frame; f < frame+uint64(count); f++ {
		idx := f - db.baseFrame
		if idx >= uint64(len(db.pages)) {
			continue
		}
		pi := &db.pages[idx]
		if pi.inUse {
			continue
		}
		db.unlinkFree(uint32(idx))
		pi.inUse = true
		pi.refcount = 1
		pi.Owner = OwnerNone
	}
}

// unlinkFree removes idx from the free list by walking it. O(n) but only
// used during MarkReserved at boot, never on a hot path.
func (db *DB) unlinkFree(idx uint32) {
	if db.freeHead == idx {
		db.freeHead = db.pages[idx].next
		db.freeLen--
		return
	}
	for i := db.freeHead; i != freeListEnd; i = db.pages[i].next {
		if db.pages[i].next == idx {
			db.pages[i].next = db.pages[idx].next
			db.freeLen--
			return
		}
	}
}

// AllocPage removes a frame from the free list, sets its refcount to 1 and
// returns its PageInfo and frame number. wired is accepted but not stored
// anywhere; this core has no pager and never evicts any page.
func (db *DB) AllocPage(wired bool) (*PageInfo, uint64, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.freeHead == freeListEnd {
		return nil, 0, false
	}
	idx := db.freeHead
	pi := &db.pages[idx]
	db.freeHead = pi.next
	db.freeLen--
	pi.inUse = true
	pi.refcount = 1
	pi.Owner = OwnerNone
	pi.ValidPtes = 0
	pi.BackRef = 0
	return pi, db.baseFrame + uint64(idx), true
}

// FreePage returns a frame to the free list. Panics if the refcount is
// nonzero: freeing a live page is a programming bug, not a recoverable
// error (spec.md §7).
func (db *DB) FreePage(pi *PageInfo) {
	if atomic.LoadInt32(&pi.refcount) != 0 {
		panic("pfndb: FreePage of page with nonzero refcount")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	idx := db.indexOfPtr(pi)
	pi.inUse = false
	pi.Owner = OwnerNone
	pi.next = db.freeHead
	db.freeHead = uint32(idx)
	db.freeLen++
}

// indexOfPtr recovers a PageInfo's slot number from its address. pages is a
// single contiguous, never-reallocated slice (spec.md §3: the PFN-DB is
// never resized after boot), so this is just pointer subtraction scaled by
// the element stride.
func (db *DB) indexOfPtr(pi *PageInfo) uint64 {
	base := uintptr(unsafe.Pointer(&db.pages[0]))
	target := uintptr(unsafe.Pointer(pi))
	stride := unsafe.Sizeof(db.pages[0])
	return uint64((target - base) / stride)
}

// LookupPageInfo returns the PageInfo for a physical frame number, or false
// if it falls outside this DB's range.
func (db *DB) LookupPageInfo(frame uint64) (*PageInfo, bool) {
	if frame < db.baseFrame || frame-db.baseFrame >= uint64(len(db.pages)) {
		return nil, false
	}
	return &db.pages[frame-db.baseFrame], true
}

// LookupFrame returns the frame number backing a PageInfo obtained from
// this DB.
func (db *DB) LookupFrame(pi *PageInfo) uint64 {
	return db.baseFrame + db.indexOfPtr(pi)
}

// Refup increments a frame's refcount. Panics if the result is not
// positive (the count was already negative, or wrapped), the same "wut"
// assertion biscuit's mem.Refup makes. Upping a page whose refcount is
// zero is not detected.
func (db *DB) Refup(pi *PageInfo) {
	c := atomic.AddInt32(&pi.refcount, 1)
	if c <= 0 {
		panic("pfndb: Refup produced non-positive refcount")
	}
}

// Refdown decrements a frame's refcount and returns true if it reached
// zero (the caller must then FreePage it, mirroring biscuit's Refdown
// contract where the caller decides what "freed" means for their object).
func (db *DB) Refdown(pi *PageInfo) bool {
	c := atomic.AddInt32(&pi.refcount, -1)
	if c < 0 {
		panic("pfndb: Refdown produced negative refcount")
	}
	return c == 0
}

// FreeCount reports the number of frames currently on the free list.
func (db *DB) FreeCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.freeLen
}

// PageSize re-exports hal.PageSize for callers that only import pfndb.
const PageSize = hal.PageSize
