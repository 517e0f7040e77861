// Package pmacache implements the page-accessor cache (PmaCache): a bounded
// pool of kernel virtual slots, each mapping exactly one physical frame on
// demand, used to read or write arbitrary physical memory without holding
// kernel VA indefinitely (spec.md §4.4).
//
// Grounded on spec.md §4.4 directly (no example repo maps a bounded
// temporary-window pool this way) plus the temporary-mapping pattern in
// gopher-os's vmm.go page-fault handler (map, copy/use, unmap), which
// package anon's CoW path reuses this cache for.
package pmacache

import (
	"sync"

	"github.com/DeanoBurrito/northport-sub001/defs"
	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/hat"
)

// DefaultSlots is the default pool size named in spec.md §4.4.
const DefaultSlots = 512

type slot struct {
	paddr    uint64
	refcount int
	mapped   bool
	lastUse  uint64 // monotonic tick of last access, for LRU-ish eviction
}

// Cache is the bounded pool of accessor slots for one HAT.
type Cache struct {
	mu    sync.Mutex
	cond  *sync.Cond
	hat   *hat.HAT
	km    *hat.KernelMap
	slots []slot
	clock uint64
}

// New creates a Cache with n slots backed by h, mapped into km (normally
// the kernel master map).
func New(h *hat.HAT, km *hat.KernelMap, n int) *Cache {
	if n <= 0 {
		n = DefaultSlots
	}
	c := &Cache{hat: h, km: km, slots: make([]slot, n)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Ref is a reference-counted handle on an accessed physical frame. Its
// virtual address is valid until Release is called; it must not survive a
// migration of its owning thread to another CPU unless re-acquired
// (spec.md §4.4 invariant) — this portable backend has no CPU migration of
// its own, so that invariant is documented for callers (package sched) to
// honor by not stashing a Ref across a blocking wait.
type Ref struct {
	c     *Cache
	idx   int
	vaddr uintptr
}

// Vaddr returns the kernel virtual address backing this handle.
func (r *Ref) Vaddr() uintptr { return r.vaddr }

// AccessPage finds or installs a mapping of paddr into some slot and
// returns a refcounted handle. At most one mapping of a given paddr exists
// at any time — a second AccessPage of the same frame bumps the existing
// slot's refcount instead of consuming a new one. If every slot is in use
// and none can be evicted, the caller waits.
func (c *Cache) AccessPage(paddr uint64) *Ref {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if idx, ok := c.findMapped(paddr); ok {
			c.slots[idx].refcount++
			c.clock++
			c.slots[idx].lastUse = c.clock
			return &Ref{c: c, idx: idx, vaddr: c.slotVaddr(idx)}
		}
		if idx, ok := c.findFree(); ok {
			c.install(idx, paddr)
			return &Ref{c: c, idx: idx, vaddr: c.slotVaddr(idx)}
		}
		if idx, ok := c.findEvictable(); ok {
			c.evict(idx)
			c.install(idx, paddr)
			return &Ref{c: c, idx: idx, vaddr: c.slotVaddr(idx)}
		}
		// no free or evictable slot: wait for a Release to free one up
		c.cond.Wait()
	}
}

// Release drops the handle's reference. When the last reference on a slot
// goes away the slot becomes evictable (it is not unmapped eagerly — doing
// that lazily under AccessPage pressure matches the LRU-ish reclamation
// spec.md §4.4 calls for).
func (r *Ref) Release() {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[r.idx].refcount--
	if c.slots[r.idx].refcount < 0 {
		panic("pmacache: Release without matching AccessPage")
	}
	c.cond.Signal()
}

func (c *Cache) findMapped(paddr uint64) (int, bool) {
	for i := range c.slots {
		if c.slots[i].mapped && c.slots[i].paddr == paddr {
			return i, true
		}
	}
	return -1, false
}

func (c *Cache) findFree() (int, bool) {
	for i := range c.slots {
		if !c.slots[i].mapped {
			return i, true
		}
	}
	return -1, false
}

func (c *Cache) findEvictable() (int, bool) {
	best := -1
	var bestUse uint64
	for i := range c.slots {
		if c.slots[i].refcount == 0 {
			if best == -1 || c.slots[i].lastUse < bestUse {
				best = i
				bestUse = c.slots[i].lastUse
			}
		}
	}
	return best, best != -1
}

func (c *Cache) install(idx int, paddr uint64) {
	if _, err := c.hat.SetTempMap(c.km, idx, paddr); err != defs.MmuOk {
		panic("pmacache: SetTempMap failed installing a free slot")
	}
	c.clock++
	c.slots[idx] = slot{paddr: paddr, refcount: 1, mapped: true, lastUse: c.clock}
}

func (c *Cache) evict(idx int) {
	if _, err := c.hat.SetTempMap(c.km, idx, 0); err != defs.MmuOk {
		panic("pmacache: SetTempMap failed clearing a slot for eviction")
	}
	hal.Current().ShootdownTLB(^uint64(0), c.slotVaddr(idx))
	c.slots[idx] = slot{}
}

func (c *Cache) slotVaddr(idx int) uintptr {
	return hat.TempMapBase + uintptr(idx)*hal.PageSize
}

// SlotCount reports the configured pool size.
func (c *Cache) SlotCount() int {
	return len(c.slots)
}
