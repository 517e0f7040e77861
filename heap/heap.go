// Package heap implements the kernel heap: a first-fit, coalescing pool
// allocator expanded one page at a time, plus a per-CPU magazine/depot
// layer for hot fixed-size allocations (spec.md §4.7).
//
// Grounded on gopher-os's pmm bitmap allocator for the free-region
// bookkeeping style (track free spans, first-fit search, coalesce on
// free) and on biscuit's mem.Physmem_t per-CPU/global two-tier free-list
// shape, which the magazine depot mirrors directly: per-CPU bounded
// stacks of same-size objects, refilled from (or drained to) one global
// depot under a single mutex.
package heap

import (
	"sync"

	"github.com/DeanoBurrito/northport-sub001/hal"
)

// PageSource supplies fresh zeroed pages to grow the pool, and is the hook
// real boot-time wiring plugs the HAT/pfndb pair into.
type PageSource interface {
	// AllocPages returns the base of count contiguous pages of kernel VA,
	// or ok=false on exhaustion.
	AllocPages(count int) (uintptr, bool)
}

type freeBlock struct {
	base, length uintptr
	next         *freeBlock
}

// Pool is the first-fit coalescing allocator over a growable kernel VA
// range.
type Pool struct {
	mu     sync.Mutex
	src    PageSource
	free   *freeBlock
	growBy int // pages per on-demand expansion
}

// NewPool creates an initially empty Pool that grows growPages pages at a
// time (spec.md §4.7: "expanded on demand one page at a time" — growPages
// defaults to 1 when <= 0).
func NewPool(src PageSource, growPages int) *Pool {
	if growPages <= 0 {
		growPages = 1
	}
	return &Pool{src: src, growBy: growPages}
}

// Alloc reserves a block of at least size bytes, expanding the pool from
// its PageSource if no free block is big enough.
func (p *Pool) Alloc(size uintptr) (uintptr, bool) {
	if size == 0 {
		return 0, false
	}
	size = align(size, 16)

	p.mu.Lock()
	defer p.mu.Unlock()

	if base, ok := p.takeFirstFit(size); ok {
		return base, true
	}
	if !p.grow(size) {
		return 0, false
	}
	base, ok := p.takeFirstFit(size)
	return base, ok
}

func (p *Pool) takeFirstFit(size uintptr) (uintptr, bool) {
	var prev *freeBlock
	for b := p.free; b != nil; b = b.next {
		if b.length >= size {
			base := b.base
			if b.length == size {
				if prev == nil {
					p.free = b.next
				} else {
					prev.next = b.next
				}
			} else {
				b.base += size
				b.length -= size
			}
			return base, true
		}
		prev = b
	}
	return 0, false
}

func (p *Pool) grow(minSize uintptr) bool {
	pages := p.growBy
	needed := (int(minSize) + hal.PageSize - 1) / hal.PageSize
	if needed > pages {
		pages = needed
	}
	base, ok := p.src.AllocPages(pages)
	if !ok {
		return false
	}
	p.insertFree(base, uintptr(pages)*hal.PageSize)
	return true
}

// Free returns a block to the pool, coalescing with adjacent free blocks.
func (p *Pool) Free(base, size uintptr) {
	size = align(size, 16)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.insertFree(base, size)
}

// insertFree keeps the free list sorted by base so adjacency checks are a
// simple neighbour comparison; this is the pool's one O(n) operation and
// is acceptable since frees aren't the hot path (magazines absorb that).
func (p *Pool) insertFree(base, length uintptr) {
	nb := &freeBlock{base: base, length: length}
	if p.free == nil || base < p.free.base {
		nb.next = p.free
		p.free = nb
		p.coalesce(nb)
		return
	}
	cur := p.free
	for cur.next != nil && cur.next.base < base {
		cur = cur.next
	}
	nb.next = cur.next
	cur.next = nb
	p.coalesce(nb)
	p.coalesce(cur)
}

func (p *Pool) coalesce(from *freeBlock) {
	for from != nil && from.next != nil && from.base+from.length == from.next.base {
		from.length += from.next.length
		from.next = from.next.next
	}
}

func align(v uintptr, to uintptr) uintptr {
	return (v + to - 1) &^ (to - 1)
}

// ---- magazine/depot layer ----

const magazineCapacity = 16

type magazine struct {
	items [magazineCapacity]uintptr
	n     int
	next  *magazine
}

func (m *magazine) full() bool  { return m.n == magazineCapacity }
func (m *magazine) empty() bool { return m.n == 0 }

func (m *magazine) push(p uintptr) {
	m.items[m.n] = p
	m.n++
}

func (m *magazine) pop() uintptr {
	m.n--
	return m.items[m.n]
}

// Cache is a per-object-size allocator backed by a Pool: each CPU holds up
// to two magazines (one loaded, one previous) of recently freed objects;
// a global depot holds full/empty magazines for cross-CPU refill, making
// the hot path allocation-free once primed (spec.md §4.7).
type Cache struct {
	pool      *Pool
	size      uintptr
	perCPU    []cpuMags
	depotMu   sync.Mutex
	fullDepot *magazine
	emptyDepot *magazine
}

type cpuMags struct {
	mu   sync.Mutex
	cur  *magazine
	prev *magazine
}

// NewCache creates a Cache for fixed-size objects of the given size,
// sized for hal.MaxCPUs per-CPU slots.
func NewCache(pool *Pool, size uintptr) *Cache {
	c := &Cache{pool: pool, size: size, perCPU: make([]cpuMags, hal.MaxCPUs)}
	return c
}

// Alloc returns one object, pulling from the calling CPU's magazine, then
// the depot, then falling back to the pool.
func (c *Cache) Alloc() (uintptr, bool) {
	cpu := hal.Current().CPUID()
	m := &c.perCPU[cpu]
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil && !m.cur.empty() {
		return m.cur.pop(), true
	}
	if m.prev != nil && !m.prev.empty() {
		m.cur, m.prev = m.prev, m.cur
		return m.cur.pop(), true
	}
	if refilled := c.refillFromDepot(); refilled != nil {
		m.prev = m.cur
		m.cur = refilled
		return m.cur.pop(), true
	}
	return c.pool.Alloc(c.size)
}

// Free returns an object, pushing it into the calling CPU's magazine and
// exchanging a full magazine to the depot when both local magazines fill.
func (c *Cache) Free(p uintptr) {
	cpu := hal.Current().CPUID()
	m := &c.perCPU[cpu]
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		m.cur = c.takeEmptyMagazine()
	}
	if m.cur.full() {
		if m.prev != nil && !m.prev.full() {
			m.cur, m.prev = m.prev, m.cur
		} else {
			c.depotMu.Lock()
			m.cur.next = c.fullDepot
			c.fullDepot = m.cur
			c.depotMu.Unlock()
			m.cur = c.takeEmptyMagazine()
		}
	}
	m.cur.push(p)
}

func (c *Cache) refillFromDepot() *magazine {
	c.depotMu.Lock()
	defer c.depotMu.Unlock()
	if c.fullDepot == nil {
		return nil
	}
	m := c.fullDepot
	c.fullDepot = m.next
	m.next = nil
	return m
}

func (c *Cache) takeEmptyMagazine() *magazine {
	c.depotMu.Lock()
	if c.emptyDepot != nil {
		m := c.emptyDepot
		c.emptyDepot = m.next
		m.next = nil
		c.depotMu.Unlock()
		return m
	}
	c.depotMu.Unlock()
	return &magazine{}
}
