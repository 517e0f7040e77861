// Package kstack implements the kernel-stack cache: guarded kernel stacks
// backed by PageInfo allocations and mapped into kernel VM via the HAT,
// with a magazine cache of recently freed stacks to avoid map/unmap churn
// (spec.md §4.7 "Kernel-stack cache"). The magazine is a single
// mutex-guarded slice shared by every CPU; there is no per-CPU magazine.
package kstack

import (
	"sync"

	"github.com/DeanoBurrito/northport-sub001/defs"
	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/hat"
	"github.com/DeanoBurrito/northport-sub001/pfndb"
)

// Stack is one kernel stack allocation: hal.KernelStackSize bytes of
// mapped memory bracketed by an unmapped guard page above and below.
type Stack struct {
	Base   uintptr // first byte of the usable (mapped) region
	frames []*pfndb.PageInfo
}

// Top returns the initial stack pointer (the highest usable address,
// stacks on every arch this kernel targets grow down).
func (s *Stack) Top() uintptr {
	return s.Base + uintptr(hal.KernelStackSize)
}

// Cache allocates and recycles guarded kernel stacks for one HAT/map pair.
type Cache struct {
	frames *pfndb.DB
	h      *hat.HAT
	m      *hat.KernelMap
	nextVA uintptr // bump allocator for fresh stack windows; guard pages never reused

	mu   sync.Mutex
	free []*Stack // magazine of recently freed stacks, shared by every CPU
	cap  int
}

// New creates a Cache that carves stack windows starting at base (each
// window is one guard page + KernelStackSize + one guard page) and keeps
// up to magazineCap recently freed stacks ready for reuse.
func New(frames *pfndb.DB, h *hat.HAT, m *hat.KernelMap, base uintptr, magazineCap int) *Cache {
	if magazineCap <= 0 {
		magazineCap = 32
	}
	return &Cache{frames: frames, h: h, m: m, nextVA: base, cap: magazineCap}
}

func (c *Cache) windowSize() uintptr {
	return uintptr(hal.PageSize) + uintptr(hal.KernelStackSize) + uintptr(hal.PageSize)
}

// Alloc returns a ready-to-use Stack, reusing a cached one if the magazine
// is non-empty.
func (c *Cache) Alloc() (*Stack, defs.MmuError) {
	c.mu.Lock()
	if n := len(c.free); n > 0 {
		s := c.free[n-1]
		c.free = c.free[:n-1]
		c.mu.Unlock()
		return s, defs.MmuOk
	}
	c.mu.Unlock()
	return c.allocFresh()
}

func (c *Cache) allocFresh() (*Stack, defs.MmuError) {
	c.mu.Lock()
	windowBase := c.nextVA
	c.nextVA += c.windowSize()
	c.mu.Unlock()

	usableBase := windowBase + uintptr(hal.PageSize)
	pages := hal.KernelStackSize / hal.PageSize

	s := &Stack{Base: usableBase, frames: make([]*pfndb.PageInfo, 0, pages)}
	for i := 0; i < pages; i++ {
		pi, frame, ok := c.frames.AllocPage(true)
		if !ok {
			c.rollback(s, i)
			return nil, defs.MmuShortage
		}
		pi.Owner = pfndb.OwnerHeap
		vaddr := usableBase + uintptr(i*hal.PageSize)
		if err := c.h.MapAdd(c.m, vaddr, frame, hat.Read|hat.Write); err != defs.MmuOk {
			if c.frames.Refdown(pi) {
				c.frames.FreePage(pi)
			}
			c.rollback(s, i)
			return nil, err
		}
		s.frames = append(s.frames, pi)
	}
	return s, defs.MmuOk
}

func (c *Cache) rollback(s *Stack, mapped int) {
	for i := 0; i < mapped; i++ {
		vaddr := s.Base + uintptr(i*hal.PageSize)
		if paddr, err := c.h.MapClear(c.m, vaddr); err == defs.MmuOk {
			_ = paddr
		}
		if c.frames.Refdown(s.frames[i]) {
			c.frames.FreePage(s.frames[i])
		}
	}
}

// Free returns a stack to the magazine if there's room, otherwise unmaps
// and releases its frames and shoots down the TLB for its range — "TLB
// shootdowns are issued only on cache eviction" (spec.md §4.7).
func (c *Cache) Free(s *Stack) {
	c.mu.Lock()
	if len(c.free) < c.cap {
		c.free = append(c.free, s)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.evict(s)
}

func (c *Cache) evict(s *Stack) {
	for i, pi := range s.frames {
		vaddr := s.Base + uintptr(i*hal.PageSize)
		c.h.MapClear(c.m, vaddr)
		if c.frames.Refdown(pi) {
			c.frames.FreePage(pi)
		}
	}
	hal.Current().ShootdownTLB(^uint64(0), s.Base)
}

// Drain evicts every stack currently held in the magazine, for shutdown or
// explicit memory pressure relief.
func (c *Cache) Drain() {
	c.mu.Lock()
	stacks := c.free
	c.free = nil
	c.mu.Unlock()
	for _, s := range stacks {
		c.evict(s)
	}
}
