package boot

import "github.com/DeanoBurrito/northport-sub001/hal"

// bumpAllocator hands out single physical pages by walking a list of
// usable memory regions, the Go equivalent of EarlyPageAlloc/
// earlyPmAllocHead/earlyPmAllocIndex. It never frees a page; early
// bring-up never needs to, and anything it hands out gets folded into
// pfndb's reserved set once the real free list exists (reserveConsumed).
type bumpAllocator struct {
	regions []MemRegion
	head    uint64
	index   int
}

func newBumpAllocator(regions []MemRegion) *bumpAllocator {
	return &bumpAllocator{regions: regions}
}

// alloc returns the next free page-aligned physical frame, or false once
// every usable region has been exhausted. Exhaustion during early init is
// fatal (spec.md §4.1 "Failure").
func (b *bumpAllocator) alloc() (uint64, bool) {
	for {
		if b.index >= len(b.regions) {
			return 0, false
		}
		entry := b.regions[b.index]

		if b.head < entry.Base {
			b.head = entry.Base
		}
		if b.head+hal.PageSize >= entry.Base+entry.Length {
			b.index++
			continue
		}

		ret := b.head
		b.head += hal.PageSize
		return ret, true
	}
}
