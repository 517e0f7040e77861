// Package anon implements anonymous memory: a refcounted, radix-tree-indexed
// sparse array of pages backing a VM range, with copy-on-write semantics
// (spec.md §4.6).
//
// Grounded on biscuit's hashtable.go for the sparse-keyed-structure idiom
// (a fixed-width table of slots, each either empty or holding an entry),
// reshaped from hash buckets to a fixed-fanout trie per spec.md §4.6/§9,
// and on gopher-os's vmm.go pageFaultHandler for the CoW fault sequence
// (temp-map both pages, copy, flip RW, clear CoW, flush).
package anon

import (
	"sync"

	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/pfndb"
	"github.com/DeanoBurrito/northport-sub001/pmacache"
)

// backingStore simulates the bytes a physical frame holds. Real HAT
// backends let the CPU address frames directly through a PmaCache mapping;
// this portable/testable backend has no host memory behind a simulated
// vaddr, so frame content lives here instead, keyed by frame number. The
// CoW and fault paths still go through the PmaCache for its dedup/refcount
// contract; only the byte copy itself is redirected here.
var (
	backingMu sync.Mutex
	backing   = map[uint64]*[hal.PageSize]byte{}
)

func framePage(frame uint64) *[hal.PageSize]byte {
	backingMu.Lock()
	defer backingMu.Unlock()
	p, ok := backing[frame]
	if !ok {
		p = &[hal.PageSize]byte{}
		backing[frame] = p
	}
	return p
}

const (
	fanoutBits = 6
	fanout     = 1 << fanoutBits // 64
	fanoutMask = fanout - 1
)

// Page is one resident anonymous page, refcounted by however many AnonMap
// slots currently point at it (spec.md §8 property 3).
type Page struct {
	mu       sync.Mutex
	refcount int32
	Frame    uint64
	pi       *pfndb.PageInfo
}

func (p *Page) Refcount() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcount
}

// Share bumps a page's refcount to simulate a second AnonMap slot (e.g. in
// a cloned address space) now pointing at the same resident page, without
// modelling the clone's own radix tree — used to set up the CoW scenario
// in tests.
func (p *Page) Share() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

// node is one level of the radix tree. A missing child/leaf means
// "not yet touched" (zero-fill on first read), per spec.md §4.6.
type node struct {
	children [fanout]*node // non-nil at inner levels
	leaves   [fanout]*Page // non-nil at the deepest level
}

// Map is a refcounted sparse array of anonymous pages. depth is chosen at
// creation so that depth*fanoutBits bits address slotCount slots.
type Map struct {
	mu       sync.Mutex
	refcount int32
	frames   *pfndb.DB
	cache    *pmacache.Cache
	root     *node
	depth    int
	slots    uint64
}

func depthFor(slotCount uint64) int {
	d := 1
	cap := uint64(fanout)
	for cap < slotCount {
		cap *= fanout
		d++
	}
	return d
}

// New creates an AnonMap able to address at least slotCount pages.
func New(frames *pfndb.DB, cache *pmacache.Cache, slotCount uint64) *Map {
	return &Map{
		refcount: 1,
		frames:   frames,
		cache:    cache,
		root:     &node{},
		depth:    depthFor(slotCount),
		slots:    slotCount,
	}
}

// Ref bumps the map's refcount (e.g. when a VmRange clones its backing).
func (m *Map) Ref() {
	m.mu.Lock()
	m.refcount++
	m.mu.Unlock()
}

// Unref drops the map's refcount, destroying it (walking the radix tree,
// dropping each slot's page reference, freeing tables) when it reaches
// zero, per spec.md §4.6.
func (m *Map) Unref() {
	m.mu.Lock()
	m.refcount--
	dead := m.refcount == 0
	m.mu.Unlock()
	if dead {
		m.destroy()
	}
}

func (m *Map) destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyNode(m.root, m.depth)
	m.root = nil
}

func (m *Map) destroyNode(n *node, depth int) {
	if n == nil {
		return
	}
	if depth == 1 {
		for i := range n.leaves {
			if n.leaves[i] != nil {
				m.dropPage(n.leaves[i])
				n.leaves[i] = nil
			}
		}
		return
	}
	for i := range n.children {
		m.destroyNode(n.children[i], depth-1)
	}
}

func (m *Map) dropPage(p *Page) {
	p.mu.Lock()
	p.refcount--
	dead := p.refcount == 0
	p.mu.Unlock()
	if dead && p.pi != nil {
		if m.frames.Refdown(p.pi) {
			m.frames.FreePage(p.pi)
		}
	}
}

// walk walks the radix path for slot, creating intermediate nodes as
// needed when create is true; returns nil (create=false) if the path
// doesn't exist yet.
func (m *Map) walk(slot uint64, create bool) **Page {
	if m.root == nil {
		return nil
	}
	n := m.root
	for depth := m.depth; depth > 1; depth-- {
		shift := uint(fanoutBits * (depth - 1))
		idx := (slot >> shift) & fanoutMask
		if n.children[idx] == nil {
			if !create {
				return nil
			}
			n.children[idx] = &node{}
		}
		n = n.children[idx]
	}
	idx := slot & fanoutMask
	return &n.leaves[idx]
}

// Lookup returns the resident page at slot, if any (without faulting it
// in).
func (m *Map) Lookup(slot uint64) (*Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaf := m.walk(slot, false)
	if leaf == nil || *leaf == nil {
		return nil, false
	}
	return *leaf, true
}

// FaultRead returns the resident page for a read fault at slot, installing
// a freshly allocated zero-filled page if none exists yet.
func (m *Map) FaultRead(slot uint64) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaf := m.walk(slot, true)
	if *leaf != nil {
		return *leaf, nil
	}
	pi, frame, ok := m.frames.AllocPage(false)
	if !ok {
		return nil, errShortage
	}
	pi.Owner = pfndb.OwnerAnon
	p := &Page{refcount: 1, Frame: frame, pi: pi}
	*leaf = p
	return p, nil
}

// FaultWrite services a write fault at slot. If the resident page is
// privately held (refcount==1) it is reused in place. If it is shared
// (refcount>1, i.e. under CoW from a clone), a new page is allocated, its
// content copied via the PmaCache, the old page's refcount dropped, and the
// new page installed — spec.md §4.6's CoW contract.
func (m *Map) FaultWrite(slot uint64) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf := m.walk(slot, true)
	if *leaf == nil {
		pi, frame, ok := m.frames.AllocPage(false)
		if !ok {
			return nil, errShortage
		}
		pi.Owner = pfndb.OwnerAnon
		p := &Page{refcount: 1, Frame: frame, pi: pi}
		*leaf = p
		return p, nil
	}

	old := *leaf
	old.mu.Lock()
	shared := old.refcount > 1
	old.mu.Unlock()
	if !shared {
		return old, nil
	}

	pi, frame, ok := m.frames.AllocPage(false)
	if !ok {
		return nil, errShortage
	}
	pi.Owner = pfndb.OwnerAnon

	src := m.cache.AccessPage(old.Frame)
	dst := m.cache.AccessPage(frame)
	*framePage(frame) = *framePage(old.Frame)
	src.Release()
	dst.Release()

	m.dropPage(old)
	newPage := &Page{refcount: 1, Frame: frame, pi: pi}
	*leaf = newPage
	return newPage, nil
}

// Write stores data at the start of slot's backing frame, faulting it in
// (as a write) first. For tests exercising the CoW scenario without a real
// page-fault path.
func (m *Map) Write(slot uint64, data []byte) error {
	p, err := m.FaultWrite(slot)
	if err != nil {
		return err
	}
	copy(framePage(p.Frame)[:], data)
	return nil
}

// Read returns a copy of slot's backing frame content, faulting it in (as
// a read, so an untouched slot reads as zero-fill) first.
func (m *Map) Read(slot uint64) ([]byte, error) {
	p, err := m.FaultRead(slot)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, hal.PageSize)
	copy(buf, framePage(p.Frame)[:])
	return buf, nil
}

type anonError string

func (e anonError) Error() string { return string(e) }

const errShortage anonError = "anon: frame allocator exhausted"
