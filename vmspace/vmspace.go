// Package vmspace implements the per-address-space range map: a tree of
// allocated VmRanges plus an augmented free-range interval tree supporting
// best-fit / top-down / preferred-address allocation (spec.md §4.5).
//
// Grounded on biscuit's vm.Vmregion_t (biscuit/src/vm/as.go: one mutex
// guarding both the allocated-range structure and the pmap it backs) for
// the two-structure-one-lock-family shape, and on spec.md §4.5/§8 directly
// for the augmented tree itself — no example repo implements a subtree-max
// augmented interval tree, so that part is built straight from the
// algorithm description and its property tests (§8 properties 1–2).
package vmspace

import (
	"sync"

	"github.com/DeanoBurrito/northport-sub001/defs"
)

// BackingKind tags what a VmRange is backed by.
type BackingKind int

const (
	BackingAnon BackingKind = iota
	BackingFile
	BackingPhys
	BackingMmio
)

// Backing describes what a VmRange maps, per spec.md §3.
type Backing struct {
	Kind    BackingKind
	AnonRef uintptr // opaque *anon.Map reference
	FileRef uintptr // opaque file reference
	Offset  uint64
	Phys    uint64 // valid when Kind == BackingPhys or BackingMmio
}

// Range describes an allocated span (spec.md §3's VmRange). It is only
// ever mutated under the owning Space's ranges mutex.
type Range struct {
	Base, Length uint64
	Backing      Backing
	Flags        uint32

	left, right *Range // BST ordered by Base, for O(log n)-ish lookup/free
}

// Constraints mirror spec.md §4.5.
type Constraints struct {
	MinAddr, MaxAddr uint64
	Alignment        uint64
	PreferredAddr    uint64
	HasPreferred      bool
	HardPreference   bool
	TopDown          bool
}

// freeNode is one node of the augmented free-range interval tree.
// largestChild = max(length, left.largestChild, right.largestChild), 0 for
// a missing child (spec.md §8 property 2).
type freeNode struct {
	base, length uint64
	largestChild uint64
	left, right  *freeNode
}

func lc(n *freeNode) uint64 {
	if n == nil {
		return 0
	}
	return n.largestChild
}

func (n *freeNode) recompute() {
	m := n.length
	if l := lc(n.left); l > m {
		m = l
	}
	if r := lc(n.right); r > m {
		m = r
	}
	n.largestChild = m
}

// Space is one address space's range map.
type Space struct {
	rangesMu sync.Mutex
	ranges   *Range

	freeMu     sync.Mutex
	freeRanges *freeNode

	winBase, winLen uint64
}

// New creates a Space whose entire window [base, base+length) starts free.
func New(base, length uint64) *Space {
	s := &Space{winBase: base, winLen: length}
	s.freeRanges = &freeNode{base: base, length: length}
	s.freeRanges.recompute()
	return s
}

// ---- free-range tree: insert, remove, find ----

func insertFree(n *freeNode, base, length uint64) *freeNode {
	if n == nil {
		nn := &freeNode{base: base, length: length}
		nn.recompute()
		return nn
	}
	if base < n.base {
		n.left = insertFree(n.left, base, length)
	} else {
		n.right = insertFree(n.right, base, length)
	}
	n.recompute()
	return n
}

// removeFreeExact deletes the node with the exact given base, returning the
// new subtree root.
func removeFreeExact(n *freeNode, base uint64) *freeNode {
	if n == nil {
		return nil
	}
	if base < n.base {
		n.left = removeFreeExact(n.left, base)
	} else if base > n.base {
		n.right = removeFreeExact(n.right, base)
	} else {
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		// replace with the in-order successor
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.base, n.length = succ.base, succ.length
		n.right = removeFreeExact(n.right, succ.base)
	}
	n.recompute()
	return n
}

// findContaining returns the node whose [base, base+length) contains addr.
func findContaining(n *freeNode, addr uint64) *freeNode {
	for n != nil {
		if addr < n.base {
			n = n.left
			continue
		}
		if addr >= n.base+n.length {
			n = n.right
			continue
		}
		return n
	}
	return nil
}

// findBestFit walks the tree looking for a free range of at least `length`
// within [minAddr,maxAddr). topDown prefers the highest-addressed fit;
// otherwise the lowest.
func findBestFit(n *freeNode, length, minAddr, maxAddr uint64, topDown bool) (base uint64, length2 uint64, ok bool) {
	if n == nil || lc(n) < length {
		return 0, 0, false
	}
	first, second := n.left, n.right
	if topDown {
		first, second = n.right, n.left
	}
	if b, l, ok := findBestFit(first, length, minAddr, maxAddr, topDown); ok {
		return b, l, true
	}
	lo := n.base
	if lo < minAddr {
		lo = minAddr
	}
	hi := n.base + n.length
	if maxAddr != 0 && hi > maxAddr {
		hi = maxAddr
	}
	if n.length >= length && hi >= lo && hi-lo >= length {
		if topDown {
			return hi - length, n.length, true
		}
		return lo, n.length, true
	}
	if b, l, ok := findBestFit(second, length, minAddr, maxAddr, topDown); ok {
		return b, l, true
	}
	return 0, 0, false
}

// ---- allocation ----

// Alloc implements spec.md §4.5's SpaceAlloc. length==0 or a nonzero
// alignment are rejected with VmInvalidArg (alignment support is an
// explicit boundary case spec.md §8 calls out as "until implemented").
func (s *Space) Alloc(length uint64, c Constraints) (uint64, defs.VmStatus) {
	if length == 0 {
		return 0, defs.VmInvalidArg
	}
	if c.Alignment != 0 {
		return 0, defs.VmInvalidArg
	}
	if c.HasPreferred && c.PreferredAddr%4096 != 0 {
		return 0, defs.VmInvalidArg
	}

	s.freeMu.Lock()
	defer s.freeMu.Unlock()

	var base uint64
	if c.HasPreferred {
		node := findContaining(s.freeRanges, c.PreferredAddr)
		if node == nil || node.base+node.length < c.PreferredAddr+length {
			if c.HardPreference {
				return 0, defs.VmInUse
			}
			// fall through to general search below
		} else {
			base = c.PreferredAddr
			s.carve(node.base, node.length, base, length)
			return s.commit(base, length)
		}
	}

	minAddr, maxAddr := c.MinAddr, c.MaxAddr
	if maxAddr == 0 {
		maxAddr = s.winBase + s.winLen
	}
	found, nodeLen, ok := findBestFit(s.freeRanges, length, minAddr, maxAddr, c.TopDown)
	if !ok {
		return 0, defs.VmShortage
	}
	node := findContaining(s.freeRanges, found)
	if node == nil {
		return 0, defs.VmShortage
	}
	s.carve(node.base, nodeLen, found, length)
	base = found
	return s.commit(base, length)
}

// carve removes the free node at (nodeBase,nodeLen) and reinserts whatever
// remains after extracting [cutBase, cutBase+length) from it — a left-cut,
// right-cut, or middle-split per spec.md §4.5 step 1.
func (s *Space) carve(nodeBase, nodeLen, cutBase, length uint64) {
	s.freeRanges = removeFreeExact(s.freeRanges, nodeBase)

	leftLen := cutBase - nodeBase
	rightBase := cutBase + length
	rightLen := (nodeBase + nodeLen) - rightBase

	if leftLen > 0 {
		s.freeRanges = insertFree(s.freeRanges, nodeBase, leftLen)
	}
	if rightLen > 0 {
		s.freeRanges = insertFree(s.freeRanges, rightBase, rightLen)
	}
}

func (s *Space) commit(base, length uint64) (uint64, defs.VmStatus) {
	s.rangesMu.Lock()
	s.ranges = insertRange(s.ranges, &Range{Base: base, Length: length})
	s.rangesMu.Unlock()
	return base, defs.VmOk
}

// Free implements spec.md §4.5's Free: remove the Range, push the span back
// into freeRanges, and coalesce with adjacent neighbours.
func (s *Space) Free(base uint64) defs.VmStatus {
	s.rangesMu.Lock()
	r, newRoot, ok := removeRange(s.ranges, base)
	s.ranges = newRoot
	s.rangesMu.Unlock()
	if !ok {
		return defs.VmBadVaddr
	}

	s.freeMu.Lock()
	defer s.freeMu.Unlock()
	s.freeRanges = s.insertAndCoalesce(r.Base, r.Length)
	return defs.VmOk
}

// insertAndCoalesce merges the freed span with an exactly-adjacent
// predecessor and/or successor before inserting, so the free tree never
// carries two touching nodes (keeps property 1 — ranges and free ranges
// partition the window with no overlap and no gaps — from drifting).
func (s *Space) insertAndCoalesce(base, length uint64) *freeNode {
	// Look for a free node ending exactly at base (predecessor) and one
	// starting exactly at base+length (successor); both a full tree walk,
	// acceptable since Free is not a hot path.
	var predBase, predLen uint64
	var haveP bool
	var succLen uint64
	var haveS bool
	walkFree(s.freeRanges, func(n *freeNode) {
		if n.base+n.length == base {
			predBase, predLen, haveP = n.base, n.length, true
		}
		if n.base == base+length {
			succLen, haveS = n.length, true
		}
	})

	newBase, newLen := base, length
	if haveP {
		s.freeRanges = removeFreeExact(s.freeRanges, predBase)
		newBase = predBase
		newLen += predLen
	}
	if haveS {
		s.freeRanges = removeFreeExact(s.freeRanges, base+length)
		newLen += succLen
	}
	return insertFree(s.freeRanges, newBase, newLen)
}

func walkFree(n *freeNode, f func(*freeNode)) {
	if n == nil {
		return
	}
	walkFree(n.left, f)
	f(n)
	walkFree(n.right, f)
}

// ---- allocated range BST (ordered by Base) ----

func insertRange(n *Range, r *Range) *Range {
	if n == nil {
		return r
	}
	if r.Base < n.Base {
		n.left = insertRange(n.left, r)
	} else {
		n.right = insertRange(n.right, r)
	}
	return n
}

func removeRange(n *Range, base uint64) (*Range, *Range, bool) {
	if n == nil {
		return nil, nil, false
	}
	if base < n.Base {
		found, newLeft, ok := removeRange(n.left, base)
		n.left = newLeft
		return found, n, ok
	}
	if base > n.Base {
		found, newRight, ok := removeRange(n.right, base)
		n.right = newRight
		return found, n, ok
	}
	// n.Base == base
	found := &Range{Base: n.Base, Length: n.Length, Backing: n.Backing, Flags: n.Flags}
	if n.left == nil {
		return found, n.right, true
	}
	if n.right == nil {
		return found, n.left, true
	}
	succ := n.right
	for succ.left != nil {
		succ = succ.left
	}
	n.Base, n.Length, n.Backing, n.Flags = succ.Base, succ.Length, succ.Backing, succ.Flags
	_, n.right, _ = removeRange(n.right, succ.Base)
	return found, n, true
}

// Lookup returns the allocated Range containing vaddr, if any.
func (s *Space) Lookup(vaddr uint64) (Range, bool) {
	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()
	n := s.ranges
	for n != nil {
		if vaddr < n.Base {
			n = n.left
			continue
		}
		if vaddr >= n.Base+n.Length {
			n = n.right
			continue
		}
		return *n, true
	}
	return Range{}, false
}

// Snapshot returns every allocated range and every free range, for tests
// checking the spec.md §8 coverage/no-overlap invariants.
func (s *Space) Snapshot() (ranges []Range, free []struct{ Base, Length uint64 }) {
	s.rangesMu.Lock()
	var walkR func(*Range)
	walkR = func(n *Range) {
		if n == nil {
			return
		}
		walkR(n.left)
		ranges = append(ranges, Range{Base: n.Base, Length: n.Length, Backing: n.Backing, Flags: n.Flags})
		walkR(n.right)
	}
	walkR(s.ranges)
	s.rangesMu.Unlock()

	s.freeMu.Lock()
	walkFree(s.freeRanges, func(n *freeNode) {
		free = append(free, struct{ Base, Length uint64 }{n.base, n.length})
	})
	s.freeMu.Unlock()
	return ranges, free
}

// CheckAugmentation verifies spec.md §8 property 2 for every node: used by
// tests, not by production code.
func (s *Space) CheckAugmentation() bool {
	s.freeMu.Lock()
	defer s.freeMu.Unlock()
	return checkAug(s.freeRanges)
}

func checkAug(n *freeNode) bool {
	if n == nil {
		return true
	}
	want := n.length
	if l := lc(n.left); l > want {
		want = l
	}
	if r := lc(n.right); r > want {
		want = r
	}
	return n.largestChild == want && checkAug(n.left) && checkAug(n.right)
}
