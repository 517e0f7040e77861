package anon_test

import (
	"bytes"
	"testing"

	"github.com/DeanoBurrito/northport-sub001/anon"
	"github.com/DeanoBurrito/northport-sub001/hat"
	"github.com/DeanoBurrito/northport-sub001/pfndb"
	"github.com/DeanoBurrito/northport-sub001/pmacache"
)

func newMap(t *testing.T, slots uint64) *anon.Map {
	t.Helper()
	db := pfndb.New(0, 256)
	h := hat.New(db)
	cache := pmacache.New(h, h.Master(), 8)
	return anon.New(db, cache, slots)
}

func TestFaultReadZeroFill(t *testing.T) {
	m := newMap(t, 8)
	data, err := m.Read(2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(data[:4], []byte{0, 0, 0, 0}) {
		t.Fatalf("untouched slot did not read as zero-fill: %v", data[:4])
	}
}

func TestFaultWritePrivatePageReusedInPlace(t *testing.T) {
	m := newMap(t, 8)
	if err := m.Write(2, []byte("X")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p, ok := m.Lookup(2)
	if !ok {
		t.Fatalf("expected a resident page at slot 2")
	}
	if p.Refcount() != 1 {
		t.Fatalf("refcount after private write = %d, want 1", p.Refcount())
	}
}

// TestCoWScenario reproduces spec.md §8 end-to-end scenario 2.
func TestCoWScenario(t *testing.T) {
	m := newMap(t, 4)
	if err := m.Write(2, []byte("X")); err != nil {
		t.Fatalf("initial write: %v", err)
	}
	oldPage, ok := m.Lookup(2)
	if !ok {
		t.Fatalf("expected resident page at slot 2")
	}
	if oldPage.Refcount() != 1 {
		t.Fatalf("refcount before clone = %d, want 1", oldPage.Refcount())
	}

	oldPage.Share() // simulate a clone's slot now also pointing at this page
	if oldPage.Refcount() != 2 {
		t.Fatalf("refcount after clone = %d, want 2", oldPage.Refcount())
	}

	if err := m.Write(2, []byte("Y")); err != nil {
		t.Fatalf("CoW write: %v", err)
	}
	newPage, ok := m.Lookup(2)
	if !ok {
		t.Fatalf("expected resident page at slot 2 after CoW")
	}
	if newPage == oldPage {
		t.Fatalf("CoW write did not install a new page")
	}
	if oldPage.Refcount() != 1 {
		t.Fatalf("old page refcount after CoW = %d, want 1", oldPage.Refcount())
	}
	if newPage.Refcount() != 1 {
		t.Fatalf("new page refcount after CoW = %d, want 1", newPage.Refcount())
	}

	data, err := m.Read(2)
	if err != nil {
		t.Fatalf("Read after CoW: %v", err)
	}
	if data[0] != 'Y' {
		t.Fatalf("content after CoW = %q, want to start with Y", data[:1])
	}
}

func TestMapDestroyDropsPages(t *testing.T) {
	m := newMap(t, 8)
	if err := m.Write(0, []byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Write(5, []byte("b")); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.Unref()
	if _, ok := m.Lookup(0); ok {
		t.Fatalf("lookup after destroy still found a page")
	}
}
