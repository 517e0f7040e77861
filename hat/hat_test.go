package hat_test

import (
	"testing"

	"github.com/DeanoBurrito/northport-sub001/defs"
	"github.com/DeanoBurrito/northport-sub001/hal"
	"github.com/DeanoBurrito/northport-sub001/hat"
	"github.com/DeanoBurrito/northport-sub001/pfndb"
)

// TestMapRoundTrip exercises spec.md §8's round-trip property:
// MapAdd(v,p,f); MapQuery(v) == (p,f); MapClear(v) == p; MapQuery(v) == BadVaddr.
func TestMapRoundTrip(t *testing.T) {
	db := pfndb.New(0, 64)
	h := hat.New(db)
	m := h.HatCreate()

	const vaddr = uintptr(0x1000)
	const paddr = uint64(0x4000)

	if err := h.MapAdd(m, vaddr, paddr, hat.Read|hat.Write); err != defs.MmuOk {
		t.Fatalf("MapAdd: %v", err)
	}
	gotP, gotF, err := h.MapQuery(m, vaddr)
	if err != defs.MmuOk || gotP != paddr || gotF != hat.Read|hat.Write {
		t.Fatalf("MapQuery = (%#x, %v, %v), want (%#x, %v, ok)", gotP, gotF, err, paddr, hat.Read|hat.Write)
	}

	cleared, err := h.MapClear(m, vaddr)
	if err != defs.MmuOk || cleared != paddr {
		t.Fatalf("MapClear = (%#x, %v), want (%#x, ok)", cleared, err, paddr)
	}
	if _, _, err := h.MapQuery(m, vaddr); err != defs.MmuNotMapped {
		t.Fatalf("MapQuery after clear = %v, want MmuNotMapped", err)
	}
}

func TestMapAddRejectsDuplicate(t *testing.T) {
	db := pfndb.New(0, 64)
	h := hat.New(db)
	m := h.HatCreate()

	if err := h.MapAdd(m, 0x2000, 0x5000, hat.Read); err != defs.MmuOk {
		t.Fatalf("first MapAdd: %v", err)
	}
	if err := h.MapAdd(m, 0x2000, 0x6000, hat.Read); err != defs.MmuAlreadyMapped {
		t.Fatalf("second MapAdd = %v, want MmuAlreadyMapped", err)
	}
	// the original mapping must be untouched
	p, _, _ := h.MapQuery(m, 0x2000)
	if p != 0x5000 {
		t.Fatalf("MapQuery after rejected duplicate = %#x, want 0x5000", p)
	}
}

func TestKernelHalfSharedAcrossMaps(t *testing.T) {
	db := pfndb.New(0, 64)
	h := hat.New(db)

	kernelVaddr := hat.TempMapBase + 4*hal.PageSize
	if err := h.MapAdd(h.Master(), kernelVaddr, 0x9000, hat.Read); err != defs.MmuOk {
		t.Fatalf("MapAdd to master: %v", err)
	}

	user := h.HatCreate()
	p, _, err := h.MapQuery(user, kernelVaddr)
	if err != defs.MmuOk || p != 0x9000 {
		t.Fatalf("cloned map does not see kernel-half mapping: (%#x, %v)", p, err)
	}

	before := h.KernelGeneration()
	if err := h.MapAdd(h.Master(), kernelVaddr+hal.PageSize, 0xA000, hat.Read); err != defs.MmuOk {
		t.Fatalf("second kernel MapAdd: %v", err)
	}
	if h.KernelGeneration() <= before {
		t.Fatalf("kernel generation did not advance after a kernel-half edit")
	}
}

func TestSetTempMap(t *testing.T) {
	db := pfndb.New(0, 64)
	h := hat.New(db)

	vaddr, err := h.SetTempMap(h.Master(), 3, 0x7000)
	if err != defs.MmuOk {
		t.Fatalf("SetTempMap: %v", err)
	}
	p, _, err := h.MapQuery(h.Master(), vaddr)
	if err != defs.MmuOk || p != 0x7000 {
		t.Fatalf("MapQuery after SetTempMap = (%#x, %v)", p, err)
	}

	// re-pointing the same slot must not return AlreadyMapped
	vaddr2, err := h.SetTempMap(h.Master(), 3, 0x8000)
	if err != defs.MmuOk || vaddr2 != vaddr {
		t.Fatalf("re-pointing slot 3: (%#x, %v)", vaddr2, err)
	}
	p, _, _ = h.MapQuery(h.Master(), vaddr)
	if p != 0x8000 {
		t.Fatalf("slot 3 still maps old paddr %#x", p)
	}
}
