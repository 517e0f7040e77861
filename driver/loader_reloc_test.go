package driver_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/DeanoBurrito/northport-sub001/driver"
)

func TestLoadModuleAppliesRelaRelocations(t *testing.T) {
	var md bytes.Buffer
	md.Write(driver.ModuleGUID[:])
	binary.Write(&md, binary.LittleEndian, uint16(1))
	binary.Write(&md, binary.LittleEndian, uint16(0))
	binary.Write(&md, binary.LittleEndian, uint16(0))

	md.Write(driver.ManifestGUID[:])
	name := "reloc-driver"
	binary.Write(&md, binary.LittleEndian, uint16(len(name)))
	md.WriteString(name)
	binary.Write(&md, binary.LittleEndian, uint16(driver.LoadNever))

	raw, npkOff, textOff, placeholderOff := buildRelocatableModule(md.Bytes())

	f, err := driver.ScanForDrivers("reloc.npkmodule", raw)
	if err != nil {
		t.Fatalf("ScanForDrivers: %v", err)
	}
	meta, err := driver.LoadModuleMetadata(f)
	if err != nil {
		t.Fatalf("LoadModuleMetadata: %v", err)
	}
	if len(meta.Manifests) != 1 || meta.Manifests[0].Name != name {
		t.Fatalf("unexpected manifests: %#v", meta.Manifests)
	}

	reg := driver.NewRegistry(map[string]uint64{})
	mod, err := reg.LoadModule("reloc.npkmodule", f, meta)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	npkData, ok := mod.Sections[".npkmodule"]
	if !ok {
		t.Fatalf(".npkmodule section missing from loaded module")
	}
	textData, ok := mod.Sections[".text"]
	if !ok {
		t.Fatalf(".text section missing from loaded module")
	}

	wantHandleGpu := uint64(driver.ModuleLoadBase) + uint64(textOff)
	gotHandleGpu := binary.LittleEndian.Uint64(npkData[placeholderOff : placeholderOff+8])
	if gotHandleGpu != wantHandleGpu {
		t.Fatalf("relocated npk_handle_gpu addr = 0x%x, want 0x%x", gotHandleGpu, wantHandleGpu)
	}

	wantModuleBase := uint64(driver.ModuleLoadBase) + uint64(npkOff)
	gotModuleBase := binary.LittleEndian.Uint64(textData[0:8])
	if gotModuleBase != wantModuleBase {
		t.Fatalf("relocated npk_module_base addr = 0x%x, want 0x%x", gotModuleBase, wantModuleBase)
	}
}

func TestLoadModuleMetadataAppliesRelocationsBeforeGuidScan(t *testing.T) {
	var md bytes.Buffer
	md.Write(driver.ModuleGUID[:])
	binary.Write(&md, binary.LittleEndian, uint16(1))
	binary.Write(&md, binary.LittleEndian, uint16(0))
	binary.Write(&md, binary.LittleEndian, uint16(0))

	md.Write(driver.ManifestGUID[:])
	name := "reloc-meta"
	binary.Write(&md, binary.LittleEndian, uint16(len(name)))
	md.WriteString(name)
	binary.Write(&md, binary.LittleEndian, uint16(driver.LoadNever))

	raw, _, _, _ := buildRelocatableModule(md.Bytes())

	f, err := driver.ScanForDrivers("reloc-meta.npkmodule", raw)
	if err != nil {
		t.Fatalf("ScanForDrivers: %v", err)
	}
	meta, err := driver.LoadModuleMetadata(f)
	if err != nil {
		t.Fatalf("LoadModuleMetadata with relocations present: %v", err)
	}
	if len(meta.Manifests) != 1 || meta.Manifests[0].Name != name {
		t.Fatalf("unexpected manifests: %#v", meta.Manifests)
	}
}
