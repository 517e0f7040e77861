// Module loading: GUID-scanned manifests inside an ET_REL .npkmodule
// section, symbol resolution against already-loaded modules plus the
// kernel's driver-ABI exports, and manifest-to-device matching (spec.md
// §4.10, §6).
//
// Grounded on biscuit's own host tool kernel/chentry.go (debug/elf,
// encoding/binary) for the section/symbol walking idiom, and on
// original_source/kernel/drivers/Loader.cpp for the manifest-scan,
// load-type-matching, and relocation contract: section-address
// assignment, internal symbol resolution (st_value += section's load
// address), and RELA application (sl::ComputeRelocation's mask/value
// pair OR'd into the fixup word). REL relocations are not supported,
// same as Loader.cpp.
package driver

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// ManifestGUID prefixes every driver_manifest struct so the loader can
// find them by scanning raw section bytes.
var ManifestGUID = [16]byte{0x6e, 0x70, 0x6b, 0x6d, 0x61, 0x6e, 0x69, 0x66, 0x65, 0x73, 0x74, 0x30, 0x30, 0x30, 0x31, 0x00}

// ModuleGUID prefixes the module_metadata struct.
var ModuleGUID = [16]byte{0x6e, 0x70, 0x6b, 0x6d, 0x6f, 0x64, 0x75, 0x6c, 0x65, 0x30, 0x30, 0x30, 0x31, 0x00, 0x00, 0x00}

const npkModuleSection = ".npkmodule"

// ModuleLoadBase is the synthetic base address non-NOBITS section offsets
// are measured from when the loader assigns in-memory addresses (spec.md
// §4.10 step 2/5). There's no real address space backing a host-side
// loader, so this is an arbitrary non-zero value — it stands in for
// Loader.cpp's `module.image->raw`, against which every section's sh_addr
// is `raw + sh_offset`.
const ModuleLoadBase = 0x5000_0000

// LoadType selects when a manifest's handler runs (spec.md §4.10).
type LoadType int

const (
	LoadAlways LoadType = iota // runs at module load time
	LoadNever                  // library module, never auto-run
	LoadOnMatch                // runs when a matching DeviceDescriptor appears
)

// Event is passed to a manifest's handler.
type Event int

const (
	AddDevice Event = iota
	RemoveDevice
)

// Manifest describes one driver entry point found in a module.
type Manifest struct {
	Name      string
	VerMajor, VerMinor, VerRev uint16
	LoadType  LoadType
	Names     []LoadName
	Handler   func(event Event, d *Descriptor) error
}

// Metadata is a module's parsed module_metadata header.
type Metadata struct {
	VerMajor, VerMinor, VerRev uint16
	Manifests                  []Manifest
}

// Module is one loaded driver module.
type Module struct {
	Path     string
	Metadata Metadata
	symbols  map[string]uint64 // this module's public symbols, for later modules to resolve against
	Sections map[string][]byte // post-relocation PROGBITS section bytes, keyed by name
}

// Registry tracks loaded modules and dispatches device-match events.
type Registry struct {
	modules []*Module
	kernelExports map[string]uint64
}

// NewRegistry creates a Registry. kernelExports names the driver-ABI
// functions (npk_log, npk_add_device_desc, ...) a module's unresolved
// externals may bind to (spec.md §6).
func NewRegistry(kernelExports map[string]uint64) *Registry {
	return &Registry{kernelExports: kernelExports}
}

// ScanForDrivers parses contents (the bytes of the file named path, which
// is used only in error messages), validates it is an ET_REL ELF, and
// returns the parsed file for LoadModuleMetadata/LoadModule to consume.
func ScanForDrivers(path string, contents []byte) (*elf.File, error) {
	f, err := elf.NewFile(bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("driver: open %s: %w", path, err)
	}
	if f.Type != elf.ET_REL {
		return nil, fmt.Errorf("driver: %s is not ET_REL", path)
	}
	return f, nil
}

// LoadModuleMetadata resolves the .npkmodule section, assigns in-memory
// addresses to every non-NOBITS section, resolves internal symbols,
// applies the relocations targeting .npkmodule only, then GUID-scans the
// relocated bytes for the module_metadata struct and every manifest —
// without performing the full module load (spec.md §4.10 step 2-4).
func LoadModuleMetadata(f *elf.File) (*Metadata, error) {
	npkIdx := -1
	for i, s := range f.Sections {
		if s.Name == npkModuleSection {
			npkIdx = i
			break
		}
	}
	if npkIdx < 0 {
		return nil, fmt.Errorf("driver: no %s section", npkModuleSection)
	}

	addrs := sectionAddrs(f)
	syms, err := resolveInternalSymbols(f, addrs)
	if err != nil {
		return nil, fmt.Errorf("driver: reading symbols: %w", err)
	}

	data, err := f.Sections[npkIdx].Data()
	if err != nil {
		return nil, fmt.Errorf("driver: reading %s: %w", npkModuleSection, err)
	}
	// Unresolved externals are left alone here — LoadModuleMetadata only
	// needs the module's own internal structure, not cross-module
	// function pointers, matching Loader.cpp's "we ignore external ones
	// for now" at this stage.
	if err := applyRelocations(f, addrs, syms, nil, map[int][]byte{npkIdx: data}, npkIdx, false); err != nil {
		return nil, err
	}

	modOff := bytes.Index(data, ModuleGUID[:])
	if modOff < 0 {
		return nil, fmt.Errorf("driver: module_metadata GUID not found")
	}
	hdr := data[modOff+len(ModuleGUID):]
	if len(hdr) < 6 {
		return nil, fmt.Errorf("driver: truncated module_metadata")
	}
	md := &Metadata{
		VerMajor: binary.LittleEndian.Uint16(hdr[0:2]),
		VerMinor: binary.LittleEndian.Uint16(hdr[2:4]),
		VerRev:   binary.LittleEndian.Uint16(hdr[4:6]),
	}

	for off := 0; ; {
		idx := bytes.Index(data[off:], ManifestGUID[:])
		if idx < 0 {
			break
		}
		start := off + idx + len(ManifestGUID)
		m, consumed, err := parseManifest(data[start:])
		if err != nil {
			return nil, err
		}
		md.Manifests = append(md.Manifests, *m)
		off = start + consumed
	}
	if len(md.Manifests) == 0 {
		return nil, fmt.Errorf("driver: module declares zero manifests")
	}
	return md, nil
}

// manifest wire layout (after its GUID): name length (u16), name bytes,
// load_type (u16). A minimal, self-contained encoding — the real ABI's
// driver_manifest struct is richer (LoadNames, handler pointer) but isn't
// representable portably without a real linked symbol table. parseManifest
// leaves Manifest.Names and Manifest.Handler unset, and LoadModule does not
// fill them in either.
func parseManifest(data []byte) (*Manifest, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("driver: truncated manifest")
	}
	nameLen := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+nameLen+2 {
		return nil, 0, fmt.Errorf("driver: truncated manifest body")
	}
	name := string(data[2 : 2+nameLen])
	loadType := LoadType(binary.LittleEndian.Uint16(data[2+nameLen : 2+nameLen+2]))
	return &Manifest{Name: name, LoadType: loadType}, 2 + nameLen + 2, nil
}

// LoadModule performs the full load (spec.md §4.10 step 5): assigns
// in-memory addresses to every non-NOBITS section, resolves internal
// symbols, resolves externals against already-loaded modules' public
// symbols and the registry's kernel exports (reporting any that remain
// unresolved), applies every RELA in every section against the fully
// resolved symbol set, records the module, and runs every LoadAlways
// manifest's handler immediately.
func (r *Registry) LoadModule(path string, f *elf.File, md *Metadata) (*Module, error) {
	addrs := sectionAddrs(f)
	syms, err := resolveInternalSymbols(f, addrs)
	if err != nil {
		return nil, fmt.Errorf("driver: reading symbols: %w", err)
	}

	public := map[string]uint64{}
	resolvedExternals := map[string]uint64{}
	var unresolved []string
	for _, s := range syms {
		if elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
			continue
		}
		if s.Section == elf.SHN_UNDEF {
			if v, ok := r.resolve(s.Name); ok {
				resolvedExternals[s.Name] = v
			} else {
				unresolved = append(unresolved, s.Name)
			}
			continue
		}
		public[s.Name] = s.Value
	}
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("driver: unresolved externals in %s: %v", path, unresolved)
	}

	sections := map[int][]byte{}
	for i, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("driver: reading section %s: %w", sec.Name, err)
		}
		sections[i] = data
	}
	if err := applyRelocations(f, addrs, syms, resolvedExternals, sections, -1, true); err != nil {
		return nil, fmt.Errorf("driver: %s: %w", path, err)
	}

	named := map[string][]byte{}
	for i, sec := range f.Sections {
		if data, ok := sections[i]; ok {
			named[sec.Name] = data
		}
	}

	m := &Module{Path: path, Metadata: *md, symbols: public, Sections: named}
	r.modules = append(r.modules, m)

	for i := range m.Metadata.Manifests {
		man := &m.Metadata.Manifests[i]
		if man.LoadType == LoadAlways && man.Handler != nil {
			if err := man.Handler(AddDevice, nil); err != nil {
				return nil, fmt.Errorf("driver: manifest %s load-time handler: %w", man.Name, err)
			}
		}
	}
	return m, nil
}

// resolve looks up an external symbol's final address: first the
// registry's kernel exports, then every already-loaded module's public
// symbols.
func (r *Registry) resolve(name string) (uint64, bool) {
	if v, ok := r.kernelExports[name]; ok {
		return v, true
	}
	for _, m := range r.modules {
		if v, ok := m.symbols[name]; ok {
			return v, true
		}
	}
	return 0, false
}

// sectionAddrs assigns a synthetic in-memory address to every non-NOBITS
// section (ModuleLoadBase + file offset, standing in for Loader.cpp's
// `module.image->raw + shdrs[i].sh_offset`), and bump-allocates NOBITS
// (bss) sections sequentially past the highest address in use, mirroring
// its VMM::Kernel().Alloc call.
func sectionAddrs(f *elf.File) []uint64 {
	addrs := make([]uint64, len(f.Sections))
	next := uint64(ModuleLoadBase)
	for i, sec := range f.Sections {
		if sec.Type == elf.SHT_NOBITS {
			continue
		}
		addrs[i] = ModuleLoadBase + sec.Offset
		if end := addrs[i] + sec.Size; end > next {
			next = end
		}
	}
	for i, sec := range f.Sections {
		if sec.Type != elf.SHT_NOBITS {
			continue
		}
		addrs[i] = next
		next += sec.Size
	}
	return addrs
}

// resolveInternalSymbols reads f's symbol table and adjusts every
// internally-defined symbol's value by its section's load address
// (Loader.cpp: "syms[s].st_value = syms[s].st_value +
// shdrs[syms[s].st_shndx].sh_addr"). Undefined (external) symbols are
// left untouched — callers resolve those separately.
func resolveInternalSymbols(f *elf.File, addrs []uint64) ([]elf.Symbol, error) {
	syms, err := f.Symbols()
	if err != nil {
		if err == elf.ErrNoSymbols {
			return nil, nil
		}
		return nil, err
	}
	for i := range syms {
		idx := int(syms[i].Section)
		if syms[i].Section == elf.SHN_UNDEF || idx >= int(elf.SHN_LORESERVE) || idx >= len(addrs) {
			continue
		}
		syms[i].Value += addrs[idx]
	}
	return syms, nil
}

// relocation is the (mask, value) pair applied to a fixup word: bits
// outside mask keep whatever was already there, bits inside it are
// replaced by value's — Loader.cpp's sl::ComputeRelocation contract.
type relocation struct {
	mask  uint64
	value uint64
}

// computeRelocation implements the x86_64 RELA formulas this loader
// supports: S+A (absolute), its 32-bit truncations, and S+A-P
// (PC-relative). Any other type returns a zero mask, the Go stand-in for
// Loader.cpp's VALIDATE(reloc.mask != 0, "Unknown elf relocation type").
func computeRelocation(relType elf.R_X86_64, a int64, s, p uint64) relocation {
	switch relType {
	case elf.R_X86_64_64:
		return relocation{mask: ^uint64(0), value: s + uint64(a)}
	case elf.R_X86_64_32, elf.R_X86_64_32S:
		return relocation{mask: 0xffffffff, value: s + uint64(a)}
	case elf.R_X86_64_PC32:
		return relocation{mask: 0xffffffff, value: s + uint64(a) - p}
	default:
		return relocation{}
	}
}

const rela64Size = 24

// rela64 is one Elf64_Rela entry.
type rela64 struct {
	offset uint64
	info   uint64
	addend int64
}

func (r rela64) symIndex() int         { return int(r.info >> 32) }
func (r rela64) relType() elf.R_X86_64 { return elf.R_X86_64(uint32(r.info)) }

func parseRelas(data []byte) []rela64 {
	n := len(data) / rela64Size
	out := make([]rela64, n)
	for i := 0; i < n; i++ {
		b := data[i*rela64Size:]
		out[i] = rela64{
			offset: binary.LittleEndian.Uint64(b[0:8]),
			info:   binary.LittleEndian.Uint64(b[8:16]),
			addend: int64(binary.LittleEndian.Uint64(b[16:24])),
		}
	}
	return out
}

func readWord(data []byte, off int) uint64 {
	var buf [8]byte
	copy(buf[:], data[off:])
	return binary.LittleEndian.Uint64(buf[:])
}

func writeWord(data []byte, off int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(data[off:], buf[:])
}

// symbolValue resolves sym's final address: internal symbols already
// carry their section-adjusted value (resolveInternalSymbols); externals
// are looked up in resolved, keyed by name.
func symbolValue(sym elf.Symbol, resolved map[string]uint64) (uint64, bool) {
	if sym.Section != elf.SHN_UNDEF {
		return sym.Value, true
	}
	v, ok := resolved[sym.Name]
	return v, ok
}

// applyRelocations walks every SHT_RELA section in f and patches the
// target section's bytes (sections, keyed by section index) in place.
// onlySection, if >= 0, restricts processing to relocations targeting
// that one section index (spec.md §4.10 step 2: ".npkmodule section
// only"); -1 processes every section (step 5: "every RELA in every
// section"). SHT_REL sections are silently skipped — REL is not
// supported, matching Loader.cpp. When strict is false, a relocation
// against an unresolved external symbol is skipped rather than failing
// (the metadata-scan pass doesn't need cross-module symbols resolved
// yet); when strict is true it's an error.
func applyRelocations(f *elf.File, addrs []uint64, syms []elf.Symbol, resolved map[string]uint64, sections map[int][]byte, onlySection int, strict bool) error {
	for i, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		target := int(sec.Info)
		if onlySection >= 0 && target != onlySection {
			continue
		}
		targetData, ok := sections[target]
		if !ok {
			continue
		}

		raw, err := sec.Data()
		if err != nil {
			return fmt.Errorf("driver: reading relocations in section %d: %w", i, err)
		}
		for _, rl := range parseRelas(raw) {
			var s uint64
			if idx := rl.symIndex(); idx > 0 {
				if idx-1 >= len(syms) {
					return fmt.Errorf("driver: relocation references out-of-range symbol %d", idx)
				}
				v, ok := symbolValue(syms[idx-1], resolved)
				if !ok {
					if !strict {
						continue
					}
					return fmt.Errorf("driver: relocation against unresolved symbol %q", syms[idx-1].Name)
				}
				s = v
			}

			if int(rl.offset) >= len(targetData) {
				return fmt.Errorf("driver: relocation offset %d out of bounds for section %d", rl.offset, target)
			}
			p := addrs[target] + rl.offset
			reloc := computeRelocation(rl.relType(), rl.addend, s, p)
			if reloc.mask == 0 {
				return fmt.Errorf("driver: unsupported relocation type %v", rl.relType())
			}
			cur := readWord(targetData, int(rl.offset))
			writeWord(targetData, int(rl.offset), (cur&^reloc.mask)|(reloc.value&reloc.mask))
		}
	}
	return nil
}

// OnDeviceAdded calls the handler of every loaded manifest whose
// LoadType is LoadOnMatch and whose Names include one matching d's
// LoadNames, with event=AddDevice (spec.md §4.10 step 6).
func (r *Registry) OnDeviceAdded(d *Descriptor) {
	for _, m := range r.modules {
		for i := range m.Metadata.Manifests {
			man := &m.Metadata.Manifests[i]
			if man.LoadType != LoadOnMatch || man.Handler == nil {
				continue
			}
			if manifestMatches(man, d) {
				man.Handler(AddDevice, d)
			}
		}
	}
}

func manifestMatches(man *Manifest, d *Descriptor) bool {
	for _, want := range man.Names {
		for _, have := range d.LoadNames {
			if want == have {
				return true
			}
		}
	}
	return false
}
