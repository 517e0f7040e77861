package driver_test

import (
	"bytes"
	"encoding/binary"
)

// buildTestModule hand-assembles a minimal ET_REL ELF64 file containing a
// single PROGBITS section named ".npkmodule" with the given raw bytes, so
// loader tests can exercise ScanForDrivers/LoadModuleMetadata without
// needing a C compiler or any other toolchain to produce a real object
// file.
func buildTestModule(npkModuleData []byte) []byte {
	const ehdrSize = 64
	const shdrSize = 64

	shstrtab := []byte{0x00}
	npkNameOff := len(shstrtab)
	shstrtab = append(shstrtab, []byte(".npkmodule\x00")...)
	shstrNameOff := len(shstrtab)
	shstrtab = append(shstrtab, []byte(".shstrtab\x00")...)

	dataOff := ehdrSize
	npkOff := dataOff
	shstrOff := npkOff + len(npkModuleData)
	shoff := shstrOff + len(shstrtab)

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2 /*64-bit*/, 1 /*LSB*/, 1 /*version*/, 0})
	buf.Write(make([]byte, 8)) // padding

	write16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	write64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }

	write16(1)  // e_type = ET_REL
	write16(62) // e_machine = EM_X86_64
	write32(1)  // e_version
	write64(0)  // e_entry
	write64(0)  // e_phoff
	write64(uint64(shoff)) // e_shoff
	write32(0)  // e_flags
	write16(ehdrSize)
	write16(0) // e_phentsize
	write16(0) // e_phnum
	write16(shdrSize)
	write16(3) // e_shnum: NULL, .npkmodule, .shstrtab
	write16(2) // e_shstrndx

	buf.Write(npkModuleData)
	buf.Write(shstrtab)

	// section header 0: NULL
	buf.Write(make([]byte, shdrSize))

	// section header 1: .npkmodule
	write32(uint32(npkNameOff))
	write32(1) // sh_type = SHT_PROGBITS
	write64(0) // sh_flags
	write64(0) // sh_addr
	write64(uint64(npkOff))
	write64(uint64(len(npkModuleData)))
	write32(0) // sh_link
	write32(0) // sh_info
	write64(1) // sh_addralign
	write64(0) // sh_entsize

	// section header 2: .shstrtab
	write32(uint32(shstrNameOff))
	write32(3) // sh_type = SHT_STRTAB
	write64(0)
	write64(0)
	write64(uint64(shstrOff))
	write64(uint64(len(shstrtab)))
	write32(0)
	write32(0)
	write64(1)
	write64(0)

	return buf.Bytes()
}

// buildRelocatableModule assembles an ET_REL ELF64 file with a
// ".npkmodule" and a ".text" section, a two-entry symbol table
// (npk_handle_gpu defined in .text, npk_module_base defined in
// .npkmodule, both at offset 0 within their section), and a
// ".rela.npkmodule"/".rela.text" RELA section apiece, each containing one
// R_X86_64_64 entry against the other section's symbol at an 8-byte
// zeroed placeholder. This exercises the loader's relocation-application
// path end to end: relocating each section against a symbol defined in
// the other. npkModuleData should already contain whatever GUID-scanned
// manifest bytes the test needs; the 8-byte placeholder is appended after
// it. Returns the file bytes plus the file offsets of the .npkmodule and
// .text section data (so callers can compute expected relocated values
// against driver.ModuleLoadBase).
func buildRelocatableModule(npkModuleData []byte) (raw []byte, npkOff, textOff, placeholderOff int) {
	const ehdrSize = 64
	const shdrSize = 64
	const symSize = 24
	const relaSize = 24

	placeholderOff = len(npkModuleData)
	npkModuleData = append(append([]byte{}, npkModuleData...), make([]byte, 8)...)
	textData := make([]byte, 8)

	strtab := []byte{0x00}
	gpuNameOff := len(strtab)
	strtab = append(strtab, []byte("npk_handle_gpu\x00")...)
	baseNameOff := len(strtab)
	strtab = append(strtab, []byte("npk_module_base\x00")...)

	shstrtab := []byte{0x00}
	names := []string{".npkmodule", ".text", ".symtab", ".strtab", ".rela.npkmodule", ".rela.text", ".shstrtab"}
	nameOff := map[string]int{}
	for _, n := range names {
		nameOff[n] = len(shstrtab)
		shstrtab = append(shstrtab, append([]byte(n), 0x00)...)
	}

	npkOff = ehdrSize
	textOff = npkOff + len(npkModuleData)
	symOff := textOff + len(textData)
	strOff := symOff + 3*symSize
	relaNpkOff := strOff + len(strtab)
	relaTextOff := relaNpkOff + relaSize
	shstrOff := relaTextOff + relaSize
	shoff := shstrOff + len(shstrtab)

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))

	write16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }
	write32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	write64 := func(v uint64) { binary.Write(&buf, binary.LittleEndian, v) }
	writeI64 := func(v int64) { binary.Write(&buf, binary.LittleEndian, v) }

	write16(1)  // e_type = ET_REL
	write16(62) // e_machine = EM_X86_64
	write32(1)
	write64(0)
	write64(0)
	write64(uint64(shoff))
	write32(0)
	write16(ehdrSize)
	write16(0)
	write16(0)
	write16(shdrSize)
	write16(8) // e_shnum: NULL + 7 named sections
	write16(7) // e_shstrndx = .shstrtab

	buf.Write(npkModuleData)
	buf.Write(textData)

	// symtab: null, npk_handle_gpu (in .text), npk_module_base (in .npkmodule)
	buf.Write(make([]byte, symSize))
	write32(uint32(gpuNameOff))
	buf.WriteByte(0x12) // STB_GLOBAL<<4 | STT_FUNC
	buf.WriteByte(0)
	write16(2) // st_shndx = .text
	write64(0) // st_value
	write64(0) // st_size
	write32(uint32(baseNameOff))
	buf.WriteByte(0x11) // STB_GLOBAL<<4 | STT_OBJECT
	buf.WriteByte(0)
	write16(1) // st_shndx = .npkmodule
	write64(0)
	write64(0)

	buf.Write(strtab)

	// .rela.npkmodule: one entry, R_X86_64_64 against symbol 1 (npk_handle_gpu)
	write64(uint64(placeholderOff))
	write64((uint64(1) << 32) | 1) // sym=1, type=R_X86_64_64
	writeI64(0)

	// .rela.text: one entry, R_X86_64_64 against symbol 2 (npk_module_base)
	write64(0)
	write64((uint64(2) << 32) | 1)
	writeI64(0)

	buf.Write(shstrtab)

	// section header 0: NULL
	buf.Write(make([]byte, shdrSize))

	writeShdr := func(name string, shType uint32, link, info uint32, off, size uint64) {
		write32(uint32(nameOff[name]))
		write32(shType)
		write64(0) // sh_flags
		write64(0) // sh_addr
		write64(off)
		write64(size)
		write32(link)
		write32(info)
		write64(1) // sh_addralign
		if shType == 4 || shType == 2 { // SHT_RELA or SHT_SYMTAB
			write64(uint64(relaSize))
		} else {
			write64(0)
		}
	}

	writeShdr(".npkmodule", 1 /*PROGBITS*/, 0, 0, uint64(npkOff), uint64(len(npkModuleData)))
	writeShdr(".text", 1 /*PROGBITS*/, 0, 0, uint64(textOff), uint64(len(textData)))
	writeShdr(".symtab", 2 /*SYMTAB*/, 4 /*sh_link=.strtab*/, 1, uint64(symOff), 3*symSize)
	writeShdr(".strtab", 3 /*STRTAB*/, 0, 0, uint64(strOff), uint64(len(strtab)))
	writeShdr(".rela.npkmodule", 4 /*RELA*/, 3 /*sh_link=.symtab*/, 1 /*sh_info=.npkmodule*/, uint64(relaNpkOff), relaSize)
	writeShdr(".rela.text", 4 /*RELA*/, 3 /*sh_link=.symtab*/, 2 /*sh_info=.text*/, uint64(relaTextOff), relaSize)
	writeShdr(".shstrtab", 3 /*STRTAB*/, 0, 0, uint64(shstrOff), uint64(len(shstrtab)))

	return buf.Bytes(), npkOff, textOff, placeholderOff
}
