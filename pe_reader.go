// Completion: 100% - Reads PE32 and PE32+ images back
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// PEReader parses PE images: headers, section table, imports and base relocations
type PEReader struct {
	r        io.ReaderAt
	closer   io.Closer
	dosHdr   DOSHeader
	peOffset uint32
	coffHdr  COFFHeader
	optHdr   OptionalHeader
	sections []SectionHeader
}

// DOSHeader represents the DOS header at the beginning of a PE file
type DOSHeader struct {
	Magic    uint16 // "MZ"
	PEOffset uint32 // Offset to PE header
}

// COFFHeader represents the COFF file header
type COFFHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// optionalHeader32 is the PE32 optional header as stored on disk
type optionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [numberOfDataDirs]DataDirectory
}

// optionalHeader64 is the PE32+ optional header as stored on disk
type optionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [numberOfDataDirs]DataDirectory
}

// OptionalHeader holds the fields of either optional header format.
// BaseOfData is only set for PE32.
type OptionalHeader struct {
	Magic                   uint16
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	DataDirectory           [numberOfDataDirs]DataDirectory
}

// SectionHeader represents a PE section header
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// OpenPE opens a PE file for reading
func OpenPE(path string) (*PEReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PE file: %w", err)
	}
	pr, err := ReadPE(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pr.closer = file
	return pr, nil
}

// ReadPE parses the headers and section table of an image held by r
func ReadPE(r io.ReaderAt) (*PEReader, error) {
	pr := &PEReader{r: r}
	if err := pr.readDOSHeader(); err != nil {
		return nil, err
	}
	if err := pr.readPEHeaders(); err != nil {
		return nil, err
	}
	if err := pr.readSections(); err != nil {
		return nil, err
	}
	return pr, nil
}

// Close closes the file opened by OpenPE
func (pr *PEReader) Close() error {
	if pr.closer == nil {
		return nil
	}
	return pr.closer.Close()
}

// readAt reads a little-endian structure at a file offset
func (pr *PEReader) readAt(off int64, v any) error {
	return binary.Read(io.NewSectionReader(pr.r, off, int64(binary.Size(v))), binary.LittleEndian, v)
}

// readDOSHeader reads the DOS header
func (pr *PEReader) readDOSHeader() error {
	if err := pr.readAt(0, &pr.dosHdr.Magic); err != nil {
		return fmt.Errorf("failed to read DOS magic: %w", err)
	}
	if pr.dosHdr.Magic != 0x5A4D { // "MZ"
		return fmt.Errorf("invalid DOS magic: 0x%04x (expected 0x5A4D)", pr.dosHdr.Magic)
	}
	if err := pr.readAt(0x3C, &pr.dosHdr.PEOffset); err != nil {
		return fmt.Errorf("failed to read PE offset: %w", err)
	}
	pr.peOffset = pr.dosHdr.PEOffset
	return nil
}

// readPEHeaders reads the PE signature, COFF header, and optional header
func (pr *PEReader) readPEHeaders() error {
	var peSig uint32
	if err := pr.readAt(int64(pr.peOffset), &peSig); err != nil {
		return fmt.Errorf("failed to read PE signature: %w", err)
	}
	if peSig != 0x00004550 { // "PE\0\0"
		return fmt.Errorf("invalid PE signature: 0x%08x", peSig)
	}

	coffOff := int64(pr.peOffset) + peSignatureSize
	if err := pr.readAt(coffOff, &pr.coffHdr); err != nil {
		return fmt.Errorf("failed to read COFF header: %w", err)
	}
	if pr.coffHdr.SizeOfOptionalHeader == 0 {
		return fmt.Errorf("image has no optional header")
	}

	optOff := coffOff + coffHeaderSize
	var magic uint16
	if err := pr.readAt(optOff, &magic); err != nil {
		return fmt.Errorf("failed to read optional header magic: %w", err)
	}

	switch magic {
	case peMagic64:
		var h optionalHeader64
		if err := pr.readAt(optOff, &h); err != nil {
			return fmt.Errorf("failed to read optional header: %w", err)
		}
		pr.optHdr = OptionalHeader{
			Magic: h.Magic, SizeOfCode: h.SizeOfCode, SizeOfInitializedData: h.SizeOfInitializedData,
			SizeOfUninitializedData: h.SizeOfUninitializedData, AddressOfEntryPoint: h.AddressOfEntryPoint,
			BaseOfCode: h.BaseOfCode, ImageBase: h.ImageBase, SectionAlignment: h.SectionAlignment,
			FileAlignment: h.FileAlignment, SizeOfImage: h.SizeOfImage, SizeOfHeaders: h.SizeOfHeaders,
			Subsystem: h.Subsystem, DllCharacteristics: h.DllCharacteristics,
			SizeOfStackReserve: h.SizeOfStackReserve, SizeOfStackCommit: h.SizeOfStackCommit,
			SizeOfHeapReserve: h.SizeOfHeapReserve, SizeOfHeapCommit: h.SizeOfHeapCommit,
			DataDirectory: h.DataDirectory,
		}
	case peMagic32:
		var h optionalHeader32
		if err := pr.readAt(optOff, &h); err != nil {
			return fmt.Errorf("failed to read optional header: %w", err)
		}
		pr.optHdr = OptionalHeader{
			Magic: h.Magic, SizeOfCode: h.SizeOfCode, SizeOfInitializedData: h.SizeOfInitializedData,
			SizeOfUninitializedData: h.SizeOfUninitializedData, AddressOfEntryPoint: h.AddressOfEntryPoint,
			BaseOfCode: h.BaseOfCode, BaseOfData: h.BaseOfData, ImageBase: uint64(h.ImageBase),
			SectionAlignment: h.SectionAlignment, FileAlignment: h.FileAlignment,
			SizeOfImage: h.SizeOfImage, SizeOfHeaders: h.SizeOfHeaders,
			Subsystem: h.Subsystem, DllCharacteristics: h.DllCharacteristics,
			SizeOfStackReserve: uint64(h.SizeOfStackReserve), SizeOfStackCommit: uint64(h.SizeOfStackCommit),
			SizeOfHeapReserve: uint64(h.SizeOfHeapReserve), SizeOfHeapCommit: uint64(h.SizeOfHeapCommit),
			DataDirectory: h.DataDirectory,
		}
	default:
		return fmt.Errorf("unknown optional header magic: 0x%04x", magic)
	}
	return nil
}

// readSections reads the section headers
func (pr *PEReader) readSections() error {
	// Section headers immediately follow the optional header
	offset := int64(pr.peOffset) + peSignatureSize + coffHeaderSize + int64(pr.coffHdr.SizeOfOptionalHeader)
	pr.sections = make([]SectionHeader, pr.coffHdr.NumberOfSections)
	for i := range pr.sections {
		if err := pr.readAt(offset+int64(i*peSectionHeaderSize), &pr.sections[i]); err != nil {
			return fmt.Errorf("failed to read section %d: %w", i, err)
		}
	}
	return nil
}

// COFF returns the COFF file header
func (pr *PEReader) COFF() COFFHeader {
	return pr.coffHdr
}

// Optional returns the optional header
func (pr *PEReader) Optional() OptionalHeader {
	return pr.optHdr
}

// Sections returns the section table
func (pr *PEReader) Sections() []SectionHeader {
	return pr.sections
}

// Is64 reports whether the image is PE32+
func (pr *PEReader) Is64() bool {
	return pr.optHdr.Magic == peMagic64
}

func (pr *PEReader) pointerSize() int {
	if pr.Is64() {
		return 8
	}
	return 4
}

// Section finds a section header by name
func (pr *PEReader) Section(name string) (*SectionHeader, bool) {
	for i := range pr.sections {
		if pr.sections[i].GetName() == name {
			return &pr.sections[i], true
		}
	}
	return nil, false
}

// rvaToSection finds the section containing the given RVA
func (pr *PEReader) rvaToSection(rva uint32) *SectionHeader {
	for i := range pr.sections {
		section := &pr.sections[i]
		size := max(section.VirtualSize, section.SizeOfRawData)
		if rva >= section.VirtualAddress && rva < section.VirtualAddress+size {
			return section
		}
	}
	return nil
}

// rvaToFileOffset converts an RVA to a file offset
func (pr *PEReader) rvaToFileOffset(rva uint32) (int64, error) {
	section := pr.rvaToSection(rva)
	if section == nil {
		return 0, fmt.Errorf("RVA 0x%x is not inside any section", rva)
	}
	delta := rva - section.VirtualAddress
	if delta >= section.SizeOfRawData {
		return 0, fmt.Errorf("RVA 0x%x is in the uninitialized part of %s", rva, section.GetName())
	}
	return int64(section.PointerToRawData) + int64(delta), nil
}

// ReadRVA reads n bytes starting at rva
func (pr *PEReader) ReadRVA(rva uint32, n int) ([]byte, error) {
	off, err := pr.rvaToFileOffset(rva)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := pr.r.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("reading %d bytes at RVA 0x%x: %w", n, rva, err)
	}
	return buf, nil
}

// readStringAtRVA reads a null-terminated string at the given RVA
func (pr *PEReader) readStringAtRVA(rva uint32) (string, error) {
	off, err := pr.rvaToFileOffset(rva)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	chunk := make([]byte, 64)
	for {
		n, err := pr.r.ReadAt(chunk, off)
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			buf.Write(chunk[:i])
			return buf.String(), nil
		}
		buf.Write(chunk[:n])
		if err != nil {
			return "", fmt.Errorf("unterminated string at RVA 0x%x: %w", rva, err)
		}
		off += int64(n)
	}
}

// readThunk reads one pointer-sized lookup table entry
func (pr *PEReader) readThunk(rva uint32) (uint64, error) {
	b, err := pr.ReadRVA(rva, pr.pointerSize())
	if err != nil {
		return 0, err
	}
	if pr.Is64() {
		return binary.LittleEndian.Uint64(b), nil
	}
	return uint64(binary.LittleEndian.Uint32(b)), nil
}

// Confidence that this function is working: 85%
// Imports walks the import directory. Every function carries the RVA of its
// address table slot. Functions imported by ordinal are named "#<ordinal>".
func (pr *PEReader) Imports() ([]*ImportedLibrary, error) {
	dir := pr.optHdr.DataDirectory[dataDirImport]
	if dir.Size == 0 {
		return nil, nil
	}

	ptrSize := uint32(pr.pointerSize())
	ordinalFlag := uint64(1) << (8*ptrSize - 1)

	var libs []*ImportedLibrary
	for desc := dir.VirtualAddress; ; desc += importDescriptorSize {
		raw, err := pr.ReadRVA(desc, importDescriptorSize)
		if err != nil {
			return nil, fmt.Errorf("import descriptor: %w", err)
		}
		ilt := binary.LittleEndian.Uint32(raw[0:])
		nameRVA := binary.LittleEndian.Uint32(raw[12:])
		iat := binary.LittleEndian.Uint32(raw[16:])
		if ilt == 0 && nameRVA == 0 && iat == 0 {
			break
		}

		name, err := pr.readStringAtRVA(nameRVA)
		if err != nil {
			return nil, fmt.Errorf("import library name: %w", err)
		}
		lib := &ImportedLibrary{Name: name}

		lookup := ilt
		if lookup == 0 {
			lookup = iat
		}
		for j := uint32(0); ; j++ {
			thunk, err := pr.readThunk(lookup + j*ptrSize)
			if err != nil {
				return nil, fmt.Errorf("%s lookup table: %w", name, err)
			}
			if thunk == 0 {
				break
			}
			fn := &ImportedFunction{Library: name, IATRVA: iat + j*ptrSize}
			if thunk&ordinalFlag != 0 {
				fn.Name = fmt.Sprintf("#%d", uint16(thunk))
			} else {
				hint, err := pr.ReadRVA(uint32(thunk), hintFieldSize)
				if err != nil {
					return nil, fmt.Errorf("%s hint: %w", name, err)
				}
				fn.Hint = binary.LittleEndian.Uint16(hint)
				if fn.Name, err = pr.readStringAtRVA(uint32(thunk) + hintFieldSize); err != nil {
					return nil, fmt.Errorf("%s function name: %w", name, err)
				}
			}
			lib.Functions = append(lib.Functions, fn)
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

// BaseRelocations walks the base relocation blocks. Padding entries are dropped.
func (pr *PEReader) BaseRelocations() ([]RelocationPage, error) {
	dir := pr.optHdr.DataDirectory[dataDirBaseReloc]
	if dir.Size == 0 {
		return nil, nil
	}
	raw, err := pr.ReadRVA(dir.VirtualAddress, int(dir.Size))
	if err != nil {
		return nil, fmt.Errorf("base relocations: %w", err)
	}

	var pages []RelocationPage
	for len(raw) >= relocBlockHeaderSize {
		pageRVA := binary.LittleEndian.Uint32(raw[0:])
		size := binary.LittleEndian.Uint32(raw[4:])
		if size < relocBlockHeaderSize || int(size) > len(raw) || size%2 != 0 {
			return nil, fmt.Errorf("malformed relocation block at page 0x%x (size %d)", pageRVA, size)
		}
		page := RelocationPage{PageRVA: pageRVA}
		for off := relocBlockHeaderSize; off < int(size); off += 2 {
			e := binary.LittleEndian.Uint16(raw[off:])
			if e>>12 != relBasedAbsolute {
				page.Entries = append(page.Entries, e)
			}
		}
		pages = append(pages, page)
		raw = raw[size:]
	}
	return pages, nil
}

// GetName returns the section name without padding
func (sh *SectionHeader) GetName() string {
	// Section names are 8 bytes, null-terminated or space-padded
	name := string(sh.Name[:])
	if idx := strings.IndexByte(name, 0); idx != -1 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}
