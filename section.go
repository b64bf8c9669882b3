package main

import (
	"fmt"
	"strings"
)

// section.go - Section store
//
// The assembler fills one Section per kind with opaque machine code or data
// and records a PatchRequest wherever the final bytes depend on layout. The
// emitter owns .idata and .reloc, which are synthesized during layout.

// SectionKind identifies a section. The numeric order is the canonical
// layout order.
type SectionKind int

const (
	SectionText SectionKind = iota
	SectionRData
	SectionData
	SectionBSS
	SectionIData
	SectionReloc
	numSectionKinds
)

// Section characteristics
const (
	scnCntCode        = 0x00000020
	scnCntInitData    = 0x00000040
	scnCntUninitData  = 0x00000080
	scnMemDiscardable = 0x02000000
	scnMemExecute     = 0x20000000
	scnMemRead        = 0x40000000
	scnMemWrite       = 0x80000000
)

// DefaultPatchCapacity bounds the number of patch requests per section
const DefaultPatchCapacity = 1 << 16

func (k SectionKind) String() string {
	switch k {
	case SectionText:
		return ".text"
	case SectionRData:
		return ".rdata"
	case SectionData:
		return ".data"
	case SectionBSS:
		return ".bss"
	case SectionIData:
		return ".idata"
	case SectionReloc:
		return ".reloc"
	default:
		return fmt.Sprintf("section(%d)", int(k))
	}
}

// Characteristics returns the section header flags for this kind
func (k SectionKind) Characteristics() uint32 {
	switch k {
	case SectionText:
		return scnCntCode | scnMemExecute | scnMemRead
	case SectionRData:
		return scnCntInitData | scnMemRead
	case SectionData, SectionIData:
		return scnCntInitData | scnMemRead | scnMemWrite
	case SectionBSS:
		return scnCntUninitData | scnMemRead | scnMemWrite
	case SectionReloc:
		return scnCntInitData | scnMemRead | scnMemDiscardable
	default:
		return 0
	}
}

// synthesized reports whether the emitter, not the assembler, produces the section
func (k SectionKind) synthesized() bool {
	return k == SectionIData || k == SectionReloc
}

// ParseSectionKind accepts the names used in image descriptions
func ParseSectionKind(s string) (SectionKind, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "text", "code":
		return SectionText, nil
	case "rdata", "rodata":
		return SectionRData, nil
	case "data":
		return SectionData, nil
	case "bss":
		return SectionBSS, nil
	case "idata", "reloc":
		return 0, fmt.Errorf("section %q is synthesized by the emitter", s)
	default:
		return 0, fmt.Errorf("unknown section kind %q (supported: text, rdata, data, bss)", s)
	}
}

// PatchKind selects how a resolved target address is encoded
type PatchKind int

const (
	PatchRel32  PatchKind = iota // disp32 measured from the byte after the field
	PatchRVA32                   // image-relative address
	PatchAddr32                  // absolute VA, HIGHLOW base relocation
	PatchAddr64                  // absolute VA, DIR64 base relocation
)

func (k PatchKind) String() string {
	switch k {
	case PatchRel32:
		return "rel32"
	case PatchRVA32:
		return "rva32"
	case PatchAddr32:
		return "addr32"
	case PatchAddr64:
		return "addr64"
	default:
		return "unknown"
	}
}

// Width is the number of bytes the patch overwrites
func (k PatchKind) Width() int {
	if k == PatchAddr64 {
		return 8
	}
	return 4
}

// Absolute reports whether the patched value depends on the load address
func (k PatchKind) Absolute() bool {
	return k == PatchAddr32 || k == PatchAddr64
}

// ParsePatchKind parses a patch kind name
func ParsePatchKind(s string) (PatchKind, error) {
	switch strings.ToLower(s) {
	case "", "rel32", "rel":
		return PatchRel32, nil
	case "rva32", "rva":
		return PatchRVA32, nil
	case "addr32", "abs32":
		return PatchAddr32, nil
	case "addr64", "abs64":
		return PatchAddr64, nil
	default:
		return 0, fmt.Errorf("unknown patch kind %q (supported: rel32, rva32, addr32, addr64)", s)
	}
}

// PatchRequest asks the resolver to overwrite Kind.Width() bytes at Offset
// with the address of Label (plus Addend) once layout is final.
type PatchRequest struct {
	Label  string
	Offset uint32
	Kind   PatchKind
	Addend int32
}

// Width is the number of bytes the patch overwrites
func (p PatchRequest) Width() int {
	return p.Kind.Width()
}

// Section is one named region of the image
type Section struct {
	Kind          SectionKind
	data          *SafeBuffer
	patches       []PatchRequest
	patchCapacity int

	// assigned once, during layout
	rva     uint32
	filePos uint32
	placed  bool
}

func newSection(kind SectionKind, patchCapacity int) *Section {
	return &Section{
		Kind:          kind,
		data:          NewSafeBuffer(kind.String()),
		patchCapacity: patchCapacity,
	}
}

// Name returns the section table name
func (s *Section) Name() string {
	return s.Kind.String()
}

// Write appends initialized bytes. Uninitialized data has no bytes; use Reserve.
func (s *Section) Write(p []byte) (int, error) {
	if s.Kind == SectionBSS {
		return 0, fmt.Errorf("cannot write %d initialized bytes into %s, use Reserve", len(p), s.Name())
	}
	return s.data.Write(p)
}

// Reserve grows an uninitialized data section by n bytes
func (s *Section) Reserve(n uint32) error {
	if s.Kind != SectionBSS {
		return fmt.Errorf("cannot reserve uninitialized space in %s", s.Name())
	}
	s.data.Reserve(n)
	return nil
}

// Len is the current write offset, used by assemblers to place labels
func (s *Section) Len() uint32 {
	return s.data.Span()
}

// Bytes returns the section content
func (s *Section) Bytes() []byte {
	return s.data.Bytes()
}

// RawSize is the number of bytes stored in the file
func (s *Section) RawSize() uint32 {
	return uint32(s.data.Len())
}

// MemorySize is the number of bytes occupied once loaded
func (s *Section) MemorySize() uint32 {
	return s.data.Span()
}

// AddPatch records a deferred patch
func (s *Section) AddPatch(p PatchRequest) error {
	if s.data.IsCommitted() {
		panic(fmt.Sprintf("Section(%s): Cannot add patches after emission started", s.Name()))
	}
	if len(s.patches) >= s.patchCapacity {
		return SectionError(CategoryPatch, ErrPatchCapacity, s.Name(), int(p.Offset),
			"more than %d patch requests", s.patchCapacity)
	}
	s.patches = append(s.patches, p)
	return nil
}

// Patches returns the patch requests in recording order
func (s *Section) Patches() []PatchRequest {
	return s.patches
}

// RVA returns the assigned relative virtual address, 0 before layout
func (s *Section) RVA() uint32 {
	return s.rva
}

// FilePosition returns the assigned file offset, 0 before layout
func (s *Section) FilePosition() uint32 {
	return s.filePos
}

// Placed reports whether layout has assigned this section
func (s *Section) Placed() bool {
	return s.placed
}

func (s *Section) place(p Placement) error {
	if s.placed {
		return FatalError(CategoryInternal, ErrInternal, "%s placed twice", s.Name())
	}
	s.rva = p.RVA
	s.filePos = p.FilePosition
	s.placed = true
	return nil
}

// SectionStore holds at most one section per kind
type SectionStore struct {
	sections      [numSectionKinds]*Section
	patchCapacity int
	emitted       bool
}

// NewSectionStore creates an empty store
func NewSectionStore() *SectionStore {
	return &SectionStore{patchCapacity: DefaultPatchCapacity}
}

// SetPatchCapacity changes the per-section patch limit for sections added afterwards
func (st *SectionStore) SetPatchCapacity(n int) {
	if n > 0 {
		st.patchCapacity = n
	}
}

// Add returns the section of the given kind, creating it if needed
func (st *SectionStore) Add(kind SectionKind) *Section {
	if kind < 0 || kind >= numSectionKinds {
		panic(fmt.Sprintf("SectionStore: invalid section kind %d", int(kind)))
	}
	if kind.synthesized() {
		panic(fmt.Sprintf("SectionStore: %s is synthesized by the emitter", kind))
	}
	if st.sections[kind] == nil {
		st.sections[kind] = newSection(kind, st.patchCapacity)
	}
	return st.sections[kind]
}

// addSynthesized installs an emitter-generated section
func (st *SectionStore) addSynthesized(kind SectionKind, content []byte) *Section {
	s := newSection(kind, 0)
	s.data.Write(content)
	s.data.Commit()
	st.sections[kind] = s
	return s
}

// Section looks up a section by kind
func (st *SectionStore) Section(kind SectionKind) (*Section, bool) {
	if kind < 0 || kind >= numSectionKinds {
		return nil, false
	}
	s := st.sections[kind]
	return s, s != nil
}

// Present returns the existing sections in canonical order
func (st *SectionStore) Present() []*Section {
	var present []*Section
	for _, s := range st.sections {
		if s != nil {
			present = append(present, s)
		}
	}
	return present
}

// commit freezes every section's content; emission may only run once
func (st *SectionStore) commit() error {
	if st.emitted {
		return FatalError(CategoryInternal, ErrAlreadyEmitted, "a section store can only be emitted once")
	}
	st.emitted = true
	for _, s := range st.sections {
		if s != nil && !s.data.IsCommitted() {
			s.data.Commit()
		}
	}
	return nil
}

// hasAbsolutePatches reports whether any section needs base relocations
func (st *SectionStore) hasAbsolutePatches() bool {
	for _, s := range st.sections {
		if s == nil {
			continue
		}
		for _, p := range s.patches {
			if p.Kind.Absolute() {
				return true
			}
		}
	}
	return false
}
