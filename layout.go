package main

import (
	"fmt"
	"os"
)

// PE header sizes
const (
	dosHeaderSize        = 64
	dosStubSize          = 128
	peHeaderOffset       = dosHeaderSize + dosStubSize
	peSignatureSize      = 4
	coffHeaderSize       = 20
	optionalHeaderSize32 = 224 // PE32
	optionalHeaderSize64 = 240 // PE32+
	peSectionHeaderSize  = 40

	// MaxSections is the largest section table the Windows loader accepts
	MaxSections = 96
)

// Placement is where one section lives in the file and in memory
type Placement struct {
	Kind         SectionKind
	RVA          uint32
	FilePosition uint32
	RawSize      uint32 // bytes of content
	FileSize     uint32 // RawSize padded to the file alignment
	VirtualSize  uint32 // bytes occupied once loaded
	MemorySpan   uint32 // VirtualSize padded to the section alignment
}

// Layout is the result of planning every present section
type Layout struct {
	SizeOfHeaders uint32
	SizeOfImage   uint32
	Placements    []Placement // canonical order
}

// Placement returns the placement for kind
func (l *Layout) Placement(kind SectionKind) (Placement, bool) {
	for _, p := range l.Placements {
		if p.Kind == kind {
			return p, true
		}
	}
	return Placement{}, false
}

// alignTo aligns a value to the given alignment (a power of two)
func alignTo(value, align uint32) uint32 {
	return (value + align - 1) & ^(align - 1)
}

func alignTo64(value, align uint64) uint64 {
	return (value + align - 1) & ^(align - 1)
}

// HeaderSize is the unpadded size of everything before the first section:
// DOS header and stub, signature, COFF header, optional header, section table.
func HeaderSize(profile *ImageProfile, numSections int) uint32 {
	optSize := optionalHeaderSize32
	if profile.Arch.Is64() {
		optSize = optionalHeaderSize64
	}
	return uint32(peHeaderOffset + peSignatureSize + coffHeaderSize + optSize + numSections*peSectionHeaderSize)
}

// Planner assigns sections their RVA and file position one at a time, in
// canonical order. Each placement depends on all earlier ones.
type Planner struct {
	sectionAlign  uint64
	fileAlign     uint64
	sizeOfHeaders uint32
	nextRVA       uint64
	nextFile      uint64
	placements    []Placement
	last          SectionKind
}

// NewPlanner starts a layout after headerBytes of headers
func NewPlanner(profile *ImageProfile, headerBytes uint32) *Planner {
	sectionAlign := uint64(profile.SectionAlignment)
	fileAlign := uint64(profile.FileAlignment)
	sizeOfHeaders := alignTo64(uint64(headerBytes), fileAlign)
	return &Planner{
		sectionAlign:  sectionAlign,
		fileAlign:     fileAlign,
		sizeOfHeaders: uint32(sizeOfHeaders),
		nextRVA:       alignTo64(sizeOfHeaders, sectionAlign),
		nextFile:      sizeOfHeaders,
		last:          -1,
	}
}

// SizeOfHeaders is the header size rounded up to the file alignment
func (p *Planner) SizeOfHeaders() uint32 {
	return p.sizeOfHeaders
}

// Place assigns the next slot to a section with rawSize bytes in the file and
// memSize bytes in memory. Uninitialized data passes rawSize 0.
func (p *Planner) Place(kind SectionKind, rawSize, memSize uint32) (Placement, error) {
	if kind <= p.last {
		return Placement{}, FatalError(CategoryLayout, ErrLayoutOrder, "%s placed after %s", kind, p.last)
	}
	if len(p.placements) >= MaxSections {
		return Placement{}, FatalError(CategoryLayout, ErrTooManySections, "more than %d sections", MaxSections)
	}

	if kind == SectionBSS {
		rawSize = 0
	}
	fileSize := alignTo64(uint64(rawSize), p.fileAlign)
	span := alignTo64(max(uint64(memSize), 1), p.sectionAlign)

	pl := Placement{
		Kind:        kind,
		RVA:         uint32(p.nextRVA),
		RawSize:     rawSize,
		FileSize:    uint32(fileSize),
		VirtualSize: memSize,
		MemorySpan:  uint32(span),
	}
	if kind != SectionBSS {
		pl.FilePosition = uint32(p.nextFile)
	}

	nextRVA := p.nextRVA + span
	nextFile := p.nextFile + fileSize
	if nextRVA > 0xFFFFFFFF || nextFile > 0xFFFFFFFF {
		return Placement{}, FatalError(CategoryLayout, ErrInternal, "%s does not fit in a 4 GiB image", kind)
	}
	p.nextRVA = nextRVA
	p.nextFile = nextFile
	p.last = kind
	p.placements = append(p.placements, pl)

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "Layout: %-7s RVA=0x%08x file=0x%08x raw=%d padded=%d span=0x%x\n",
			kind, pl.RVA, pl.FilePosition, rawSize, pl.FileSize, pl.MemorySpan)
	}
	return pl, nil
}

// NextRVA is the RVA the next placed section would receive
func (p *Planner) NextRVA() uint32 {
	return uint32(p.nextRVA)
}

// Finish returns the completed layout
func (p *Planner) Finish() *Layout {
	return &Layout{
		SizeOfHeaders: p.sizeOfHeaders,
		SizeOfImage:   uint32(p.nextRVA),
		Placements:    p.placements,
	}
}

// SectionSize describes one section for PlanLayout
type SectionSize struct {
	Kind       SectionKind
	RawSize    uint32
	MemorySize uint32
}

// PlanLayout lays out a fixed list of sections, which must be in canonical order
func PlanLayout(profile *ImageProfile, sizes []SectionSize) (*Layout, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if len(sizes) > MaxSections {
		return nil, FatalError(CategoryLayout, ErrTooManySections, "%d sections, at most %d supported", len(sizes), MaxSections)
	}
	planner := NewPlanner(profile, HeaderSize(profile, len(sizes)))
	for _, s := range sizes {
		if _, err := planner.Place(s.Kind, s.RawSize, s.MemorySize); err != nil {
			return nil, err
		}
	}
	return planner.Finish(), nil
}
