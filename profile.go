package main

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/xyproto/pemit/internal/engine"
)

// Subsystems
const (
	SubsystemGUI     = 2
	SubsystemConsole = 3
)

// Memory layout defaults for PE
const (
	peSectionAlign = 0x1000 // 4KB section alignment in memory
	peFileAlign    = 0x200  // 512 byte file alignment

	peImageBase64    = 0x140000000 // Standard Windows x64 image base
	peImageBase64DLL = 0x180000000
	peImageBase32    = 0x400000
	peImageBase32DLL = 0x10000000
)

// ImageProfile parameterizes the whole pipeline: pointer width, fixed or
// relocatable output, and alignments. One profile replaces separate
// 32-bit, 64-bit and DLL code paths.
type ImageProfile struct {
	Arch             engine.Arch
	ImageBase        uint64
	SectionAlignment uint32
	FileAlignment    uint32
	Relocatable      bool // emit .reloc and allow ASLR
	DLL              bool
	Subsystem        uint16
	EntryLabel       string // empty: start of .text
	StackReserve     uint64
	StackCommit      uint64
	HeapReserve      uint64
	HeapCommit       uint64
	PatchCapacity    int
}

// DefaultProfile returns the usual settings for arch
func DefaultProfile(arch engine.Arch) *ImageProfile {
	p := &ImageProfile{
		Arch:             arch,
		SectionAlignment: peSectionAlign,
		FileAlignment:    peFileAlign,
		Subsystem:        SubsystemConsole,
		StackReserve:     0x100000,
		StackCommit:      0x1000,
		HeapReserve:      0x100000,
		HeapCommit:       0x1000,
		PatchCapacity:    DefaultPatchCapacity,
	}
	p.ImageBase = p.defaultImageBase()
	return p
}

func (p *ImageProfile) defaultImageBase() uint64 {
	switch {
	case p.Arch.Is64() && p.DLL:
		return peImageBase64DLL
	case p.Arch.Is64():
		return peImageBase64
	case p.DLL:
		return peImageBase32DLL
	default:
		return peImageBase32
	}
}

// SetArch changes the target architecture. The image base follows the
// architecture's default unless it was changed by hand.
func (p *ImageProfile) SetArch(arch engine.Arch) {
	wasDefault := p.ImageBase == p.defaultImageBase()
	p.Arch = arch
	if wasDefault {
		p.ImageBase = p.defaultImageBase()
	}
}

// SetDLL switches between executable and DLL output. A DLL is always
// relocatable, and the image base moves to the DLL default unless it was
// changed by hand.
func (p *ImageProfile) SetDLL(dll bool) {
	wasDefault := p.ImageBase == p.defaultImageBase()
	p.DLL = dll
	if dll {
		p.Relocatable = true
	}
	if wasDefault {
		p.ImageBase = p.defaultImageBase()
	}
}

// PointerSize returns 4 or 8
func (p *ImageProfile) PointerSize() int {
	return p.Arch.PointerSize()
}

// Machine returns the COFF machine type
func (p *ImageProfile) Machine() uint16 {
	return p.Arch.Machine()
}

// Is64 reports whether the PE32+ format is used
func (p *ImageProfile) Is64() bool {
	return p.Arch.Is64()
}

// Validate checks the profile before layout
func (p *ImageProfile) Validate() error {
	var problems []string
	if ps := p.PointerSize(); ps != 4 && ps != 8 {
		problems = append(problems, fmt.Sprintf("unsupported architecture %s", p.Arch))
	}
	if p.SectionAlignment == 0 || bits.OnesCount32(p.SectionAlignment) != 1 {
		problems = append(problems, fmt.Sprintf("section alignment 0x%x is not a power of two", p.SectionAlignment))
	}
	if p.FileAlignment == 0 || bits.OnesCount32(p.FileAlignment) != 1 {
		problems = append(problems, fmt.Sprintf("file alignment 0x%x is not a power of two", p.FileAlignment))
	}
	if p.FileAlignment > p.SectionAlignment {
		problems = append(problems, fmt.Sprintf("file alignment 0x%x exceeds section alignment 0x%x", p.FileAlignment, p.SectionAlignment))
	}
	if p.ImageBase%0x10000 != 0 {
		problems = append(problems, fmt.Sprintf("image base 0x%x is not a multiple of 64 KiB", p.ImageBase))
	}
	if !p.Is64() && p.ImageBase > 0xFFFFFFFF {
		problems = append(problems, fmt.Sprintf("image base 0x%x does not fit a 32-bit image", p.ImageBase))
	}
	if p.Subsystem != SubsystemGUI && p.Subsystem != SubsystemConsole {
		problems = append(problems, fmt.Sprintf("unsupported subsystem %d", p.Subsystem))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrBadProfile, strings.Join(problems, "; "))
	}
	return nil
}

// ParseSubsystem parses "console" or "gui"
func ParseSubsystem(s string) (uint16, error) {
	switch strings.ToLower(s) {
	case "", "console", "cui":
		return SubsystemConsole, nil
	case "gui", "windows":
		return SubsystemGUI, nil
	default:
		return 0, fmt.Errorf("unknown subsystem %q (supported: console, gui)", s)
	}
}
