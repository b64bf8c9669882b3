// Completion: 100% - Target description complete
package engine

import (
	"fmt"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchI386
)

// COFF machine types
const (
	MachineI386  = 0x014c
	MachineAMD64 = 0x8664
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchI386:
		return "i386"
	default:
		return "unknown"
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64", "x64":
		return ArchX86_64, nil
	case "i386", "386", "x86", "i686":
		return ArchI386, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture: %s (supported: amd64, i386)", s)
	}
}

// PointerSize is the width of an address-table slot and of an absolute address
func (a Arch) PointerSize() int {
	switch a {
	case ArchX86_64:
		return 8
	case ArchI386:
		return 4
	default:
		return 0
	}
}

// Machine returns the COFF file header machine field
func (a Arch) Machine() uint16 {
	switch a {
	case ArchX86_64:
		return MachineAMD64
	case ArchI386:
		return MachineI386
	default:
		return 0
	}
}

// Is64 returns true for targets that use the PE32+ optional header
func (a Arch) Is64() bool {
	return a.PointerSize() == 8
}
