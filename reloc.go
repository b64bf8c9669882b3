package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"slices"
)

// reloc.go - Base relocation blocks
//
// Every absolute patch (addr32, addr64) holds a value that depends on the
// load address, so the loader must be told where it is. Each 4 KiB page with
// such locations gets one block:
//
//	page RVA     (4 bytes)
//	block size   (4 bytes, header included)
//	entries      (2 bytes each: type<<12 | offset in page)
//
// A block with an odd number of entries gets one zero entry so the next
// header stays 4-byte aligned.

// Base relocation types
const (
	relBasedAbsolute = 0  // padding
	relBasedHighLow  = 3  // 32-bit address
	relBasedDir64    = 10 // 64-bit address

	relocPageSize        = 0x1000
	relocBlockHeaderSize = 8
)

// RelocationPage lists the relocation entries of one 4 KiB page
type RelocationPage struct {
	PageRVA uint32
	Entries []uint16
}

// relocationType maps an absolute patch kind to its base relocation type
func relocationType(kind PatchKind) (uint16, bool) {
	switch kind {
	case PatchAddr32:
		return relBasedHighLow, true
	case PatchAddr64:
		return relBasedDir64, true
	default:
		return 0, false
	}
}

// CollectRelocationPages projects the absolute patches of the given sections
// onto pages. Every section with absolute patches must already be placed.
// Pages come out sorted by RVA and entries by offset.
func CollectRelocationPages(sections []*Section) ([]RelocationPage, error) {
	byPage := make(map[uint32][]uint16)
	for _, s := range sections {
		for _, p := range s.Patches() {
			typ, ok := relocationType(p.Kind)
			if !ok {
				continue
			}
			if !s.Placed() {
				return nil, SectionError(CategoryLayout, ErrLayoutOrder, s.Name(), int(p.Offset),
					"base relocation requested before the section was placed")
			}
			rva := s.RVA() + p.Offset
			page := rva &^ (relocPageSize - 1)
			byPage[page] = append(byPage[page], typ<<12|uint16(rva&(relocPageSize-1)))
		}
	}

	pageRVAs := make([]uint32, 0, len(byPage))
	for page := range byPage {
		pageRVAs = append(pageRVAs, page)
	}
	slices.Sort(pageRVAs)

	pages := make([]RelocationPage, 0, len(pageRVAs))
	for _, page := range pageRVAs {
		entries := byPage[page]
		slices.SortFunc(entries, func(a, b uint16) int {
			return int(a&0x0FFF) - int(b&0x0FFF)
		})
		pages = append(pages, RelocationPage{PageRVA: page, Entries: entries})
	}
	return pages, nil
}

func relocationBlockSize(page RelocationPage) uint32 {
	n := len(page.Entries)
	if n%2 != 0 {
		n++
	}
	return uint32(relocBlockHeaderSize + 2*n)
}

// RelocationBlocksSize returns the size of the serialized blocks
func RelocationBlocksSize(pages []RelocationPage) uint32 {
	var size uint32
	for _, page := range pages {
		size += relocationBlockSize(page)
	}
	return size
}

// Confidence that this function is working: 90%
// BuildRelocationBlocks serializes one block per page
func BuildRelocationBlocks(pages []RelocationPage) ([]byte, error) {
	buf := make([]byte, 0, RelocationBlocksSize(pages))
	for _, page := range pages {
		if page.PageRVA%relocPageSize != 0 {
			return nil, FatalError(CategoryInternal, ErrInternal, "relocation page RVA 0x%x is not page aligned", page.PageRVA)
		}
		if len(page.Entries) == 0 {
			return nil, FatalError(CategoryInternal, ErrInternal, "relocation page 0x%x has no entries", page.PageRVA)
		}
		buf = binary.LittleEndian.AppendUint32(buf, page.PageRVA)
		buf = binary.LittleEndian.AppendUint32(buf, relocationBlockSize(page))
		for _, e := range page.Entries {
			buf = binary.LittleEndian.AppendUint16(buf, e)
		}
		if len(page.Entries)%2 != 0 {
			buf = binary.LittleEndian.AppendUint16(buf, relBasedAbsolute)
		}
	}

	if VerboseMode && len(pages) > 0 {
		fmt.Fprintf(os.Stderr, "Base relocations: %d blocks, %d bytes\n", len(pages), len(buf))
	}
	return buf, nil
}
