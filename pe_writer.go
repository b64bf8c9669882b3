// Completion: 100% - PE32 and PE32+ image writer
package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// pe_writer.go - Three-pass PE image writer
//
//  1. WriteSkeleton: headers and section table, layout-dependent fields zeroed
//  2. WriteContent:  section bytes and zero padding in canonical order
//  3. FixupHeaders:  overwrite every zeroed field at its recorded offset

// COFF characteristics
const (
	fileRelocsStripped     = 0x0001
	fileExecutableImage    = 0x0002
	fileLargeAddressAware  = 0x0020
	file32BitMachine       = 0x0100
	fileDLL                = 0x2000
	peMagic32              = 0x010B
	peMagic64              = 0x020B
	numberOfDataDirs       = 16
	dataDirSize            = 8
	dataDirImport          = 1
	dataDirBaseReloc       = 5
	dataDirIAT             = 12
	dllCharHighEntropyVA   = 0x0020
	dllCharDynamicBase     = 0x0040
	dllCharNXCompat        = 0x0100
	dllCharTerminalService = 0x8000
)

// dosStub prints a message and exits when run under DOS
var dosStub = []byte{
	0x0E, 0x1F, 0xBA, 0x0E, 0x00, 0xB4, 0x09, 0xCD, 0x21, 0xB8, 0x01, 0x4C, 0xCD, 0x21,
}

const dosStubMessage = "This program requires Windows.\r\n$"

// DataDirectory is one entry of the optional header's data directory array
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// HeaderValues are the header fields known only after layout and import synthesis
type HeaderValues struct {
	EntryPoint uint32
	Imports    DataDirectory
	IAT        DataDirectory
	BaseRelocs DataDirectory
}

// OutputFile is what the writer needs from its destination
type OutputFile interface {
	io.Writer
	io.WriterAt
	io.Seeker
}

// fieldOffsets records where each provisional header field lives in the file
type fieldOffsets struct {
	sizeOfCode       int64
	sizeOfInitData   int64
	sizeOfUninitData int64
	entryPoint       int64
	baseOfCode       int64
	baseOfData       int64 // PE32 only, -1 otherwise
	sizeOfImage      int64
	sizeOfHeaders    int64
	dataDirs         int64
	sectionHeaders   []int64
}

type writerPass int

const (
	passInit writerPass = iota
	passSkeleton
	passContent
	passFixup
)

// PEWriter writes one image to one output file
type PEWriter struct {
	out      OutputFile
	profile  *ImageProfile
	sections []*Section
	offsets  fieldOffsets
	pass     writerPass

	contentImageSize uint32 // running size of image from the content pass
}

// NewPEWriter creates a writer for the sections that are present, in canonical order
func NewPEWriter(out OutputFile, profile *ImageProfile, sections []*Section) *PEWriter {
	return &PEWriter{
		out:      out,
		profile:  profile,
		sections: sections,
	}
}

func (w *PEWriter) expectPass(want writerPass, operation string) error {
	if w.pass != want {
		return FatalError(CategoryInternal, ErrInternal, "PE writer: %s out of order", operation)
	}
	return nil
}

func (w *PEWriter) coffCharacteristics() uint16 {
	c := uint16(fileExecutableImage)
	if w.profile.Is64() {
		c |= fileLargeAddressAware
	} else {
		c |= file32BitMachine
	}
	if !w.profile.Relocatable {
		c |= fileRelocsStripped
	}
	if w.profile.DLL {
		c |= fileDLL
	}
	return c
}

func (w *PEWriter) dllCharacteristics() uint16 {
	c := uint16(dllCharNXCompat)
	if !w.profile.DLL {
		c |= dllCharTerminalService
	}
	if w.profile.Relocatable {
		c |= dllCharDynamicBase
		if w.profile.Is64() {
			c |= dllCharHighEntropyVA
		}
	}
	return c
}

// Confidence that this function is working: 90%
// WriteSkeleton writes the headers and section table with every
// layout-dependent field zeroed, remembering where each one is.
func (w *PEWriter) WriteSkeleton() error {
	if err := w.expectPass(passInit, "skeleton pass"); err != nil {
		return err
	}
	if len(w.sections) > MaxSections {
		return FatalError(CategoryLayout, ErrTooManySections, "%d sections, at most %d supported", len(w.sections), MaxSections)
	}

	var buf bytes.Buffer
	pos := func() int64 { return int64(buf.Len()) }
	writeU16 := func(v uint16) {
		buf.Write([]byte{byte(v), byte(v >> 8)})
	}
	writeU32 := func(v uint32) {
		buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	}
	writeU64 := func(v uint64) {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	// pointer-sized field: 8 bytes for PE32+, 4 for PE32
	writePtr := func(v uint64) {
		if w.profile.Is64() {
			writeU64(v)
		} else {
			writeU32(uint32(v))
		}
	}
	// placeholder reserves a zeroed 32-bit field and returns its offset
	placeholder := func() int64 {
		off := pos()
		writeU32(0)
		return off
	}

	// === DOS Header (64 bytes) ===
	writeU16(0x5A4D) // "MZ" signature
	buf.Write(make([]byte, 58))
	writeU32(peHeaderOffset) // e_lfanew

	// === DOS Stub ===
	buf.Write(dosStub)
	buf.WriteString(dosStubMessage)
	buf.Write(make([]byte, dosStubSize-len(dosStub)-len(dosStubMessage)))

	// === PE Signature ===
	writeU32(0x00004550) // "PE\0\0"

	// === COFF File Header (20 bytes) ===
	optSize := uint16(optionalHeaderSize32)
	if w.profile.Is64() {
		optSize = optionalHeaderSize64
	}
	writeU16(w.profile.Machine())
	writeU16(uint16(len(w.sections)))
	writeU32(0) // TimeDateStamp (0 for reproducibility)
	writeU32(0) // Pointer to symbol table (deprecated)
	writeU32(0) // Number of symbols (deprecated)
	writeU16(optSize)
	writeU16(w.coffCharacteristics())

	// === Optional Header ===
	optStart := pos()
	if w.profile.Is64() {
		writeU16(peMagic64)
	} else {
		writeU16(peMagic32)
	}
	buf.WriteByte(1) // Major linker version
	buf.WriteByte(0) // Minor linker version
	w.offsets.sizeOfCode = placeholder()
	w.offsets.sizeOfInitData = placeholder()
	w.offsets.sizeOfUninitData = placeholder()
	w.offsets.entryPoint = placeholder()
	w.offsets.baseOfCode = placeholder()
	w.offsets.baseOfData = -1
	if !w.profile.Is64() {
		w.offsets.baseOfData = placeholder()
	}
	writePtr(w.profile.ImageBase)
	writeU32(w.profile.SectionAlignment)
	writeU32(w.profile.FileAlignment)
	writeU16(6) // Major OS version
	writeU16(0) // Minor OS version
	writeU16(0) // Major image version
	writeU16(0) // Minor image version
	writeU16(6) // Major subsystem version
	writeU16(0) // Minor subsystem version
	writeU32(0) // Win32 version value (reserved)
	w.offsets.sizeOfImage = placeholder()
	w.offsets.sizeOfHeaders = placeholder()
	writeU32(0) // Checksum
	writeU16(w.profile.Subsystem)
	writeU16(w.dllCharacteristics())
	writePtr(w.profile.StackReserve)
	writePtr(w.profile.StackCommit)
	writePtr(w.profile.HeapReserve)
	writePtr(w.profile.HeapCommit)
	writeU32(0) // Loader flags
	writeU32(numberOfDataDirs)
	w.offsets.dataDirs = pos()
	buf.Write(make([]byte, numberOfDataDirs*dataDirSize))

	if got := pos() - optStart; got != int64(optSize) {
		return FatalError(CategoryInternal, ErrInternal, "optional header is %d bytes, expected %d", got, optSize)
	}

	// === Section Table ===
	w.offsets.sectionHeaders = make([]int64, len(w.sections))
	for i, s := range w.sections {
		w.offsets.sectionHeaders[i] = pos()
		var name [8]byte
		copy(name[:], s.Name())
		buf.Write(name[:])
		writeU32(0) // VirtualSize
		writeU32(0) // VirtualAddress
		writeU32(0) // SizeOfRawData
		writeU32(0) // PointerToRawData
		writeU32(0) // Pointer to relocations
		writeU32(0) // Pointer to line numbers
		writeU16(0) // Number of relocations
		writeU16(0) // Number of line numbers
		writeU32(s.Kind.Characteristics())
	}

	if want := int64(HeaderSize(w.profile, len(w.sections))); pos() != want {
		return FatalError(CategoryInternal, ErrInternal, "headers are %d bytes, expected %d", pos(), want)
	}

	// zero the header padding up to the file alignment
	padded := alignTo(uint32(buf.Len()), w.profile.FileAlignment)
	buf.Write(make([]byte, int(padded)-buf.Len()))

	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return FatalError(CategoryIO, ErrOutputFile, "writing headers: %v", err)
	}
	w.pass = passSkeleton

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "PE skeleton: %d sections, %d header bytes\n", len(w.sections), buf.Len())
	}
	return nil
}

// Confidence that this function is working: 85%
// WriteContent writes each section's bytes at its planned file position,
// followed by zero padding up to its padded size.
func (w *PEWriter) WriteContent(layout *Layout) error {
	if err := w.expectPass(passSkeleton, "content pass"); err != nil {
		return err
	}

	pos, err := w.out.Seek(int64(layout.SizeOfHeaders), io.SeekStart)
	if err != nil {
		return FatalError(CategoryIO, ErrOutputFile, "seeking past headers: %v", err)
	}

	imageSize := alignTo(layout.SizeOfHeaders, w.profile.SectionAlignment)
	for _, s := range w.sections {
		pl, ok := layout.Placement(s.Kind)
		if !ok {
			return FatalError(CategoryInternal, ErrInternal, "%s has no placement", s.Name())
		}
		imageSize += pl.MemorySpan
		if pl.FileSize == 0 {
			continue
		}
		if int64(pl.FilePosition) != pos {
			return SectionError(CategoryLayout, ErrInternal, s.Name(), -1,
				"file position is 0x%x but the plan says 0x%x", pos, pl.FilePosition)
		}
		data := s.Bytes()
		if uint32(len(data)) != pl.RawSize {
			return SectionError(CategoryLayout, ErrInternal, s.Name(), -1,
				"section has %d bytes but was planned with %d", len(data), pl.RawSize)
		}
		if _, err := w.out.Write(data); err != nil {
			return FatalError(CategoryIO, ErrOutputFile, "writing %s: %v", s.Name(), err)
		}
		if _, err := w.out.Write(make([]byte, pl.FileSize-pl.RawSize)); err != nil {
			return FatalError(CategoryIO, ErrOutputFile, "padding %s: %v", s.Name(), err)
		}
		pos += int64(pl.FileSize)

		if VerboseMode {
			fmt.Fprintf(os.Stderr, "PE content: %-7s %d bytes at 0x%x\n", s.Name(), len(data), pl.FilePosition)
		}
	}

	if imageSize != layout.SizeOfImage {
		return FatalError(CategoryInternal, ErrInternal, "running image size 0x%x differs from planned 0x%x", imageSize, layout.SizeOfImage)
	}
	w.contentImageSize = imageSize
	w.pass = passContent
	return nil
}

// aggregateSizes computes SizeOfCode, SizeOfInitializedData and SizeOfUninitializedData
func (w *PEWriter) aggregateSizes(layout *Layout) (code, initData, uninitData uint32) {
	for _, pl := range layout.Placements {
		switch pl.Kind {
		case SectionText:
			code += pl.FileSize
		case SectionBSS:
			uninitData += alignTo(pl.VirtualSize, w.profile.FileAlignment)
		default:
			initData += pl.FileSize
		}
	}
	return code, initData, uninitData
}

// Confidence that this function is working: 90%
// FixupHeaders overwrites every provisional field with its final value
func (w *PEWriter) FixupHeaders(layout *Layout, values HeaderValues) error {
	if err := w.expectPass(passContent, "header fixup"); err != nil {
		return err
	}

	var werr error
	putU32 := func(off int64, v uint32) {
		if werr != nil {
			return
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		_, werr = w.out.WriteAt(b[:], off)
	}

	code, initData, uninitData := w.aggregateSizes(layout)
	putU32(w.offsets.sizeOfCode, code)
	putU32(w.offsets.sizeOfInitData, initData)
	putU32(w.offsets.sizeOfUninitData, uninitData)
	putU32(w.offsets.entryPoint, values.EntryPoint)

	if pl, ok := layout.Placement(SectionText); ok {
		putU32(w.offsets.baseOfCode, pl.RVA)
	}
	if w.offsets.baseOfData >= 0 {
		for _, pl := range layout.Placements {
			if pl.Kind != SectionText {
				putU32(w.offsets.baseOfData, pl.RVA)
				break
			}
		}
	}
	putU32(w.offsets.sizeOfImage, w.contentImageSize)
	putU32(w.offsets.sizeOfHeaders, layout.SizeOfHeaders)

	dir := func(index int, d DataDirectory) {
		off := w.offsets.dataDirs + int64(index*dataDirSize)
		putU32(off, d.VirtualAddress)
		putU32(off+4, d.Size)
	}
	dir(dataDirImport, values.Imports)
	dir(dataDirBaseReloc, values.BaseRelocs)
	dir(dataDirIAT, values.IAT)

	for i, s := range w.sections {
		pl, ok := layout.Placement(s.Kind)
		if !ok {
			return FatalError(CategoryInternal, ErrInternal, "%s has no placement", s.Name())
		}
		off := w.offsets.sectionHeaders[i]
		putU32(off+8, pl.VirtualSize)
		putU32(off+12, pl.RVA)
		putU32(off+16, pl.FileSize)
		putU32(off+20, pl.FilePosition)
	}

	if werr != nil {
		return FatalError(CategoryIO, ErrOutputFile, "fixing up headers: %v", werr)
	}
	w.pass = passFixup

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "PE headers: entry=0x%x image=0x%x code=%d init=%d uninit=%d\n",
			values.EntryPoint, w.contentImageSize, code, initData, uninitData)
	}
	return nil
}
