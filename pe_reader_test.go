package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyproto/pemit/internal/engine"
)

func emittedBytes(t *testing.T, img *kernel32Image) []byte {
	t.Helper()
	out, _ := emitToTemp(t, img, "image.exe")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	return data
}

func TestPEReaderHeaders(t *testing.T) {
	data := emittedBytes(t, newKernel32Image(t))
	pr, err := ReadPE(bytes.NewReader(data))
	require.NoError(t, err)
	assert.NoError(t, pr.Close())

	coff := pr.COFF()
	assert.Equal(t, uint16(0x8664), coff.Machine)
	assert.Equal(t, uint16(3), coff.NumberOfSections)
	assert.Equal(t, uint32(0), coff.TimeDateStamp)

	opt := pr.Optional()
	assert.Equal(t, uint16(0x20B), opt.Magic)
	assert.Equal(t, uint64(0x140000000), opt.ImageBase)
	assert.Equal(t, uint32(0x1000), opt.AddressOfEntryPoint)
	assert.Equal(t, uint64(0x1000), opt.SizeOfStackCommit)

	var names []string
	for _, sh := range pr.Sections() {
		names = append(names, sh.GetName())
	}
	assert.Equal(t, []string{".text", ".rdata", ".idata"}, names)

	sh, ok := pr.Section(".rdata")
	require.True(t, ok)
	assert.Equal(t, uint32(0x2000), sh.VirtualAddress)
	_, ok = pr.Section(".reloc")
	assert.False(t, ok)

	b, err := pr.ReadRVA(0x2000, 5)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(b))
	s, err := pr.readStringAtRVA(0x3028)
	require.NoError(t, err)
	assert.Equal(t, "kernel32.dll", s)

	_, err = pr.ReadRVA(0x9000, 1)
	assert.Error(t, err)
}

func TestPEReader32Bit(t *testing.T) {
	img := newKernel32Image(t)
	img.profile = DefaultProfile(engine.ArchI386)
	img.profile.Relocatable = true
	text, _ := img.store.Section(SectionText)
	require.NoError(t, text.AddPatch(PatchRequest{Label: "greeting", Offset: 8, Kind: PatchAddr32}))
	data := emittedBytes(t, img)

	pr, err := ReadPE(bytes.NewReader(data))
	require.NoError(t, err)
	assert.False(t, pr.Is64())
	assert.Equal(t, uint64(0x400000), pr.Optional().ImageBase)
	assert.Equal(t, uint32(0x2000), pr.Optional().BaseOfData)

	libs, err := pr.Imports()
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, uint32(0x303D), libs[0].Functions[0].IATRVA)

	pages, err := pr.BaseRelocations()
	require.NoError(t, err)
	assert.Equal(t, []RelocationPage{{PageRVA: 0x1000, Entries: []uint16{0x3008}}}, pages)

	// a block size that runs past the directory
	sh, ok := pr.Section(".reloc")
	require.True(t, ok)
	binary.LittleEndian.PutUint32(data[sh.PointerToRawData+4:], 0x40)
	pr, err = ReadPE(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = pr.BaseRelocations()
	assert.ErrorContains(t, err, "malformed relocation block")
}

func TestPEReaderUninitializedData(t *testing.T) {
	store := NewSectionStore()
	store.Add(SectionText).Write([]byte{0xC3})
	require.NoError(t, store.Add(SectionBSS).Reserve(64))
	img := &kernel32Image{store: store, labels: NewLabelTable(), profile: DefaultProfile(engine.ArchX86_64)}
	data := emittedBytes(t, img)

	pr, err := ReadPE(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = pr.ReadRVA(0x2000, 4)
	assert.ErrorContains(t, err, "uninitialized part of .bss")

	libs, err := pr.Imports()
	require.NoError(t, err)
	assert.Empty(t, libs)
}

func TestPEReaderOrdinalImport(t *testing.T) {
	data := emittedBytes(t, newKernel32Image(t))
	// ILT and IAT entries for ExitProcess become ordinal 7
	ordinal := uint64(1)<<63 | 7
	binary.LittleEndian.PutUint64(data[0x800+0x35:], ordinal)
	binary.LittleEndian.PutUint64(data[0x800+0x45:], ordinal)

	pr, err := ReadPE(bytes.NewReader(data))
	require.NoError(t, err)
	libs, err := pr.Imports()
	require.NoError(t, err)
	assert.Equal(t, "#7", libs[0].Functions[0].Name)
}

func TestPEReaderRejectsGarbage(t *testing.T) {
	_, err := ReadPE(bytes.NewReader([]byte("ELF not a PE file")))
	assert.ErrorContains(t, err, "invalid DOS magic")

	_, err = ReadPE(bytes.NewReader([]byte{'M'}))
	assert.Error(t, err)

	stub := make([]byte, 0x100)
	stub[0], stub[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(stub[0x3C:], 0x80)
	_, err = ReadPE(bytes.NewReader(stub))
	assert.ErrorContains(t, err, "invalid PE signature")

	data := emittedBytes(t, newKernel32Image(t))
	binary.LittleEndian.PutUint16(data[0xC0+24:], 0x107) // ROM image magic
	_, err = ReadPE(bytes.NewReader(data))
	assert.ErrorContains(t, err, "unknown optional header magic")

	_, err = OpenPE("does-not-exist.exe")
	assert.Error(t, err)
}

func TestSectionHeaderGetName(t *testing.T) {
	sh := SectionHeader{Name: [8]byte{'.', 't', 'e', 'x', 't'}}
	assert.Equal(t, ".text", sh.GetName())
	sh = SectionHeader{Name: [8]byte{'.', 'r', 'e', 'l', 'o', 'c', ' ', ' '}}
	assert.Equal(t, ".reloc", sh.GetName())
}
