package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSectionKindNamesAndFlags(t *testing.T) {
	tests := []struct {
		kind  SectionKind
		name  string
		flags uint32
	}{
		{SectionText, ".text", 0x60000020},
		{SectionRData, ".rdata", 0x40000040},
		{SectionData, ".data", 0xC0000040},
		{SectionBSS, ".bss", 0xC0000080},
		{SectionIData, ".idata", 0xC0000040},
		{SectionReloc, ".reloc", 0x42000040},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.kind.String())
		assert.Equal(t, tt.flags, tt.kind.Characteristics(), tt.name)
	}
}

func TestParseSectionKind(t *testing.T) {
	for in, want := range map[string]SectionKind{
		"text": SectionText, ".text": SectionText, "code": SectionText,
		"rdata": SectionRData, "rodata": SectionRData,
		"data": SectionData, "BSS": SectionBSS,
	} {
		got, err := ParseSectionKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSectionKind("idata")
	assert.Error(t, err, "idata is synthesized")
	_, err = ParseSectionKind("tls")
	assert.Error(t, err)
}

func TestParsePatchKind(t *testing.T) {
	for in, want := range map[string]PatchKind{
		"": PatchRel32, "rel32": PatchRel32, "rva": PatchRVA32,
		"addr32": PatchAddr32, "abs64": PatchAddr64,
	} {
		got, err := ParsePatchKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePatchKind("rel8")
	assert.Error(t, err)

	assert.Equal(t, 4, PatchRel32.Width())
	assert.Equal(t, 4, PatchAddr32.Width())
	assert.Equal(t, 8, PatchAddr64.Width())
	assert.True(t, PatchAddr32.Absolute())
	assert.False(t, PatchRel32.Absolute())
	assert.False(t, PatchRVA32.Absolute())
}

func TestSectionStorePresentIsCanonical(t *testing.T) {
	st := NewSectionStore()
	st.Add(SectionBSS)
	st.Add(SectionText)
	st.Add(SectionData)

	var kinds []SectionKind
	for _, s := range st.Present() {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []SectionKind{SectionText, SectionData, SectionBSS}, kinds)

	// Add returns the existing section
	assert.Same(t, st.Add(SectionText), st.Add(SectionText))

	_, ok := st.Section(SectionRData)
	assert.False(t, ok)
}

func TestSectionStoreRejectsSynthesizedKinds(t *testing.T) {
	st := NewSectionStore()
	assert.Panics(t, func() { st.Add(SectionIData) })
	assert.Panics(t, func() { st.Add(SectionReloc) })
	assert.Panics(t, func() { st.Add(SectionKind(42)) })
}

func TestSectionBSSHasNoFileBytes(t *testing.T) {
	st := NewSectionStore()
	bss := st.Add(SectionBSS)
	_, err := bss.Write([]byte{1})
	assert.Error(t, err)

	require.NoError(t, bss.Reserve(0x100))
	require.NoError(t, bss.Reserve(0x20))
	assert.Equal(t, uint32(0), bss.RawSize())
	assert.Equal(t, uint32(0x120), bss.MemorySize())
	assert.Equal(t, uint32(0x120), bss.Len())

	text := st.Add(SectionText)
	assert.Error(t, text.Reserve(4))
}

func TestSectionPatchCapacity(t *testing.T) {
	st := NewSectionStore()
	st.SetPatchCapacity(2)
	text := st.Add(SectionText)
	text.Write(make([]byte, 16))

	require.NoError(t, text.AddPatch(PatchRequest{Label: "a", Offset: 0}))
	require.NoError(t, text.AddPatch(PatchRequest{Label: "b", Offset: 4}))
	err := text.AddPatch(PatchRequest{Label: "c", Offset: 8})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPatchCapacity))

	var emitErr *EmitError
	require.ErrorAs(t, err, &emitErr)
	assert.Equal(t, ".text", emitErr.Section)
	assert.Equal(t, 8, emitErr.Offset)
	assert.Len(t, text.Patches(), 2)
}

func TestSectionStoreEmitsOnce(t *testing.T) {
	st := NewSectionStore()
	text := st.Add(SectionText)
	text.Write([]byte{0xC3})

	require.NoError(t, st.commit())
	assert.ErrorIs(t, st.commit(), ErrAlreadyEmitted)

	// content is frozen once emission starts
	assert.Panics(t, func() { text.Write([]byte{0x90}) })
	assert.Panics(t, func() { text.AddPatch(PatchRequest{Label: "x"}) })
	assert.Equal(t, []byte{0xC3}, text.Bytes())
}

func TestSectionPlacedOnce(t *testing.T) {
	st := NewSectionStore()
	text := st.Add(SectionText)
	assert.False(t, text.Placed())
	assert.Equal(t, uint32(0), text.RVA())
	assert.Equal(t, uint32(0), text.FilePosition())

	require.NoError(t, text.place(Placement{Kind: SectionText, RVA: 0x1000, FilePosition: 0x400}))
	assert.True(t, text.Placed())
	assert.Equal(t, uint32(0x1000), text.RVA())
	assert.Equal(t, uint32(0x400), text.FilePosition())

	assert.ErrorIs(t, text.place(Placement{Kind: SectionText, RVA: 0x2000}), ErrInternal)
	assert.Equal(t, uint32(0x1000), text.RVA())
}

func TestHasAbsolutePatches(t *testing.T) {
	st := NewSectionStore()
	text := st.Add(SectionText)
	text.Write(make([]byte, 8))
	text.AddPatch(PatchRequest{Label: "x", Kind: PatchRel32})
	assert.False(t, st.hasAbsolutePatches())

	data := st.Add(SectionData)
	data.Write(make([]byte, 8))
	data.AddPatch(PatchRequest{Label: "x", Kind: PatchAddr64})
	assert.True(t, st.hasAbsolutePatches())
}
