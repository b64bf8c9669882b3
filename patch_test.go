package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xyproto/pemit/internal/engine"
)

func resolve(t *testing.T, store *SectionStore, labels *LabelTable, imports *ImportSet, profile *ImageProfile) (*PatchResolver, *ImagePlan, error) {
	t.Helper()
	plan, err := PlanImage(store, labels, imports, profile)
	require.NoError(t, err)
	pr := NewPatchResolver(plan.Sections, labels, plan.Layout, profile)
	return pr, plan, pr.Resolve()
}

func TestResolveRel32ToImport(t *testing.T) {
	img := newKernel32Image(t)
	pr, plan, err := resolve(t, img.store, img.labels, img.imports, img.profile)
	require.NoError(t, err)

	require.Len(t, pr.Resolved(), 1)
	rp := pr.Resolved()[0]
	assert.Equal(t, SectionText, rp.Section)
	assert.Equal(t, uint32(0x3045), rp.Target)
	assert.Equal(t, int64(0x404), rp.FileOffset)
	// IAT slot minus the address of the next instruction byte
	assert.Equal(t, uint64(0x3045-(0x1000+4+4)), rp.Value)
	assert.Equal(t, uint64(0x203D), rp.Value)

	// Apply writes exactly 4 bytes
	out := &memFile{data: bytes.Repeat([]byte{0xAA}, int(plan.Layout.SizeOfImage))}
	before := bytes.Clone(out.data)
	require.NoError(t, pr.Apply(out))
	assert.Equal(t, uint32(0x203D), le32(out.data[0x404:]))
	assert.Equal(t, before[:0x404], out.data[:0x404])
	assert.Equal(t, before[0x408:], out.data[0x408:])
}

// dataImage has 16 bytes of code and a 24-byte data section whose patches
// point back at the code
func dataImage(t *testing.T, arch engine.Arch, patches ...PatchRequest) (*SectionStore, *LabelTable, *ImageProfile) {
	t.Helper()
	store := NewSectionStore()
	labels := NewLabelTable()
	text := store.Add(SectionText)
	text.Write(make([]byte, 16))
	data := store.Add(SectionData)
	data.Write(make([]byte, 24))
	require.NoError(t, labels.DefineLocal("start", SectionText, 0))
	require.NoError(t, labels.DefineLocal("msg", SectionData, 16))
	for _, p := range patches {
		require.NoError(t, data.AddPatch(p))
	}
	return store, labels, DefaultProfile(arch)
}

func TestResolvePatchKinds(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "start", Offset: 0, Kind: PatchAddr64},
		PatchRequest{Label: "msg", Offset: 8, Kind: PatchRVA32, Addend: 2},
		PatchRequest{Label: "start", Offset: 12, Kind: PatchRel32},
		PatchRequest{Label: "msg", Offset: 16, Kind: PatchRel32, Addend: -4},
	)
	pr, _, err := resolve(t, store, labels, nil, profile)
	require.NoError(t, err)

	got := pr.Resolved()
	require.Len(t, got, 4)
	// .text at 0x1000, .data at 0x2000
	assert.Equal(t, uint64(0x140001000), got[0].Value)
	assert.Equal(t, int64(0x600), got[0].FileOffset)
	assert.Equal(t, uint64(0x2012), got[1].Value)
	assert.Equal(t, uint32(0x2012), got[1].Target)
	assert.Equal(t, uint64(0xFFFFEFF0), got[2].Value, "0x1000 - 0x2010")
	assert.Equal(t, uint64(0xFFFFFFF8), got[3].Value, "0x200C - 0x2014")

	out := &memFile{data: make([]byte, 0x800)}
	require.NoError(t, pr.Apply(out))
	assert.Equal(t, uint64(0x140001000), le64(out.data[0x600:]))
	assert.Equal(t, uint32(0x2012), le32(out.data[0x608:]))
	assert.Equal(t, uint32(0xFFFFEFF0), le32(out.data[0x60C:]))
	assert.Equal(t, uint32(0xFFFFFFF8), le32(out.data[0x610:]))
}

func TestResolveAddr32(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchI386,
		PatchRequest{Label: "msg", Offset: 4, Kind: PatchAddr32})
	pr, _, err := resolve(t, store, labels, nil, profile)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000+0x2010), pr.Resolved()[0].Value)

	// a 64-bit image base does not fit in 32 bits
	store, labels, profile = dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "msg", Offset: 4, Kind: PatchAddr32})
	_, _, err = resolve(t, store, labels, nil, profile)
	assert.ErrorIs(t, err, ErrDisplacementRange)
}

func TestResolveNegativeTarget(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "start", Offset: 0, Kind: PatchRVA32, Addend: -0x2000})
	_, _, err := resolve(t, store, labels, nil, profile)
	assert.ErrorIs(t, err, ErrDisplacementRange)
}

func TestResolvePatchOutOfRange(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "start", Offset: 20, Kind: PatchAddr64})
	_, _, err := resolve(t, store, labels, nil, profile)
	require.ErrorIs(t, err, ErrPatchOutOfRange)

	var emitErr *EmitError
	require.ErrorAs(t, err, &emitErr)
	assert.Equal(t, ".data", emitErr.Section)
	assert.Equal(t, 20, emitErr.Offset)
}

func TestResolveReportsEveryMissingLabel(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "strat", Offset: 0, Kind: PatchRel32},
		PatchRequest{Label: "nowhere", Offset: 4, Kind: PatchRel32},
		PatchRequest{Label: "strat", Offset: 8, Kind: PatchRel32},
	)
	_, _, err := resolve(t, store, labels, nil, profile)
	require.ErrorIs(t, err, ErrUnresolvedLabel)

	var emitErr *EmitError
	require.ErrorAs(t, err, &emitErr)
	assert.Equal(t, "undefined labels: 'strat', 'nowhere'", emitErr.Message)
	assert.Equal(t, ".data", emitErr.Section)
	assert.Equal(t, 0, emitErr.Offset)
	assert.Contains(t, emitErr.Context.Suggestion, "'start'")
	assert.Contains(t, emitErr.Format(false), "help: did you mean")
}

func TestResolveSingleMissingLabel(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "zzz", Offset: 4, Kind: PatchAddr64})
	_, _, err := resolve(t, store, labels, nil, profile)
	require.ErrorIs(t, err, ErrUnresolvedLabel)
	assert.Contains(t, err.Error(), `undefined label "zzz"`)
}

func TestResolveLabelInAbsentSection(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "buffer", Offset: 0, Kind: PatchAddr64})
	require.NoError(t, labels.DefineLocal("buffer", SectionBSS, 0))
	_, _, err := resolve(t, store, labels, nil, profile)
	assert.ErrorIs(t, err, ErrUnresolvedLabel)
}

func TestResolveImportWithoutSlot(t *testing.T) {
	store, labels, profile := dataImage(t, engine.ArchX86_64,
		PatchRequest{Label: "ExitProcess", Offset: 0, Kind: PatchRVA32})
	_, err := NewImportSet(labels).Add("kernel32", "ExitProcess")
	require.NoError(t, err)

	// the import set is not handed to the planner, so no slot is assigned
	_, _, err = resolve(t, store, labels, nil, profile)
	assert.ErrorIs(t, err, ErrInternal)
}
