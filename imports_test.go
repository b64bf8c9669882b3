package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImports(t *testing.T, pairs ...[2]string) *ImportSet {
	t.Helper()
	is := NewImportSet(NewLabelTable())
	for _, p := range pairs {
		_, err := is.Add(p[0], p[1])
		require.NoError(t, err)
	}
	return is
}

func TestImportDirectorySingleFunction(t *testing.T) {
	is := newImports(t, [2]string{"kernel32", "ExitProcess"})
	dir, err := BuildImportDirectory(is.Libraries(), 0x3000, 8)
	require.NoError(t, err)

	// 2 descriptors, then "kernel32.dll\0" (13), ILT (16), IAT (16), hint+name (14)
	require.Len(t, dir.Libraries, 1)
	ll := dir.Libraries[0]
	assert.Equal(t, uint32(40), dir.DirectorySize)
	assert.Equal(t, uint32(0x3028), ll.NameRVA)
	assert.Equal(t, uint32(0x3035), ll.ILTRVA)
	assert.Equal(t, uint32(0x3045), ll.IATRVA)
	assert.Equal(t, uint32(0x3055), ll.HNTStart)
	assert.Equal(t, uint32(0x3063), ll.HNTEnd)
	assert.Len(t, dir.Bytes, 0x63)
	assert.Equal(t, uint32(0x3045), is.Libraries()[0].Functions[0].IATRVA)
	assert.Equal(t, uint32(0x3045), dir.IATStart)
	assert.Equal(t, uint32(16), dir.IATSize())

	b := dir.Bytes
	// descriptor: OriginalFirstThunk, TimeDateStamp, ForwarderChain, Name, FirstThunk
	assert.Equal(t, uint32(0x3035), le32(b[0:]))
	assert.Equal(t, uint32(0), le32(b[4:]))
	assert.Equal(t, uint32(0), le32(b[8:]))
	assert.Equal(t, uint32(0x3028), le32(b[12:]))
	assert.Equal(t, uint32(0x3045), le32(b[16:]))
	assert.Equal(t, make([]byte, 20), b[20:40], "terminating descriptor")
	assert.Equal(t, "kernel32.dll\x00", string(b[0x28:0x35]))

	// ILT and IAT both point at the hint/name entry
	assert.Equal(t, uint64(0x3055), le64(b[0x35:]))
	assert.Equal(t, uint64(0), le64(b[0x3D:]))
	assert.Equal(t, b[0x35:0x45], b[0x45:0x55], "IAT is byte-identical to ILT")
	assert.Equal(t, uint16(0), le16(b[0x55:]))
	assert.Equal(t, "ExitProcess\x00", string(b[0x57:0x63]))
}

func TestImportDirectoryChainsLibraries(t *testing.T) {
	is := newImports(t,
		[2]string{"kernel32", "ExitProcess"},
		[2]string{"kernel32", "GetStdHandle"},
		[2]string{"msvcrt", "printf"},
	)
	const base = 0x5000
	dir, err := BuildImportDirectory(is.Libraries(), base, 8)
	require.NoError(t, err)
	require.Len(t, dir.Libraries, 2)

	k, m := dir.Libraries[0], dir.Libraries[1]
	assert.Equal(t, uint32(base+3*20), k.NameRVA)
	assert.Equal(t, k.NameRVA+uint32(len("kernel32.dll")+1), k.ILTRVA)
	assert.Equal(t, k.ILTRVA+3*8, k.IATRVA)
	assert.Equal(t, k.IATRVA+3*8, k.HNTStart)
	assert.Equal(t, k.HNTStart+(2+11+1)+(2+12+1), k.HNTEnd)

	// the next library starts where the previous hint/name table ended
	assert.Equal(t, k.HNTEnd, m.NameRVA)
	assert.Equal(t, m.NameRVA+uint32(len("msvcrt.dll")+1), m.ILTRVA)
	assert.Equal(t, m.HNTStart+(2+6+1), m.HNTEnd)
	assert.Equal(t, m.HNTEnd-base, uint32(len(dir.Bytes)))

	fns := is.Libraries()[0].Functions
	assert.Equal(t, k.IATRVA, fns[0].IATRVA)
	assert.Equal(t, k.IATRVA+8, fns[1].IATRVA)
	assert.Equal(t, m.IATRVA, is.Libraries()[1].Functions[0].IATRVA)
	assert.Equal(t, k.IATRVA, dir.IATStart)
	assert.Equal(t, m.HNTStart, dir.IATEnd)
}

func TestImportDirectoryDeterministic(t *testing.T) {
	build := func() *ImportDirectory {
		is := newImports(t,
			[2]string{"user32", "MessageBoxA"},
			[2]string{"kernel32", "ExitProcess"},
			[2]string{"gdi32", "TextOutA"},
			[2]string{"kernel32", "WriteFile"},
		)
		dir, err := BuildImportDirectory(is.Libraries(), 0x4000, 8)
		require.NoError(t, err)
		return dir
	}
	first := build()
	for range 20 {
		again := build()
		assert.Equal(t, first.Libraries, again.Libraries)
		assert.True(t, bytes.Equal(first.Bytes, again.Bytes))
	}
	// insertion order, not alphabetical
	assert.Equal(t, "user32.dll", first.Libraries[0].Name)
	assert.Equal(t, "kernel32.dll", first.Libraries[1].Name)
	assert.Equal(t, "gdi32.dll", first.Libraries[2].Name)
}

func TestImportDirectorySizeMatchesBytes(t *testing.T) {
	is := newImports(t,
		[2]string{"kernel32", "ExitProcess"},
		[2]string{"SDL3", "SDL_Init"},
		[2]string{"SDL3", "SDL_Quit"},
	)
	is.AddLibrary("ws2_32") // no functions
	for _, ptr := range []int{4, 8} {
		size := ImportDirectorySize(is.Libraries(), ptr)
		for _, base := range []uint32{0x1000, 0x3000, 0x12345} {
			dir, err := BuildImportDirectory(is.Libraries(), base, ptr)
			require.NoError(t, err)
			assert.Equal(t, size, uint32(len(dir.Bytes)), "ptr=%d base=0x%x", ptr, base)
		}
	}
}

func TestImportDirectory32Bit(t *testing.T) {
	is := newImports(t, [2]string{"kernel32", "ExitProcess"})
	dir, err := BuildImportDirectory(is.Libraries(), 0x3000, 4)
	require.NoError(t, err)
	ll := dir.Libraries[0]
	assert.Equal(t, ll.ILTRVA+8, ll.IATRVA)
	assert.Equal(t, ll.IATRVA+8, ll.HNTStart)
	assert.Equal(t, ll.HNTStart, le32(dir.Bytes[ll.ILTRVA-0x3000:]))

	_, err = BuildImportDirectory(is.Libraries(), 0x3000, 2)
	assert.ErrorIs(t, err, ErrInternal)
}

func TestImportDirectoryEmptyLibrary(t *testing.T) {
	is := NewImportSet(nil)
	is.AddLibrary("user32")
	dir, err := BuildImportDirectory(is.Libraries(), 0x2000, 8)
	require.NoError(t, err)
	ll := dir.Libraries[0]
	// only the null terminators
	assert.Equal(t, ll.ILTRVA+8, ll.IATRVA)
	assert.Equal(t, ll.HNTStart, ll.HNTEnd)
	assert.Equal(t, uint64(0), le64(dir.Bytes[ll.ILTRVA-0x2000:]))
}

func TestImportSetNormalizesAndDeduplicates(t *testing.T) {
	is := NewImportSet(NewLabelTable())
	a, err := is.Add("kernel32", "ExitProcess")
	require.NoError(t, err)
	b, err := is.Add("KERNEL32.DLL", "ExitProcess")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, is.Len())
	assert.Equal(t, "kernel32.dll", is.Libraries()[0].Name)

	_, err = is.Add("kernel32", "")
	assert.Error(t, err)
}

func TestMapLibraryToDLL(t *testing.T) {
	assert.Equal(t, "kernel32.dll", mapLibraryToDLL("kernel32"))
	assert.Equal(t, "SDL3.dll", mapLibraryToDLL("sdl3"))
	assert.Equal(t, "opengl32.dll", mapLibraryToDLL("opengl"))
	assert.Equal(t, "foo.dll", mapLibraryToDLL("foo"))
	assert.Equal(t, "custom.drv", mapLibraryToDLL("custom.drv"))
}
