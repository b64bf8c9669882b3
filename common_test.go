package main

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xyproto/pemit/internal/engine"
)

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 { return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24 }
func le64(b []byte) uint64 { return uint64(le32(b)) | uint64(le32(b[4:]))<<32 }

// memFile is an in-memory OutputFile
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Write(p []byte) (int, error) {
	n, err := m.WriteAt(p, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	if m.pos < 0 {
		return 0, errors.New("negative position")
	}
	return m.pos, nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(m.data).ReadAt(p, off)
}

// kernel32Image is the classic smallest program: 16 bytes of code with one
// rel32 patch at offset 4 against ExitProcess, plus 12 bytes of read-only data
type kernel32Image struct {
	store   *SectionStore
	labels  *LabelTable
	imports *ImportSet
	profile *ImageProfile
}

func newKernel32Image(t *testing.T) *kernel32Image {
	t.Helper()
	img := &kernel32Image{
		store:   NewSectionStore(),
		labels:  NewLabelTable(),
		profile: DefaultProfile(engine.ArchX86_64),
	}
	img.imports = NewImportSet(img.labels)

	text := img.store.Add(SectionText)
	_, err := text.Write([]byte{
		0x48, 0x83, 0xEC, 0x28, // sub rsp, 0x28 (opaque to the emitter)
		0x00, 0x00, 0x00, 0x00, // patched
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0xC3,
	})
	require.NoError(t, err)
	require.NoError(t, text.AddPatch(PatchRequest{Label: "ExitProcess", Offset: 4, Kind: PatchRel32}))
	require.NoError(t, img.labels.DefineLocal("start", SectionText, 0))

	rdata := img.store.Add(SectionRData)
	_, err = rdata.Write([]byte("Hello world\x00"))
	require.NoError(t, err)
	require.NoError(t, img.labels.DefineLocal("greeting", SectionRData, 0))

	_, err = img.imports.Add("kernel32", "ExitProcess")
	require.NoError(t, err)
	return img
}
