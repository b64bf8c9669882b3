package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/xyproto/pemit/internal/engine"
	"gopkg.in/yaml.v3"
)

// description.go - YAML image descriptions
//
// A description stands in for an assembler: it lists section bytes, the
// labels inside them, the patches that reference labels and the imported
// functions. "pemit help" shows the format.

// Number is an unsigned integer that may be written in decimal or 0x hex
type Number uint64

// UnmarshalYAML accepts 4096, 0x1000 and 0o10000
func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(value.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: %q is not an unsigned number", value.Line, value.Value)
	}
	*n = Number(v)
	return nil
}

// PatchDescription is one patch request
type PatchDescription struct {
	Label  string `yaml:"label"`
	Offset Number `yaml:"offset"`
	Kind   string `yaml:"kind"`
	Addend int32  `yaml:"addend"`
}

// SectionDescription is one assembler-provided section
type SectionDescription struct {
	Kind    string             `yaml:"kind"`
	Hex     string             `yaml:"hex"`
	Size    Number             `yaml:"size"` // .bss only
	Labels  map[string]Number  `yaml:"labels"`
	Patches []PatchDescription `yaml:"patches"`
}

// ImportDescription lists the functions imported from one library
type ImportDescription struct {
	Library   string   `yaml:"library"`
	Functions []string `yaml:"functions"`
}

// ImageDescription is the top-level document
type ImageDescription struct {
	Arch        string               `yaml:"arch"`
	Relocatable *bool                `yaml:"relocatable"`
	DLL         bool                 `yaml:"dll"`
	Subsystem   string               `yaml:"subsystem"`
	Entry       string               `yaml:"entry"`
	ImageBase   *Number              `yaml:"image_base"`
	Sections    []SectionDescription `yaml:"sections"`
	Imports     []ImportDescription  `yaml:"imports"`

	source string
}

// Image is a populated section store, label table and import set, ready to emit
type Image struct {
	Store   *SectionStore
	Labels  *LabelTable
	Imports *ImportSet
	Profile *ImageProfile
}

// LoadDescription reads a description file
func LoadDescription(path string) (*ImageDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read description: %w", err)
	}
	return ParseDescription(data, path)
}

// ParseDescription decodes a description. Unknown keys are rejected.
func ParseDescription(data []byte, source string) (*ImageDescription, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var d ImageDescription
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s is empty", ErrDescription, source)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDescription, source, err)
	}
	d.source = source
	return &d, nil
}

// parseHex decodes hex bytes, ignoring whitespace
func parseHex(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(clean)
}

// Profile applies the description's settings on top of base
func (d *ImageDescription) Profile(base *ImageProfile, ec *ErrorCollector) *ImageProfile {
	p := *base
	if d.Arch != "" {
		arch, err := engine.ParseArch(d.Arch)
		if err != nil {
			ec.Addf("arch", "%v", err)
		} else {
			p.SetArch(arch)
		}
	}
	if d.Relocatable != nil {
		p.Relocatable = *d.Relocatable
	}
	if d.DLL {
		p.SetDLL(true)
	}
	if d.Subsystem != "" {
		subsystem, err := ParseSubsystem(d.Subsystem)
		if err != nil {
			ec.Addf("subsystem", "%v", err)
		}
		p.Subsystem = subsystem
	}
	if d.Entry != "" {
		p.EntryLabel = d.Entry
	}
	if d.ImageBase != nil {
		p.ImageBase = uint64(*d.ImageBase)
	}
	return &p
}

// Confidence that this function is working: 85%
// Build populates a fresh section store, label table and import set.
// Every problem found is reported in one error.
func (d *ImageDescription) Build(base *ImageProfile) (*Image, error) {
	ec := NewErrorCollector(d.source, 0)
	img := &Image{
		Store:  NewSectionStore(),
		Labels: NewLabelTable(),
	}
	img.Imports = NewImportSet(img.Labels)
	img.Profile = d.Profile(base, ec)
	img.Store.SetPatchCapacity(img.Profile.PatchCapacity)

	for i, sd := range d.Sections {
		if ec.ShouldStop() {
			break
		}
		d.buildSection(img, i, sd, ec)
	}

	for i, id := range d.Imports {
		where := fmt.Sprintf("imports[%d]", i)
		if strings.TrimSpace(id.Library) == "" {
			ec.Addf(where, "library name is empty")
			continue
		}
		img.Imports.AddLibrary(id.Library)
		for _, fn := range id.Functions {
			if _, err := img.Imports.Add(id.Library, fn); err != nil {
				ec.Addf(where, "%v", err)
			}
		}
	}

	if ec.HasErrors() {
		if VerboseMode {
			fmt.Fprint(os.Stderr, ec.Report(false))
		}
		return nil, ec.Err()
	}
	if err := img.Profile.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

func (d *ImageDescription) buildSection(img *Image, i int, sd SectionDescription, ec *ErrorCollector) {
	where := fmt.Sprintf("sections[%d]", i)
	kind, err := ParseSectionKind(sd.Kind)
	if err != nil {
		ec.Addf(where, "%v", err)
		return
	}
	if _, exists := img.Store.Section(kind); exists {
		ec.Addf(where, "%s is described twice", kind)
		return
	}
	s := img.Store.Add(kind)
	where = fmt.Sprintf("%s (%s)", where, kind)

	if kind == SectionBSS {
		if sd.Hex != "" {
			ec.Addf(where, "uninitialized data cannot have bytes, use size")
		}
		if sd.Size > 0xFFFFFFFF {
			ec.Addf(where, "size %d is too large", sd.Size)
		} else if err := s.Reserve(uint32(sd.Size)); err != nil {
			ec.Addf(where, "%v", err)
		}
	} else {
		if sd.Size != 0 {
			ec.Addf(where, "size is only valid for bss")
		}
		data, err := parseHex(sd.Hex)
		if err != nil {
			ec.Addf(where, "bad hex: %v", err)
		} else if _, err := s.Write(data); err != nil {
			ec.Addf(where, "%v", err)
		}
	}

	// sorted, so duplicate-label errors do not depend on map order
	names := make([]string, 0, len(sd.Labels))
	for name := range sd.Labels {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		off := sd.Labels[name]
		if uint64(off) > uint64(s.Len()) {
			ec.Addf(where, "label %q at 0x%x is past the end (0x%x)", name, uint64(off), s.Len())
			continue
		}
		if err := img.Labels.DefineLocal(name, kind, uint32(off)); err != nil {
			ec.Addf(where, "%v", err)
		}
	}

	for j, pd := range sd.Patches {
		pwhere := fmt.Sprintf("%s patches[%d]", where, j)
		pk, err := ParsePatchKind(pd.Kind)
		if err != nil {
			ec.Addf(pwhere, "%v", err)
			continue
		}
		if pd.Label == "" {
			ec.Addf(pwhere, "patch has no label")
			continue
		}
		if uint64(pd.Offset)+uint64(pk.Width()) > uint64(s.RawSize()) {
			ec.Addf(pwhere, "%d-byte patch at 0x%x ends past the %d section bytes", pk.Width(), uint64(pd.Offset), s.RawSize())
			continue
		}
		req := PatchRequest{Label: pd.Label, Offset: uint32(pd.Offset), Kind: pk, Addend: pd.Addend}
		if err := s.AddPatch(req); err != nil {
			ec.Addf(pwhere, "%v", err)
		}
	}
}
