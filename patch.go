package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/xyproto/pemit/internal/engine"
)

// patch.go - Patch resolution
//
// Resolve computes every patch value from the final layout without touching
// the output. Apply then writes exactly Width bytes per patch. Splitting the
// two lets a missing label abort emission before the headers are fixed up.

// ResolvedPatch is a patch request with its final value and file location
type ResolvedPatch struct {
	Section    SectionKind
	Request    PatchRequest
	Target     uint32 // RVA of the label plus the addend
	FileOffset int64
	Value      uint64 // only the low Width bytes are written
}

// PatchResolver resolves the patch requests of every present section
type PatchResolver struct {
	sections []*Section
	labels   *LabelTable
	layout   *Layout
	profile  *ImageProfile
	resolved []ResolvedPatch
}

// NewPatchResolver creates a resolver over a final layout
func NewPatchResolver(sections []*Section, labels *LabelTable, layout *Layout, profile *ImageProfile) *PatchResolver {
	return &PatchResolver{
		sections: sections,
		labels:   labels,
		layout:   layout,
		profile:  profile,
	}
}

// targetRVA returns the RVA a label denotes
func (pr *PatchResolver) targetRVA(l *Label) (uint32, error) {
	if l.IsImport() {
		if l.Import.IATRVA == 0 {
			return 0, FatalError(CategoryImport, ErrInternal, "import %s!%s has no address table slot", l.Import.Library, l.Import.Name)
		}
		return l.Import.IATRVA, nil
	}
	pl, ok := pr.layout.Placement(l.Section)
	if !ok {
		return 0, FatalError(CategoryPatch, ErrUnresolvedLabel, "label %q is in %s, which is not part of the image", l.Name, l.Section)
	}
	return pl.RVA + l.Offset, nil
}

// Confidence that this function is working: 90%
// Resolve computes the value of every patch. All unresolved labels are
// reported together.
func (pr *PatchResolver) Resolve() error {
	pr.resolved = pr.resolved[:0]
	var missing []string
	var firstMissing *ResolvedPatch

	for _, s := range pr.sections {
		pl, ok := pr.layout.Placement(s.Kind)
		if !ok {
			return FatalError(CategoryInternal, ErrInternal, "%s has no placement", s.Name())
		}
		for _, req := range s.Patches() {
			width := uint32(req.Width())
			if uint64(req.Offset)+uint64(width) > uint64(pl.RawSize) {
				return SectionError(CategoryPatch, ErrPatchOutOfRange, s.Name(), int(req.Offset),
					"%d-byte %s patch for %q ends past the %d section bytes", width, req.Kind, req.Label, pl.RawSize)
			}

			label, ok := pr.labels.Lookup(req.Label)
			if !ok {
				if !slices.Contains(missing, req.Label) {
					missing = append(missing, req.Label)
				}
				if firstMissing == nil {
					firstMissing = &ResolvedPatch{Section: s.Kind, Request: req}
				}
				continue
			}

			target, err := pr.targetRVA(label)
			if err != nil {
				return err
			}
			withAddend := int64(target) + int64(req.Addend)
			if withAddend < 0 || withAddend > math.MaxUint32 {
				return SectionError(CategoryPatch, ErrDisplacementRange, s.Name(), int(req.Offset),
					"target %q%+d is outside the image", req.Label, req.Addend)
			}

			rp := ResolvedPatch{
				Section:    s.Kind,
				Request:    req,
				Target:     uint32(withAddend),
				FileOffset: int64(pl.FilePosition) + int64(req.Offset),
			}
			if rp.Value, err = pr.encode(s.Name(), pl.RVA, req, withAddend); err != nil {
				return err
			}
			pr.resolved = append(pr.resolved, rp)
		}
	}

	if len(missing) > 0 {
		return pr.unresolvedError(missing, firstMissing)
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "Patches: %d resolved\n", len(pr.resolved))
	}
	return nil
}

// encode computes the field value for one patch
func (pr *PatchResolver) encode(section string, sectionRVA uint32, req PatchRequest, target int64) (uint64, error) {
	switch req.Kind {
	case PatchRel32:
		// displacement from the byte after the field
		next := int64(sectionRVA) + int64(req.Offset) + int64(req.Width())
		disp := target - next
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return 0, SectionError(CategoryPatch, ErrDisplacementRange, section, int(req.Offset),
				"displacement %d to %q does not fit in 32 bits", disp, req.Label)
		}
		return uint64(uint32(int32(disp))), nil
	case PatchRVA32:
		return uint64(target), nil
	case PatchAddr32:
		va := pr.profile.ImageBase + uint64(target)
		if va > math.MaxUint32 {
			return 0, SectionError(CategoryPatch, ErrDisplacementRange, section, int(req.Offset),
				"address 0x%x of %q does not fit in 32 bits", va, req.Label)
		}
		return va, nil
	case PatchAddr64:
		return pr.profile.ImageBase + uint64(target), nil
	default:
		return 0, SectionError(CategoryPatch, ErrInternal, section, int(req.Offset), "unknown patch kind %d", int(req.Kind))
	}
}

func (pr *PatchResolver) unresolvedError(missing []string, first *ResolvedPatch) error {
	msg := fmt.Sprintf("undefined label %q", missing[0])
	if len(missing) > 1 {
		msg = fmt.Sprintf("undefined labels: %s", strings.Join(quoteAll(missing), ", "))
	}
	e := SectionError(CategoryPatch, ErrUnresolvedLabel, first.Section.String(), int(first.Request.Offset), "%s", msg)
	if similar := engine.SimilarNames(missing[0], pr.labels.Names(), 3); len(similar) > 0 {
		e.Context.Suggestion = fmt.Sprintf("did you mean %s?", strings.Join(quoteAll(similar), " or "))
	}
	e.Context.HelpText = "every label referenced by a patch must be defined in a section or imported"
	return e
}

// Resolved returns the patches computed by Resolve
func (pr *PatchResolver) Resolved() []ResolvedPatch {
	return pr.resolved
}

// Apply writes every resolved value little-endian at its file offset
func (pr *PatchResolver) Apply(out io.WriterAt) error {
	var b [8]byte
	for _, rp := range pr.resolved {
		width := rp.Request.Width()
		if width == 8 {
			binary.LittleEndian.PutUint64(b[:], rp.Value)
		} else {
			binary.LittleEndian.PutUint32(b[:], uint32(rp.Value))
		}
		if _, err := out.WriteAt(b[:width], rp.FileOffset); err != nil {
			return FatalError(CategoryIO, ErrOutputFile, "patching %s+0x%x: %v", rp.Section, rp.Request.Offset, err)
		}
	}
	return nil
}

func quoteAll(names []string) []string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("'%s'", n)
	}
	return quoted
}
