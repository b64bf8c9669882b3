// pipeline.go - Explicit emission stages with validation
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xyproto/pemit/internal/engine"
)

// EmitStage is a stage of the emission pipeline
type EmitStage int

const (
	StageInit EmitStage = iota
	StageImports
	StageLayout
	StageSkeleton
	StageContent
	StagePatchResolve
	StageHeaderFixup
	StagePatchApply
	StageComplete
)

func (s EmitStage) String() string {
	switch s {
	case StageInit:
		return "Initialization"
	case StageImports:
		return "Import Directory Sizing"
	case StageLayout:
		return "Layout"
	case StageSkeleton:
		return "Writer: Skeleton Pass"
	case StageContent:
		return "Writer: Content Pass"
	case StagePatchResolve:
		return "Patch Resolution"
	case StageHeaderFixup:
		return "Writer: Header Fixup Pass"
	case StagePatchApply:
		return "Patch Application"
	case StageComplete:
		return "Emission Complete"
	default:
		return fmt.Sprintf("Unknown Stage %d", s)
	}
}

// EmitPipeline tracks the current stage and validates state transitions.
// Stages run strictly in order; skipping one is a bug.
type EmitPipeline struct {
	currentStage EmitStage
	stages       []EmitStage // History of stages
}

func NewEmitPipeline() *EmitPipeline {
	return &EmitPipeline{
		currentStage: StageInit,
		stages:       []EmitStage{StageInit},
	}
}

func (ep *EmitPipeline) AdvanceTo(stage EmitStage) {
	if ep.currentStage == StageComplete || stage != ep.currentStage+1 {
		fmt.Fprintf(os.Stderr, "ERROR: Invalid stage transition: %s -> %s\n", ep.currentStage, stage)
		fmt.Fprintf(os.Stderr, "Stage history:\n")
		for i, s := range ep.stages {
			fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, s)
		}
		panic(fmt.Sprintf("Invalid emission stage transition: %s -> %s", ep.currentStage, stage))
	}

	ep.currentStage = stage
	ep.stages = append(ep.stages, stage)

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "PIPELINE: Advanced to stage: %s\n", stage)
	}
}

func (ep *EmitPipeline) CurrentStage() EmitStage {
	return ep.currentStage
}

// ImagePlan is everything known about an image before a byte is written
type ImagePlan struct {
	Profile     *ImageProfile
	Sections    []*Section // present sections in canonical order, synthesized ones included
	Layout      *Layout
	Imports     *ImportDirectory // nil without imports
	Relocations []RelocationPage
	Headers     HeaderValues
}

// PlanImage freezes the store, synthesizes .idata and .reloc and lays out
// every section. The store cannot be emitted again afterwards.
func PlanImage(store *SectionStore, labels *LabelTable, imports *ImportSet, profile *ImageProfile) (*ImagePlan, error) {
	return planImage(NewEmitPipeline(), store, labels, imports, profile)
}

// Confidence that this function is working: 85%
func planImage(ep *EmitPipeline, store *SectionStore, labels *LabelTable, imports *ImportSet, profile *ImageProfile) (*ImagePlan, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if err := store.commit(); err != nil {
		return nil, err
	}

	// Import directory size does not depend on where it lands
	ep.AdvanceTo(StageImports)
	var libs []*ImportedLibrary
	if imports != nil {
		libs = imports.Libraries()
	}
	hasImports := len(libs) > 0
	hasRelocs := profile.Relocatable && store.hasAbsolutePatches()

	numSections := len(store.Present())
	if hasImports {
		numSections++
	}
	if hasRelocs {
		numSections++
	}
	if numSections > MaxSections {
		return nil, FatalError(CategoryLayout, ErrTooManySections, "%d sections, at most %d supported", numSections, MaxSections)
	}

	ep.AdvanceTo(StageLayout)
	plan := &ImagePlan{Profile: profile}
	planner := NewPlanner(profile, HeaderSize(profile, numSections))
	place := func(s *Section) error {
		pl, err := planner.Place(s.Kind, s.RawSize(), s.MemorySize())
		if err != nil {
			return err
		}
		return s.place(pl)
	}

	for _, s := range store.Present() {
		if err := place(s); err != nil {
			return nil, err
		}
	}

	// .idata is built in lock-step with its own placement
	if hasImports {
		dir, err := BuildImportDirectory(libs, planner.NextRVA(), profile.PointerSize())
		if err != nil {
			return nil, err
		}
		if err := place(store.addSynthesized(SectionIData, dir.Bytes)); err != nil {
			return nil, err
		}
		plan.Imports = dir
		plan.Headers.Imports = DataDirectory{VirtualAddress: dir.RVA, Size: dir.DirectorySize}
		plan.Headers.IAT = DataDirectory{VirtualAddress: dir.IATStart, Size: dir.IATSize()}
	}

	// .reloc is last, so every page it describes is already placed
	if hasRelocs {
		pages, err := CollectRelocationPages(store.Present())
		if err != nil {
			return nil, err
		}
		blocks, err := BuildRelocationBlocks(pages)
		if err != nil {
			return nil, err
		}
		reloc := store.addSynthesized(SectionReloc, blocks)
		if err := place(reloc); err != nil {
			return nil, err
		}
		plan.Relocations = pages
		plan.Headers.BaseRelocs = DataDirectory{VirtualAddress: reloc.RVA(), Size: uint32(len(blocks))}
	}

	plan.Layout = planner.Finish()
	plan.Sections = store.Present()

	entry, err := entryPoint(plan.Layout, labels, profile)
	if err != nil {
		return nil, err
	}
	plan.Headers.EntryPoint = entry
	return plan, nil
}

// entryPoint finds the entry RVA: the entry label, or the start of .text
func entryPoint(layout *Layout, labels *LabelTable, profile *ImageProfile) (uint32, error) {
	if profile.EntryLabel == "" {
		if pl, ok := layout.Placement(SectionText); ok {
			return pl.RVA, nil
		}
		if profile.DLL {
			return 0, nil // a DLL without code has no entry point
		}
		return 0, FatalError(CategoryLayout, ErrInternal, "image has no %s section to start in", SectionText)
	}

	l, ok := labels.Lookup(profile.EntryLabel)
	if !ok {
		e := FatalError(CategoryPatch, ErrUnresolvedLabel, "entry label %q is not defined", profile.EntryLabel)
		if similar := engine.SimilarNames(profile.EntryLabel, labels.Names(), 3); len(similar) > 0 {
			e.Context.Suggestion = fmt.Sprintf("did you mean %s?", strings.Join(quoteAll(similar), " or "))
		}
		return 0, e
	}
	if l.IsImport() {
		return 0, FatalError(CategoryPatch, ErrInternal, "entry label %q names an imported function", l.Name)
	}
	pl, ok := layout.Placement(l.Section)
	if !ok {
		return 0, FatalError(CategoryPatch, ErrUnresolvedLabel, "entry label %q is in %s, which is not part of the image", l.Name, l.Section)
	}
	return pl.RVA + l.Offset, nil
}

// Confidence that this function is working: 85%
// Emit writes the image to outputPath. The file only appears once every pass
// has succeeded; on any error nothing is left at outputPath.
func Emit(store *SectionStore, labels *LabelTable, imports *ImportSet, profile *ImageProfile, outputPath string) (plan *ImagePlan, err error) {
	ep := NewEmitPipeline()
	plan, err = planImage(ep, store, labels, imports, profile)
	if err != nil {
		return nil, err
	}

	// create+truncate a sibling temp file, renamed into place at the end
	dir, base := filepath.Split(outputPath)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".tmp*")
	if err != nil {
		return nil, OutputFileError(outputPath, err)
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpName)
		}
	}()

	w := NewPEWriter(f, profile, plan.Sections)

	ep.AdvanceTo(StageSkeleton)
	if err = w.WriteSkeleton(); err != nil {
		return nil, err
	}

	ep.AdvanceTo(StageContent)
	if err = w.WriteContent(plan.Layout); err != nil {
		return nil, err
	}

	// every label must resolve before any header is fixed up
	ep.AdvanceTo(StagePatchResolve)
	resolver := NewPatchResolver(plan.Sections, labels, plan.Layout, profile)
	if err = resolver.Resolve(); err != nil {
		return nil, err
	}

	ep.AdvanceTo(StageHeaderFixup)
	if err = w.FixupHeaders(plan.Layout, plan.Headers); err != nil {
		return nil, err
	}

	ep.AdvanceTo(StagePatchApply)
	if err = resolver.Apply(f); err != nil {
		return nil, err
	}

	if err = f.Chmod(0o755); err != nil {
		return nil, OutputFileError(outputPath, err)
	}
	if err = f.Close(); err != nil {
		return nil, OutputFileError(outputPath, err)
	}
	if err = os.Rename(tmpName, outputPath); err != nil {
		return nil, OutputFileError(outputPath, err)
	}

	ep.AdvanceTo(StageComplete)
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "Wrote %s: %d sections, image size 0x%x\n", outputPath, len(plan.Sections), plan.Layout.SizeOfImage)
	}
	return plan, nil
}
