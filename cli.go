// Completion: 100% - Utility module complete
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
)

// cli.go - Command-line interface for pemit
//
// Subcommands:
// - pemit build <image.yaml> [-o out.exe] [--watch]
// - pemit inspect <file.exe>
// - pemit plan <image.yaml>
// - pemit <image.yaml> (shorthand for build)

// CommandContext holds the execution context for a CLI command
type CommandContext struct {
	Args       []string
	Profile    *ImageProfile
	Verbose    bool
	Quiet      bool
	Watch      bool
	OutputPath string
	Stdout     io.Writer
}

// RunCLI runs the subcommand named by ctx.Args[0]
func RunCLI(ctx *CommandContext) error {
	if ctx.Stdout == nil {
		ctx.Stdout = os.Stdout
	}
	args := ctx.Args

	// No arguments - show help
	if len(args) == 0 {
		return cmdHelp(ctx)
	}

	switch subcmd := args[0]; subcmd {
	case "build":
		if len(args) < 2 {
			return fmt.Errorf("usage: pemit build <image.yaml> [-o output]")
		}
		return cmdBuild(ctx, args[1:])

	case "inspect":
		if len(args) != 2 {
			return fmt.Errorf("usage: pemit inspect <file.exe>")
		}
		return cmdInspect(ctx, args[1])

	case "plan":
		if len(args) != 2 {
			return fmt.Errorf("usage: pemit plan <image.yaml>")
		}
		return cmdPlan(ctx, args[1])

	case "help", "--help", "-h":
		return cmdHelp(ctx)

	case "version", "--version", "-V":
		fmt.Fprintln(ctx.Stdout, versionString)
		return nil

	default:
		if isDescription(subcmd) {
			return cmdBuild(ctx, args)
		}
		return fmt.Errorf("unknown command: %s\n\nRun 'pemit help' for usage information", subcmd)
	}
}

func isDescription(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// defaultOutputPath replaces the description's extension with .exe or .dll
func defaultOutputPath(input string, profile *ImageProfile) string {
	ext := ".exe"
	if profile.DLL {
		ext = ".dll"
	}
	return strings.TrimSuffix(input, filepath.Ext(input)) + ext
}

// loadImage reads a description and populates a fresh image from it
func loadImage(ctx *CommandContext, input string) (*Image, error) {
	desc, err := LoadDescription(input)
	if err != nil {
		return nil, err
	}
	return desc.Build(ctx.Profile)
}

// buildOnce loads input and emits it, returning the output path
func buildOnce(ctx *CommandContext, input, output string) (string, error) {
	img, err := loadImage(ctx, input)
	if err != nil {
		return "", err
	}
	if output == "" {
		output = defaultOutputPath(input, img.Profile)
	}
	if _, err := Emit(img.Store, img.Labels, img.Imports, img.Profile, output); err != nil {
		return "", err
	}
	return output, nil
}

// reportError prints an emission error, with context when there is some
func reportError(w io.Writer, err error) {
	var emitErr *EmitError
	if errors.As(err, &emitErr) {
		fmt.Fprint(w, emitErr.Format(false))
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// cmdBuild emits an image from a description
// Confidence that this function is working: 85%
func cmdBuild(ctx *CommandContext, args []string) error {
	inputs := []string{}
	output := ctx.OutputPath
	watch := ctx.Watch

	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			output = args[i+1]
			i++ // Skip the output filename
		case args[i] == "--watch":
			watch = true
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("unknown build flag: %s", args[i])
		default:
			inputs = append(inputs, args[i])
		}
	}
	if len(inputs) != 1 {
		return fmt.Errorf("usage: pemit build <image.yaml> [-o output] [--watch]")
	}
	input := inputs[0]

	if watch {
		return watchAndBuild(ctx, input, output)
	}

	written, err := buildOnce(ctx, input, output)
	if err != nil {
		return err
	}
	if !ctx.Quiet {
		fmt.Fprintf(ctx.Stdout, "Wrote %s\n", written)
	}
	return nil
}

// watchAndBuild rebuilds whenever the description changes, until interrupted.
// Builds never overlap.
func watchAndBuild(ctx *CommandContext, input, output string) error {
	var mu sync.Mutex
	rebuild := func() {
		mu.Lock()
		defer mu.Unlock()
		written, err := buildOnce(ctx, input, output)
		if err != nil {
			reportError(os.Stderr, err)
			return
		}
		if !ctx.Quiet {
			fmt.Fprintf(ctx.Stdout, "Wrote %s\n", written)
		}
	}

	fw, err := NewFileWatcher(func(string) { rebuild() })
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.AddFile(input); err != nil {
		return err
	}

	rebuild()
	fmt.Fprintf(os.Stderr, "Watching %s for changes (Ctrl+C to stop)\n", input)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		<-interrupt
		fw.Close()
	}()

	fw.Watch()
	return nil
}

// cmdPlan prints the layout a description would get, without writing anything
func cmdPlan(ctx *CommandContext, input string) error {
	img, err := loadImage(ctx, input)
	if err != nil {
		return err
	}
	plan, err := PlanImage(img.Store, img.Labels, img.Imports, img.Profile)
	if err != nil {
		return err
	}
	printPlan(ctx.Stdout, plan)
	return nil
}

func printPlan(w io.Writer, plan *ImagePlan) {
	p := plan.Profile
	fmt.Fprintf(w, "arch %s, image base 0x%x, alignment 0x%x/0x%x, relocatable %v\n",
		p.Arch, p.ImageBase, p.SectionAlignment, p.FileAlignment, p.Relocatable)
	fmt.Fprintf(w, "size of headers 0x%x, size of image 0x%x, entry point 0x%x\n\n",
		plan.Layout.SizeOfHeaders, plan.Layout.SizeOfImage, plan.Headers.EntryPoint)

	fmt.Fprintf(w, "%-8s %10s %10s %10s %10s %10s\n", "section", "rva", "vsize", "file", "raw", "padded")
	for _, pl := range plan.Layout.Placements {
		fmt.Fprintf(w, "%-8s 0x%08x 0x%08x 0x%08x 0x%08x 0x%08x\n",
			pl.Kind, pl.RVA, pl.VirtualSize, pl.FilePosition, pl.RawSize, pl.FileSize)
	}

	if plan.Imports != nil {
		fmt.Fprintf(w, "\nimports at 0x%x, IAT 0x%x-0x%x\n", plan.Imports.RVA, plan.Imports.IATStart, plan.Imports.IATEnd)
		for _, ll := range plan.Imports.Libraries {
			fmt.Fprintf(w, "  %-16s name 0x%x ILT 0x%x IAT 0x%x HNT 0x%x-0x%x\n",
				ll.Name, ll.NameRVA, ll.ILTRVA, ll.IATRVA, ll.HNTStart, ll.HNTEnd)
		}
	}
	if len(plan.Relocations) > 0 {
		fmt.Fprintf(w, "\nbase relocations: %d pages\n", len(plan.Relocations))
		for _, page := range plan.Relocations {
			fmt.Fprintf(w, "  page 0x%x: %d entries\n", page.PageRVA, len(page.Entries))
		}
	}
}

// cmdInspect prints the headers, sections, imports and base relocations of an image
// Confidence that this function is working: 90%
func cmdInspect(ctx *CommandContext, path string) error {
	pr, err := OpenPE(path)
	if err != nil {
		return err
	}
	defer pr.Close()

	w := ctx.Stdout
	coff := pr.COFF()
	opt := pr.Optional()
	format := "PE32"
	if pr.Is64() {
		format = "PE32+"
	}
	fmt.Fprintf(w, "%s: %s, machine 0x%04x, %d sections, characteristics 0x%04x\n",
		path, format, coff.Machine, coff.NumberOfSections, coff.Characteristics)
	fmt.Fprintf(w, "image base 0x%x, entry point 0x%x, size of image 0x%x, size of headers 0x%x\n",
		opt.ImageBase, opt.AddressOfEntryPoint, opt.SizeOfImage, opt.SizeOfHeaders)
	fmt.Fprintf(w, "code 0x%x, initialized data 0x%x, uninitialized data 0x%x, subsystem %d, dll characteristics 0x%04x\n\n",
		opt.SizeOfCode, opt.SizeOfInitializedData, opt.SizeOfUninitializedData, opt.Subsystem, opt.DllCharacteristics)

	fmt.Fprintf(w, "%-8s %10s %10s %10s %10s %10s\n", "section", "rva", "vsize", "file", "raw", "flags")
	for _, sh := range pr.Sections() {
		fmt.Fprintf(w, "%-8s 0x%08x 0x%08x 0x%08x 0x%08x 0x%08x\n",
			sh.GetName(), sh.VirtualAddress, sh.VirtualSize, sh.PointerToRawData, sh.SizeOfRawData, sh.Characteristics)
	}

	libs, err := pr.Imports()
	if err != nil {
		return err
	}
	if len(libs) > 0 {
		fmt.Fprintf(w, "\nimports:\n")
		for _, lib := range libs {
			fmt.Fprintf(w, "  %s\n", lib.Name)
			for _, fn := range lib.Functions {
				fmt.Fprintf(w, "    %-32s IAT 0x%x\n", fn.Name, fn.IATRVA)
			}
		}
	}

	pages, err := pr.BaseRelocations()
	if err != nil {
		return err
	}
	if len(pages) > 0 {
		fmt.Fprintf(w, "\nbase relocations:\n")
		for _, page := range pages {
			fmt.Fprintf(w, "  page 0x%x:", page.PageRVA)
			for _, e := range page.Entries {
				fmt.Fprintf(w, " %d@0x%03x", e>>12, e&0x0FFF)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

// cmdHelp shows usage information
func cmdHelp(ctx *CommandContext) error {
	fmt.Fprintf(ctx.Stdout, `%s - write Windows PE executables from assembled sections

Usage:
    pemit build <image.yaml> [-o output] [--watch]
    pemit plan <image.yaml>
    pemit inspect <file.exe>
    pemit help
    pemit version

Flags (before the command):
    -o, --output    output file (default: description name with .exe or .dll)
    -v, --verbose   show every emission stage on stderr
    --arch          amd64 or i386
    --relocatable   emit base relocations and allow ASLR
    --watch         rebuild whenever the description changes

Environment:
    PEMIT_ARCH, PEMIT_IMAGE_BASE, PEMIT_SECTION_ALIGN, PEMIT_FILE_ALIGN,
    PEMIT_RELOCATABLE, PEMIT_SUBSYSTEM, PEMIT_VERBOSE

Description format:
    arch: amd64
    entry: start
    sections:
      - kind: text
        hex: "4883ec28 31c9 ff1500000000"
        labels: {start: 0}
        patches:
          - {label: ExitProcess, offset: 8, kind: rel32}
      - kind: rdata
        hex: "48656c6c6f00"
    imports:
      - library: kernel32
        functions: [ExitProcess]
`, versionString)
	return nil
}
