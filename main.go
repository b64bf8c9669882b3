// Completion: 100% - CLI interface complete, all flags working
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/pemit/internal/engine"
)

// Writes Windows PE/COFF executables from assembled sections, without an
// external assembler or linker

const versionString = "pemit 1.0.0"

// Global flags for controlling output verbosity
var VerboseMode bool
var QuietMode bool

func main() {
	// NOTE: Go's flag package stops parsing at the first non-flag argument
	// So flags must come BEFORE the command: pemit --arch i386 build image.yaml
	var outputFilenameFlag = flag.String("o", "", "output executable filename")
	var outputFilenameLongFlag = flag.String("output", "", "output executable filename")
	var versionShort = flag.Bool("V", false, "print version information and exit")
	var version = flag.Bool("version", false, "print version information and exit")
	var verbose = flag.Bool("v", false, "verbose mode (show every emission stage)")
	var verboseLong = flag.Bool("verbose", false, "verbose mode (show every emission stage)")
	var quiet = flag.Bool("q", false, "quiet mode (no success message)")
	var archFlag = flag.String("arch", "", "target architecture (amd64, i386)")
	var relocatableFlag = flag.Bool("relocatable", false, "emit base relocations and allow ASLR")
	var watchFlag = flag.Bool("watch", false, "watch mode: rebuild on description changes")
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		os.Exit(0)
	}

	// Set global verbosity flag (use whichever was specified)
	VerboseMode = *verbose || *verboseLong || verboseFromEnv()
	QuietMode = *quiet

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "----=[ %s ]=----\n", versionString)
	}

	profile, err := ProfileFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *archFlag != "" {
		arch, err := engine.ParseArch(*archFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: Invalid --arch '%s': %v\n", *archFlag, err)
			os.Exit(1)
		}
		profile.SetArch(arch)
	}
	if *relocatableFlag {
		profile.Relocatable = true
	}

	// Use whichever output flag was specified (prefer short form if both given)
	outputFilename := *outputFilenameLongFlag
	if *outputFilenameFlag != "" {
		outputFilename = *outputFilenameFlag
	}

	ctx := &CommandContext{
		Args:       flag.Args(),
		Profile:    profile,
		Verbose:    VerboseMode,
		Quiet:      QuietMode,
		Watch:      *watchFlag,
		OutputPath: outputFilename,
		Stdout:     os.Stdout,
	}
	if err := RunCLI(ctx); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}
