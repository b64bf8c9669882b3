package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/xyproto/env/v2"
	"github.com/xyproto/pemit/internal/engine"
)

// config.go - environment configuration
//
//	PEMIT_ARCH           amd64 (default) or i386
//	PEMIT_IMAGE_BASE     preferred load address
//	PEMIT_SECTION_ALIGN  in-memory section alignment
//	PEMIT_FILE_ALIGN     on-disk section alignment
//	PEMIT_RELOCATABLE    emit base relocations
//	PEMIT_SUBSYSTEM      console (default) or gui
//	PEMIT_VERBOSE        same as -v

// ProfileFromEnv returns the default profile with environment overrides applied
func ProfileFromEnv() (*ImageProfile, error) {
	arch, err := engine.ParseArch(env.Str("PEMIT_ARCH", "amd64"))
	if err != nil {
		return nil, fmt.Errorf("PEMIT_ARCH: %w", err)
	}
	p := DefaultProfile(arch)

	if p.ImageBase, err = envUint("PEMIT_IMAGE_BASE", p.ImageBase, 64); err != nil {
		return nil, err
	}
	sectionAlign, err := envUint("PEMIT_SECTION_ALIGN", uint64(p.SectionAlignment), 32)
	if err != nil {
		return nil, err
	}
	fileAlign, err := envUint("PEMIT_FILE_ALIGN", uint64(p.FileAlignment), 32)
	if err != nil {
		return nil, err
	}
	p.SectionAlignment = uint32(sectionAlign)
	p.FileAlignment = uint32(fileAlign)
	p.Relocatable = env.Bool("PEMIT_RELOCATABLE")

	subsystem, err := ParseSubsystem(env.Str("PEMIT_SUBSYSTEM", "console"))
	if err != nil {
		return nil, fmt.Errorf("PEMIT_SUBSYSTEM: %w", err)
	}
	p.Subsystem = subsystem

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "Profile: arch=%s base=0x%x align=0x%x/0x%x relocatable=%v\n",
			p.Arch, p.ImageBase, p.SectionAlignment, p.FileAlignment, p.Relocatable)
	}
	return p, nil
}

// envUint reads an unsigned number in decimal or 0x hex
func envUint(name string, defaultValue uint64, bitSize int) (uint64, error) {
	if !env.Has(name) {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(env.Str(name), 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// verboseFromEnv reports whether PEMIT_VERBOSE asks for verbose output
func verboseFromEnv() bool {
	return env.Bool("PEMIT_VERBOSE")
}
