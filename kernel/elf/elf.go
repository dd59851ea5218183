// Package elf parses static x86-64 ELF executables for loading into a
// freshly created user address space. Parsing is delegated to the standard
// library's debug/elf, the same approach the rest of the Go ecosystem uses
// for reading ELF images offline; only section/segment extraction that
// matters to a loader (PT_LOAD segments and the entry point) is retained.
package elf

import (
	"bytes"
	"corekernel/kernel"
	dbgelf "debug/elf"
)

var (
	errMalformed    = &kernel.Error{Module: "elf", Message: "malformed ELF image"}
	errWrongMachine = &kernel.Error{Module: "elf", Message: "ELF image is not x86-64"}
	errNoSegments   = &kernel.Error{Module: "elf", Message: "ELF image has no loadable segments"}
	errNoEntry      = &kernel.Error{Module: "elf", Message: "ELF image has a zero entry point"}
	errSegmentRead  = &kernel.Error{Module: "elf", Message: "failed to read ELF segment contents"}
)

// Segment is one PT_LOAD program header: the virtual address a loader must
// map it at, the in-memory footprint (which may exceed len(Data) for a
// segment with a .bss tail) and the file-backed bytes to copy in.
type Segment struct {
	Vaddr   uintptr
	MemSize uintptr
	Data    []byte
}

// Image is the subset of a parsed ELF executable the process loader needs.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

// Parse reads a static ELF64 x86-64 executable out of raw and extracts its
// loadable segments and entry point. raw must remain valid for the
// lifetime of the call; the returned Segment.Data slices are copies.
func Parse(raw []byte) (*Image, *kernel.Error) {
	f, err := dbgelf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errMalformed
	}
	defer f.Close()

	if f.Machine != dbgelf.EM_X86_64 || f.Class != dbgelf.ELFCLASS64 {
		return nil, errWrongMachine
	}

	var segments []Segment
	for _, prog := range f.Progs {
		if prog.Type != dbgelf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, errSegmentRead
			}
		}

		segments = append(segments, Segment{
			Vaddr:   uintptr(prog.Vaddr),
			MemSize: uintptr(prog.Memsz),
			Data:    data,
		})
	}

	if len(segments) == 0 {
		return nil, errNoSegments
	}
	if f.Entry == 0 {
		return nil, errNoEntry
	}

	return &Image{Entry: uintptr(f.Entry), Segments: segments}, nil
}
