package elf

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type elf64Header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf64ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// buildMinimalELF assembles a single-segment static x86-64 ELF64
// executable by hand: a file header, one PT_LOAD program header and the
// segment payload, with no section headers.
func buildMinimalELF(entry, vaddr uint64, payload []byte, memSize uint64) []byte {
	const (
		headerSize = 64
		phdrSize   = 56
	)

	hdr := elf64Header{
		Type:      2, // ET_EXEC
		Machine:   62, // EM_X86_64
		Version:   1,
		Entry:     entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: phdrSize,
		Phnum:     1,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = 0x7f, 'E', 'L', 'F'
	hdr.Ident[4] = 2 // ELFCLASS64
	hdr.Ident[5] = 1 // little endian
	hdr.Ident[6] = 1 // EV_CURRENT

	phdr := elf64ProgramHeader{
		Type:   1, // PT_LOAD
		Flags:  5,
		Offset: headerSize + phdrSize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(payload)),
		Memsz:  memSize,
		Align:  0x1000,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, phdr)
	buf.Write(payload)

	return buf.Bytes()
}

func TestParseExtractsEntryAndSegment(t *testing.T) {
	payload := []byte("Hello!")
	raw := buildMinimalELF(0x401000, 0x401000, payload, 0x2000)

	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if img.Entry != 0x401000 {
		t.Fatalf("expected entry 0x401000; got %#x", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("expected one segment; got %d", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Vaddr != 0x401000 || seg.MemSize != 0x2000 {
		t.Fatalf("unexpected segment geometry: %+v", seg)
	}
	if !bytes.Equal(seg.Data, payload) {
		t.Fatalf("expected segment data %q; got %q", payload, seg.Data)
	}
}

func TestParseRejectsTruncatedImage(t *testing.T) {
	if _, err := Parse([]byte{0x7f, 'E', 'L', 'F'}); err == nil {
		t.Fatalf("expected an error for a truncated image")
	}
}

func TestParseRejectsImageWithNoLoadableSegments(t *testing.T) {
	hdr := elf64Header{
		Type:      2,
		Machine:   62,
		Version:   1,
		Entry:     0x1000,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     0,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = 0x7f, 'E', 'L', 'F'
	hdr.Ident[4], hdr.Ident[5], hdr.Ident[6] = 2, 1, 1

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)

	if _, err := Parse(buf.Bytes()); err != errNoSegments {
		t.Fatalf("expected errNoSegments; got %v", err)
	}
}
