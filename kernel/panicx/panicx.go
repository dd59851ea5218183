// Package panicx enriches a fatal-fault report with a disassembly of the
// instruction that faulted, decoded directly from the code page at the
// saved RIP. It never allocates beyond what x86asm itself needs: the code
// bytes are overlaid directly on top of the faulting address the same way
// kernel.Memcopy overlays a slice on a raw pointer.
package panicx

import (
	"errors"
	"reflect"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstrLen is the longest an x86-64 instruction can legally encode to.
const maxInstrLen = 15

var errBadDecode = errors.New("panicx: bad instruction")

// readCodeFn reads maxInstrLen bytes starting at virtAddr. It is a seam so
// tests can supply canned instruction bytes instead of dereferencing a real
// address.
var readCodeFn = func(virtAddr uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: virtAddr,
		Len:  maxInstrLen,
		Cap:  maxInstrLen,
	}))
}

// decodeFn wraps x86asm.Decode as a seam, mostly so a test can force the
// decode-failure path without having to hand-craft genuinely invalid bytes.
var decodeFn = x86asm.Decode

// DisassembleAt decodes the single instruction at rip and returns its
// textual disassembly. If the bytes at rip don't decode to a valid
// instruction, it returns a placeholder string rather than an error, since
// this is diagnostic-only code running in a context where propagating an
// error upstream would just get dropped by the fault handler anyway.
func DisassembleAt(rip uint64) string {
	code := readCodeFn(uintptr(rip))

	inst, err := decodeFn(code, 64)
	if err != nil {
		return "(undecodable instruction)"
	}

	return x86asm.GNUSyntax(inst, rip, nil)
}
