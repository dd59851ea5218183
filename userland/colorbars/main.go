// Command colorbars draws a single row of ANSI background color bars,
// exercising the terminal channel's byte-transparent passthrough (SPEC_FULL.md
// §12): kernel/driver/tty.Term never interprets the escape sequences it
// receives, so the raw bytes written here must reach the far end untouched.
//
// It also mmaps a scratch buffer to build the line before writing it,
// exercising the mmap side of spec.md §8 scenario 5 — the mapping is torn
// down when this process exits.
package main

import (
	"unsafe"

	"corekernel/userland/sys"
)

const (
	scratchAddr = 0x5000_0000
	scratchLen  = 4096
)

func scratchSlice() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(scratchAddr))), scratchLen)
}

var colors = [...]byte{'1', '2', '3', '4', '5', '6', '7'}

func main() {
	if sys.Mmap(scratchAddr, scratchLen) < 0 {
		sys.Exit()
	}

	buf := scratchSlice()
	n := 0
	for _, c := range colors {
		n += copy(buf[n:], []byte{0x1b, '[', '4', c, 'm'})
		n += copy(buf[n:], "        ")
	}
	n += copy(buf[n:], []byte{0x1b, '[', '0', 'm', '\n'})

	sys.Write(buf[:n])
	sys.Exit()
}
