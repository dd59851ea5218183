// Package keyboard is the PS/2 keyboard's external-collaborator interface:
// it registers an interrupt handler for the APIC's keyboard vector, reads
// each scancode off the controller's data port, and buffers it for
// whatever later consumes key events. Scancode-to-rune translation and any
// notion of a "current focused window" are out of scope — spec.md lists
// the keyboard only as an interface kernel/gate dispatches to.
package keyboard

import (
	"corekernel/kernel/apic"
	"corekernel/kernel/cpu"
	"corekernel/kernel/gate"
)

const dataPort = 0x60

const bufSize = 256

var (
	inBFn           = cpu.InB
	handleInterrupt = gate.HandleInterrupt

	buf     [bufSize]byte
	head    int
	tail    int
	dropped int
)

// Init registers the scancode-reading handler on the APIC's keyboard
// vector. It must run after apic.Init has routed IRQ1 there.
func Init() {
	handleInterrupt(gate.InterruptNumber(apic.VectorKeyboard), 0, handleScancode)
}

func handleScancode(_ *gate.Registers) {
	push(inBFn(dataPort))
}

// push enqueues a scancode, dropping the oldest entry if the ring is full
// — there is no backpressure mechanism back to the PS/2 controller, so an
// unconsumed buffer can only be capped, not paused.
func push(b byte) {
	next := (head + 1) % bufSize
	if next == tail {
		dropped++
		tail = (tail + 1) % bufSize
	}
	buf[head] = b
	head = next
}

// ReadScancode pops the oldest buffered scancode, or (0, false) if none is
// pending.
func ReadScancode() (byte, bool) {
	if head == tail {
		return 0, false
	}
	b := buf[tail]
	tail = (tail + 1) % bufSize
	return b, true
}

// Dropped returns how many scancodes have been discarded because the ring
// buffer was full when a new one arrived.
func Dropped() int {
	return dropped
}
