// Package mouse is the PS/2 mouse's external-collaborator interface: it
// registers an interrupt handler for the APIC's mouse vector, assembles
// each 3-byte PS/2 packet off the controller's data port, and exposes the
// decoded relative motion and button state. There is no cursor, no
// windowing, no GUI here — spec.md lists the mouse only as an interface
// kernel/gate dispatches to.
package mouse

import (
	"corekernel/kernel/apic"
	"corekernel/kernel/cpu"
	"corekernel/kernel/gate"
)

const dataPort = 0x60

const (
	flagLeftButton   = 1 << 0
	flagRightButton  = 1 << 1
	flagMiddleButton = 1 << 2
	flagXSign        = 1 << 4
	flagYSign        = 1 << 5
)

// Packet is one decoded PS/2 mouse report: relative motion since the last
// packet and the current button state.
type Packet struct {
	DX, DY              int
	Left, Right, Middle bool
}

var (
	inBFn           = cpu.InB
	handleInterrupt = gate.HandleInterrupt

	packetBuf  [3]byte
	packetIdx  int
	lastPacket Packet
	hasPacket  bool
)

// Init registers the packet-assembling handler on the APIC's mouse vector.
// It must run after apic.Init has routed IRQ12 there.
func Init() {
	handleInterrupt(gate.InterruptNumber(apic.VectorMouse), 0, handleByte)
}

func handleByte(_ *gate.Registers) {
	b := inBFn(dataPort)

	// Byte 0 of a packet always has bit 3 set; resync if a stray byte
	// from a reset/ack sequence was mistaken for the start of a packet.
	if packetIdx == 0 && b&0x08 == 0 {
		return
	}

	packetBuf[packetIdx] = b
	packetIdx++
	if packetIdx < 3 {
		return
	}
	packetIdx = 0

	lastPacket = decode(packetBuf)
	hasPacket = true
}

func decode(raw [3]byte) Packet {
	flags := raw[0]
	dx := int(raw[1])
	dy := int(raw[2])
	if flags&flagXSign != 0 {
		dx -= 256
	}
	if flags&flagYSign != 0 {
		dy -= 256
	}

	return Packet{
		DX:     dx,
		DY:     dy,
		Left:   flags&flagLeftButton != 0,
		Right:  flags&flagRightButton != 0,
		Middle: flags&flagMiddleButton != 0,
	}
}

// ReadPacket returns the most recently assembled packet, or (Packet{},
// false) if none has arrived since the last call.
func ReadPacket() (Packet, bool) {
	if !hasPacket {
		return Packet{}, false
	}
	hasPacket = false
	return lastPacket, true
}
