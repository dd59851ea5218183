// Package serial drives a 16550-compatible UART. It is the kernel's earliest
// output sink: unlike a framebuffer console, it needs no memory mapping and
// is available the moment the CPU can execute OUT/IN, so kfmt and the tty
// package attach to it before the rest of the boot sequence runs.
package serial

import "corekernel/kernel/cpu"

// COM1 is the conventional I/O port base for the first serial port on PC
// hardware.
const COM1 uint16 = 0x3f8

const (
	regData        = 0
	regIntEnable   = 1
	regFIFOCtrl    = 2
	regLineCtrl    = 3
	regModemCtrl   = 4
	regLineStatus  = 5

	lineStatusTHRE = 1 << 5
)

var (
	outBFn = cpu.OutB
	inBFn  = cpu.InB
)

// Port is a single UART wired up as an io.Writer.
type Port struct {
	base uint16
}

// COM1Port returns a Port for the COM1 UART, initialized to 38400 baud,
// 8 data bits, no parity, one stop bit, with FIFOs enabled.
func COM1Port() *Port {
	p := &Port{base: COM1}
	p.init()
	return p
}

func (p *Port) init() {
	outBFn(p.base+regIntEnable, 0x00) // disable all interrupts
	outBFn(p.base+regLineCtrl, 0x80)  // enable DLAB to set the baud divisor
	outBFn(p.base+regData, 0x03)      // divisor low byte: 38400 baud
	outBFn(p.base+regIntEnable, 0x00) // divisor high byte
	outBFn(p.base+regLineCtrl, 0x03)  // 8N1, DLAB off
	outBFn(p.base+regFIFOCtrl, 0xc7)  // enable + clear FIFOs, 14-byte threshold
	outBFn(p.base+regModemCtrl, 0x0b) // DTR/RTS set, OUT2 enables IRQs
}

func (p *Port) transmitEmpty() bool {
	return inBFn(p.base+regLineStatus)&lineStatusTHRE != 0
}

// WriteByte blocks until the transmit holding register is empty and then
// sends b.
func (p *Port) WriteByte(b byte) error {
	for !p.transmitEmpty() {
	}
	outBFn(p.base+regData, b)
	return nil
}

// Write implements io.Writer.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			p.WriteByte('\r')
		}
		p.WriteByte(b)
	}
	return len(data), nil
}
