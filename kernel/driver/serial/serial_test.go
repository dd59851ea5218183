package serial

import "testing"

func withFakePort(t *testing.T) (*[]byte, *map[uint16]uint8) {
	t.Helper()
	origOut, origIn := outBFn, inBFn

	regs := map[uint16]uint8{}
	var written []byte

	outBFn = func(port uint16, v uint8) {
		regs[port] = v
		if port-COM1 == regData {
			written = append(written, v)
		}
	}
	inBFn = func(port uint16) uint8 {
		if port-COM1 == regLineStatus {
			return lineStatusTHRE
		}
		return regs[port]
	}

	t.Cleanup(func() {
		outBFn, inBFn = origOut, origIn
	})
	return &written, &regs
}

func TestCOM1PortInitializesLineAndFIFOControlRegisters(t *testing.T) {
	_, regs := withFakePort(t)

	COM1Port()

	if (*regs)[COM1+regLineCtrl] != 0x03 {
		t.Fatalf("expected line control to end on 8N1 with DLAB off; got %#x", (*regs)[COM1+regLineCtrl])
	}
	if (*regs)[COM1+regFIFOCtrl] != 0xc7 {
		t.Fatalf("expected FIFO control to enable and clear FIFOs; got %#x", (*regs)[COM1+regFIFOCtrl])
	}
}

func TestWriteSendsEachByteThroughTheDataRegister(t *testing.T) {
	written, _ := withFakePort(t)
	p := COM1Port()
	*written = nil

	n, err := p.Write([]byte("hi"))

	if err != nil || n != 2 {
		t.Fatalf("expected (2, nil); got (%d, %v)", n, err)
	}
	if string(*written) != "hi" {
		t.Fatalf("unexpected bytes on the wire: %q", *written)
	}
}

func TestWriteTranslatesNewlinesToCRLF(t *testing.T) {
	written, _ := withFakePort(t)
	p := COM1Port()
	*written = nil

	p.Write([]byte("a\nb"))

	if string(*written) != "a\r\nb" {
		t.Fatalf("expected CRLF translation; got %q", *written)
	}
}
