// Package tty implements the byte-transparent terminal channel that the
// write/read syscalls (spec §4.10) target. Unlike the teacher's VGA-backed
// Vt, this terminal has no character-grid device of its own: every byte
// written is passed straight through to an attached io.Writer (the serial
// driver) so that userland escape sequences such as the colorbars demo's
// ANSI codes survive untouched, while CR/LF/backspace/tab still update a
// tracked (column, row) cursor position for Position/SetPosition/Clear.
package tty

import "io"

const tabWidth = 4

// Tty is implemented by objects that can register themselves as ttys.
type Tty interface {
	io.Writer
	io.ByteWriter

	// Position returns the current cursor position (x, y).
	Position() (uint16, uint16)

	// SetPosition sets the current cursor position to (x,y). Console implementations
	// must clip the provided cursor position if it exceeds the console dimensions.
	SetPosition(x, y uint16)

	// Clear clears the terminal.
	Clear()
}

// Term is a Tty backed directly by a byte sink, with no character grid of
// its own. It tracks cursor column/row against a nominal width/height so
// Position/SetPosition behave the way a real console's would, without
// owning any character storage.
type Term struct {
	out io.Writer

	width  uint16
	height uint16

	curX uint16
	curY uint16
}

// NewTerm creates a Term that writes through to out, with a nominal
// width x height grid used only for cursor bookkeeping.
func NewTerm(out io.Writer, width, height uint16) *Term {
	return &Term{out: out, width: width, height: height}
}

// Position returns the current cursor position (x, y).
func (t *Term) Position() (uint16, uint16) {
	return t.curX, t.curY
}

// SetPosition sets the current cursor position to (x,y), clipped to the
// terminal's nominal dimensions.
func (t *Term) SetPosition(x, y uint16) {
	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}
	t.curX, t.curY = x, y
}

// Clear emits a "clear the visible terminal" escape and resets the cursor
// to the origin. It does not attempt to erase any scrollback the attached
// sink may keep, since Term owns no character storage itself.
func (t *Term) Clear() {
	io.WriteString(t.out, "\x1b[2J\x1b[H")
	t.curX, t.curY = 0, 0
}

// Write implements io.Writer.
func (t *Term) Write(data []byte) (int, error) {
	for _, b := range data {
		if err := t.WriteByte(b); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// WriteByte implements io.ByteWriter, passing b through to the underlying
// sink unmodified while updating the tracked cursor position.
func (t *Term) WriteByte(b byte) error {
	if _, err := t.out.Write([]byte{b}); err != nil {
		return err
	}

	switch b {
	case '\r':
		t.curX = 0
	case '\n':
		t.curX = 0
		t.advanceLine()
	case '\b':
		if t.curX > 0 {
			t.curX--
		}
	case '\t':
		for i := 0; i < tabWidth; i++ {
			t.advanceColumn()
		}
	default:
		t.advanceColumn()
	}

	return nil
}

func (t *Term) advanceColumn() {
	t.curX++
	if t.curX == t.width {
		t.curX = 0
		t.advanceLine()
	}
}

func (t *Term) advanceLine() {
	if t.curY+1 < t.height {
		t.curY++
	}
}

// active is the terminal channel the write/read syscalls target. There is
// only ever one: the console a userland process's output is visible on.
var active Tty

// SetActive registers t as the terminal channel used by the write syscall.
func SetActive(t Tty) {
	active = t
}

// Active returns the currently registered terminal channel, or nil if
// SetActive has not been called yet.
func Active() Tty {
	return active
}
