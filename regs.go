package hba

import (
	"fmt"
	"unsafe"
)

// RegisterWindow is a chip's memory-mapped register file. Accesses are
// single loads and stores of the given width at byte offsets into the
// window, in host byte order.
type RegisterWindow struct {
	mem []byte
}

// NewRegisterWindow wraps an already mapped register region.
func NewRegisterWindow(mem []byte) *RegisterWindow {
	return &RegisterWindow{mem: mem}
}

// Len returns the size of the window in bytes.
func (w *RegisterWindow) Len() int {
	return len(w.mem)
}

func (w *RegisterWindow) check(off, width int) {
	if off < 0 || off+width > len(w.mem) || off%width != 0 {
		panic(fmt.Sprintf("register access of %d bytes at 0x%x in a %d byte window", width, off, len(w.mem)))
	}
}

func (w *RegisterWindow) Read8(off int) uint8 {
	w.check(off, 1)
	return *(*uint8)(unsafe.Pointer(&w.mem[off]))
}

func (w *RegisterWindow) Read16(off int) uint16 {
	w.check(off, 2)
	return *(*uint16)(unsafe.Pointer(&w.mem[off]))
}

func (w *RegisterWindow) Read32(off int) uint32 {
	w.check(off, 4)
	return *(*uint32)(unsafe.Pointer(&w.mem[off]))
}

func (w *RegisterWindow) Write8(off int, v uint8) {
	w.check(off, 1)
	*(*uint8)(unsafe.Pointer(&w.mem[off])) = v
}

func (w *RegisterWindow) Write16(off int, v uint16) {
	w.check(off, 2)
	*(*uint16)(unsafe.Pointer(&w.mem[off])) = v
}

func (w *RegisterWindow) Write32(off int, v uint32) {
	w.check(off, 4)
	*(*uint32)(unsafe.Pointer(&w.mem[off])) = v
}
