package sim

import (
	"sync"

	hba "github.com/coreos/go-hba"
	"github.com/pkg/errors"
)

// PageSize is the frame size of the simulated physical memory.
const PageSize = 4096

// Memory is a simulated physical address space. Map gives every page of a
// buffer its own frame, with an unmapped frame after each one, so no two
// chunks of a mapped buffer are ever physically contiguous.
type Memory struct {
	mu     sync.Mutex
	next   uint64
	frames map[uint64][]byte
}

func NewMemory() *Memory {
	return &Memory{
		next:   0x100000,
		frames: make(map[uint64][]byte),
	}
}

// Map implements hba.PhysMapper.
func (m *Memory) Map(buf []byte) ([]hba.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var segs []hba.Segment
	for off := 0; off < len(buf); off += PageSize {
		end := off + PageSize
		if end > len(buf) {
			end = len(buf)
		}
		addr := m.next
		m.next += 2 * PageSize
		m.frames[addr] = buf[off:end]
		segs = append(segs, hba.Segment{Addr: addr, Len: uint32(end - off)})
	}
	return segs, nil
}

// Unmap forgets the frames behind segs.
func (m *Memory) Unmap(segs []hba.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range segs {
		delete(m.frames, s.Addr-s.Addr%PageSize)
	}
}

// Resolve returns the n bytes at addr. The range must lie inside one frame.
func (m *Memory) Resolve(addr uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := addr - addr%PageSize
	frame, ok := m.frames[base]
	if !ok {
		return nil, errors.Errorf("address 0x%x is not mapped", addr)
	}
	off := int(addr - base)
	if off+n > len(frame) {
		return nil, errors.Errorf("%d bytes at 0x%x cross the end of a %d byte frame", n, addr, len(frame))
	}
	return frame[off : off+n], nil
}
