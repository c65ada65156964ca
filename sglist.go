package hba

import (
	"math"

	"github.com/pkg/errors"
)

// Segment is one physically contiguous, bus-addressable chunk of a buffer.
type Segment struct {
	Addr uint64
	Len  uint32
}

// PhysMapper translates a buffer into the bus addresses backing it.
type PhysMapper interface {
	Map(buf []byte) ([]Segment, error)
}

// SGList is a scatter-gather list in the layout DMA engines walk: the data
// entries followed by a zero-length terminator.
type SGList struct {
	segs  []Segment
	total int
}

// Cursor is a position in an SGList. Done is the byte offset from the start
// of the list and must equal the length of the entries before Index plus
// Offset.
type Cursor struct {
	Index  int
	Offset uint32
	Done   int
}

// BuildSGList maps bufs through m. Adjacent chunks that are physically
// contiguous are merged. More than max data entries fails with
// ErrFragmentation; the list is never truncated.
func BuildSGList(m PhysMapper, bufs [][]byte, max int) (*SGList, error) {
	l := &SGList{}
	for i, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		segs, err := m.Map(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "mapping buffer %d", i)
		}
		for _, s := range segs {
			if s.Len == 0 {
				continue
			}
			if n := len(l.segs); n > 0 {
				last := &l.segs[n-1]
				if last.Addr+uint64(last.Len) == s.Addr && uint64(last.Len)+uint64(s.Len) <= math.MaxUint32 {
					last.Len += s.Len
					l.total += int(s.Len)
					continue
				}
			}
			if len(l.segs) == max {
				return nil, errors.Wrapf(ErrFragmentation, "buffer %d needs more than %d entries", i, max)
			}
			l.segs = append(l.segs, s)
			l.total += int(s.Len)
		}
	}
	l.segs = append(l.segs, Segment{})
	return l, nil
}

// Len returns the number of data entries.
func (l *SGList) Len() int {
	return len(l.segs) - 1
}

// Total returns the number of bytes the list describes.
func (l *SGList) Total() int {
	return l.total
}

// Entries returns the data entries followed by the terminator.
func (l *SGList) Entries() []Segment {
	return l.segs
}

// Remaining returns the bytes left after c.
func (l *SGList) Remaining(c Cursor) int {
	return l.total - c.Done
}

// Advance moves c forward by n transferred bytes, crossing chunk
// boundaries. Moving past the end fails with ErrDataOverrun.
func (l *SGList) Advance(c Cursor, n int) (Cursor, error) {
	if n < 0 || n > l.Remaining(c) {
		return c, errors.Wrapf(ErrDataOverrun, "%d bytes at %d of %d", n, c.Done, l.total)
	}
	for n > 0 {
		left := int(l.segs[c.Index].Len - c.Offset)
		if n < left {
			c.Offset += uint32(n)
			c.Done += n
			break
		}
		n -= left
		c.Done += left
		c.Index++
		c.Offset = 0
	}
	return c, nil
}

// Segments returns the chunks still to be transferred from c on.
func (l *SGList) Segments(c Cursor) []Segment {
	var out []Segment
	for i := c.Index; i < len(l.segs)-1; i++ {
		s := l.segs[i]
		if i == c.Index {
			if c.Offset >= s.Len {
				continue
			}
			s.Addr += uint64(c.Offset)
			s.Len -= c.Offset
		}
		out = append(out, s)
	}
	return out
}

// Validate checks that c describes a byte position inside l.
func (l *SGList) Validate(c Cursor) error {
	if c.Index < 0 || c.Index >= len(l.segs) {
		return errors.Wrapf(ErrDataCorrupt, "entry %d of %d", c.Index, len(l.segs))
	}
	if c.Offset > l.segs[c.Index].Len {
		return errors.Wrapf(ErrDataCorrupt, "offset %d in a %d byte entry", c.Offset, l.segs[c.Index].Len)
	}
	at := int(c.Offset)
	for _, s := range l.segs[:c.Index] {
		at += int(s.Len)
	}
	if at != c.Done {
		return errors.Wrapf(ErrDataCorrupt, "cursor at byte %d claims %d", at, c.Done)
	}
	return nil
}

// Restore returns saved if it is a valid position in l.
func (l *SGList) Restore(saved Cursor) (Cursor, error) {
	if err := l.Validate(saved); err != nil {
		return Cursor{}, errors.Wrap(err, "restoring data pointer")
	}
	return saved, nil
}
