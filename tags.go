package hba

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

const maxTags = 256

// tagMap is one target's set of queue tags in use. allocate scans from a
// rotating cursor so high-numbered tags see the same reuse as low ones.
type tagMap struct {
	bits  [maxTags / 64]uint64
	next  int
	used  int
	limit int
}

func newTagMap(limit int) tagMap {
	return tagMap{limit: limit}
}

func (m *tagMap) isSet(tag int) bool {
	return m.bits[tag/64]&(1<<uint(tag%64)) != 0
}

func (m *tagMap) allocate() (int, error) {
	if m.used >= m.limit {
		return Untagged, errors.Wrapf(ErrNoTagsFree, "%d of %d tags in use", m.used, m.limit)
	}
	for i := 0; i < m.limit; i++ {
		tag := (m.next + i) % m.limit
		if m.isSet(tag) {
			continue
		}
		m.bits[tag/64] |= 1 << uint(tag%64)
		m.used++
		m.next = (tag + 1) % m.limit
		return tag, nil
	}
	panic(fmt.Sprintf("tag map count %d disagrees with bitmap", m.used))
}

func (m *tagMap) release(tag int) {
	if tag < 0 || tag >= maxTags || !m.isSet(tag) {
		panic(fmt.Sprintf("releasing tag %d which is not allocated", tag))
	}
	m.bits[tag/64] &^= 1 << uint(tag%64)
	m.used--
}

func (m *tagMap) count() int {
	n := 0
	for _, w := range m.bits {
		n += bits.OnesCount64(w)
	}
	return n
}
