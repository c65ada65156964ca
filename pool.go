package hba

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Command blocks live in fixed-size slabs so a *srb stays valid while the
// pool grows.
const slabSize = 32

type blockState int

const (
	inFree blockState = iota
	inPending
	inActive
	inDisconnected
)

var blockStateNames = [...]string{"free", "pending", "active", "disconnected"}

func (s blockState) String() string {
	return blockStateNames[s]
}

type recoveryLevel int

const (
	recNone recoveryLevel = iota
	recAbort
	recDeviceReset
)

func (r recoveryLevel) String() string {
	switch r {
	case recAbort:
		return "abort"
	case recDeviceReset:
		return "device_reset"
	}
	return "none"
}

// srb is the working record of one command from Submit to completion.
type srb struct {
	index int
	gen   uint32
	state blockState
	seq   uint64

	req    *Request
	target int
	lun    int
	tag    int
	cdb    []byte
	dir    Direction

	sg       *SGList
	cur      Cursor
	saved    Cursor
	params   TransferParams
	admitted bool
	cmdSent  bool

	retries  int
	timeout  time.Duration
	deadline time.Time

	recovery         recoveryLevel
	recoveryDeadline time.Time
	abortRequested   bool
	abortStatus      HostStatus

	status    byte
	gotStatus bool
}

func (b *srb) handle() Handle {
	return Handle{index: uint32(b.index), gen: b.gen}
}

func (b *srb) key() nexusKey {
	return nexusKey{target: b.target, lun: b.lun, tag: b.tag}
}

func (b *srb) String() string {
	return fmt.Sprintf("srb%d(%d:%d tag %d)", b.index, b.target, b.lun, b.tag)
}

// resetAttempt clears what one trip over the bus left behind.
func (b *srb) resetAttempt() {
	b.cur = Cursor{}
	b.saved = Cursor{}
	b.cmdSent = false
	b.status = 0
	b.gotStatus = false
	b.tag = Untagged
}

// nexusKey is the (target, lun, tag) identity of an outstanding command.
type nexusKey struct {
	target int
	lun    int
	tag    int
}

func (k nexusKey) String() string {
	if k.tag == Untagged {
		return fmt.Sprintf("%d:%d", k.target, k.lun)
	}
	return fmt.Sprintf("%d:%d:%d", k.target, k.lun, k.tag)
}

type blockPool struct {
	slabs [][]srb
	free  []int
	size  int
	max   int
}

func newBlockPool(initial, max int) *blockPool {
	p := &blockPool{max: max}
	for p.size < initial && p.size < max {
		p.grow()
	}
	return p
}

func (p *blockPool) grow() {
	n := slabSize
	if p.size+n > p.max {
		n = p.max - p.size
	}
	// Only the last slab can be short, so at still finds block i in slab
	// i/slabSize.
	slab := make([]srb, n)
	for i := range slab {
		slab[i].index = p.size + i
		slab[i].gen = 1
		slab[i].tag = Untagged
	}
	p.slabs = append(p.slabs, slab)
	// Push in reverse so the lowest index is handed out first.
	for i := len(slab) - 1; i >= 0; i-- {
		p.free = append(p.free, p.size+i)
	}
	p.size += n
}

func (p *blockPool) get() (*srb, error) {
	if len(p.free) == 0 {
		if p.size >= p.max {
			return nil, errors.Wrapf(ErrQueueFull, "%d command blocks in use", p.size)
		}
		p.grow()
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := p.at(idx)
	if b.state != inFree {
		panic(fmt.Sprintf("free list holds %v in state %v", b, b.state))
	}
	return b, nil
}

func (p *blockPool) put(b *srb) {
	if b.state == inFree {
		panic(fmt.Sprintf("returning free command block %d", b.index))
	}
	*b = srb{index: b.index, gen: b.gen + 1, tag: Untagged}
	if b.gen == 0 {
		b.gen = 1
	}
	p.free = append(p.free, b.index)
}

func (p *blockPool) at(idx int) *srb {
	return &p.slabs[idx/slabSize][idx%slabSize]
}

func (p *blockPool) lookup(h Handle) *srb {
	idx := int(h.index)
	if idx >= p.size {
		return nil
	}
	b := p.at(idx)
	if b.gen != h.gen || b.state == inFree {
		return nil
	}
	return b
}

func (p *blockPool) inUse() int {
	return p.size - len(p.free)
}
