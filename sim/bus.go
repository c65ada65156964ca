// sim is a simulated parallel SCSI bus, host adapter chip and disk targets.
// Bus implements hba.HostAdapter: every operation takes effect at once and
// reports its outcome through the attached event sink, the way the chip's
// interrupt would.
package sim

import (
	"fmt"
	"sync"

	hba "github.com/coreos/go-hba"
	"github.com/coreos/go-hba/scsi"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Transfer records the data moved over one segment.
type Transfer struct {
	Target int
	Dir    hba.Direction
	Addr   uint64
	Bytes  int
	// Offset is the position in the command's data where the segment
	// started.
	Offset int
}

// Command records a CDB as a target received it.
type Command struct {
	Target int
	Lun    int
	Tag    int
	CDB    []byte
}

// Stats counts what happened on the bus.
type Stats struct {
	Selections   int
	Reselections int
	Aborts       int
	DeviceResets int
	Resets       int
	// Ignored counts chip operations that arrived after the target had
	// already moved to another phase.
	Ignored int
}

type nexusID struct {
	target int
	lun    int
	tag    int
}

func (id nexusID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.target, id.lun, id.tag)
}

// nexus is a command as the target holds it.
type nexus struct {
	id        nexusID
	t         *Target
	cdb       scsi.CDB
	out       outcome
	done      int
	saved     int
	completed bool

	disconnected bool
	phaseError   bool
	stalled      bool
}

// conn is the current connection between the adapter and one target.
type conn struct {
	t    *Target
	lun  int
	tag  int
	disc bool
	nx   *nexus

	phase      hba.Phase
	atn        bool
	awaitAck   bool
	hung       bool
	msgIn      [][]byte
	moved      int
	statusSent bool
	// targetNeg is set while the target waits for the answer to its own
	// SDTR.
	targetNeg     bool
	leaving       bool
	disconnecting bool
}

func (c *conn) queue(msg []byte) {
	c.msgIn = append(c.msgIn, msg)
}

// Bus is the simulated bus. The exported knobs may be set before the bus is
// attached.
type Bus struct {
	// AutoReselect lets a target with a disconnected command reselect as
	// soon as the bus goes free. Without it the test calls Reselect.
	AutoReselect bool
	// FailResets makes that many ResetBus calls fail.
	FailResets int

	mu      sync.Mutex
	post    func(hba.Event)
	mem     *Memory
	log     *logrus.Entry
	targets map[int]*Target
	held    map[nexusID]*nexus
	waiting []*nexus
	cur     *conn
	params  map[int]hba.TransferParams

	stats     Stats
	errs      []error
	transfers []Transfer
	commands  []Command
	replies   map[int][][]byte
	peak      map[int]int
}

// NewBus returns a bus with the given targets, moving data through mem.
func NewBus(mem *Memory, targets ...*Target) *Bus {
	b := &Bus{
		mem:     mem,
		log:     logrus.WithField("bus", "sim"),
		targets: make(map[int]*Target),
		held:    make(map[nexusID]*nexus),
		params:  make(map[int]hba.TransferParams),
		replies: make(map[int][][]byte),
		peak:    make(map[int]int),
		post:    func(hba.Event) {},
	}
	for _, t := range targets {
		b.targets[t.ID] = t
	}
	return b
}

func (b *Bus) Attach(post func(hba.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.post = post
}

func (b *Bus) ignored(op string) {
	b.stats.Ignored++
	b.log.Debugf("%s ignored, target moved on", op)
}

func (b *Bus) enter(c *conn, p hba.Phase) {
	c.phase = p
	ev := hba.Event{Kind: hba.EventPhase, Target: c.t.ID, Phase: p, Transferred: c.moved}
	c.moved = 0
	b.post(ev)
}

func (b *Bus) deliver(c *conn) {
	m := c.msgIn[0]
	c.msgIn = c.msgIn[1:]
	if len(m) == 1 {
		switch m[0] {
		case scsi.MsgCommandComplete:
			c.leaving = true
			c.nx.completed = true
		case scsi.MsgDisconnect:
			c.leaving = true
			c.disconnecting = true
		}
	}
	c.awaitAck = true
	b.post(hba.Event{Kind: hba.EventMessageIn, Target: c.t.ID, Data: m})
}

// proceed moves the connection to whatever the target does next.
func (b *Bus) proceed(c *conn) {
	switch {
	case c.hung:
	case len(c.msgIn) > 0:
		if c.phase != hba.PhaseMessageIn {
			b.enter(c, hba.PhaseMessageIn)
		}
		b.deliver(c)
	case c.atn:
		b.enter(c, hba.PhaseMessageOut)
	case c.leaving:
		b.busFree()
	case c.nx == nil:
		b.enter(c, hba.PhaseCommandOut)
	case c.nx.done < len(c.nx.out.data):
		if c.nx.out.dir == hba.DirOut {
			b.enter(c, hba.PhaseDataOut)
		} else {
			b.enter(c, hba.PhaseDataIn)
		}
	default:
		if commit := c.nx.out.commit; commit != nil {
			c.nx.out.commit = nil
			c.nx.out.status = commit(c.nx.out.data)
		}
		b.enter(c, hba.PhaseStatusIn)
	}
}

func (b *Bus) busFree() {
	c := b.cur
	b.cur = nil
	if nx := c.nx; nx != nil {
		switch {
		case nx.completed:
			if b.held[nx.id] == nx {
				delete(b.held, nx.id)
			}
		case c.disconnecting:
			b.waiting = append(b.waiting, nx)
		}
	}
	b.post(hba.Event{Kind: hba.EventBusFree, Target: c.t.ID})
	if b.AutoReselect {
		b.reselect()
	}
}

func (b *Bus) Select(target int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Selections++
	if b.cur != nil {
		// A reselection won arbitration; its event is already queued.
		b.log.Debugf("selection of target %d lost arbitration", target)
		return nil
	}
	t, ok := b.targets[target]
	if !ok {
		b.post(hba.Event{Kind: hba.EventSelectionTimeout, Target: target})
		return nil
	}
	b.cur = &conn{t: t, tag: hba.Untagged, phase: hba.PhaseMessageOut}
	b.post(hba.Event{Kind: hba.EventSelected, Target: target})
	return nil
}

func (b *Bus) SendMessage(msg []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cur
	if c == nil || c.phase != hba.PhaseMessageOut || c.awaitAck || c.hung {
		b.ignored("message-out")
		return nil
	}
	c.atn = false
	negotiated := false
	for len(msg) > 0 {
		n, ok := scsi.MessageLength(msg)
		if !ok {
			b.fail(errors.Errorf("target %d: truncated message-out % x", c.t.ID, msg))
			c.queue([]byte{scsi.MsgMessageReject})
			break
		}
		m := msg[:n]
		msg = msg[n:]
		switch {
		case m[0]&scsi.MsgIdentify != 0:
			c.lun = int(m[0] & scsi.IdentifyLunMask)
			c.disc = m[0]&scsi.IdentifyDiscPriv != 0
		case scsi.IsQueueTag(m[0]):
			if c.t.NoTags {
				// The target stops listening at the tag.
				c.queue([]byte{scsi.MsgMessageReject})
				msg = nil
				continue
			}
			c.tag = int(m[1])
		case m[0] == scsi.MsgExtended:
			negotiated = true
			b.negotiate(c, m)
		case m[0] == scsi.MsgAbort || m[0] == scsi.MsgAbortTag:
			b.stats.Aborts++
			if c.t.IgnoreAbort {
				c.hung = true
				return nil
			}
			b.abort(c, m[0] == scsi.MsgAbortTag)
			return nil
		case m[0] == scsi.MsgBusDeviceReset:
			b.stats.DeviceResets++
			if c.t.IgnoreDeviceReset {
				c.hung = true
				return nil
			}
			b.deviceReset(c.t)
			return nil
		case m[0] == scsi.MsgMessageReject:
			c.targetNeg = false
		case m[0] == scsi.MsgNop:
		default:
			c.queue([]byte{scsi.MsgMessageReject})
		}
	}
	if t := c.t; c.nx == nil && t.InitiateSync && t.Sync && !t.synced && !negotiated {
		t.synced = true
		c.targetNeg = true
		c.queue(scsi.SDTRMessage(t.MinPeriod, t.MaxOffset))
	}
	b.proceed(c)
	return nil
}

func (b *Bus) negotiate(c *conn, m []byte) {
	t := c.t
	ext, err := scsi.ParseExtended(m)
	if err != nil {
		c.queue([]byte{scsi.MsgMessageReject})
		return
	}
	if c.targetNeg {
		c.targetNeg = false
		b.replies[t.ID] = append(b.replies[t.ID], append([]byte(nil), m...))
		return
	}
	var reply []byte
	switch {
	case ext.Code == scsi.ExtWDTR && t.Wide:
		w := ext.Width
		if w > scsi.Width16 {
			w = scsi.Width16
		}
		reply = scsi.WDTRMessage(w)
	case ext.Code == scsi.ExtSDTR && t.Sync:
		period, offset := ext.Period, ext.Offset
		if period < t.MinPeriod {
			period = t.MinPeriod
		}
		if t.ForcePeriod != 0 {
			period = t.ForcePeriod
		}
		if offset > t.MaxOffset {
			offset = t.MaxOffset
		}
		reply = scsi.SDTRMessage(period, offset)
	default:
		c.queue([]byte{scsi.MsgMessageReject})
		return
	}
	t.synced = true
	if t.MalformedReply {
		bad := []byte{reply[0], reply[1] + 1}
		bad = append(bad, reply[2:]...)
		reply = append(bad, 0)
	}
	if t.SplitReply {
		c.queue(reply[:2])
		c.queue(reply[2:])
		return
	}
	c.queue(reply)
}

// abort drops the command the connection names: ABORT TAG the tagged one,
// ABORT everything of the initiator on the lun.
func (b *Bus) abort(c *conn, tagged bool) {
	for id, nx := range b.held {
		if id.target != c.t.ID || id.lun != c.lun || (tagged && id.tag != c.tag) {
			continue
		}
		b.drop(nx)
	}
	c.nx = nil
	b.busFree()
}

func (b *Bus) deviceReset(t *Target) {
	for id, nx := range b.held {
		if id.target == t.ID {
			b.drop(nx)
		}
	}
	t.synced = false
	delete(b.params, t.ID)
	b.cur.nx = nil
	b.busFree()
}

func (b *Bus) drop(nx *nexus) {
	delete(b.held, nx.id)
	for i, w := range b.waiting {
		if w == nx {
			b.waiting = append(b.waiting[:i], b.waiting[i+1:]...)
			break
		}
	}
}

func (b *Bus) SendCommand(cdb []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cur
	if c == nil || c.phase != hba.PhaseCommandOut || c.nx != nil {
		b.ignored("command")
		return nil
	}
	t := c.t
	id := nexusID{target: t.ID, lun: c.lun, tag: c.tag}
	b.commands = append(b.commands, Command{Target: t.ID, Lun: c.lun, Tag: c.tag, CDB: append([]byte(nil), cdb...)})
	if _, dup := b.held[id]; dup {
		b.fail(errors.Errorf("nexus %v issued while already held", id))
	}
	nx := &nexus{id: id, t: t, cdb: append(scsi.CDB(nil), cdb...)}
	c.nx = nx
	if t.QueueDepth > 0 && b.heldBy(t.ID) >= t.QueueDepth {
		nx.out = outcome{status: scsi.SamStatTaskSetFull}
		b.proceed(c)
		return nil
	}
	nx.out = t.execute(nx.cdb)
	b.held[id] = nx
	if n := b.heldBy(t.ID); n > b.peak[t.ID] {
		b.peak[t.ID] = n
	}
	if t.DisconnectOnCommand && c.disc {
		c.queue([]byte{scsi.MsgDisconnect})
	}
	b.proceed(c)
	return nil
}

func (b *Bus) heldBy(target int) int {
	n := 0
	for id := range b.held {
		if id.target == target {
			n++
		}
	}
	return n
}

func (b *Bus) Transfer(dir hba.Direction, segs []hba.Segment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cur
	if c == nil || c.nx == nil || c.awaitAck || (c.phase != hba.PhaseDataIn && c.phase != hba.PhaseDataOut) {
		b.ignored("transfer")
		return nil
	}
	nx, t := c.nx, c.t
	if dir != nx.out.dir {
		b.fail(errors.Errorf("target %d: %v transfer in %v phase", t.ID, dir, c.phase))
		b.ignored("transfer")
		return nil
	}
	limit := len(nx.out.data) - nx.done
	if t.DisconnectAfter > 0 && c.disc && !nx.disconnected && nx.done < t.DisconnectAfter && t.DisconnectAfter-nx.done < limit {
		limit = t.DisconnectAfter - nx.done
	}
	if t.PhaseErrorAfter > 0 && !nx.phaseError && nx.done < t.PhaseErrorAfter && t.PhaseErrorAfter-nx.done < limit {
		limit = t.PhaseErrorAfter - nx.done
	}
	if t.HangAfter > 0 && !nx.stalled && nx.done < t.HangAfter && t.HangAfter-nx.done < limit {
		limit = t.HangAfter - nx.done
	}
	moved := 0
	for _, s := range segs {
		if moved >= limit {
			break
		}
		n := int(s.Len)
		if n > limit-moved {
			n = limit - moved
		}
		mem, err := b.mem.Resolve(s.Addr, n)
		if err != nil {
			return errors.Wrapf(err, "DMA for target %d", t.ID)
		}
		if dir == hba.DirIn {
			copy(mem, nx.out.data[nx.done:])
		} else {
			copy(nx.out.data[nx.done:], mem)
		}
		b.transfers = append(b.transfers, Transfer{Target: t.ID, Dir: dir, Addr: s.Addr, Bytes: n, Offset: nx.done})
		nx.done += n
		moved += n
	}
	c.moved += moved

	switch {
	case t.HangAfter > 0 && !nx.stalled && nx.done >= t.HangAfter:
		nx.stalled = true
		c.hung = true
		return nil
	case t.PhaseErrorAfter > 0 && !nx.phaseError && nx.done >= t.PhaseErrorAfter:
		nx.phaseError = true
		b.enter(c, hba.PhaseCommandOut)
		return nil
	case t.DisconnectAfter > 0 && c.disc && !nx.disconnected && nx.done >= t.DisconnectAfter && nx.done < len(nx.out.data):
		nx.disconnected = true
		nx.saved = nx.done
		c.queue([]byte{scsi.MsgSaveDataPointer})
		c.queue([]byte{scsi.MsgDisconnect})
	}
	b.proceed(c)
	return nil
}

func (b *Bus) ReadStatus() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cur
	if c == nil || c.nx == nil || c.phase != hba.PhaseStatusIn || c.statusSent {
		b.ignored("status")
		return nil
	}
	c.statusSent = true
	b.post(hba.Event{Kind: hba.EventStatus, Target: c.t.ID, Status: c.nx.out.status})
	c.queue([]byte{scsi.MsgCommandComplete})
	b.proceed(c)
	return nil
}

func (b *Bus) AcceptMessage() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cur
	if c == nil || !c.awaitAck {
		b.ignored("accept")
		return nil
	}
	c.awaitAck = false
	if c.atn {
		b.enter(c, hba.PhaseMessageOut)
		return nil
	}
	b.proceed(c)
	return nil
}

func (b *Bus) AssertATN() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cur
	if c == nil {
		return nil
	}
	wasHung := c.hung
	if wasHung {
		if c.t.IgnoreDeviceReset {
			return nil
		}
		c.hung = false
	}
	c.atn = true
	if c.awaitAck || (c.phase == hba.PhaseMessageOut && !wasHung) {
		return nil
	}
	b.enter(c, hba.PhaseMessageOut)
	return nil
}

func (b *Bus) SetTransferParams(target int, p hba.TransferParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params[target] = p
	return nil
}

func (b *Bus) ResetBus() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailResets > 0 {
		b.FailResets--
		return errors.New("RST did not clear the bus")
	}
	b.clear()
	return nil
}

// ExternalReset simulates another device on the bus asserting RST.
func (b *Bus) ExternalReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clear()
	b.post(hba.Event{Kind: hba.EventBusReset})
}

func (b *Bus) clear() {
	b.stats.Resets++
	b.cur = nil
	b.waiting = nil
	b.held = make(map[nexusID]*nexus)
	b.params = make(map[int]hba.TransferParams)
	for _, t := range b.targets {
		t.synced = false
	}
}

// Reselect lets the first target with a disconnected command take the bus.
// It reports false when the bus is busy or nothing is waiting.
func (b *Bus) Reselect() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reselect()
}

func (b *Bus) reselect() bool {
	if b.cur != nil {
		return false
	}
	for i, nx := range b.waiting {
		if nx.t.Stall {
			continue
		}
		b.waiting = append(b.waiting[:i], b.waiting[i+1:]...)
		// Reselection implies RESTORE POINTERS.
		nx.done = nx.saved
		b.cur = &conn{
			t:        nx.t,
			lun:      nx.id.lun,
			tag:      nx.id.tag,
			disc:     true,
			nx:       nx,
			phase:    hba.PhaseMessageIn,
			awaitAck: true,
		}
		b.stats.Reselections++
		data := []byte{scsi.Identify(nx.id.lun, true)}
		if nx.id.tag != hba.Untagged {
			data = append(data, scsi.SimpleQueueTag(uint8(nx.id.tag))...)
		}
		b.post(hba.Event{Kind: hba.EventReselected, Target: nx.t.ID, Data: data})
		return true
	}
	return false
}

func (b *Bus) fail(err error) {
	b.log.Warn(err)
	b.errs = append(b.errs, err)
}

// Errors returns the protocol violations the targets noticed.
func (b *Bus) Errors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.errs...)
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bus) Transfers() []Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Transfer(nil), b.transfers...)
}

func (b *Bus) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// Params returns what the adapter last programmed for target.
func (b *Bus) Params(target int) hba.TransferParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params[target]
}

// Replies returns the answers the adapter sent to target-initiated
// negotiations of target.
func (b *Bus) Replies(target int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.replies[target]...)
}

// Peak returns the most commands target held at once.
func (b *Bus) Peak(target int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak[target]
}

// Held returns the number of commands the targets are holding.
func (b *Bus) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}
