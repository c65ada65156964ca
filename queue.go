package hba

import (
	"fmt"

	"github.com/coreos/go-hba/scsi"
	"github.com/pkg/errors"
)

type lunKey struct {
	target int
	lun    int
}

// schedule starts the next selection when the bus is free. Recovery comes
// first: a bus device reset waiting for its target, then an abort for a
// disconnected command. After that the pending queue is taken in FIFO order,
// skipping targets that reported queue full and luns held by an untagged
// command. Once a lun is skipped, everything behind it for that lun is
// skipped too.
func (a *Adapter) schedule() {
	if a.closed || a.faulted || a.hwFault != nil || a.bus.state != busDisconnected || a.bus.awaitFree {
		return
	}
	a.bus.begin()

	if b, kind := a.nextRecovery(); b != nil {
		delete(a.disconnected, b.key())
		b.state = inActive
		a.bus.to(busSelecting, PhaseNone)
		a.bus.active = b.index
		a.bus.recoverySel = true
		a.bus.selectKind = kind
		a.log.Debugf("selecting target %d to deliver %v for %v", b.target, kind, b)
		a.selectTarget(b)
		return
	}

	skipped := make(map[lunKey]bool)
	for i, idx := range a.pending {
		b := a.pool.at(idx)
		lk := lunKey{b.target, b.lun}
		if skipped[lk] {
			continue
		}
		t := a.target(b.target)
		if !a.eligible(b, t) {
			skipped[lk] = true
			continue
		}
		if err := a.admit(b, t); err != nil {
			a.log.Debugf("target %d: %v", t.id, err)
			t.queueFull = true
			t.queueFullAt = t.outstanding
			skipped[lk] = true
			continue
		}
		a.pending = append(a.pending[:i], a.pending[i+1:]...)
		b.state = inActive
		b.params = t.params
		b.deadline = a.clock.Now().Add(b.timeout)
		a.bus.to(busSelecting, PhaseNone)
		a.bus.active = idx
		a.log.Debugf("selecting %v", b)
		a.selectTarget(b)
		return
	}
}

func (a *Adapter) selectTarget(b *srb) {
	if err := a.hw.Select(b.target); err != nil {
		a.busFault(errors.Wrapf(err, "selecting target %d", b.target))
	}
}

func (a *Adapter) eligible(b *srb, t *targetState) bool {
	if t.queueFull || t.bdrPending {
		return false
	}
	l := t.lun(b.lun)
	if a.wantsTag(b, t) {
		return !l.untagged
	}
	return l.idle()
}

func (a *Adapter) wantsTag(b *srb, t *targetState) bool {
	return b.req.Tagged && a.cfg.TaggedQueueing && t.tagged
}

// nextRecovery returns the disconnected command that should be reselected
// to carry a recovery message, and which message.
func (a *Adapter) nextRecovery() (*srb, recoveryLevel) {
	for id := 0; id < a.cfg.MaxTargets; id++ {
		t, ok := a.targets[id]
		if !ok || !t.bdrPending || t.bdrVehicle < 0 {
			continue
		}
		if b := a.pool.at(t.bdrVehicle); b.state == inDisconnected {
			return b, recDeviceReset
		}
	}
	var pick *srb
	for _, idx := range a.disconnected {
		b := a.pool.at(idx)
		if b.recovery != recAbort || !b.abortRequested {
			continue
		}
		if pick == nil || b.seq < pick.seq {
			pick = b
		}
	}
	if pick != nil {
		return pick, recAbort
	}
	return nil, recNone
}

// admit gives b its nexus: a tag when it is to be queued, the lun
// bookkeeping and the outstanding count.
func (a *Adapter) admit(b *srb, t *targetState) error {
	b.tag = Untagged
	if a.wantsTag(b, t) {
		tag, err := t.tags.allocate()
		if err != nil {
			return err
		}
		b.tag = tag
	}
	l := t.lun(b.lun)
	if b.tag == Untagged {
		l.untagged = true
	} else {
		l.tagged++
	}
	key := b.key()
	if other, dup := a.nexus[key]; dup {
		panic(fmt.Sprintf("nexus %v already held by srb%d", key, other))
	}
	a.nexus[key] = b.index
	t.outstanding++
	b.admitted = true
	a.metrics.outstanding.Inc()
	return nil
}

// release undoes admit.
func (a *Adapter) release(b *srb) {
	t := a.target(b.target)
	l := t.lun(b.lun)
	if b.tag == Untagged {
		l.untagged = false
	} else {
		t.tags.release(b.tag)
		l.tagged--
	}
	delete(a.nexus, b.key())
	t.outstanding--
	if t.queueFull && t.outstanding < t.queueFullAt {
		t.queueFull = false
	}
	b.admitted = false
	a.metrics.outstanding.Dec()
}

// untag turns a tagged command into an untagged one after the target
// refused its queue tag.
func (a *Adapter) untag(b *srb, t *targetState) bool {
	l := t.lun(b.lun)
	if l.tagged != 1 {
		return false
	}
	delete(a.nexus, b.key())
	t.tags.release(b.tag)
	l.tagged--
	l.untagged = true
	b.tag = Untagged
	a.nexus[b.key()] = b.index
	return true
}

// park moves the connected command to the disconnected set.
func (a *Adapter) park(b *srb) {
	b.state = inDisconnected
	a.disconnected[b.key()] = b.index
	if a.bus.active == b.index {
		a.bus.active = -1
	}
}

// requeue puts b back at the head of the pending queue for another try.
func (a *Adapter) requeue(b *srb) {
	if b.admitted {
		a.release(b)
	}
	if a.bus.active == b.index {
		a.bus.active = -1
	}
	delete(a.disconnected, b.key())
	b.resetAttempt()
	b.state = inPending
	a.pending = append([]int{b.index}, a.pending...)
}

// complete finishes b: it leaves whichever queue holds it, gives up its
// tag and returns to the pool. The caller's Done runs once mu is released.
func (a *Adapter) complete(b *srb, host HostStatus, status byte) {
	switch b.state {
	case inFree:
		panic(fmt.Sprintf("completing free command block %d", b.index))
	case inPending:
		for i, idx := range a.pending {
			if idx == b.index {
				a.pending = append(a.pending[:i], a.pending[i+1:]...)
				break
			}
		}
	case inDisconnected:
		delete(a.disconnected, b.key())
	}
	if a.bus.active == b.index {
		a.bus.active = -1
	}
	if b.admitted {
		a.release(b)
	}
	if t, ok := a.targets[b.target]; ok && t.bdrVehicle == b.index {
		// The next sweep hands the reset to another command of the target
		// still waiting for it.
		t.bdrVehicle = -1
		t.bdrPending = false
	}

	c := Completion{
		Handle:     b.handle(),
		Host:       host,
		SCSIStatus: status,
		Residual:   b.sg.Remaining(b.cur),
	}
	if host == HostOK {
		a.faultCount = 0
		a.log.Debugf("%v completed: %v", b, c)
	} else {
		a.log.Warnf("%v completed: %v", b, c)
	}
	a.metrics.completed.WithLabelValues(host.String()).Inc()
	if done := b.req.Done; done != nil {
		a.done = append(a.done, func() { done(c) })
	}
	a.pool.put(b)
}

// queueOut queues msg for the next message-out phase and asks the target
// for one.
func (a *Adapter) queueOut(msg []byte) {
	a.bus.msgOut = append(a.bus.msgOut, msg)
	if err := a.hw.AssertATN(); err != nil {
		a.busFault(errors.Wrap(err, "asserting ATN"))
	}
}

func abortMessage(b *srb) []byte {
	if b.tag == Untagged {
		return []byte{scsi.MsgAbort}
	}
	return []byte{scsi.MsgAbortTag}
}
