package hba

import (
	"github.com/coreos/go-hba/scsi"
	"github.com/pkg/errors"
)

// Consecutive protocol errors and bus faults, without a good completion in
// between, that are reported through OnFault.
const faultStormLimit = 3

// handleEvent is one dispatcher step. An error return is a chip fault; the
// bus is reset once the step is over.
func (a *Adapter) handleEvent(ev Event) {
	a.bus.begin()
	a.log.Debugf("%v while %v", ev, &a.bus)
	var err error
	switch ev.Kind {
	case EventSelected:
		err = a.onSelected(ev)
	case EventSelectionTimeout:
		a.onSelectionTimeout(ev)
	case EventReselected:
		err = a.onReselected(ev)
	case EventPhase:
		err = a.onPhase(ev)
	case EventMessageIn:
		err = a.onMessageIn(ev)
	case EventStatus:
		err = a.onStatus(ev)
	case EventBusFree:
		err = a.onBusFree(ev)
	case EventBusReset:
		a.log.Warnf("bus reset by another device")
		a.metrics.recoveries.WithLabelValues("bus_reset").Inc()
		a.afterBusReset()
	default:
		err = errors.Errorf("unknown event %v", ev.Kind)
	}
	if err != nil {
		a.busFault(err)
	}
}

func (a *Adapter) activeBlock() *srb {
	if a.bus.active < 0 {
		return nil
	}
	return a.pool.at(a.bus.active)
}

func (a *Adapter) onSelected(ev Event) error {
	b := a.activeBlock()
	if a.bus.state != busSelecting || b == nil {
		return errors.Wrapf(ErrProtocol, "target %d selected while %v", ev.Target, &a.bus)
	}
	if ev.Target != b.target {
		return errors.Wrapf(ErrProtocol, "target %d answered a selection of target %d", ev.Target, b.target)
	}
	t := a.target(b.target)
	a.bus.to(busConnected, PhaseMessageOut)
	if err := a.hw.SetTransferParams(t.id, t.params); err != nil {
		return errors.Wrapf(err, "programming target %d", t.id)
	}
	b.params = t.params

	if a.bus.selectKind == recDeviceReset {
		a.log.Warnf("sending BUS DEVICE RESET to target %d", t.id)
		return a.sendMessage([]byte{scsi.Identify(b.lun, false), scsi.MsgBusDeviceReset})
	}
	msg := []byte{scsi.Identify(b.lun, a.cfg.AllowDisconnect && !a.bus.recoverySel)}
	if b.tag != Untagged {
		msg = append(msg, scsi.SimpleQueueTag(uint8(b.tag))...)
	}
	if b.abortRequested {
		msg = append(msg, abortMessage(b)...)
	} else if neg := t.nextNegotiation(&a.cfg); neg != nil {
		msg = append(msg, neg...)
		a.bus.negSent = true
	}
	return a.sendMessage(msg)
}

func (a *Adapter) sendMessage(msg []byte) error {
	a.bus.noteOut(msg)
	return errors.Wrap(a.hw.SendMessage(msg), "sending message")
}

// sendMessageOut answers a message-out phase with everything queued, or a
// NOP when the target asked for nothing.
func (a *Adapter) sendMessageOut() error {
	msg := []byte{scsi.MsgNop}
	if len(a.bus.msgOut) > 0 {
		msg = nil
		for _, m := range a.bus.msgOut {
			msg = append(msg, m...)
		}
		a.bus.msgOut = nil
	}
	if a.bus.negQueued {
		a.bus.negQueued = false
		a.bus.negSent = true
	}
	return a.sendMessage(msg)
}

func (a *Adapter) onSelectionTimeout(ev Event) {
	b := a.activeBlock()
	if a.bus.state != busSelecting || b == nil {
		a.log.Warnf("stray selection timeout for target %d", ev.Target)
		return
	}
	kind, recovery := a.bus.selectKind, a.bus.recoverySel
	a.bus.to(busDisconnected, PhaseNone)
	a.bus.clearConnection()
	a.bus.active = -1
	switch {
	case recovery && kind == recDeviceReset:
		a.targetGone(b.target, HostSelectionTimeout)
	case recovery:
		a.complete(b, b.abortStatus, 0)
	default:
		a.complete(b, HostSelectionTimeout, 0)
	}
}

func (a *Adapter) onReselected(ev Event) error {
	if len(ev.Data) == 0 || ev.Data[0]&scsi.MsgIdentify == 0 {
		return errors.Wrapf(ErrProtocol, "target %d reselected without IDENTIFY: % x", ev.Target, ev.Data)
	}
	key := nexusKey{target: ev.Target, lun: int(ev.Data[0] & scsi.IdentifyLunMask), tag: Untagged}
	if len(ev.Data) > 1 {
		if len(ev.Data) < 3 || !scsi.IsQueueTag(ev.Data[1]) {
			return errors.Wrapf(ErrProtocol, "target %d reselected with % x", ev.Target, ev.Data)
		}
		key.tag = int(ev.Data[2])
	}
	switch a.bus.state {
	case busSelecting:
		a.lostArbitration()
	case busDisconnected:
		a.bus.awaitFree = false
	default:
		return errors.Wrapf(ErrProtocol, "target %d reselected while %v", ev.Target, &a.bus)
	}
	idx, ok := a.disconnected[key]
	if !ok {
		return errors.Wrapf(ErrProtocol, "reselection by unknown nexus %v", key)
	}
	b := a.pool.at(idx)
	delete(a.disconnected, key)
	b.state = inActive
	a.bus.clearConnection()
	a.bus.to(busConnected, PhaseMessageIn)
	a.bus.active = idx

	t := a.target(b.target)
	if err := a.hw.SetTransferParams(t.id, t.params); err != nil {
		return errors.Wrapf(err, "programming target %d", t.id)
	}
	b.params = t.params
	cur, err := b.sg.Restore(b.saved)
	switch {
	case err != nil:
		a.protocolError(b, HostDataCorrupt, err)
	case t.bdrPending:
		b.cur = cur
		a.log.Warnf("sending BUS DEVICE RESET to target %d", t.id)
		a.queueOut([]byte{scsi.MsgBusDeviceReset})
	case b.abortRequested:
		b.cur = cur
		a.queueOut(abortMessage(b))
	default:
		b.cur = cur
		a.log.Debugf("%v reselected at byte %d", b, cur.Done)
	}
	return errors.Wrap(a.hw.AcceptMessage(), "accepting IDENTIFY")
}

// lostArbitration undoes a selection that a reselection beat to the bus.
func (a *Adapter) lostArbitration() {
	b := a.activeBlock()
	a.bus.active = -1
	if b == nil {
		return
	}
	a.log.Debugf("lost arbitration selecting for %v", b)
	switch {
	case a.bus.recoverySel:
		b.state = inDisconnected
		a.disconnected[b.key()] = b.index
	case b.abortRequested:
		a.complete(b, b.abortStatus, 0)
	default:
		a.requeue(b)
	}
}

func (a *Adapter) onPhase(ev Event) error {
	b := a.activeBlock()
	if b == nil || !a.bus.connected() {
		return errors.Wrapf(ErrProtocol, "%v phase while %v", ev.Phase, &a.bus)
	}
	if a.bus.state == busCompleting {
		// Only waiting for the target to take the abort and leave.
		a.bus.force(busCompleting, ev.Phase)
		switch ev.Phase {
		case PhaseMessageOut:
			return a.sendMessageOut()
		case PhaseStatusIn:
			return errors.Wrap(a.hw.ReadStatus(), "reading status")
		}
		return nil
	}

	prev := a.bus.phase
	a.bus.to(busConnected, ev.Phase)
	if len(a.bus.msgIn) > 0 {
		a.protocolError(b, HostProtocolError, errors.Errorf("%v phase inside message % x", ev.Phase, a.bus.msgIn))
		return nil
	}
	if ev.Transferred > 0 {
		if prev != PhaseDataIn && prev != PhaseDataOut {
			a.protocolError(b, HostProtocolError, errors.Errorf("%d bytes moved in %v phase", ev.Transferred, prev))
			return nil
		}
		cur, err := b.sg.Advance(b.cur, ev.Transferred)
		if err != nil {
			a.protocolError(b, HostDataOverrun, err)
			return nil
		}
		b.cur = cur
	}
	t := a.target(b.target)
	if a.bus.negSent && ev.Phase != PhaseMessageIn {
		a.negotiationRejected(b, t, "went unanswered")
	}

	switch ev.Phase {
	case PhaseCommandOut:
		if b.cmdSent {
			a.protocolError(b, HostProtocolError, errors.New("second command phase"))
			return nil
		}
		b.cmdSent = true
		if b.tag != Untagged {
			t.tagsSeen = true
		}
		return errors.Wrap(a.hw.SendCommand(b.cdb), "sending command")
	case PhaseDataIn, PhaseDataOut:
		dir := DirIn
		if ev.Phase == PhaseDataOut {
			dir = DirOut
		}
		left := b.sg.Remaining(b.cur)
		if b.dir != dir || left == 0 {
			a.protocolError(b, HostProtocolError, errors.Errorf("%v phase for a %v command with %d bytes left", ev.Phase, b.dir, left))
			return nil
		}
		return errors.Wrap(a.hw.Transfer(dir, b.sg.Segments(b.cur)), "starting transfer")
	case PhaseStatusIn:
		return errors.Wrap(a.hw.ReadStatus(), "reading status")
	case PhaseMessageOut:
		return a.sendMessageOut()
	case PhaseMessageIn:
		return nil
	}
	return errors.Wrapf(ErrProtocol, "target %d entered %v", b.target, ev.Phase)
}

// onMessageIn collects message bytes and acts on every complete message.
// Each event is acknowledged once, after the messages in it are handled, so
// an ATN raised while handling them is seen before the target goes on.
func (a *Adapter) onMessageIn(ev Event) error {
	b := a.activeBlock()
	if b == nil || !a.bus.connected() {
		return errors.Wrapf(ErrProtocol, "message % x while %v", ev.Data, &a.bus)
	}
	if a.bus.phase != PhaseMessageIn {
		if a.bus.state == busConnected {
			a.protocolError(b, HostProtocolError, errors.Errorf("message bytes in %v phase", a.bus.phase))
		}
		return errors.Wrap(a.hw.AcceptMessage(), "accepting message")
	}
	a.bus.msgIn = append(a.bus.msgIn, ev.Data...)
	for a.bus.active == b.index && len(a.bus.msgIn) > 0 {
		n, ok := scsi.MessageLength(a.bus.msgIn)
		if !ok {
			break
		}
		msg := a.bus.msgIn[:n]
		a.bus.msgIn = a.bus.msgIn[n:]
		if a.bus.state == busCompleting {
			continue
		}
		a.handleMessage(b, msg)
	}
	if len(a.bus.msgIn) == 0 || a.bus.active != b.index {
		a.bus.msgIn = nil
	}
	return errors.Wrap(a.hw.AcceptMessage(), "accepting message")
}

func (a *Adapter) handleMessage(b *srb, msg []byte) {
	t := a.target(b.target)
	if a.bus.negSent && msg[0] != scsi.MsgExtended && msg[0] != scsi.MsgMessageReject {
		a.negotiationRejected(b, t, "went unanswered")
	}
	switch msg[0] {
	case scsi.MsgCommandComplete:
		a.bus.to(busCompleting, PhaseMessageIn)
	case scsi.MsgSaveDataPointer:
		b.saved = b.cur
	case scsi.MsgRestorePointers:
		cur, err := b.sg.Restore(b.saved)
		if err != nil {
			a.protocolError(b, HostDataCorrupt, err)
			return
		}
		b.cur = cur
	case scsi.MsgDisconnect:
		a.park(b)
		a.bus.to(busDisconnected, PhaseNone)
		a.bus.awaitFree = true
		a.log.Debugf("%v disconnected, saved pointer at byte %d", b, b.saved.Done)
	case scsi.MsgMessageReject:
		a.onReject(b, t)
	case scsi.MsgExtended:
		a.onExtended(b, t, msg)
	case scsi.MsgNop, scsi.MsgIgnoreWideResidue:
	default:
		a.protocolError(b, HostProtocolError, errors.Errorf("unexpected message % x", msg))
	}
}

func (a *Adapter) onReject(b *srb, t *targetState) {
	switch {
	case b.tag != Untagged && !b.cmdSent && !t.tagsSeen && a.bus.sentQueueTag():
		// The target stopped listening at the tag, so a negotiation sent
		// behind it was never seen.
		if a.bus.negSent {
			a.bus.negSent = false
			t.neg = negUnnegotiated
		}
		t.tagged = false
		a.metrics.downgrades.WithLabelValues("tagged").Inc()
		if !a.untag(b, t) {
			a.protocolError(b, HostProtocolError, errors.New("queue tag rejected with other tagged commands outstanding"))
			return
		}
		a.log.Warnf("target %d rejected queue tags, running it untagged", t.id)
		a.continueNegotiation(b, t)
	case a.bus.negSent:
		a.negotiationRejected(b, t, "was rejected")
		a.continueNegotiation(b, t)
	default:
		a.protocolError(b, HostProtocolError, errors.Errorf("MESSAGE REJECT after % x", a.bus.lastOut))
	}
}

// negotiationRejected gives up the capability whose negotiation is
// outstanding and falls back to its default.
func (a *Adapter) negotiationRejected(b *srb, t *targetState, why string) {
	a.bus.negSent = false
	kind := t.rejected()
	if kind == "" {
		return
	}
	a.metrics.downgrades.WithLabelValues(kind).Inc()
	a.log.Warnf("target %d: %v", t.id, errors.Wrapf(ErrNegotiationRejected, "%s negotiation %s", kind, why))
	a.applyParams(b, t)
}

// continueNegotiation programs what has been agreed so far and queues the
// next negotiation message, if any is left.
func (a *Adapter) continueNegotiation(b *srb, t *targetState) {
	a.applyParams(b, t)
	if next := t.nextNegotiation(&a.cfg); next != nil {
		a.bus.negQueued = true
		a.queueOut(next)
		return
	}
	if t.neg == negNegotiated {
		a.log.Infof("target %d negotiated: period %d offset %d width %d", t.id, t.params.Period, t.params.Offset, t.params.Width)
	}
}

func (a *Adapter) applyParams(b *srb, t *targetState) {
	b.params = t.params
	if err := a.hw.SetTransferParams(t.id, t.params); err != nil {
		a.busFault(errors.Wrapf(err, "programming target %d", t.id))
	}
}

func (a *Adapter) onExtended(b *srb, t *targetState, msg []byte) {
	ext, err := scsi.ParseExtended(msg)
	if err != nil {
		if a.bus.negSent {
			a.negotiationRejected(b, t, "got a malformed reply")
			a.continueNegotiation(b, t)
			return
		}
		a.log.Warnf("target %d: %v, rejecting", t.id, err)
		a.queueOut([]byte{scsi.MsgMessageReject})
		return
	}
	if ext.Code != scsi.ExtSDTR && ext.Code != scsi.ExtWDTR {
		a.log.Warnf("target %d sent %v, rejecting", t.id, ext)
		a.queueOut([]byte{scsi.MsgMessageReject})
		return
	}
	ours := a.bus.negSent &&
		(ext.Code == scsi.ExtSDTR && t.neg == negSDTRPending || ext.Code == scsi.ExtWDTR && t.neg == negWDTRPending)
	if ours {
		a.bus.negSent = false
	}
	reply := t.negotiationReply(ext, &a.cfg)
	a.log.Debugf("target %d sent %v, now %+v", t.id, ext, t.params)
	if reply != nil {
		a.applyParams(b, t)
		a.queueOut(reply)
		return
	}
	a.continueNegotiation(b, t)
}

func (a *Adapter) onStatus(ev Event) error {
	b := a.activeBlock()
	if b == nil || !a.bus.connected() {
		return errors.Wrapf(ErrProtocol, "status 0x%02x while %v", ev.Status, &a.bus)
	}
	if a.bus.phase != PhaseStatusIn {
		if a.bus.state == busConnected {
			a.protocolError(b, HostProtocolError, errors.Errorf("status byte in %v phase", a.bus.phase))
		}
		return nil
	}
	b.status = ev.Status
	b.gotStatus = true
	return nil
}

func (a *Adapter) onBusFree(ev Event) error {
	state := a.bus.state
	if state == busSelecting {
		return errors.Wrapf(ErrProtocol, "bus free while selecting target %d", ev.Target)
	}
	b := a.activeBlock()
	phase := a.bus.phase
	sent, failed, failStatus := a.bus.sentKind, a.bus.failed, a.bus.failStatus
	if b != nil && (a.bus.negSent || a.bus.negQueued) {
		// Try again on the next connection.
		a.target(b.target).neg = negUnnegotiated
	}
	a.bus.clearConnection()
	if state == busDisconnected {
		a.bus.awaitFree = false
		return nil
	}
	a.bus.to(busDisconnected, PhaseNone)
	a.bus.active = -1
	if b == nil {
		return nil
	}
	switch {
	case sent == recDeviceReset:
		// complete clears b, target included.
		id := b.target
		if failed {
			a.complete(b, failStatus, 0)
		}
		a.deviceResetDone(id)
	case state == busCompleting && failed:
		a.complete(b, failStatus, 0)
	case sent == recAbort:
		a.complete(b, b.abortStatus, 0)
	case state == busCompleting:
		a.finish(b)
	default:
		a.protocolFault(errors.Errorf("%v: unexpected bus free in %v phase", b, phase))
		a.complete(b, HostProtocolError, 0)
	}
	return nil
}

// finish completes b on the status it returned. BUSY and QUEUE FULL send it
// back to the head of the queue instead, and hold the target until it has
// fewer commands outstanding than it had when it refused.
func (a *Adapter) finish(b *srb) {
	if !b.gotStatus {
		a.protocolFault(errors.Errorf("%v completed without status", b))
		a.complete(b, HostProtocolError, 0)
		return
	}
	t := a.target(b.target)
	switch b.status {
	case scsi.SamStatTaskSetFull, scsi.SamStatBusy:
		if b.abortRequested {
			a.complete(b, b.abortStatus, 0)
			return
		}
		if b.retries < a.cfg.MaxRetries {
			b.retries++
			a.requeue(b)
			if t.outstanding > 0 {
				t.queueFull = true
				t.queueFullAt = t.outstanding
			}
			a.log.Debugf("target %d returned status 0x%02x with %d outstanding, %v requeued", t.id, b.status, t.outstanding, b)
			return
		}
	case scsi.SamStatCheckCondition:
		t.checkConditions++
		if a.cfg.RenegotiateAfter > 0 && t.checkConditions >= a.cfg.RenegotiateAfter {
			a.log.Warnf("target %d: %d CHECK CONDITIONs in a row, renegotiating", t.id, t.checkConditions)
			t.checkConditions = 0
			t.resetNegotiation(&a.cfg, false)
		}
	default:
		t.checkConditions = 0
	}
	a.complete(b, HostOK, b.status)
}

// deviceResetDone completes everything the target dropped when it took a
// BUS DEVICE RESET, and starts negotiating with it from scratch.
func (a *Adapter) deviceResetDone(id int) {
	a.log.Warnf("target %d reset", id)
	a.targetGone(id, HostDeviceReset)
	t := a.target(id)
	t.resetNegotiation(&a.cfg, true)
	t.queueFull = false
	t.checkConditions = 0
}

// targetGone completes every outstanding command of one target. Commands in
// recovery complete with the status their recovery was started for.
func (a *Adapter) targetGone(id int, status HostStatus) {
	t := a.target(id)
	t.bdrPending = false
	t.bdrVehicle = -1
	for _, idx := range a.outstanding() {
		b := a.pool.at(idx)
		if b.target != id {
			continue
		}
		s := status
		if b.recovery != recNone {
			s = b.abortStatus
		}
		a.complete(b, s, 0)
	}
}

// protocolError fails the connected command: the target is sent an abort and
// the command completes with status when it lets go of the bus.
func (a *Adapter) protocolError(b *srb, status HostStatus, err error) {
	a.log.Warnf("%v: protocol error in %v: %v", b, a.bus.phase, err)
	a.bus.force(busCompleting, a.bus.phase)
	a.bus.failed = true
	a.bus.failStatus = status
	a.bus.msgIn = nil
	a.bus.msgOut = nil
	a.bus.negQueued = false
	a.queueOut(abortMessage(b))
	a.protocolFault(err)
}

// protocolFault counts a fault towards the storm limit.
func (a *Adapter) protocolFault(err error) {
	a.faultCount++
	if a.faultCount >= faultStormLimit {
		a.faultCount = 0
		a.fault(errors.Wrapf(ErrProtocol, "%d faults without a good completion, last: %v", faultStormLimit, err))
	}
}

// busFault records a chip error. The first one wins; settle resets the bus
// once the current step is done with the command blocks.
func (a *Adapter) busFault(err error) {
	if a.hwFault == nil {
		a.hwFault = err
	}
}

// settle resets the bus after a chip fault. A chip that keeps faulting
// right after each reset leaves the adapter faulted.
func (a *Adapter) settle() {
	for attempt := 1; a.hwFault != nil; attempt++ {
		err := a.hwFault
		a.hwFault = nil
		if a.closed || a.faulted {
			return
		}
		a.log.Errorf("chip fault: %v", err)
		a.protocolFault(err)
		if attempt > a.cfg.MaxResetAttempts {
			a.faulted = true
			a.bus.reset()
			a.failAll(HostResetFailed)
			a.fault(errors.Wrapf(ErrResetFailed, "chip keeps faulting after %d resets: %v", a.cfg.MaxResetAttempts, err))
			return
		}
		a.metrics.recoveries.WithLabelValues("bus_reset").Inc()
		if a.resetBusLocked(err.Error()) != nil {
			return
		}
		a.schedule()
	}
}
