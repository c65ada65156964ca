package hba

import (
	"fmt"

	"github.com/coreos/go-hba/scsi"
)

type busState int

const (
	busDisconnected busState = iota
	busSelecting
	busConnected
	busCompleting
)

var busStateNames = [...]string{"disconnected", "selecting", "connected", "completing"}

func (s busState) String() string {
	return busStateNames[s]
}

// busMachine is the adapter's view of the bus. It moves at most one state
// per dispatcher step.
type busMachine struct {
	state  busState
	phase  Phase
	active int

	stepped bool

	// Per-connection scratch, cleared at bus free.
	msgIn       []byte
	msgOut      [][]byte
	lastOut     []byte
	negQueued   bool
	negSent     bool
	recoverySel bool
	selectKind  recoveryLevel
	sentKind    recoveryLevel
	failed      bool
	failStatus  HostStatus

	// awaitFree is set between a DISCONNECT and the bus free that
	// follows it.
	awaitFree bool
}

func newBusMachine() busMachine {
	return busMachine{active: -1}
}

func (m *busMachine) String() string {
	if m.state == busConnected || m.state == busCompleting {
		return fmt.Sprintf("%v{%v}", m.state, m.phase)
	}
	return m.state.String()
}

func (m *busMachine) begin() {
	m.stepped = false
}

func (m *busMachine) to(s busState, p Phase) {
	if m.stepped {
		panic(fmt.Sprintf("nested bus state advancement from %v to %v{%v}", m, s, p))
	}
	m.stepped = true
	m.state, m.phase = s, p
}

// force moves the machine regardless of the step rule. Resets and error
// paths that override a transition already made use it.
func (m *busMachine) force(s busState, p Phase) {
	m.stepped = true
	m.state, m.phase = s, p
}

func (m *busMachine) connected() bool {
	return m.state == busConnected || m.state == busCompleting
}

func (m *busMachine) clearConnection() {
	m.msgIn = nil
	m.msgOut = nil
	m.lastOut = nil
	m.negQueued = false
	m.negSent = false
	m.recoverySel = false
	m.selectKind = recNone
	m.sentKind = recNone
	m.failed = false
	m.failStatus = HostOK
}

func (m *busMachine) reset() {
	m.clearConnection()
	m.force(busDisconnected, PhaseNone)
	m.active = -1
	m.awaitFree = false
}

// noteOut records what kind of messages are about to leave in msg.
func (m *busMachine) noteOut(msg []byte) {
	m.lastOut = msg
	for len(msg) > 0 {
		n, ok := scsi.MessageLength(msg)
		if !ok {
			return
		}
		switch msg[0] {
		case scsi.MsgAbort, scsi.MsgAbortTag:
			if m.sentKind < recAbort {
				m.sentKind = recAbort
			}
		case scsi.MsgBusDeviceReset:
			m.sentKind = recDeviceReset
		}
		msg = msg[n:]
	}
}

func (m *busMachine) sentQueueTag() bool {
	return len(m.lastOut) >= 3 && scsi.IsQueueTag(m.lastOut[1])
}
