// hba is the command core of a parallel SCSI host adapter. It accepts
// abstract I/O requests, multiplexes them onto one shared bus with tagged and
// untagged queueing, negotiates per-target transfer parameters, tracks the
// bus phase across interrupts and recovers from timeouts, resets and aborts.
//
// The chip itself sits behind the HostAdapter interface. Interrupts are
// delivered to Adapter.Post and dispatched, one at a time, by Adapter.Run
// or Adapter.Poll.
package hba

import (
	"fmt"
	"time"
)

// Phase is one of the mutually exclusive information transfer phases of the
// SCSI bus.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseDataOut
	PhaseDataIn
	PhaseCommandOut
	PhaseStatusIn
	PhaseMessageOut
	PhaseMessageIn
)

var phaseNames = [...]string{
	PhaseNone:       "none",
	PhaseDataOut:    "data-out",
	PhaseDataIn:     "data-in",
	PhaseCommandOut: "command",
	PhaseStatusIn:   "status",
	PhaseMessageOut: "message-out",
	PhaseMessageIn:  "message-in",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Direction of the data phase, as seen from the initiator.
type Direction int

const (
	DirNone Direction = iota
	DirIn
	DirOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	}
	return "none"
}

// EventKind identifies what the chip observed.
type EventKind int

const (
	// EventSelected reports that the target answered a Select.
	EventSelected EventKind = iota
	// EventSelectionTimeout reports that nobody answered a Select.
	EventSelectionTimeout
	// EventReselected reports a target reconnecting. Data holds the
	// IDENTIFY byte, followed by the queue tag message if there is one.
	EventReselected
	// EventPhase reports that the target switched to Phase. Transferred
	// counts the bytes moved by the data phase that just ended.
	EventPhase
	// EventMessageIn carries bytes received during message-in.
	EventMessageIn
	// EventStatus carries the status byte read by ReadStatus.
	EventStatus
	// EventBusFree reports that the target released the bus.
	EventBusFree
	// EventBusReset reports a reset asserted by some other device.
	EventBusReset
)

var eventNames = [...]string{
	EventSelected:         "selected",
	EventSelectionTimeout: "selection-timeout",
	EventReselected:       "reselected",
	EventPhase:            "phase",
	EventMessageIn:        "message-in",
	EventStatus:           "status",
	EventBusFree:          "bus-free",
	EventBusReset:         "bus-reset",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventNames[k]
}

// Event is one interrupt's worth of bus observation.
type Event struct {
	Kind        EventKind
	Target      int
	Phase       Phase
	Transferred int
	Data        []byte
	Status      byte
}

func (e Event) String() string {
	switch e.Kind {
	case EventPhase:
		return fmt.Sprintf("%v(%v, %d bytes)", e.Kind, e.Phase, e.Transferred)
	case EventMessageIn, EventReselected:
		return fmt.Sprintf("%v(target %d, % x)", e.Kind, e.Target, e.Data)
	case EventStatus:
		return fmt.Sprintf("%v(0x%02x)", e.Kind, e.Status)
	}
	return fmt.Sprintf("%v(target %d)", e.Kind, e.Target)
}

// TransferParams are the negotiated synchronous period (in units of 4ns),
// REQ/ACK offset and WDTR width exponent for one target. A zero offset means
// asynchronous transfers.
type TransferParams struct {
	Period uint8
	Offset uint8
	Width  uint8
}

// Synchronous reports whether the parameters select synchronous transfers.
func (p TransferParams) Synchronous() bool {
	return p.Offset != 0
}

// HostAdapter is the chip strategy the core drives. Every method starts an
// operation and returns; the outcome arrives later as one or more Events
// handed to the function given to Attach. An error return is a chip fault
// and makes the core reset the bus.
type HostAdapter interface {
	// Attach registers the event sink. It is called once, before any
	// other method.
	Attach(post func(Event))
	// Select arbitrates for the bus and selects target with ATN asserted.
	Select(target int) error
	// SendMessage transmits msg during the current message-out phase.
	SendMessage(msg []byte) error
	// SendCommand transmits the CDB during the command phase.
	SendCommand(cdb []byte) error
	// Transfer moves data over segs in the current data phase until the
	// target changes phase.
	Transfer(dir Direction, segs []Segment) error
	// ReadStatus reads the status byte.
	ReadStatus() error
	// AcceptMessage acknowledges the message-in bytes received so far.
	AcceptMessage() error
	// AssertATN asks the target for a message-out phase.
	AssertATN() error
	// SetTransferParams programs the chip's timing for target.
	SetTransferParams(target int, p TransferParams) error
	// ResetBus asserts RST. It does not post EventBusReset.
	ResetBus() error
}

// Clock is the time source of the timeout supervisor.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
