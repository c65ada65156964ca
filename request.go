package hba

import (
	"fmt"
	"time"
)

// Untagged is the tag value of a command issued without a queue tag.
const Untagged = -1

// Request is one SCSI command handed to the adapter. The adapter owns the
// Data buffers from Submit until Done is called; the caller must not touch
// them in between.
type Request struct {
	Target int
	Lun    int
	CDB    []byte
	// Data is the caller's scatter list. Its total length is the expected
	// transfer length.
	Data      [][]byte
	Direction Direction
	// Tagged asks for a SIMPLE QUEUE TAG. The command still goes out
	// untagged when the adapter or the target does not support queueing.
	Tagged bool
	// Timeout overrides Config.CommandTimeout when non-zero.
	Timeout time.Duration
	// Done is called exactly once, outside the adapter lock.
	Done func(Completion)
}

// Handle identifies a submitted command until its completion.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("srb%d.%d", h.index, h.gen)
}

// Completion reports the outcome of one command.
type Completion struct {
	Handle     Handle
	Host       HostStatus
	SCSIStatus byte
	// Residual is the number of requested data bytes not transferred.
	Residual int
}

// Err returns the host status as an error, or nil when the adapter
// delivered the command and collected a status.
func (c Completion) Err() error {
	return c.Host.Err()
}

func (c Completion) String() string {
	return fmt.Sprintf("%v host=%v status=0x%02x residual=%d", c.Handle, c.Host, c.SCSIStatus, c.Residual)
}

func (r *Request) dataLen() int {
	n := 0
	for _, b := range r.Data {
		n += len(b)
	}
	return n
}
