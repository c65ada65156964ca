package hba

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrQueueFull           = errors.New("command block pool exhausted")
	ErrNoTagsFree          = errors.New("no queue tags free")
	ErrFragmentation       = errors.New("buffer exceeds scatter-gather capacity")
	ErrSelectionTimeout    = errors.New("selection timeout")
	ErrProtocol            = errors.New("SCSI protocol error")
	ErrNegotiationRejected = errors.New("transfer negotiation rejected")
	ErrDeviceTimeout       = errors.New("device timeout")
	ErrResetFailed         = errors.New("bus reset failed")
	ErrAbortFailed         = errors.New("abort failed")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrClosed              = errors.New("adapter closed")
	ErrAborted             = errors.New("command aborted")
	ErrBusReset            = errors.New("bus reset")
	ErrDeviceReset         = errors.New("bus device reset")
	ErrDataCorrupt         = errors.New("data pointer corrupt")
	ErrDataOverrun         = errors.New("data overrun")
)

// HostStatus is the adapter's verdict on a command, independent of the
// SCSI status byte returned by the target.
type HostStatus int

const (
	HostOK HostStatus = iota
	HostSelectionTimeout
	HostProtocolError
	HostDeviceTimeout
	HostAborted
	HostBusReset
	HostDeviceReset
	HostResetFailed
	HostDataCorrupt
	HostDataOverrun
)

var hostStatusNames = [...]string{
	HostOK:               "ok",
	HostSelectionTimeout: "selection_timeout",
	HostProtocolError:    "protocol_error",
	HostDeviceTimeout:    "device_timeout",
	HostAborted:          "aborted",
	HostBusReset:         "bus_reset",
	HostDeviceReset:      "device_reset",
	HostResetFailed:      "reset_failed",
	HostDataCorrupt:      "data_corrupt",
	HostDataOverrun:      "data_overrun",
}

func (s HostStatus) String() string {
	if s < 0 || int(s) >= len(hostStatusNames) {
		return fmt.Sprintf("host_status(%d)", int(s))
	}
	return hostStatusNames[s]
}

var hostStatusErrs = [...]error{
	HostSelectionTimeout: ErrSelectionTimeout,
	HostProtocolError:    ErrProtocol,
	HostDeviceTimeout:    ErrDeviceTimeout,
	HostAborted:          ErrAborted,
	HostBusReset:         ErrBusReset,
	HostDeviceReset:      ErrDeviceReset,
	HostResetFailed:      ErrResetFailed,
	HostDataCorrupt:      ErrDataCorrupt,
	HostDataOverrun:      ErrDataOverrun,
}

// Err returns the sentinel error for s, or nil for HostOK.
func (s HostStatus) Err() error {
	if s <= HostOK || int(s) >= len(hostStatusErrs) {
		return nil
	}
	return hostStatusErrs[s]
}
