package sim

import (
	"encoding/binary"
	"io"

	hba "github.com/coreos/go-hba"
	"github.com/coreos/go-hba/scsi"
	"github.com/sirupsen/logrus"
)

// Store is the medium behind a simulated disk.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

// Target is a simulated direct-access device. Its zero-valued knobs give a
// well behaved SCSI-2 disk; setting them makes it misbehave in the ways
// real targets do.
type Target struct {
	ID        int
	Store     Store
	BlockSize int
	Blocks    int64

	VendorID   string
	ProductID  string
	ProductRev string

	// Negotiation. A target without Wide or Sync rejects WDTR or SDTR.
	Wide      bool
	Sync      bool
	MinPeriod uint8
	MaxOffset uint8
	// ForcePeriod, when set, is answered to every SDTR whatever was asked.
	ForcePeriod uint8
	// MalformedReply answers negotiations with a bad length byte.
	MalformedReply bool
	// SplitReply delivers negotiation replies in two message-in chunks.
	SplitReply bool
	// InitiateSync makes the target send its own SDTR on the first
	// connection after a reset.
	InitiateSync bool

	// NoTags rejects SIMPLE QUEUE TAG.
	NoTags bool
	// QueueDepth answers TASK SET FULL to a command arriving while this
	// many are already held. Zero is unlimited.
	QueueDepth int

	// DisconnectOnCommand disconnects right after the CDB, when the
	// initiator allowed it.
	DisconnectOnCommand bool
	// DisconnectAfter saves the data pointer and disconnects once, after
	// that many bytes of a command's data phase.
	DisconnectAfter int
	// Stall never reselects for disconnected commands.
	Stall bool
	// IgnoreAbort and IgnoreDeviceReset hang on to the bus instead of
	// honouring ABORT, ABORT TAG or BUS DEVICE RESET.
	IgnoreAbort       bool
	IgnoreDeviceReset bool
	// HangAfter holds the bus without changing phase once that many data
	// bytes have moved, until the initiator raises ATN.
	HangAfter int
	// PhaseErrorAfter switches to the command phase, which is illegal,
	// once that many data bytes have moved.
	PhaseErrorAfter int
	// StatusHook, when it returns true, ends the command with the given
	// status and no data.
	StatusHook func(cdb scsi.CDB) (byte, bool)

	synced bool
	sense  []byte
}

// outcome is what a target decided to do with a CDB. Writes finish in
// commit once the data phase is over.
type outcome struct {
	dir    hba.Direction
	data   []byte
	status byte
	commit func(data []byte) byte
}

func (t *Target) blockSize() int {
	if t.BlockSize == 0 {
		return 512
	}
	return t.BlockSize
}

func (t *Target) execute(cdb scsi.CDB) outcome {
	if t.StatusHook != nil {
		if status, ok := t.StatusHook(cdb); ok {
			return outcome{status: status}
		}
	}
	switch cdb.Opcode() {
	case scsi.TestUnitReady:
		return t.ok()
	case scsi.Inquiry:
		return t.inquiry(cdb)
	case scsi.ReadCapacity:
		return t.readCapacity()
	case scsi.RequestSense:
		return t.requestSense(cdb)
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		return t.read(cdb)
	case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
		return t.write(cdb)
	}
	logrus.Debugf("target %d: unsupported opcode 0x%02x", t.ID, cdb.Opcode())
	return t.checkCondition(scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode)
}

func (t *Target) ok() outcome {
	t.sense = nil
	return outcome{status: scsi.SamStatGood}
}

func (t *Target) dataIn(buf []byte, alloc int) outcome {
	if alloc < len(buf) {
		buf = buf[:alloc]
	}
	o := t.ok()
	if len(buf) > 0 {
		o.dir = hba.DirIn
		o.data = buf
	}
	return o
}

// checkCondition records fixed-format sense data for a following REQUEST
// SENSE.
func (t *Target) checkCondition(key byte, asc uint16) outcome {
	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = key
	sense[7] = 10
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	t.sense = sense
	return outcome{status: scsi.SamStatCheckCondition}
}

func fixedString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return b
}

func (t *Target) inquiry(cdb scsi.CDB) outcome {
	if cdb[1]&0x01 != 0 {
		return t.checkCondition(scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb)
	}
	buf := make([]byte, 36)
	buf[2] = 0x02 // SCSI-2
	buf[3] = 0x02 // response data format
	buf[4] = 31   // additional length
	flags := byte(0)
	if t.Wide {
		flags |= 0x20 // WBus16
	}
	if t.Sync {
		flags |= 0x10
	}
	if !t.NoTags {
		flags |= 0x02 // CmdQue
	}
	buf[7] = flags
	copy(buf[8:16], fixedString(t.VendorID, 8))
	copy(buf[16:32], fixedString(t.ProductID, 16))
	copy(buf[32:36], fixedString(t.ProductRev, 4))
	return t.dataIn(buf, int(cdb.XferLen()))
}

func (t *Target) readCapacity() outcome {
	buf := make([]byte, 8)
	order := binary.BigEndian
	// The last LBA, not the count.
	order.PutUint32(buf[0:4], uint32(t.Blocks-1))
	order.PutUint32(buf[4:8], uint32(t.blockSize()))
	return t.dataIn(buf, len(buf))
}

func (t *Target) requestSense(cdb scsi.CDB) outcome {
	sense := t.sense
	if sense == nil {
		sense = make([]byte, 18)
		sense[0] = 0x70
		sense[7] = 10
	}
	return t.dataIn(append([]byte(nil), sense...), int(cdb.XferLen()))
}

func (t *Target) extent(cdb scsi.CDB) (int64, int, bool) {
	lba := int64(cdb.LBA())
	blocks := int64(cdb.XferLen())
	if lba+blocks > t.Blocks {
		return 0, 0, false
	}
	bs := int64(t.blockSize())
	return lba * bs, int(blocks * bs), true
}

func (t *Target) read(cdb scsi.CDB) outcome {
	offset, length, ok := t.extent(cdb)
	if !ok {
		return t.checkCondition(scsi.SenseIllegalRequest, scsi.AscLbaOutOfRange)
	}
	buf := make([]byte, length)
	n, err := t.Store.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && n == length) {
		logrus.Errorf("target %d: read at %d failed: %v", t.ID, offset, err)
		return t.checkCondition(scsi.SenseMediumError, scsi.AscReadError)
	}
	return t.dataIn(buf, length)
}

func (t *Target) write(cdb scsi.CDB) outcome {
	offset, length, ok := t.extent(cdb)
	if !ok {
		return t.checkCondition(scsi.SenseIllegalRequest, scsi.AscLbaOutOfRange)
	}
	if length == 0 {
		return t.ok()
	}
	return outcome{
		dir:  hba.DirOut,
		data: make([]byte, length),
		commit: func(data []byte) byte {
			if _, err := t.Store.WriteAt(data, offset); err != nil {
				logrus.Errorf("target %d: write at %d failed: %v", t.ID, offset, err)
				return t.checkCondition(scsi.SenseMediumError, scsi.AscInternalTargetFailure).status
			}
			return t.ok().status
		},
	}
}
