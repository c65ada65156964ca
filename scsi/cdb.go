package scsi

import (
	"encoding/binary"
)

// CDB is a SCSI command descriptor block.
type CDB []byte

// Opcode returns the operation code byte.
func (c CDB) Opcode() byte {
	return c[0]
}

// GroupLength returns the CDB length implied by opcode, or 0 for the
// reserved and vendor specific groups.
func GroupLength(opcode byte) int {
	// See spc-4 4.2.5.1 operation code
	switch {
	case opcode <= 0x1f:
		return 6
	case opcode <= 0x5f:
		return 10
	case opcode >= 0x80 && opcode <= 0x9f:
		return 16
	case opcode >= 0xa0 && opcode <= 0xbf:
		return 12
	}
	return 0
}

// Len returns the length of the command, in bytes, or 0 when the opcode
// does not determine it.
func (c CDB) Len() int {
	if len(c) == 0 {
		return 0
	}
	if c[0] == VariableLengthCmd {
		if len(c) < 8 {
			return 0
		}
		return int(c[7]) + 8
	}
	return GroupLength(c[0])
}

// LBA returns the block address that this command wishes to access.
func (c CDB) LBA() uint64 {
	order := binary.BigEndian

	switch c.Len() {
	case 6:
		return uint64(c[1]&0x1f)<<16 | uint64(order.Uint16(c[2:4]))
	case 10, 12:
		return uint64(order.Uint32(c[2:6]))
	case 16:
		return order.Uint64(c[2:10])
	}
	return 0
}

// XferLen returns the transfer length field: blocks for READ/WRITE,
// the allocation length for most others.
func (c CDB) XferLen() uint32 {
	order := binary.BigEndian
	switch c.Len() {
	case 6:
		if c[4] == 0 && (c[0] == Read6 || c[0] == Write6) {
			return 256
		}
		return uint32(c[4])
	case 10:
		return uint32(order.Uint16(c[7:9]))
	case 12:
		return order.Uint32(c[6:10])
	case 16:
		return order.Uint32(c[10:14])
	}
	return 0
}

// IsRead reports whether the command is one of the READ(6/10/12/16) forms.
func (c CDB) IsRead() bool {
	switch c[0] {
	case Read6, Read10, Read12, Read16:
		return true
	}
	return false
}

// IsWrite reports whether the command is one of the WRITE(6/10/12/16) forms.
func (c CDB) IsWrite() bool {
	switch c[0] {
	case Write6, Write10, Write12, Write16:
		return true
	}
	return false
}

// Read10CDB builds a READ(10) for blocks at lba.
func Read10CDB(lba uint32, blocks uint16) CDB {
	c := make(CDB, 10)
	c[0] = Read10
	binary.BigEndian.PutUint32(c[2:6], lba)
	binary.BigEndian.PutUint16(c[7:9], blocks)
	return c
}

// Write10CDB builds a WRITE(10) for blocks at lba.
func Write10CDB(lba uint32, blocks uint16) CDB {
	c := Read10CDB(lba, blocks)
	c[0] = Write10
	return c
}

// InquiryCDB builds a standard INQUIRY with the given allocation length.
func InquiryCDB(alloc uint8) CDB {
	return CDB{Inquiry, 0, 0, 0, alloc, 0}
}
