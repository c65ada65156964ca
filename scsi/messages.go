package scsi

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// ErrMalformedMessage is returned for extended messages whose length field
// does not match the layout of their code.
var ErrMalformedMessage = errors.New("malformed extended message")

// extHeader is the common prefix of every extended message.
type extHeader struct {
	Msg  uint8 `struc:"uint8"`
	Len  uint8 `struc:"uint8"`
	Code uint8 `struc:"uint8"`
}

type sdtrMessage struct {
	Msg    uint8 `struc:"uint8"`
	Len    uint8 `struc:"uint8"`
	Code   uint8 `struc:"uint8"`
	Period uint8 `struc:"uint8"`
	Offset uint8 `struc:"uint8"`
}

type wdtrMessage struct {
	Msg   uint8 `struc:"uint8"`
	Len   uint8 `struc:"uint8"`
	Code  uint8 `struc:"uint8"`
	Width uint8 `struc:"uint8"`
}

// Extended is a decoded SDTR or WDTR message. Period is in units of 4ns,
// Width is the WDTR exponent (0 narrow, 1 wide, 2 32-bit).
type Extended struct {
	Code   uint8
	Period uint8
	Offset uint8
	Width  uint8
}

func (e Extended) String() string {
	switch e.Code {
	case ExtSDTR:
		return fmt.Sprintf("SDTR(period=%d offset=%d)", e.Period, e.Offset)
	case ExtWDTR:
		return fmt.Sprintf("WDTR(width=%d)", e.Width)
	}
	return fmt.Sprintf("EXTENDED(0x%02x)", e.Code)
}

func pack(v interface{}) []byte {
	buf := &bytes.Buffer{}
	if err := struc.Pack(buf, v); err != nil {
		// Only fixed-size uint8 fields are packed here.
		panic(fmt.Sprintf("packing %T: %v", v, err))
	}
	return buf.Bytes()
}

// Identify returns the IDENTIFY message byte for lun.
func Identify(lun int, discPriv bool) byte {
	b := byte(MsgIdentify) | byte(lun&IdentifyLunMask)
	if discPriv {
		b |= IdentifyDiscPriv
	}
	return b
}

// SimpleQueueTag returns the two byte SIMPLE QUEUE TAG message.
func SimpleQueueTag(tag uint8) []byte {
	return []byte{MsgSimpleQueueTag, tag}
}

// SDTRMessage encodes a synchronous data transfer request:
// 01h 03h 01h period offset.
func SDTRMessage(period, offset uint8) []byte {
	return pack(&sdtrMessage{
		Msg:    MsgExtended,
		Len:    ExtSDTRLen,
		Code:   ExtSDTR,
		Period: period,
		Offset: offset,
	})
}

// WDTRMessage encodes a wide data transfer request: 01h 02h 03h width.
func WDTRMessage(width uint8) []byte {
	return pack(&wdtrMessage{
		Msg:   MsgExtended,
		Len:   ExtWDTRLen,
		Code:  ExtWDTR,
		Width: width,
	})
}

// MessageLength reports how many bytes the message starting at b[0]
// occupies. ok is false when more bytes are needed to know.
func MessageLength(b []byte) (n int, ok bool) {
	if len(b) == 0 {
		return 0, false
	}
	switch m := b[0]; {
	case m == MsgExtended:
		if len(b) < 2 {
			return 0, false
		}
		// A length byte of zero means 256.
		l := int(b[1])
		if l == 0 {
			l = 256
		}
		n = l + 2
	case m >= 0x20 && m <= 0x2f:
		n = 2
	default:
		n = 1
	}
	return n, len(b) >= n
}

// ParseExtended decodes a complete SDTR or WDTR message.
func ParseExtended(b []byte) (Extended, error) {
	if len(b) < 3 || b[0] != MsgExtended {
		return Extended{}, errors.Wrapf(ErrMalformedMessage, "% x", b)
	}
	hdr := extHeader{}
	if err := struc.Unpack(bytes.NewReader(b), &hdr); err != nil {
		return Extended{}, errors.Wrap(err, "extended message header")
	}
	if int(hdr.Len)+2 != len(b) {
		return Extended{}, errors.Wrapf(ErrMalformedMessage, "length %d for %d bytes", hdr.Len, len(b))
	}
	switch hdr.Code {
	case ExtSDTR:
		if hdr.Len != ExtSDTRLen {
			return Extended{}, errors.Wrapf(ErrMalformedMessage, "SDTR length %d", hdr.Len)
		}
		m := sdtrMessage{}
		if err := struc.Unpack(bytes.NewReader(b), &m); err != nil {
			return Extended{}, errors.Wrap(err, "SDTR")
		}
		return Extended{Code: ExtSDTR, Period: m.Period, Offset: m.Offset}, nil
	case ExtWDTR:
		if hdr.Len != ExtWDTRLen {
			return Extended{}, errors.Wrapf(ErrMalformedMessage, "WDTR length %d", hdr.Len)
		}
		m := wdtrMessage{}
		if err := struc.Unpack(bytes.NewReader(b), &m); err != nil {
			return Extended{}, errors.Wrap(err, "WDTR")
		}
		return Extended{Code: ExtWDTR, Width: m.Width}, nil
	}
	return Extended{Code: hdr.Code}, nil
}

// IsQueueTag reports whether m is one of the two byte queue tag messages.
func IsQueueTag(m byte) bool {
	return m == MsgSimpleQueueTag || m == MsgHeadOfQueueTag || m == MsgOrderedQueueTag
}
