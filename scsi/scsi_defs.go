package scsi

/*
 * Values shared by the host adapter core and the simulated targets.
 *
 * Find codes in the various SCSI specs.
 * Btw sense codes are at www.t10.org/lists/asc-num.txt
 *
 */

/*
 * SCSI Opcodes
 */
const (
	TestUnitReady     = 0x00
	RezeroUnit        = 0x01
	RequestSense      = 0x03
	FormatUnit        = 0x04
	Read6             = 0x08
	Write6            = 0x0a
	Seek6             = 0x0b
	Inquiry           = 0x12
	ModeSelect        = 0x15
	Reserve           = 0x16
	Release           = 0x17
	ModeSense         = 0x1a
	StartStop         = 0x1b
	SendDiagnostic    = 0x1d
	ReadCapacity      = 0x25
	Read10            = 0x28
	Write10           = 0x2a
	Seek10            = 0x2b
	WriteVerify       = 0x2e
	Verify            = 0x2f
	SynchronizeCache  = 0x35
	WriteBuffer       = 0x3b
	ReadBuffer        = 0x3c
	ModeSelect10      = 0x55
	ModeSense10       = 0x5a
	VariableLengthCmd = 0x7f
	Read16            = 0x88
	Write16           = 0x8a
	ServiceActionIn16 = 0x9e
	ReportLuns        = 0xa0
	Read12            = 0xa8
	Write12           = 0xaa
	/*
	 * Service action opcodes
	 */
	ReadCapacity16 = 0x10
)

/*
 *  SCSI Architecture Model (Sam) Status codes. Taken from Sam-3 draft
 *  T10/1561-D Revision 4 Draft dated 7th November 2002.
 *  SCSI-2 calls SamStatTaskSetFull "QUEUE FULL".
 */
const (
	SamStatGood                     = 0x00
	SamStatCheckCondition           = 0x02
	SamStatConditionMet             = 0x04
	SamStatBusy                     = 0x08
	SamStatIntermediate             = 0x10
	SamStatIntermediateConditionMet = 0x14
	SamStatReservationConflict      = 0x18
	SamStatCommandTerminated        = 0x22 /* obsolete in Sam-3 */
	SamStatTaskSetFull              = 0x28
	SamStatAcaActive                = 0x30
	SamStatTaskAborted              = 0x40
)

/*
 * Sense codes
 */
const (
	AscReadError                   = 0x1100
	AscParameterListLengthError    = 0x1a00
	AscInvalidCommandOperationCode = 0x2000
	AscLbaOutOfRange               = 0x2100
	AscInvalidFieldInCdb           = 0x2400
	AscPowerOnResetOccurred        = 0x2900
	AscInternalTargetFailure       = 0x4400
)

/*
 * Sense Keys
 */
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseAbortedCommand = 0x0b
)

/*
 * SCSI-2 message codes (X3.131-1994 table 10).
 */
const (
	MsgCommandComplete        = 0x00
	MsgExtended               = 0x01
	MsgSaveDataPointer        = 0x02
	MsgRestorePointers        = 0x03
	MsgDisconnect             = 0x04
	MsgInitiatorDetectedError = 0x05
	MsgAbort                  = 0x06
	MsgMessageReject          = 0x07
	MsgNop                    = 0x08
	MsgParityError            = 0x09
	MsgLinkedCmdComplete      = 0x0a
	MsgLinkedCmdCompleteFlag  = 0x0b
	MsgBusDeviceReset         = 0x0c
	MsgAbortTag               = 0x0d
	MsgClearQueue             = 0x0e
	MsgSimpleQueueTag         = 0x20
	MsgHeadOfQueueTag         = 0x21
	MsgOrderedQueueTag        = 0x22
	MsgIgnoreWideResidue      = 0x23
	MsgIdentify               = 0x80

	IdentifyDiscPriv = 0x40
	IdentifyLunMask  = 0x07
)

/*
 * Extended message codes and their length fields.
 */
const (
	ExtModifyDataPointer = 0x00
	ExtSDTR              = 0x01
	ExtWDTR              = 0x03

	ExtSDTRLen = 3
	ExtWDTRLen = 2
)

/*
 * WDTR transfer width exponents.
 */
const (
	Width8  = 0
	Width16 = 1
	Width32 = 2
)
