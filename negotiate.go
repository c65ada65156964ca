package hba

import (
	"github.com/coreos/go-hba/scsi"
)

type negState int

const (
	negUnnegotiated negState = iota
	negWDTRPending
	negSDTRPending
	negNegotiated
)

var negStateNames = [...]string{"unnegotiated", "wdtr-pending", "sdtr-pending", "negotiated"}

func (s negState) String() string {
	return negStateNames[s]
}

// lunState tracks what a logical unit has outstanding. An untagged command
// excludes every other command to the same lun.
type lunState struct {
	untagged bool
	tagged   int
}

func (l *lunState) idle() bool {
	return !l.untagged && l.tagged == 0
}

// targetState is everything the adapter knows about one target ID. It is
// created on the first command to the target and kept for the adapter's
// lifetime.
type targetState struct {
	id int

	// Capabilities still believed to work. They are only ever cleared,
	// except by a bus reset or bus device reset.
	tagged bool
	sync   bool
	wide   bool
	// tagsSeen is set once a tagged command got past message-out.
	tagsSeen bool

	params   TransferParams
	neg      negState
	wdtrDone bool
	sdtrDone bool

	tags        tagMap
	luns        map[int]*lunState
	outstanding int
	queueFull   bool
	queueFullAt int

	checkConditions int
	bdrPending      bool
	bdrVehicle      int
}

func newTargetState(id int, cfg *Config) *targetState {
	t := &targetState{
		id:         id,
		tags:       newTagMap(cfg.MaxTagsPerTarget),
		luns:       make(map[int]*lunState),
		bdrVehicle: -1,
	}
	t.resetNegotiation(cfg, true)
	return t
}

func (t *targetState) lun(l int) *lunState {
	ls, ok := t.luns[l]
	if !ok {
		ls = &lunState{}
		t.luns[l] = ls
	}
	return ls
}

// resetNegotiation drops the agreed parameters so the next selection
// negotiates again. restoreCaps also forgets earlier rejections, which only
// a reset of the target justifies.
func (t *targetState) resetNegotiation(cfg *Config, restoreCaps bool) {
	t.neg = negUnnegotiated
	t.wdtrDone = false
	t.sdtrDone = false
	t.params = TransferParams{}
	if restoreCaps {
		t.tagged = cfg.TaggedQueueing
		t.tagsSeen = false
		t.sync = cfg.MaxSyncOffset > 0
		t.wide = cfg.MaxWidth > scsi.Width8
	}
}

func (t *targetState) negotiating() bool {
	return t.neg == negWDTRPending || t.neg == negSDTRPending
}

// nextNegotiation returns the extended message to send next, WDTR before
// SDTR, and marks it pending. It returns nil once nothing is left to
// negotiate.
func (t *targetState) nextNegotiation(cfg *Config) []byte {
	if t.negotiating() {
		return nil
	}
	switch {
	case t.wide && !t.wdtrDone:
		t.neg = negWDTRPending
		return scsi.WDTRMessage(cfg.MaxWidth)
	case t.sync && !t.sdtrDone:
		t.neg = negSDTRPending
		return scsi.SDTRMessage(cfg.MinSyncPeriod, cfg.MaxSyncOffset)
	}
	t.neg = negNegotiated
	return nil
}

func clampSync(period, offset uint8, cfg *Config) (uint8, uint8) {
	if offset == 0 {
		return period, 0
	}
	if period < cfg.MinSyncPeriod {
		period = cfg.MinSyncPeriod
	}
	if offset > cfg.MaxSyncOffset {
		offset = cfg.MaxSyncOffset
	}
	if period > cfg.MaxSyncPeriod {
		offset = 0
	}
	return period, offset
}

// negotiationReply records a SDTR or WDTR from the target, clamped to the
// adapter's envelope. When the target started the exchange the answer to
// send back is returned.
func (t *targetState) negotiationReply(ext scsi.Extended, cfg *Config) []byte {
	switch ext.Code {
	case scsi.ExtSDTR:
		period, offset := clampSync(ext.Period, ext.Offset, cfg)
		if !t.sync {
			offset = 0
		}
		t.params.Period, t.params.Offset = period, offset
		t.sdtrDone = true
		if t.neg == negSDTRPending {
			t.neg = negUnnegotiated
			return nil
		}
		return scsi.SDTRMessage(period, offset)
	case scsi.ExtWDTR:
		width := ext.Width
		if width > cfg.MaxWidth {
			width = cfg.MaxWidth
		}
		if !t.wide {
			width = scsi.Width8
		}
		t.params.Width = width
		t.wdtrDone = true
		// A width agreement resets the target to asynchronous.
		t.params.Period, t.params.Offset = 0, 0
		t.sdtrDone = false
		if t.neg == negWDTRPending {
			t.neg = negUnnegotiated
			return nil
		}
		return scsi.WDTRMessage(width)
	}
	return nil
}

// rejected downgrades the capability whose negotiation is pending and
// returns its name, or "" when nothing was pending.
func (t *targetState) rejected() string {
	kind := ""
	switch t.neg {
	case negWDTRPending:
		t.wide = false
		t.wdtrDone = true
		t.params.Width = scsi.Width8
		kind = "wide"
	case negSDTRPending:
		t.sync = false
		t.sdtrDone = true
		t.params.Period, t.params.Offset = 0, 0
		kind = "sync"
	}
	t.neg = negUnnegotiated
	return kind
}
