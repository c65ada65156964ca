package hba_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	hba "github.com/coreos/go-hba"
	"github.com/coreos/go-hba/scsi"
	"github.com/coreos/go-hba/sim"
	"github.com/pkg/errors"
)

// A read spanning three non-contiguous pages, interrupted by a disconnect,
// lands in the right place and finishes with no residual.
func TestScatterGatherRead(t *testing.T) {
	tgt := newTarget(2)
	tgt.DisconnectAfter = 4096
	h := newHarness(t, nil, tgt)

	r := readRequest(2, 3, 17, false)
	hd := h.submit(t, r)
	h.drain()

	c := h.completion(t, hd)
	if c.Host != hba.HostOK || c.SCSIStatus != scsi.SamStatGood || c.Residual != 0 {
		t.Fatalf("unexpected completion %v", c)
	}
	if want := tgt.Store.(*disk).blocks(3, 17); !bytes.Equal(r.Data[0], want) {
		t.Fatalf("read data does not match the medium")
	}

	var tests = []struct {
		bytes  int
		offset int
	}{
		{bytes: 4096, offset: 0},
		{bytes: 4096, offset: 4096},
		{bytes: 512, offset: 8192},
	}
	xfers := h.bus.Transfers()
	if len(xfers) != len(tests) {
		t.Fatalf("expected %d segment transfers, got %+v", len(tests), xfers)
	}
	for i, tt := range tests {
		if xfers[i].Bytes != tt.bytes || xfers[i].Offset != tt.offset {
			t.Fatalf("[%02d] unexpected transfer:\n- want: %d bytes at %d\n-  got: %d bytes at %d",
				i, tt.bytes, tt.offset, xfers[i].Bytes, xfers[i].Offset)
		}
	}
	if st := h.bus.Stats(); st.Reselections != 1 {
		t.Fatalf("expected one reselection, got %+v", st)
	}
	if errs := h.bus.Errors(); len(errs) != 0 {
		t.Fatalf("target saw protocol violations: %v", errs)
	}
	if n := h.a.Outstanding(); n != 0 {
		t.Fatalf("%d commands still outstanding", n)
	}
}

func TestWriteReadBack(t *testing.T) {
	tgt := newTarget(1)
	h := newHarness(t, nil, tgt)

	payload := make([]byte, 8*blockSize)
	for i := range payload {
		payload[i] = byte(255 - i%251)
	}
	w := &hba.Request{
		Target: 1,
		CDB:    scsi.Write10CDB(10, 8),
		// Split the buffer so the command uses a caller scatter list.
		Data:      [][]byte{payload[:1000], payload[1000:]},
		Direction: hba.DirOut,
	}
	wh := h.submit(t, w)
	r := readRequest(1, 10, 8, false)
	rh := h.submit(t, r)
	h.drain()

	for _, hd := range []hba.Handle{wh, rh} {
		if c := h.completion(t, hd); c.Err() != nil || c.SCSIStatus != scsi.SamStatGood {
			t.Fatalf("unexpected completion %v", c)
		}
	}
	if !bytes.Equal(tgt.Store.(*disk).blocks(10, 8), payload) {
		t.Fatalf("write did not reach the medium")
	}
	if !bytes.Equal(r.Data[0], payload) {
		t.Fatalf("read back different data")
	}
}

// A target that answers QUEUE FULL is held until it has fewer commands than
// it had when it refused, and the refused command is retried.
func TestTaggedQueueFull(t *testing.T) {
	tgt := newTarget(3)
	tgt.QueueDepth = 2
	tgt.DisconnectOnCommand = true
	h := newHarness(t, narrow, tgt)

	var hds []hba.Handle
	for i := 0; i < 4; i++ {
		hds = append(hds, h.submit(t, &hba.Request{
			Target:    3,
			CDB:       scsi.Write10CDB(uint32(i), 1),
			Data:      [][]byte{bytes.Repeat([]byte{byte(i + 1)}, blockSize)},
			Direction: hba.DirOut,
			Tagged:    true,
		}))
	}
	h.drain()

	for i, hd := range hds {
		c := h.completion(t, hd)
		if c.Host != hba.HostOK || c.SCSIStatus != scsi.SamStatGood {
			t.Fatalf("[%02d] unexpected completion %v", i, c)
		}
	}
	for i := 0; i < 4; i++ {
		if got := tgt.Store.(*disk).blocks(i, 1); got[0] != byte(i+1) || got[blockSize-1] != byte(i+1) {
			t.Fatalf("[%02d] block not written", i)
		}
	}
	if peak := h.bus.Peak(3); peak > 2 {
		t.Fatalf("target held %d commands at once", peak)
	}
	if n := len(h.bus.Commands()); n <= 4 {
		t.Fatalf("expected refused commands to be sent again, %d commands sent", n)
	}
	if errs := h.bus.Errors(); len(errs) != 0 {
		t.Fatalf("target saw protocol violations: %v", errs)
	}
}

func TestBusyRetriesBounded(t *testing.T) {
	tgt := newTarget(4)
	tgt.StatusHook = func(scsi.CDB) (byte, bool) {
		return scsi.SamStatBusy, true
	}
	h := newHarness(t, func(cfg *hba.Config) { cfg.MaxRetries = 2 }, tgt)

	hd := h.submit(t, turRequest(4))
	h.drain()

	c := h.completion(t, hd)
	if c.Host != hba.HostOK || c.SCSIStatus != scsi.SamStatBusy {
		t.Fatalf("unexpected completion %v", c)
	}
	if want, got := 3, len(h.bus.Commands()); want != got {
		t.Fatalf("unexpected attempts: %d != %d", want, got)
	}
}

func TestNegotiation(t *testing.T) {
	var tests = []struct {
		desc       string
		modify     func(*sim.Target)
		params     hba.TransferParams
		downgrades []string
	}{
		{
			desc:   "agreed",
			params: hba.TransferParams{Period: 25, Offset: 15, Width: scsi.Width16},
		},
		{
			desc: "forced fast period clamped",
			modify: func(t *sim.Target) {
				t.MinPeriod = 10
				t.MaxOffset = 8
				t.ForcePeriod = 12
			},
			params: hba.TransferParams{Period: 25, Offset: 8, Width: scsi.Width16},
		},
		{
			desc:   "replies split over two messages",
			modify: func(t *sim.Target) { t.SplitReply = true },
			params: hba.TransferParams{Period: 25, Offset: 15, Width: scsi.Width16},
		},
		{
			desc:       "narrow asynchronous target",
			modify:     func(t *sim.Target) { t.Wide, t.Sync = false, false },
			downgrades: []string{"wide", "sync"},
		},
		{
			desc:       "malformed replies",
			modify:     func(t *sim.Target) { t.MalformedReply = true },
			downgrades: []string{"wide", "sync"},
		},
		{
			desc:       "narrow synchronous target",
			modify:     func(t *sim.Target) { t.Wide = false },
			params:     hba.TransferParams{Period: 25, Offset: 15},
			downgrades: []string{"wide"},
		},
	}

	for i, tt := range tests {
		tgt := newTarget(5)
		if tt.modify != nil {
			tt.modify(tgt)
		}
		h := newHarness(t, nil, tgt)
		hd := h.submit(t, turRequest(5))
		h.drain()

		if c := h.completion(t, hd); c.Err() != nil {
			t.Fatalf("[%02d] test %q, unexpected completion %v", i, tt.desc, c)
		}
		params, done := h.a.TargetParams(5)
		if !done {
			t.Fatalf("[%02d] test %q, negotiation did not finish", i, tt.desc)
		}
		if params != tt.params {
			t.Fatalf("[%02d] test %q, unexpected parameters:\n- want: %+v\n-  got: %+v", i, tt.desc, tt.params, params)
		}
		if got := h.bus.Params(5); got != tt.params {
			t.Fatalf("[%02d] test %q, chip programmed with %+v", i, tt.desc, got)
		}
		for _, kind := range []string{"wide", "sync"} {
			want := 0.0
			for _, d := range tt.downgrades {
				if d == kind {
					want = 1
				}
			}
			if got := h.counter(t, "hba_negotiation_downgrades_total", "capability", kind); got != want {
				t.Fatalf("[%02d] test %q, %s downgrades: %v != %v", i, tt.desc, kind, want, got)
			}
		}
	}
}

// Once a capability is given up it stays given up across renegotiation.
func TestRenegotiateAfterCheckConditions(t *testing.T) {
	tgt := newTarget(6)
	tgt.Wide = false
	tgt.StatusHook = func(scsi.CDB) (byte, bool) {
		return scsi.SamStatCheckCondition, true
	}
	h := newHarness(t, func(cfg *hba.Config) { cfg.RenegotiateAfter = 2 }, tgt)

	hd := h.submit(t, turRequest(6))
	h.drain()
	if c := h.completion(t, hd); c.Host != hba.HostOK || c.SCSIStatus != scsi.SamStatCheckCondition {
		t.Fatalf("unexpected completion %v", c)
	}
	if _, done := h.a.TargetParams(6); !done {
		t.Fatalf("negotiation dropped after one CHECK CONDITION")
	}

	hd = h.submit(t, turRequest(6))
	h.drain()
	h.completion(t, hd)
	if _, done := h.a.TargetParams(6); done {
		t.Fatalf("negotiation kept after two CHECK CONDITIONs")
	}

	hd = h.submit(t, turRequest(6))
	h.drain()
	h.completion(t, hd)
	params, done := h.a.TargetParams(6)
	if !done || params.Width != scsi.Width8 || params.Offset != 15 {
		t.Fatalf("unexpected renegotiation result %+v, done %v", params, done)
	}
	if got := h.counter(t, "hba_negotiation_downgrades_total", "capability", "wide"); got != 1 {
		t.Fatalf("wide was negotiated again, %v downgrades", got)
	}
}

func TestTargetInitiatedSync(t *testing.T) {
	tgt := newTarget(6)
	tgt.InitiateSync = true
	tgt.MaxOffset = 8
	h := newHarness(t, narrow, tgt)

	hd := h.submit(t, turRequest(6))
	h.drain()

	if c := h.completion(t, hd); c.Err() != nil {
		t.Fatalf("unexpected completion %v", c)
	}
	replies := h.bus.Replies(6)
	if len(replies) != 1 {
		t.Fatalf("expected one answer to the target's SDTR, got % x", replies)
	}
	if want := scsi.SDTRMessage(25, 0); !bytes.Equal(replies[0], want) {
		t.Fatalf("unexpected answer:\n- want: % x\n-  got: % x", want, replies[0])
	}
	params, _ := h.a.TargetParams(6)
	if params.Synchronous() {
		t.Fatalf("adapter without sync agreed to %+v", params)
	}
}

// A target that refuses queue tags runs untagged from then on.
func TestTagRejected(t *testing.T) {
	tgt := newTarget(1)
	tgt.NoTags = true
	h := newHarness(t, nil, tgt)

	first := h.submit(t, readRequest(1, 0, 2, true))
	h.drain()
	second := h.submit(t, readRequest(1, 2, 2, true))
	h.drain()

	for _, hd := range []hba.Handle{first, second} {
		if c := h.completion(t, hd); c.Err() != nil || c.Residual != 0 {
			t.Fatalf("unexpected completion %v", c)
		}
	}
	for i, cmd := range h.bus.Commands() {
		if cmd.Tag != hba.Untagged {
			t.Fatalf("[%02d] command went out with tag %d", i, cmd.Tag)
		}
	}
	if got := h.counter(t, "hba_negotiation_downgrades_total", "capability", "tagged"); got != 1 {
		t.Fatalf("unexpected tagged downgrades %v", got)
	}
	if params, done := h.a.TargetParams(1); !done || params.Width != scsi.Width16 {
		t.Fatalf("negotiation behind the rejected tag was lost: %+v %v", params, done)
	}
}

// A protocol error fails its own command only.
func TestProtocolErrorIsolated(t *testing.T) {
	bad := newTarget(1)
	bad.PhaseErrorAfter = 512
	h := newHarness(t, nil, bad, newTarget(2))

	bh := h.submit(t, readRequest(1, 0, 4, false))
	gh := h.submit(t, readRequest(2, 0, 4, false))
	h.drain()

	c := h.completion(t, bh)
	if c.Host != hba.HostProtocolError || c.Residual != 3*blockSize {
		t.Fatalf("unexpected completion of the failing command %v", c)
	}
	if errors.Cause(c.Err()) != hba.ErrProtocol {
		t.Fatalf("unexpected error %v", c.Err())
	}
	if c := h.completion(t, gh); c.Err() != nil {
		t.Fatalf("unexpected completion of the healthy command %v", c)
	}
	if faults := h.faultList(); len(faults) != 0 {
		t.Fatalf("single protocol error raised faults: %v", faults)
	}
	if st := h.bus.Stats(); st.Aborts != 1 || st.Resets != 0 {
		t.Fatalf("expected one abort and no reset, got %+v", st)
	}
}

// A protocol error while another target is disconnected leaves that
// target's command to finish normally.
func TestProtocolErrorLeavesDisconnectedAlone(t *testing.T) {
	bad := newTarget(1)
	bad.PhaseErrorAfter = 512
	good := newTarget(2)
	good.DisconnectOnCommand = true
	h := newHarness(t, nil, bad, good)

	gh := h.submit(t, readRequest(2, 0, 4, false))
	h.a.Poll()
	if h.bus.Held() != 1 || !h.pending(gh) {
		t.Fatalf("command to target 2 did not disconnect")
	}

	bh := h.submit(t, readRequest(1, 0, 4, false))
	h.a.Poll()
	if c := h.completion(t, bh); c.Host != hba.HostProtocolError || c.Residual != 3*blockSize {
		t.Fatalf("unexpected completion of the failing command %v", c)
	}
	if !h.pending(gh) {
		t.Fatalf("disconnected command completed by another target's protocol error")
	}

	h.drain()
	c := h.completion(t, gh)
	if c.Host != hba.HostOK || c.SCSIStatus != scsi.SamStatGood || c.Residual != 0 {
		t.Fatalf("unexpected completion of the disconnected command %v", c)
	}
	if st := h.bus.Stats(); st.Aborts != 1 || st.Resets != 0 || st.Reselections != 1 {
		t.Fatalf("expected one abort, one reselection and no reset, got %+v", st)
	}
	if errs := h.bus.Errors(); len(errs) != 0 {
		t.Fatalf("target saw protocol violations: %v", errs)
	}
}

func TestProtocolFaultStorm(t *testing.T) {
	bad := newTarget(1)
	bad.PhaseErrorAfter = 512
	h := newHarness(t, nil, bad)

	for i := 0; i < 3; i++ {
		hd := h.submit(t, readRequest(1, 0, 4, false))
		h.drain()
		if c := h.completion(t, hd); c.Host != hba.HostProtocolError {
			t.Fatalf("[%02d] unexpected completion %v", i, c)
		}
	}
	faults := h.faultList()
	if len(faults) != 1 {
		t.Fatalf("expected one fault, got %v", faults)
	}
	if errors.Cause(faults[0]) != hba.ErrProtocol {
		t.Fatalf("unexpected fault %v", faults[0])
	}
}

func TestSelectionTimeout(t *testing.T) {
	h := newHarness(t, nil, newTarget(1))

	hd := h.submit(t, readRequest(9, 0, 1, true))
	h.drain()

	c := h.completion(t, hd)
	if c.Host != hba.HostSelectionTimeout || c.Residual != blockSize {
		t.Fatalf("unexpected completion %v", c)
	}
	if errors.Cause(c.Err()) != hba.ErrSelectionTimeout {
		t.Fatalf("unexpected error %v", c.Err())
	}
}

func TestAbort(t *testing.T) {
	tgt := newTarget(2)
	tgt.DisconnectOnCommand = true
	tgt.Stall = true
	h := newHarness(t, nil, tgt)

	active := h.submit(t, readRequest(2, 0, 1, false))
	queued := h.submit(t, readRequest(2, 1, 1, false))
	if err := h.a.Abort(queued); err != nil {
		t.Fatalf("aborting a pending command: %v", err)
	}
	if c := h.completion(t, queued); c.Host != hba.HostAborted {
		t.Fatalf("unexpected completion %v", c)
	}
	if err := h.a.Abort(queued); errors.Cause(err) != hba.ErrAbortFailed {
		t.Fatalf("aborting a completed command: %v", err)
	}

	h.drain()
	if !h.pending(active) {
		t.Fatalf("stalled command completed")
	}
	if err := h.a.Abort(active); err != nil {
		t.Fatalf("aborting a disconnected command: %v", err)
	}
	h.drain()
	if c := h.completion(t, active); c.Host != hba.HostAborted {
		t.Fatalf("unexpected completion %v", c)
	}
	if st := h.bus.Stats(); st.Aborts != 1 || st.Resets != 0 {
		t.Fatalf("expected one abort message, got %+v", st)
	}
	if n := h.bus.Held(); n != 0 {
		t.Fatalf("target still holds %d commands", n)
	}
}

// A command holding the bus is aborted by raising ATN and sending ABORT.
func TestAbortConnected(t *testing.T) {
	tgt := newTarget(2)
	tgt.HangAfter = 512
	h := newHarness(t, nil, tgt)

	hd := h.submit(t, readRequest(2, 0, 4, false))
	h.drain()
	if !h.pending(hd) {
		t.Fatalf("hung command completed")
	}

	if err := h.a.Abort(hd); err != nil {
		t.Fatalf("aborting a connected command: %v", err)
	}
	h.drain()

	c := h.completion(t, hd)
	if c.Host != hba.HostAborted || c.Residual != 3*blockSize {
		t.Fatalf("unexpected completion %v", c)
	}
	if st := h.bus.Stats(); st.Aborts != 1 || st.Resets != 0 {
		t.Fatalf("expected one abort message, got %+v", st)
	}
	if n := h.bus.Held(); n != 0 {
		t.Fatalf("target still holds %d commands", n)
	}
}

// Once the target has been told to abort, the command can only finish.
func TestAbortCompleting(t *testing.T) {
	tgt := newTarget(1)
	tgt.PhaseErrorAfter = 512
	tgt.IgnoreAbort = true
	h := newHarness(t, nil, tgt)

	hd := h.submit(t, readRequest(1, 0, 4, false))
	h.drain()
	if !h.pending(hd) {
		t.Fatalf("command completed while the target holds the bus")
	}
	if err := h.a.Abort(hd); errors.Cause(err) != hba.ErrAbortFailed {
		t.Fatalf("unexpected error aborting a completing command: %v", err)
	}
	if !h.pending(hd) {
		t.Fatalf("failed abort completed the command")
	}
}

func TestTimeoutEscalation(t *testing.T) {
	var tests = []struct {
		desc         string
		modify       func(*sim.Target)
		abort        float64
		reset        float64
		busReset     float64
		targetResets int
	}{
		{
			desc:  "abort taken",
			abort: 1,
		},
		{
			desc:         "abort ignored",
			modify:       func(t *sim.Target) { t.IgnoreAbort = true },
			abort:        1,
			reset:        1,
			targetResets: 1,
		},
		{
			desc: "abort and device reset ignored",
			modify: func(t *sim.Target) {
				t.IgnoreAbort = true
				t.IgnoreDeviceReset = true
			},
			abort:    1,
			reset:    1,
			busReset: 1,
		},
	}

	for i, tt := range tests {
		tgt := newTarget(2)
		tgt.DisconnectOnCommand = true
		tgt.Stall = true
		if tt.modify != nil {
			tt.modify(tgt)
		}
		h := newHarness(t, narrow, tgt)
		r := readRequest(2, 0, 1, true)
		r.Timeout = time.Second
		hd := h.submit(t, r)
		h.drain()

		for _, step := range []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond, 6 * time.Second} {
			h.clock.Advance(step)
			h.a.Sweep()
			h.drain()
		}

		c := h.completion(t, hd)
		if c.Host != hba.HostDeviceTimeout {
			t.Fatalf("[%02d] test %q, unexpected completion %v", i, tt.desc, c)
		}
		for _, m := range []struct {
			action string
			want   float64
		}{
			{"abort", tt.abort},
			{"device_reset", tt.reset},
			{"bus_reset", tt.busReset},
		} {
			if got := h.counter(t, "hba_recovery_actions_total", "action", m.action); got != m.want {
				t.Fatalf("[%02d] test %q, %s actions: %v != %v", i, tt.desc, m.action, m.want, got)
			}
		}
		if st := h.bus.Stats(); st.DeviceResets != tt.targetResets {
			t.Fatalf("[%02d] test %q, unexpected device resets in %+v", i, tt.desc, st)
		}
		if n := h.a.Outstanding(); n != 0 {
			t.Fatalf("[%02d] test %q, %d commands outstanding", i, tt.desc, n)
		}
	}
}

// A BUS DEVICE RESET delivered by a failed command completes every other
// command of the same target and restarts negotiation with it.
func TestDeviceResetClearsTarget(t *testing.T) {
	tgt := newTarget(1)
	tgt.DisconnectOnCommand = true
	tgt.Stall = true
	h := newHarness(t, nil, tgt)

	parked := readRequest(1, 8, 1, false)
	parked.Lun = 1
	parked.Timeout = 100 * time.Second
	ph := h.submit(t, parked)
	h.drain()
	if !h.pending(ph) {
		t.Fatalf("stalled command completed")
	}
	if _, done := h.a.TargetParams(1); !done {
		t.Fatalf("target not negotiated before the reset")
	}

	tgt.DisconnectOnCommand = false
	tgt.PhaseErrorAfter = 512
	tgt.IgnoreAbort = true
	failing := readRequest(1, 0, 4, false)
	failing.Timeout = time.Second
	fh := h.submit(t, failing)
	h.drain()

	for _, step := range []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond} {
		h.clock.Advance(step)
		h.a.Sweep()
		h.drain()
	}

	if c := h.completion(t, fh); c.Host != hba.HostProtocolError {
		t.Fatalf("unexpected completion of the failing command %v", c)
	}
	if c := h.completion(t, ph); c.Host != hba.HostDeviceReset {
		t.Fatalf("unexpected completion of the other command %v", c)
	}
	if _, done := h.a.TargetParams(1); done {
		t.Fatalf("negotiation survived a bus device reset")
	}
	if st := h.bus.Stats(); st.DeviceResets != 1 || st.Resets != 0 {
		t.Fatalf("expected one device reset and no bus reset, got %+v", st)
	}
	if n := h.a.Outstanding(); n != 0 {
		t.Fatalf("%d commands outstanding", n)
	}
	if n := h.bus.Held(); n != 0 {
		t.Fatalf("target still holds %d commands", n)
	}
}

func TestExternalReset(t *testing.T) {
	tgt := newTarget(2)
	tgt.DisconnectOnCommand = true
	tgt.Stall = true
	h := newHarness(t, nil, tgt)

	hd := h.submit(t, readRequest(2, 0, 1, true))
	h.drain()
	if _, done := h.a.TargetParams(2); !done {
		t.Fatalf("target not negotiated before the reset")
	}

	h.bus.ExternalReset()
	h.drain()

	if c := h.completion(t, hd); c.Host != hba.HostBusReset {
		t.Fatalf("unexpected completion %v", c)
	}
	if _, done := h.a.TargetParams(2); done {
		t.Fatalf("negotiation survived a bus reset")
	}
	if got := h.counter(t, "hba_recovery_actions_total", "action", "bus_reset"); got != 1 {
		t.Fatalf("unexpected bus reset count %v", got)
	}
}

func TestResetBusFailure(t *testing.T) {
	stalled := newTarget(2)
	stalled.DisconnectOnCommand = true
	stalled.Stall = true
	h := newHarness(t, nil, stalled, newTarget(3))
	h.bus.FailResets = 3

	hd := h.submit(t, readRequest(2, 0, 1, true))
	h.drain()

	if err := h.a.ResetBus(); errors.Cause(err) != hba.ErrResetFailed {
		t.Fatalf("unexpected reset result %v", err)
	}
	if c := h.completion(t, hd); c.Host != hba.HostResetFailed {
		t.Fatalf("unexpected completion %v", c)
	}
	faults := h.faultList()
	if len(faults) != 1 || errors.Cause(faults[0]) != hba.ErrResetFailed {
		t.Fatalf("unexpected faults %v", faults)
	}
	if _, err := h.a.Submit(turRequest(3)); errors.Cause(err) != hba.ErrResetFailed {
		t.Fatalf("faulted adapter accepted a command: %v", err)
	}

	if err := h.a.ResetBus(); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	hd = h.submit(t, turRequest(3))
	h.drain()
	if c := h.completion(t, hd); c.Err() != nil {
		t.Fatalf("unexpected completion after recovery %v", c)
	}
}

func TestClose(t *testing.T) {
	tgt := newTarget(2)
	tgt.DisconnectOnCommand = true
	tgt.Stall = true
	h := newHarness(t, nil, tgt)

	active := h.submit(t, readRequest(2, 0, 1, true))
	queued := h.submit(t, readRequest(2, 1, 1, false))
	h.drain()

	if err := h.a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, hd := range []hba.Handle{active, queued} {
		if c := h.completion(t, hd); c.Host != hba.HostAborted {
			t.Fatalf("unexpected completion %v", c)
		}
	}
	if _, err := h.a.Submit(turRequest(2)); errors.Cause(err) != hba.ErrClosed {
		t.Fatalf("closed adapter accepted a command: %v", err)
	}
	if err := h.a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if st := h.bus.Stats(); st.Resets != 1 {
		t.Fatalf("expected the bus to be reset once, got %+v", st)
	}
}

func TestSubmitValidation(t *testing.T) {
	var tests = []struct {
		desc string
		req  *hba.Request
		err  error
	}{
		{desc: "nil request", err: hba.ErrInvalidRequest},
		{desc: "initiator as target", req: turRequest(7), err: hba.ErrInvalidRequest},
		{desc: "target out of range", req: turRequest(16), err: hba.ErrInvalidRequest},
		{
			desc: "lun out of range",
			req:  &hba.Request{Target: 1, Lun: 8, CDB: []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}},
			err:  hba.ErrInvalidRequest,
		},
		{desc: "empty CDB", req: &hba.Request{Target: 1}, err: hba.ErrInvalidRequest},
		{desc: "oversized CDB", req: &hba.Request{Target: 1, CDB: make([]byte, 17)}, err: hba.ErrInvalidRequest},
		{
			desc: "data without direction",
			req:  &hba.Request{Target: 1, CDB: scsi.Read10CDB(0, 1), Data: [][]byte{make([]byte, blockSize)}},
			err:  hba.ErrInvalidRequest,
		},
		{
			desc: "direction without data",
			req:  &hba.Request{Target: 1, CDB: scsi.Read10CDB(0, 1), Direction: hba.DirIn},
			err:  hba.ErrInvalidRequest,
		},
		{desc: "too fragmented", req: readRequest(1, 0, 24, false), err: hba.ErrFragmentation},
		{desc: "valid", req: readRequest(1, 0, 16, false)},
	}

	h := newHarness(t, func(cfg *hba.Config) { cfg.MaxSGEntries = 2 }, newTarget(1))
	for i, tt := range tests {
		called := false
		if tt.req != nil {
			tt.req.Done = func(hba.Completion) { called = true }
		}
		_, err := h.a.Submit(tt.req)
		if want, got := tt.err, errors.Cause(err); want != got {
			t.Fatalf("[%02d] test %q, unexpected error: %v != %v", i, tt.desc, want, got)
		}
		if err != nil && called {
			t.Fatalf("[%02d] test %q, rejected request completed", i, tt.desc)
		}
	}
}

func TestPoolExhausted(t *testing.T) {
	tgt := newTarget(2)
	tgt.DisconnectOnCommand = true
	tgt.Stall = true
	h := newHarness(t, func(cfg *hba.Config) {
		cfg.PoolInitial = 1
		cfg.PoolMax = 2
	}, tgt)

	h.submit(t, readRequest(2, 0, 1, true))
	h.submit(t, readRequest(2, 1, 1, true))
	if _, err := h.a.Submit(readRequest(2, 2, 1, true)); errors.Cause(err) != hba.ErrQueueFull {
		t.Fatalf("unexpected error %v", err)
	}
	if n := h.a.Outstanding(); n != 2 {
		t.Fatalf("unexpected outstanding count %d", n)
	}
}

// Under concurrent submission every command completes exactly once.
func TestRunCompletesExactlyOnce(t *testing.T) {
	var targets []*sim.Target
	for id := 1; id <= 3; id++ {
		tgt := newTarget(id)
		tgt.DisconnectOnCommand = true
		tgt.DisconnectAfter = 1024
		targets = append(targets, tgt)
	}
	h := newHarness(t, func(cfg *hba.Config) { cfg.SweepInterval = 10 * time.Millisecond }, targets...)
	h.bus.AutoReselect = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- h.a.Run(ctx)
	}()

	const perTarget = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []hba.Handle
	)
	for _, tgt := range targets {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perTarget; i++ {
				hd, err := h.a.Submit(h.withDone(readRequest(id, i*4, 4, i%2 == 0)))
				if err != nil {
					t.Errorf("target %d: submit: %v", id, err)
					return
				}
				mu.Lock()
				handles = append(handles, hd)
				mu.Unlock()
			}
		}(tgt.ID)
	}
	wg.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for h.completed() < len(handles) {
		if time.Now().After(deadline) {
			t.Fatalf("%d of %d commands completed", h.completed(), len(handles))
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, hd := range handles {
		if c := h.completion(t, hd); c.Err() != nil || c.Residual != 0 {
			t.Fatalf("unexpected completion %v", c)
		}
	}
	if errs := h.bus.Errors(); len(errs) != 0 {
		t.Fatalf("target saw protocol violations: %v", errs)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != context.Canceled {
			t.Fatalf("unexpected Run result %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
