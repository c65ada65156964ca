package hba

import (
	"sync"
	"time"

	"github.com/coreos/go-hba/scsi"
)

// supervisor calls Sweep on a fixed interval while Run is active.
type supervisor struct {
	a        *Adapter
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

func newSupervisor(a *Adapter, interval time.Duration) *supervisor {
	s := &supervisor{
		a:        a,
		interval: interval,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *supervisor) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.a.Sweep()
		case <-s.done:
			return
		}
	}
}

func (s *supervisor) shutdown() {
	close(s.done)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		s.a.log.Warnf("timed out waiting for the timeout sweep to finish")
	}
}

// Sweep moves every command past its deadline one step up the recovery
// ladder: ABORT or ABORT TAG first, BUS DEVICE RESET when the abort does not
// finish within AbortTimeout, and a bus reset when the device reset does not
// finish within DeviceResetTimeout. Run calls it every SweepInterval; callers
// driving the adapter with Poll call it themselves.
func (a *Adapter) Sweep() {
	a.mu.Lock()
	defer a.unlock()
	if a.closed || a.faulted {
		return
	}
	now := a.clock.Now()
	resetBus := false
	for _, idx := range a.outstanding() {
		b := a.pool.at(idx)
		switch b.recovery {
		case recNone:
			if now.After(b.deadline) {
				a.log.Warnf("%v timed out after %v", b, b.timeout)
				a.startAbort(b, HostDeviceTimeout)
			}
		case recAbort:
			if now.After(b.recoveryDeadline) {
				a.escalate(b, now)
			}
		case recDeviceReset:
			t := a.target(b.target)
			switch {
			case now.After(b.recoveryDeadline):
				a.log.Errorf("%v: target %d did not take the device reset", b, b.target)
				resetBus = true
			case !t.bdrPending:
				// The command carrying the reset finished before delivering it.
				a.log.Warnf("%v: carrying the device reset of target %d", b, t.id)
				a.armDeviceReset(b, t)
			}
		}
	}
	if resetBus {
		a.metrics.recoveries.WithLabelValues("bus_reset").Inc()
		a.resetBusLocked("recovery timed out")
	}
	a.schedule()
}

// escalate replaces b's unfinished abort with a BUS DEVICE RESET of its
// target. The message goes out at once when the target is on the bus,
// otherwise with the next selection or reselection of the target.
func (a *Adapter) escalate(b *srb, now time.Time) {
	t := a.target(b.target)
	b.recovery = recDeviceReset
	b.recoveryDeadline = now.Add(a.cfg.DeviceResetTimeout)
	if t.bdrPending {
		return
	}
	a.log.Warnf("%v: abort did not finish, resetting target %d", b, t.id)
	a.metrics.recoveries.WithLabelValues(recDeviceReset.String()).Inc()
	a.armDeviceReset(b, t)
}

// armDeviceReset makes b the command that takes the BUS DEVICE RESET to
// its target.
func (a *Adapter) armDeviceReset(b *srb, t *targetState) {
	t.bdrPending = true
	t.bdrVehicle = b.index
	if cur := a.activeBlock(); cur != nil && a.bus.connected() && cur.target == t.id {
		a.queueOut([]byte{scsi.MsgBusDeviceReset})
	}
}
