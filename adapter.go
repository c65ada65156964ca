package hba

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Adapter is one host adapter and everything it has outstanding. All state
// below mu is touched by one goroutine at a time: the dispatcher, Submit,
// Abort, ResetBus and the timeout sweep all take it.
type Adapter struct {
	id      uuid.UUID
	cfg     Config
	hw      HostAdapter
	mapper  PhysMapper
	clock   Clock
	log     *logrus.Entry
	metrics *metrics

	mu           sync.Mutex
	pool         *blockPool
	targets      map[int]*targetState
	pending      []int
	nexus        map[nexusKey]int
	disconnected map[nexusKey]int
	bus          busMachine
	seq          uint64
	hwFault      error
	faultCount   int
	faulted      bool
	closed       bool
	// Callbacks and faults collected under mu, run by unlock.
	done   []func()
	faults []error

	evMu   sync.Mutex
	events []Event
	wake   chan struct{}
	quit   chan struct{}
}

// NewAdapter builds an adapter around hw and attaches to it. mapper
// translates request buffers to bus addresses.
func NewAdapter(hw HostAdapter, mapper PhysMapper, cfg Config) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		id:           uuid.New(),
		cfg:          cfg,
		hw:           hw,
		mapper:       mapper,
		clock:        cfg.Clock,
		pool:         newBlockPool(cfg.PoolInitial, cfg.PoolMax),
		targets:      make(map[int]*targetState),
		nexus:        make(map[nexusKey]int),
		disconnected: make(map[nexusKey]int),
		bus:          newBusMachine(),
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
	}
	if a.clock == nil {
		a.clock = systemClock{}
	}
	if cfg.Logger != nil {
		a.log = cfg.Logger.WithField("adapter", a.id.String())
	} else {
		a.log = logrus.WithField("adapter", a.id.String())
	}
	m, err := newMetrics(a.id.String(), cfg.Registerer)
	if err != nil {
		return nil, err
	}
	a.metrics = m
	hw.Attach(a.Post)
	a.log.Debugf("adapter attached, initiator ID %d, %d targets", cfg.InitiatorID, cfg.MaxTargets)
	return a, nil
}

// ID returns the adapter's instance id, also used as its log and metric
// label.
func (a *Adapter) ID() uuid.UUID {
	return a.id
}

// unlock releases mu and then runs the completion callbacks and fault
// notifications collected while it was held.
func (a *Adapter) unlock() {
	a.settle()
	done, faults := a.done, a.faults
	a.done, a.faults = nil, nil
	a.mu.Unlock()
	for _, f := range done {
		f()
	}
	if a.cfg.OnFault != nil {
		for _, err := range faults {
			a.cfg.OnFault(err)
		}
	}
}

func (a *Adapter) fault(err error) {
	a.log.Errorf("adapter fault: %v", err)
	a.faults = append(a.faults, err)
}

func (a *Adapter) target(id int) *targetState {
	t, ok := a.targets[id]
	if !ok {
		t = newTargetState(id, &a.cfg)
		a.targets[id] = t
	}
	return t
}

// Submit queues r and returns its handle. It fails with ErrInvalidRequest,
// ErrFragmentation or ErrQueueFull without calling r.Done.
func (a *Adapter) Submit(r *Request) (Handle, error) {
	if err := a.checkRequest(r); err != nil {
		return Handle{}, err
	}
	sg, err := BuildSGList(a.mapper, r.Data, a.cfg.MaxSGEntries)
	if err != nil {
		return Handle{}, err
	}

	a.mu.Lock()
	defer a.unlock()
	if a.closed {
		return Handle{}, ErrClosed
	}
	if a.faulted {
		return Handle{}, errors.Wrap(ErrResetFailed, "adapter needs a bus reset")
	}
	b, err := a.pool.get()
	if err != nil {
		return Handle{}, err
	}
	a.seq++
	b.seq = a.seq
	b.state = inPending
	b.req = r
	b.target = r.Target
	b.lun = r.Lun
	b.tag = Untagged
	b.cdb = append([]byte(nil), r.CDB...)
	b.dir = r.Direction
	b.sg = sg
	b.timeout = r.Timeout
	if b.timeout == 0 {
		b.timeout = a.cfg.CommandTimeout
	}
	a.pending = append(a.pending, b.index)
	a.metrics.submitted.Inc()
	a.log.Debugf("submit %v cdb % x, %d bytes %v", b, b.cdb, sg.Total(), b.dir)
	a.schedule()
	return b.handle(), nil
}

func (a *Adapter) checkRequest(r *Request) error {
	switch {
	case r == nil:
		return errors.Wrap(ErrInvalidRequest, "nil request")
	case r.Target < 0 || r.Target >= a.cfg.MaxTargets || r.Target == a.cfg.InitiatorID:
		return errors.Wrapf(ErrInvalidRequest, "target %d", r.Target)
	case r.Lun < 0 || r.Lun >= a.cfg.MaxLuns:
		return errors.Wrapf(ErrInvalidRequest, "lun %d", r.Lun)
	case len(r.CDB) == 0 || len(r.CDB) > 16:
		return errors.Wrapf(ErrInvalidRequest, "%d byte CDB", len(r.CDB))
	case r.Direction == DirNone && r.dataLen() != 0:
		return errors.Wrap(ErrInvalidRequest, "data buffer without a direction")
	case r.Direction != DirNone && r.dataLen() == 0:
		return errors.Wrapf(ErrInvalidRequest, "direction %v without data", r.Direction)
	}
	return nil
}

// Abort cancels the command behind h. A pending command completes at once
// with HostAborted. One already on the bus gets an ABORT or ABORT TAG
// message and completes when the target lets go of the bus, or the timeout
// supervisor escalates. A command that is completing cannot be aborted.
func (a *Adapter) Abort(h Handle) error {
	a.mu.Lock()
	defer a.unlock()
	b := a.pool.lookup(h)
	if b == nil {
		return errors.Wrapf(ErrAbortFailed, "%v is not outstanding", h)
	}
	isActive := b.index == a.bus.active
	switch {
	case b.state == inPending:
		a.complete(b, HostAborted, 0)
		a.schedule()
		return nil
	case isActive && a.bus.state == busCompleting:
		return errors.Wrapf(ErrAbortFailed, "%v is completing", b)
	case b.recovery != recNone:
		return nil
	}
	a.log.Warnf("aborting %v", b)
	a.startAbort(b, HostAborted)
	a.schedule()
	return nil
}

// startAbort puts b into abort recovery. A connected command gets the
// message through ATN; a disconnected one is reselected by schedule.
func (a *Adapter) startAbort(b *srb, status HostStatus) {
	b.abortRequested = true
	b.abortStatus = status
	b.recovery = recAbort
	b.recoveryDeadline = a.clock.Now().Add(a.cfg.AbortTimeout)
	a.metrics.recoveries.WithLabelValues(recAbort.String()).Inc()
	if b.index == a.bus.active && a.bus.state == busConnected {
		a.queueOut(abortMessage(b))
	}
}

// ResetBus resets the SCSI bus. Every command on the bus completes with
// HostBusReset; pending commands are kept.
func (a *Adapter) ResetBus() error {
	a.mu.Lock()
	defer a.unlock()
	if a.closed {
		return ErrClosed
	}
	a.metrics.recoveries.WithLabelValues("bus_reset").Inc()
	err := a.resetBusLocked("requested")
	a.schedule()
	return err
}

// resetBusLocked asserts RST, retrying up to MaxResetAttempts. When every
// attempt fails the adapter is marked faulted and everything it holds
// completes with HostResetFailed.
func (a *Adapter) resetBusLocked(reason string) error {
	var err error
	for attempt := 1; attempt <= a.cfg.MaxResetAttempts; attempt++ {
		if err = a.hw.ResetBus(); err == nil {
			break
		}
		a.log.Warnf("bus reset attempt %d/%d (%s): %v", attempt, a.cfg.MaxResetAttempts, reason, err)
	}
	if err != nil {
		err = errors.Wrapf(ErrResetFailed, "%s: %d attempts, last: %v", reason, a.cfg.MaxResetAttempts, err)
		a.faulted = true
		a.bus.reset()
		a.failAll(HostResetFailed)
		a.fault(err)
		return err
	}
	a.log.Warnf("bus reset (%s)", reason)
	a.faulted = false
	a.afterBusReset()
	return nil
}

// afterBusReset completes every command the targets have forgotten and
// restarts negotiation with all of them.
func (a *Adapter) afterBusReset() {
	a.bus.reset()
	for _, idx := range a.outstanding() {
		b := a.pool.at(idx)
		status := HostBusReset
		if b.recovery != recNone {
			status = b.abortStatus
		}
		a.complete(b, status, 0)
	}
	for _, t := range a.targets {
		t.resetNegotiation(&a.cfg, true)
		t.queueFull = false
		t.checkConditions = 0
		t.bdrPending = false
		t.bdrVehicle = -1
	}
}

// failAll completes every outstanding and pending command with status.
func (a *Adapter) failAll(status HostStatus) {
	for _, idx := range a.outstanding() {
		a.complete(a.pool.at(idx), status, 0)
	}
	for len(a.pending) > 0 {
		a.complete(a.pool.at(a.pending[0]), status, 0)
	}
}

// outstanding returns the blocks handed to targets, in submission order.
func (a *Adapter) outstanding() []int {
	out := make([]int, 0, len(a.nexus))
	for _, idx := range a.nexus {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool {
		return a.pool.at(out[i]).seq < a.pool.at(out[j]).seq
	})
	return out
}

// Post hands an interrupt's events to the dispatcher. It never blocks and
// is safe to call from any goroutine, including from inside HostAdapter
// methods.
func (a *Adapter) Post(ev Event) {
	a.evMu.Lock()
	a.events = append(a.events, ev)
	a.evMu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Adapter) nextEvent() (Event, bool) {
	a.evMu.Lock()
	defer a.evMu.Unlock()
	if len(a.events) == 0 {
		return Event{}, false
	}
	ev := a.events[0]
	a.events = a.events[1:]
	return ev, true
}

// Poll dispatches queued events until none are left and returns how many it
// handled.
func (a *Adapter) Poll() int {
	n := 0
	for {
		ev, ok := a.nextEvent()
		if !ok {
			return n
		}
		a.mu.Lock()
		if !a.closed {
			a.handleEvent(ev)
			a.schedule()
		}
		a.unlock()
		n++
	}
}

// Run dispatches events as they are posted and sweeps for timeouts until
// ctx is done or the adapter is closed.
func (a *Adapter) Run(ctx context.Context) error {
	sup := newSupervisor(a, a.cfg.SweepInterval)
	defer sup.shutdown()
	for {
		a.Poll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.quit:
			return nil
		case <-a.wake:
		}
	}
}

// Close completes everything still held with HostAborted. A bus with
// commands on it is reset first.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.unlock()
	if a.closed {
		return nil
	}
	var err error
	if len(a.nexus) > 0 {
		if err = a.hw.ResetBus(); err != nil {
			err = errors.Wrapf(ErrResetFailed, "closing: %v", err)
		}
	}
	a.bus.reset()
	a.failAll(HostAborted)
	a.closed = true
	close(a.quit)
	a.log.Debugf("adapter closed")
	return err
}

// TargetParams returns the transfer parameters in use for target and
// whether negotiation with it has finished.
func (a *Adapter) TargetParams(target int) (TransferParams, bool) {
	a.mu.Lock()
	defer a.unlock()
	t, ok := a.targets[target]
	if !ok {
		return TransferParams{}, false
	}
	return t.params, t.neg == negNegotiated
}

// Outstanding returns the number of commands submitted and not completed.
func (a *Adapter) Outstanding() int {
	a.mu.Lock()
	defer a.unlock()
	return a.pool.inUse()
}
