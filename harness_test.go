package hba_test

import (
	"io"
	"sync"
	"testing"
	"time"

	hba "github.com/coreos/go-hba"
	"github.com/coreos/go-hba/scsi"
	"github.com/coreos/go-hba/sim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const blockSize = 512

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// disk is an in-memory medium with a recognizable pattern.
type disk struct {
	mu   sync.Mutex
	data []byte
}

func newDisk(blocks int) *disk {
	d := &disk{data: make([]byte, blocks*blockSize)}
	for i := range d.data {
		d.data[i] = byte(i*7 + i/blockSize)
	}
	return d
}

func (d *disk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *disk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(d.data[off:], p), nil
}

func (d *disk) blocks(lba, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data[lba*blockSize:(lba+n)*blockSize]...)
}

func newTarget(id int) *sim.Target {
	return &sim.Target{
		ID:        id,
		Store:     newDisk(64),
		Blocks:    64,
		VendorID:  "GOHBA",
		ProductID: "SIMDISK",
		Wide:      true,
		Sync:      true,
		MinPeriod: 25,
		MaxOffset: 15,
	}
}

// narrow turns negotiation off and limits the bus to eight IDs.
func narrow(cfg *hba.Config) {
	cfg.MaxWidth = scsi.Width8
	cfg.MaxTargets = 8
	cfg.MaxSyncOffset = 0
}

type harness struct {
	a     *hba.Adapter
	bus   *sim.Bus
	mem   *sim.Memory
	reg   *prometheus.Registry
	clock *fakeClock

	mu     sync.Mutex
	done   map[hba.Handle][]hba.Completion
	faults []error
}

func newHarness(t *testing.T, configure func(*hba.Config), targets ...*sim.Target) *harness {
	h := &harness{
		mem:   sim.NewMemory(),
		reg:   prometheus.NewRegistry(),
		clock: &fakeClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		done:  make(map[hba.Handle][]hba.Completion),
	}
	h.bus = sim.NewBus(h.mem, targets...)

	log := logrus.New()
	log.Out = io.Discard
	cfg := hba.DefaultConfig()
	cfg.Logger = logrus.NewEntry(log)
	cfg.Registerer = h.reg
	cfg.Clock = h.clock
	cfg.OnFault = func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.faults = append(h.faults, err)
	}
	if configure != nil {
		configure(&cfg)
	}
	a, err := hba.NewAdapter(h.bus, h.mem, cfg)
	if err != nil {
		t.Fatalf("creating adapter: %v", err)
	}
	h.a = a
	return h
}

// withDone makes r record its completion in h.
func (h *harness) withDone(r *hba.Request) *hba.Request {
	r.Done = func(c hba.Completion) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.done[c.Handle] = append(h.done[c.Handle], c)
	}
	return r
}

func (h *harness) submit(t *testing.T, r *hba.Request) hba.Handle {
	hd, err := h.a.Submit(h.withDone(r))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return hd
}

// drain dispatches events and lets disconnected targets back on the bus
// until nothing moves.
func (h *harness) drain() {
	for {
		n := h.a.Poll()
		if h.bus.Reselect() {
			continue
		}
		if n == 0 {
			return
		}
	}
}

func (h *harness) completion(t *testing.T, hd hba.Handle) hba.Completion {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs := h.done[hd]
	if len(cs) != 1 {
		t.Fatalf("%v completed %d times", hd, len(cs))
	}
	return cs[0]
}

func (h *harness) pending(hd hba.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.done[hd]) == 0
}

func (h *harness) completed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, cs := range h.done {
		n += len(cs)
	}
	return n
}

func (h *harness) faultList() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.faults...)
}

// counter returns the value of the adapter counter name with label=value.
func (h *harness) counter(t *testing.T, name, label, value string) float64 {
	mfs, err := h.reg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func readRequest(target int, lba, blocks int, tagged bool) *hba.Request {
	return &hba.Request{
		Target:    target,
		CDB:       scsi.Read10CDB(uint32(lba), uint16(blocks)),
		Data:      [][]byte{make([]byte, blocks*blockSize)},
		Direction: hba.DirIn,
		Tagged:    tagged,
	}
}

func turRequest(target int) *hba.Request {
	return &hba.Request{
		Target: target,
		CDB:    []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0},
	}
}
