package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	hba "github.com/coreos/go-hba"
	"github.com/coreos/go-hba/scsi"
	"github.com/coreos/go-hba/sim"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const blockSize = 512

var (
	levelFlag    = flag.String("loglevel", "info", "log `level`")
	blocksFlag   = flag.Int64("blocks", 2048, "size of a newly created backing file, in 512 byte blocks")
	commandsFlag = flag.Int("commands", 64, "number of blocks to write and read back")
	profileFlag  = flag.String("cpuprofile", "", "write a cpu profile to `dir`")
	uioFlag      = flag.String("uio", "", "treat interrupts of the uio device `name` as RST asserted on the bus")
)

func main() {
	flag.Parse()
	if err := simulate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func simulate() error {
	level, err := logrus.ParseLevel(*levelFlag)
	if err != nil {
		return errors.Wrap(err, "bad log level")
	}
	logrus.SetLevel(level)
	if flag.NArg() != 1 {
		return errors.New("usage: hbasim [flags] file")
	}
	if *profileFlag != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*profileFlag), profile.Quiet).Stop()
	}

	filename := flag.Arg(0)
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrap(err, "couldn't open")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "couldn't stat")
	}
	size := fi.Size()
	if size == 0 {
		size = *blocksFlag * blockSize
		if err := f.Truncate(size); err != nil {
			return errors.Wrapf(err, "couldn't size %s", filename)
		}
	}
	blocks := size / blockSize
	if blocks == 0 {
		return errors.Errorf("%s is smaller than one block", filename)
	}

	disk := &sim.Target{
		ID:              0,
		Store:           f,
		Blocks:          blocks,
		VendorID:        "GOHBA",
		ProductID:       fi.Name(),
		ProductRev:      "0001",
		Wide:            true,
		Sync:            true,
		MinPeriod:       25,
		MaxOffset:       15,
		DisconnectAfter: 4096,
	}
	mem := sim.NewMemory()
	bus := sim.NewBus(mem, disk)
	bus.AutoReselect = true

	var line *resetLine
	if *uioFlag != "" {
		line, err = openResetLine(*uioFlag)
		if err != nil {
			return err
		}
		defer line.Close()
	}

	reg := prometheus.NewRegistry()
	cfg := hba.DefaultConfig()
	cfg.Registerer = reg
	cfg.OnFault = func(err error) {
		logrus.Errorf("adapter fault: %v", err)
	}
	a, err := hba.NewAdapter(bus, mem, cfg)
	if err != nil {
		return errors.Wrap(err, "couldn't create adapter")
	}
	defer a.Close()
	fmt.Printf("go-hba adapter %s attached to %s, %d blocks\n", a.ID(), filename, blocks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		for range signalChan {
			fmt.Println("\nReceived an interrupt, stopping...")
			cancel()
		}
	}()
	runDone := make(chan error, 1)
	go func() {
		runDone <- a.Run(ctx)
	}()
	lineDone := make(chan error, 1)
	if line != nil {
		go func() {
			lineDone <- line.serve(ctx, bus)
		}()
	} else {
		lineDone <- nil
	}

	inq := make([]byte, 36)
	if c := run(ctx, a, []*hba.Request{{
		Target:    0,
		CDB:       scsi.InquiryCDB(uint8(len(inq))),
		Data:      [][]byte{inq},
		Direction: hba.DirIn,
	}}); len(c) == 1 && c[0].Err() == nil {
		fmt.Printf("target 0: %s %s %s\n", strings.TrimSpace(string(inq[8:16])),
			strings.TrimSpace(string(inq[16:32])), strings.TrimSpace(string(inq[32:36])))
	}

	n := *commandsFlag
	if int64(n) > blocks {
		n = int(blocks)
	}
	written := make([][]byte, n)
	var writes, reads []*hba.Request
	for i := 0; i < n; i++ {
		written[i] = bytes.Repeat([]byte{byte(i)}, blockSize)
		writes = append(writes, &hba.Request{
			Target:    0,
			CDB:       scsi.Write10CDB(uint32(i), 1),
			Data:      [][]byte{written[i]},
			Direction: hba.DirOut,
			Tagged:    true,
		})
		reads = append(reads, &hba.Request{
			Target:    0,
			CDB:       scsi.Read10CDB(uint32(i), 1),
			Data:      [][]byte{make([]byte, blockSize)},
			Direction: hba.DirIn,
			Tagged:    true,
		})
	}
	report("write", run(ctx, a, writes))
	report("read", run(ctx, a, reads))
	bad := 0
	for i, r := range reads {
		if !bytes.Equal(r.Data[0], written[i]) {
			bad++
		}
	}
	fmt.Printf("verify: %d of %d blocks differ\n", bad, len(reads))
	if params, ok := a.TargetParams(0); ok {
		fmt.Printf("target 0: period %d offset %d width %d\n", params.Period, params.Offset, params.Width)
	}
	printMetrics(reg)

	cancel()
	if err := <-lineDone; err != nil && err != context.Canceled {
		logrus.Errorf("reset line %s: %v", *uioFlag, err)
	}
	if err := <-runDone; err != nil && err != context.Canceled {
		return errors.Wrap(err, "adapter stopped")
	}
	return nil
}

// run submits reqs and waits for all of their completions, or for ctx.
func run(ctx context.Context, a *hba.Adapter, reqs []*hba.Request) []hba.Completion {
	done := make(chan hba.Completion, len(reqs))
	submitted := 0
	for _, r := range reqs {
		r.Done = func(c hba.Completion) {
			done <- c
		}
		if _, err := a.Submit(r); err != nil {
			logrus.Errorf("submit %x: %v", r.CDB, err)
			continue
		}
		submitted++
	}
	var out []hba.Completion
	for len(out) < submitted {
		select {
		case c := <-done:
			out = append(out, c)
		case <-ctx.Done():
			return out
		}
	}
	return out
}

func report(what string, cs []hba.Completion) {
	byHost := make(map[hba.HostStatus]int)
	for _, c := range cs {
		byHost[c.Host]++
	}
	fmt.Printf("%s: %d completed, %d ok\n", what, len(cs), byHost[hba.HostOK])
	for s, n := range byHost {
		if s != hba.HostOK {
			fmt.Printf("  %v: %d\n", s, n)
		}
	}
}

func printMetrics(reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		logrus.Warnf("gathering metrics: %v", err)
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "adapter" {
					continue
				}
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			v := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				v = g.GetValue()
			}
			fmt.Printf("%s{%s} %v\n", mf.GetName(), strings.Join(labels, ","), v)
		}
	}
}
