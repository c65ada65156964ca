//go:build linux

package main

import (
	"context"

	hba "github.com/coreos/go-hba"
	"github.com/coreos/go-hba/sim"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// The line's status register. Writing 0 acknowledges the reset.
const (
	regLineStatus = 0x0
	statRST       = 0x1
)

// resetLine is a uio device whose interrupt stands for another initiator
// asserting RST on the simulated bus.
type resetLine struct {
	dev *hba.UIODevice
}

func openResetLine(name string) (*resetLine, error) {
	d, err := hba.OpenUIO(name)
	if err != nil {
		return nil, err
	}
	if d.Registers().Len() < 4 {
		d.Close()
		return nil, errors.Errorf("uio device %s has no status register", name)
	}
	return &resetLine{dev: d}, nil
}

func (l *resetLine) serve(ctx context.Context, bus *sim.Bus) error {
	isr := func(w *hba.RegisterWindow) []hba.Event {
		if w.Read32(regLineStatus)&statRST == 0 {
			return nil
		}
		w.Write32(regLineStatus, 0)
		return []hba.Event{{Kind: hba.EventBusReset}}
	}
	return l.dev.Serve(ctx, isr, func(ev hba.Event) {
		logrus.Warnf("%s: %v", l.dev.Name, ev)
		bus.ExternalReset()
	})
}

func (l *resetLine) Close() error {
	return l.dev.Close()
}
