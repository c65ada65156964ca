//go:build !linux

package main

import (
	"context"

	"github.com/coreos/go-hba/sim"
	"github.com/pkg/errors"
)

type resetLine struct{}

func openResetLine(name string) (*resetLine, error) {
	return nil, errors.Errorf("uio device %s: uio needs linux", name)
}

func (l *resetLine) serve(ctx context.Context, bus *sim.Bus) error {
	return nil
}

func (l *resetLine) Close() error {
	return nil
}
