package hba

import (
	"time"

	"github.com/coreos/go-hba/scsi"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config holds the adapter's limits, its transfer envelope and its recovery
// timing.
type Config struct {
	// The SCSI ID of the adapter itself.
	InitiatorID int
	// Targets are numbered 0..MaxTargets-1, luns 0..MaxLuns-1.
	MaxTargets int
	MaxLuns    int

	// Command blocks are preallocated to PoolInitial and grown on demand
	// up to PoolMax.
	PoolInitial int
	PoolMax     int
	// Data entries per scatter list, not counting the terminator.
	MaxSGEntries int

	TaggedQueueing   bool
	MaxTagsPerTarget int
	// AllowDisconnect sets the disconnect privilege in IDENTIFY.
	AllowDisconnect bool

	// Synchronous envelope, period in units of 4ns. A target asking for a
	// period longer than MaxSyncPeriod is run asynchronously. MaxSyncOffset
	// of zero disables synchronous negotiation.
	MinSyncPeriod uint8
	MaxSyncPeriod uint8
	MaxSyncOffset uint8
	// MaxWidth is a WDTR exponent, scsi.Width8 disables wide negotiation.
	MaxWidth uint8

	CommandTimeout     time.Duration
	AbortTimeout       time.Duration
	DeviceResetTimeout time.Duration
	SweepInterval      time.Duration
	MaxResetAttempts   int
	// MaxRetries bounds requeues on BUSY and QUEUE FULL.
	MaxRetries int
	// RenegotiateAfter consecutive CHECK CONDITIONs from one target
	// restart its transfer negotiation. Zero disables it.
	RenegotiateAfter int

	Logger     *logrus.Entry
	Registerer prometheus.Registerer
	Clock      Clock
	// OnFault receives bus-wide failures: exhausted resets and
	// repeated chip faults.
	OnFault func(error)
}

// DefaultConfig returns the settings of a Fast-10 wide adapter at ID 7.
func DefaultConfig() Config {
	return Config{
		InitiatorID:        7,
		MaxTargets:         16,
		MaxLuns:            8,
		PoolInitial:        32,
		PoolMax:            256,
		MaxSGEntries:       64,
		TaggedQueueing:     true,
		MaxTagsPerTarget:   64,
		AllowDisconnect:    true,
		MinSyncPeriod:      25,
		MaxSyncPeriod:      62,
		MaxSyncOffset:      15,
		MaxWidth:           scsi.Width16,
		CommandTimeout:     30 * time.Second,
		AbortTimeout:       2 * time.Second,
		DeviceResetTimeout: 5 * time.Second,
		SweepInterval:      500 * time.Millisecond,
		MaxResetAttempts:   3,
		MaxRetries:         8,
		RenegotiateAfter:   3,
	}
}

func (c *Config) validate() error {
	maxIDs := 8 << c.MaxWidth
	switch {
	case c.MaxWidth > scsi.Width32:
		return errors.Wrapf(ErrInvalidRequest, "width exponent %d", c.MaxWidth)
	case c.MaxTargets < 1 || c.MaxTargets > maxIDs:
		return errors.Wrapf(ErrInvalidRequest, "%d targets on a %d bit bus", c.MaxTargets, maxIDs)
	case c.InitiatorID < 0 || c.InitiatorID >= maxIDs:
		return errors.Wrapf(ErrInvalidRequest, "initiator ID %d", c.InitiatorID)
	case c.MaxLuns < 1 || c.MaxLuns > scsi.IdentifyLunMask+1:
		return errors.Wrapf(ErrInvalidRequest, "%d luns", c.MaxLuns)
	case c.PoolMax < 1 || c.PoolInitial < 0 || c.PoolInitial > c.PoolMax:
		return errors.Wrapf(ErrInvalidRequest, "pool %d/%d", c.PoolInitial, c.PoolMax)
	case c.MaxSGEntries < 1:
		return errors.Wrapf(ErrInvalidRequest, "%d scatter-gather entries", c.MaxSGEntries)
	case c.MaxTagsPerTarget < 1 || c.MaxTagsPerTarget > maxTags:
		return errors.Wrapf(ErrInvalidRequest, "%d tags per target", c.MaxTagsPerTarget)
	case c.MaxSyncOffset > 0 && c.MinSyncPeriod > c.MaxSyncPeriod:
		return errors.Wrapf(ErrInvalidRequest, "sync period %d..%d", c.MinSyncPeriod, c.MaxSyncPeriod)
	case c.CommandTimeout <= 0 || c.AbortTimeout <= 0 || c.DeviceResetTimeout <= 0 || c.SweepInterval <= 0:
		return errors.Wrap(ErrInvalidRequest, "timeouts must be positive")
	case c.MaxResetAttempts < 1 || c.MaxRetries < 0 || c.RenegotiateAfter < 0:
		return errors.Wrap(ErrInvalidRequest, "negative retry bound")
	}
	return nil
}
