package ports

import (
	"context"
	"time"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

// Driver is the vendor-side entry point. One Driver per series adapter;
// the acquisition core never sees SDK types.
type Driver interface {
	// Enumerate lists attached units without opening them.
	Enumerate() ([]domain.Descriptor, error)
	// Open claims a unit by serial; empty serial opens the first unit.
	Open(ctx context.Context, serial string) (Unit, error)
}

// ChannelSetting is the wire-ready form of a channel write.
type ChannelSetting struct {
	Channel  int
	Enabled  bool
	Coupling domain.Coupling
	Range    float64
	Offset   float64
}

// TriggerSetting is the wire-ready form of a trigger write. ThresholdADC is
// raw counts; AutoTimeout zero disables the auto-trigger fallback.
type TriggerSetting struct {
	Enabled      bool
	Source       int
	ThresholdADC int
	Direction    domain.TriggerDirection
	AutoTimeout  time.Duration
}

// BlockResult carries one finished block capture in raw counts.
type BlockResult struct {
	// Raw holds counts per enabled channel.
	Raw map[int][]int16
	// TriggerIndex is the trigger sample position, -1 if untriggered.
	TriggerIndex int
	// AutoTriggered reports that the auto-trigger fallback fired.
	AutoTriggered bool
	// ActualInterval is the achieved sample interval, which may be coarser
	// than requested when the timebase rounds up.
	ActualInterval time.Duration
}

// StreamBatch is one asynchronous delivery from the device during
// streaming. Raw is counts per enabled channel; all slices share a length.
type StreamBatch struct {
	Raw map[int][]int16
}

// Unit is an open device handle. Implementations serialize their own
// command channel; the CaptureController additionally serializes calls
// behind its state machine so configuration never races a live capture.
type Unit interface {
	Info() domain.Descriptor

	SetChannel(s ChannelSetting) error
	SetTrigger(s TriggerSetting) error

	// RunBlock arms, waits for completion or ctx cancellation, and returns
	// the raw capture. Cancellation must abort the pending command.
	RunBlock(ctx context.Context, req domain.CaptureRequest) (*BlockResult, error)

	// RunStreaming begins continuous acquisition at the given interval.
	// deliver is invoked from the driver's producer context for every batch
	// and must not call back into the acquisition core's public API.
	RunStreaming(interval time.Duration, deliver func(StreamBatch)) error

	// Stop aborts any in-flight block or streaming acquisition.
	Stop() error

	// SetSignalGenerator configures the AWG output; ErrConfiguration when
	// the unit has none.
	SetSignalGenerator(cfg domain.SignalGenConfig) error
	StopSignalGenerator() error

	Close() error
}
