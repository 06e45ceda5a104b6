package picodaq

import (
	base "github.com/markuskreitzer/picodaq/pkg/picodaq"

	"github.com/markuskreitzer/picodaq/internal/app/acquire"
	"github.com/markuskreitzer/picodaq/internal/app/config"
	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
	"github.com/markuskreitzer/picodaq/internal/signal"
)

// Type aliases so consumers can import github.com/markuskreitzer/picodaq
// directly.
type (
	Service          = base.Service
	Option           = base.Option
	Device           = domain.Device
	Descriptor       = domain.Descriptor
	Capabilities     = domain.Capabilities
	ChannelConfig    = domain.ChannelConfig
	TriggerConfig    = domain.TriggerConfig
	CaptureRequest   = domain.CaptureRequest
	Waveform         = domain.Waveform
	StreamChunk      = domain.StreamChunk
	StreamSummary    = domain.StreamSummary
	SignalGenConfig  = domain.SignalGenConfig
	Coupling         = domain.Coupling
	TriggerDirection = domain.TriggerDirection
	WaveShape        = domain.WaveShape
	ErrorKind        = domain.Kind
	Error            = domain.Error
	Driver           = ports.Driver
	Unit             = ports.Unit
	Exporter         = ports.Exporter
	Observability    = ports.Observability
	AutoStop         = acquire.AutoStop
	CaptureOptions   = acquire.Options
	Window           = signal.Window
	SpectrumBin      = signal.Bin
	Stats            = signal.Stats
)

// Enum re-exports.
const (
	CouplingAC = domain.CouplingAC
	CouplingDC = domain.CouplingDC

	Rising  = domain.Rising
	Falling = domain.Falling
	Either  = domain.Either

	ShapeSine     = domain.ShapeSine
	ShapeSquare   = domain.ShapeSquare
	ShapeTriangle = domain.ShapeTriangle
	ShapeRamp     = domain.ShapeRamp
	ShapeDC       = domain.ShapeDC

	WindowRectangular = signal.WindowRectangular
	WindowHann        = signal.WindowHann
	WindowHamming     = signal.WindowHamming
	WindowBlackman    = signal.WindowBlackman
)

// Error sentinels for errors.Is matching by kind.
var (
	ErrNotFound         = domain.ErrNotFound
	ErrAlreadyConnected = domain.ErrAlreadyConnected
	ErrPowerSource      = domain.ErrPowerSource
	ErrConfiguration    = domain.ErrConfiguration
	ErrBusy             = domain.ErrBusy
	ErrCaptureTimeout   = domain.ErrCaptureTimeout
	ErrBufferOverflow   = domain.ErrBufferOverflow
	ErrConversion       = domain.ErrConversion
	ErrMeasurement      = domain.ErrMeasurement
	ErrDriver           = domain.ErrDriver
)

// New builds a Service; see pkg/picodaq for options.
func New(opts ...Option) *Service {
	return base.New(opts...)
}

// WithDriver swaps the hardware driver used to enumerate and open units.
func WithDriver(d Driver) Option {
	return base.WithDriver(d)
}

// WithObservability swaps the logging and metrics sink.
func WithObservability(obs Observability) Option {
	return base.WithObservability(obs)
}

// WithExporter registers an additional waveform exporter.
func WithExporter(e Exporter) Option {
	return base.WithExporter(e)
}

// WithCaptureOptions tunes block-capture timeout derivation.
func WithCaptureOptions(opts CaptureOptions) Option {
	return base.WithCaptureOptions(opts)
}

// WithCapabilityCache enables on-disk caching of device capabilities.
func WithCapabilityCache(c *config.CapabilityCache) Option {
	return base.WithCapabilityCache(c)
}

// StopAfter builds an auto-stop predicate that fires once n frames have
// been streamed.
func StopAfter(n uint64) AutoStop { return acquire.StopAfter(n) }

// LoadConfig reads the YAML process configuration.
func LoadConfig(path string) (*config.Config, error) { return config.Load(path) }
