// Package picodaq is the public surface of the acquisition core. A Service
// wires the device registry, configuration stores, capture controller, and
// exporters behind one handle that an outer tool layer can call directly.
package picodaq

import (
	"context"
	"sync"
	"time"

	"github.com/markuskreitzer/picodaq/internal/adapters/export"
	"github.com/markuskreitzer/picodaq/internal/adapters/observability"
	"github.com/markuskreitzer/picodaq/internal/adapters/simdrv"
	"github.com/markuskreitzer/picodaq/internal/app/acquire"
	"github.com/markuskreitzer/picodaq/internal/app/config"
	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
	"github.com/markuskreitzer/picodaq/internal/signal"
)

// Option customizes the dependencies used by a Service.
type Option func(*overrides)

type overrides struct {
	driver    ports.Driver
	obs       ports.Observability
	exporters []ports.Exporter
	capture   acquire.Options
	cache     *config.CapabilityCache
}

// WithDriver injects a hardware driver (vendor adapter, gateway, simulator).
func WithDriver(d ports.Driver) Option {
	return func(o *overrides) { o.driver = d }
}

// WithObservability plugs in a metrics/logging backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.obs = obs }
}

// WithExporter registers an additional waveform exporter by its format.
func WithExporter(e ports.Exporter) Option {
	return func(o *overrides) { o.exporters = append(o.exporters, e) }
}

// WithCaptureOptions tunes block-capture timeout derivation.
func WithCaptureOptions(opts acquire.Options) Option {
	return func(o *overrides) { o.capture = opts }
}

// WithCapabilityCache enables the on-disk capability-descriptor cache.
func WithCapabilityCache(c *config.CapabilityCache) Option {
	return func(o *overrides) { o.cache = c }
}

// Service exposes every acquisition and measurement operation. Defaults:
// simulated driver, no-op observability, CSV and JSON exporters.
type Service struct {
	registry   *acquire.DeviceRegistry
	channels   *acquire.ChannelConfigStore
	trigger    *acquire.TriggerEngine
	controller *acquire.CaptureController
	obs        ports.Observability
	exporters  map[string]ports.Exporter
	cache      *config.CapabilityCache

	mu   sync.Mutex
	last *domain.Waveform
}

func New(opts ...Option) *Service {
	var o overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.driver == nil {
		o.driver = simdrv.NewDriver()
	}
	if o.obs == nil {
		o.obs = observability.Nop{}
	}

	registry := acquire.NewDeviceRegistry(o.driver, o.obs)
	channels := acquire.NewChannelConfigStore(registry)
	trigger := acquire.NewTriggerEngine(registry, channels)
	controller := acquire.NewCaptureController(registry, channels, trigger, o.obs, o.capture)

	s := &Service{
		registry:   registry,
		channels:   channels,
		trigger:    trigger,
		controller: controller,
		obs:        o.obs,
		exporters:  make(map[string]ports.Exporter),
		cache:      o.cache,
	}
	s.registerExporters(o.exporters)
	return s
}

func (s *Service) registerExporters(extra []ports.Exporter) {
	defaults := []ports.Exporter{export.CSVExporter{}, export.JSONExporter{}}
	for _, exp := range append(defaults, extra...) {
		s.exporters[exp.Format()] = exp
	}
}

// Discover enumerates attached devices and refreshes the capability cache.
func (s *Service) Discover() ([]domain.Descriptor, error) {
	descs, err := s.registry.Discover()
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		for _, d := range descs {
			if err := s.cache.Store(d.Model, d.Capabilities); err != nil {
				s.obs.LogError("capability_cache_store_failed", err,
					ports.Field{Key: "model", Value: d.Model})
			}
		}
	}
	return descs, nil
}

// DescribeModel returns cached capabilities for a model without touching
// hardware. ok is false when the model was never discovered.
func (s *Service) DescribeModel(model string) (domain.Capabilities, bool, error) {
	if s.cache == nil {
		return domain.Capabilities{}, false, domain.E(domain.KindConfiguration,
			"picodaq.DescribeModel", "no capability cache configured")
	}
	return s.cache.Load(model)
}

// Connect opens a device; empty serial means the first one found.
func (s *Service) Connect(ctx context.Context, serial string) (domain.Device, error) {
	return s.registry.Connect(ctx, serial)
}

// Disconnect aborts any in-flight capture, releases the device, and drops
// all dependent configuration. Idempotent.
func (s *Service) Disconnect() {
	s.controller.Abort()
	s.registry.Disconnect()
	s.channels.Reset()
	s.trigger.Reset()
}

// DeviceInfo returns the current device snapshot.
func (s *Service) DeviceInfo() domain.Device {
	return s.registry.Device()
}

// ConfigureChannel validates and stores a channel setup.
func (s *Service) ConfigureChannel(cfg domain.ChannelConfig) (domain.ChannelConfig, error) {
	return s.channels.Set(cfg)
}

// ChannelConfig fetches a previously stored channel setup.
func (s *Service) ChannelConfig(channel int) (domain.ChannelConfig, error) {
	return s.channels.Get(channel)
}

// SetSimpleTrigger validates and stores an edge trigger.
func (s *Service) SetSimpleTrigger(source int, threshold float64, direction domain.TriggerDirection, autoTimeout time.Duration) (domain.TriggerConfig, error) {
	return s.trigger.SetSimple(source, threshold, direction, autoTimeout)
}

// CaptureBlock runs one block acquisition. The returned waveform is also
// retained as the measurement and export target.
func (s *Service) CaptureBlock(ctx context.Context, req domain.CaptureRequest) (*domain.Waveform, error) {
	wf, err := s.controller.CaptureBlock(ctx, req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = wf
	s.mu.Unlock()
	return wf, nil
}

// CancelCapture aborts an in-flight block capture.
func (s *Service) CancelCapture() {
	s.controller.Cancel()
}

// StartStreaming begins continuous acquisition into a ring of bufferSize
// frames. autoStop may be nil for open-ended sessions; see
// acquire.StopAfter.
func (s *Service) StartStreaming(interval time.Duration, bufferSize int, autoStop acquire.AutoStop) error {
	return s.controller.StartStreaming(interval, bufferSize, autoStop)
}

// GetStreamingData drains up to max frames without blocking.
func (s *Service) GetStreamingData(max int) (*domain.StreamChunk, error) {
	return s.controller.GetStreamingData(max)
}

// StopStreaming halts the session and returns its summary.
func (s *Service) StopStreaming() (domain.StreamSummary, error) {
	return s.controller.StopStreaming()
}

// FinishStreaming releases a stopped session, returning the controller to
// idle.
func (s *Service) FinishStreaming() {
	s.controller.Finish()
}

// lastChannel fetches one channel of the retained waveform.
func (s *Service) lastChannel(channel int) ([]float64, time.Duration, error) {
	s.mu.Lock()
	wf := s.last
	s.mu.Unlock()
	if wf == nil {
		return nil, 0, domain.E(domain.KindNotFound, "picodaq.lastChannel", "no completed capture; run capture_block first")
	}
	trace, ok := wf.Channel(channel)
	if !ok {
		return nil, 0, domain.E(domain.KindNotFound, "picodaq.lastChannel", "channel %d not in last capture", channel)
	}
	return trace, wf.SampleInterval, nil
}

// MeasureFrequency estimates the dominant frequency on a channel of the
// last capture.
func (s *Service) MeasureFrequency(channel int) (float64, error) {
	trace, interval, err := s.lastChannel(channel)
	if err != nil {
		return 0, err
	}
	return signal.Frequency(trace, interval)
}

// MeasurePeakToPeak returns max-min volts.
func (s *Service) MeasurePeakToPeak(channel int) (float64, error) {
	trace, _, err := s.lastChannel(channel)
	if err != nil {
		return 0, err
	}
	return signal.PeakToPeak(trace)
}

// MeasureRMS returns the root-mean-square voltage.
func (s *Service) MeasureRMS(channel int) (float64, error) {
	trace, _, err := s.lastChannel(channel)
	if err != nil {
		return 0, err
	}
	return signal.RMS(trace)
}

// MeasureRiseTime measures low→high threshold crossing time on a rising
// edge; fractions default to 10%/90% when zero.
func (s *Service) MeasureRiseTime(channel int, lowFrac, highFrac float64) (time.Duration, error) {
	trace, interval, err := s.lastChannel(channel)
	if err != nil {
		return 0, err
	}
	return signal.RiseTime(trace, interval, lowFrac, highFrac)
}

// MeasurePulseWidth measures the spacing of opposite-direction crossings
// of threshold volts.
func (s *Service) MeasurePulseWidth(channel int, threshold float64) (time.Duration, error) {
	trace, interval, err := s.lastChannel(channel)
	if err != nil {
		return 0, err
	}
	return signal.PulseWidth(trace, interval, threshold)
}

// ComputeFFT returns the single-sided magnitude spectrum up to Nyquist.
func (s *Service) ComputeFFT(channel int, window signal.Window) ([]signal.Bin, error) {
	trace, interval, err := s.lastChannel(channel)
	if err != nil {
		return nil, err
	}
	return signal.Spectrum(trace, interval, window)
}

// MeasureTHD returns total harmonic distortion as a percentage.
func (s *Service) MeasureTHD(channel int, window signal.Window) (float64, error) {
	trace, interval, err := s.lastChannel(channel)
	if err != nil {
		return 0, err
	}
	return signal.THD(trace, interval, window)
}

// Statistics returns min/max/mean/stddev of the channel trace.
func (s *Service) Statistics(channel int) (signal.Stats, error) {
	trace, _, err := s.lastChannel(channel)
	if err != nil {
		return signal.Stats{}, err
	}
	return signal.Statistics(trace)
}

// ExportWaveform serializes the last capture with the named exporter.
func (s *Service) ExportWaveform(format string, channels []int, destination string) error {
	s.mu.Lock()
	wf := s.last
	s.mu.Unlock()
	if wf == nil {
		return domain.E(domain.KindNotFound, "picodaq.ExportWaveform", "no completed capture to export")
	}
	exp, ok := s.exporters[format]
	if !ok {
		return domain.E(domain.KindConfiguration, "picodaq.ExportWaveform", "no exporter for format %q", format)
	}
	if err := exp.Export(wf, channels, destination); err != nil {
		return err
	}
	s.obs.IncCounter(ports.MetricExportsTotal, 1)
	s.obs.LogInfo("waveform_exported",
		ports.Field{Key: "format", Value: format},
		ports.Field{Key: "destination", Value: destination})
	return nil
}

// SetSignalGenerator configures the device AWG, when present.
func (s *Service) SetSignalGenerator(cfg domain.SignalGenConfig) error {
	unit, _, err := s.registry.Unit()
	if err != nil {
		return err
	}
	caps, _, err := s.registry.Capabilities()
	if err != nil {
		return err
	}
	if !caps.HasAWG {
		return domain.E(domain.KindConfiguration, "picodaq.SetSignalGenerator", "device has no signal generator")
	}
	return unit.SetSignalGenerator(cfg)
}

// StopSignalGenerator silences the AWG output.
func (s *Service) StopSignalGenerator() error {
	unit, _, err := s.registry.Unit()
	if err != nil {
		return err
	}
	return unit.StopSignalGenerator()
}

// CaptureState reports the controller state, for diagnostics.
func (s *Service) CaptureState() string {
	return s.controller.State()
}
