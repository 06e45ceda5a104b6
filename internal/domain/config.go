package domain

import "time"

// Coupling selects the channel input coupling.
type Coupling string

const (
	CouplingAC Coupling = "AC"
	CouplingDC Coupling = "DC"
)

// TriggerDirection selects which edge qualifies a trigger.
type TriggerDirection string

const (
	Rising  TriggerDirection = "rising"
	Falling TriggerDirection = "falling"
	Either  TriggerDirection = "either"
)

// ChannelConfig is a validated per-channel setup. Channel indexes are
// zero-based ("A" = 0). Range and Offset are volts.
type ChannelConfig struct {
	Channel     int      `json:"channel"`
	Enabled     bool     `json:"enabled"`
	Coupling    Coupling `json:"coupling"`
	Range       float64  `json:"range"`
	Offset      float64  `json:"offset"`
	Attenuation float64  `json:"attenuation"`
}

// TriggerConfig is a validated simple edge trigger. Threshold is volts.
// AutoTimeout zero means wait forever.
type TriggerConfig struct {
	Source      int              `json:"source"`
	Threshold   float64          `json:"threshold"`
	Direction   TriggerDirection `json:"direction"`
	AutoTimeout time.Duration    `json:"auto_timeout"`
}

// CaptureRequest describes one block acquisition.
type CaptureRequest struct {
	PreTriggerSamples  int           `json:"pre_trigger_samples"`
	PostTriggerSamples int           `json:"post_trigger_samples"`
	SampleInterval     time.Duration `json:"sample_interval"`
}

// TotalSamples is the buffer footprint of the request.
func (r CaptureRequest) TotalSamples() int {
	return r.PreTriggerSamples + r.PostTriggerSamples
}

// ExpectedDuration is the wall time the capture window spans at the
// requested interval.
func (r CaptureRequest) ExpectedDuration() time.Duration {
	return time.Duration(r.TotalSamples()) * r.SampleInterval
}

// SignalGenConfig drives the built-in AWG on devices that have one.
// Amplitude is peak-to-peak volts.
type SignalGenConfig struct {
	Waveform    WaveShape `json:"waveform"`
	FrequencyHz float64   `json:"frequency_hz"`
	Amplitude   float64   `json:"amplitude"`
	Offset      float64   `json:"offset"`
}

// WaveShape enumerates the generator's output shapes.
type WaveShape string

const (
	ShapeSine     WaveShape = "sine"
	ShapeSquare   WaveShape = "square"
	ShapeTriangle WaveShape = "triangle"
	ShapeRamp     WaveShape = "ramp"
	ShapeDC       WaveShape = "dc"
)
