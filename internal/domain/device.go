package domain

// ConnectionState tracks the registry's single-device lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Capabilities describes what a given scope series can do. The acquisition
// core branches on these fields instead of on model families.
type Capabilities struct {
	ChannelCount    int       `json:"channel_count" yaml:"channel_count"`
	MaxSampleRateHz float64   `json:"max_sample_rate_hz" yaml:"max_sample_rate_hz"`
	ResolutionBits  []int     `json:"resolution_bits" yaml:"resolution_bits"`
	VoltageRanges   []float64 `json:"voltage_ranges" yaml:"voltage_ranges"`
	MaxBufferSize   int       `json:"max_buffer_size" yaml:"max_buffer_size"`
	HasAWG          bool      `json:"has_awg" yaml:"has_awg"`
	HasETS          bool      `json:"has_ets" yaml:"has_ets"`
}

// SupportsRange reports whether volts is one of the series' selectable
// full-scale ranges.
func (c Capabilities) SupportsRange(volts float64) bool {
	for _, r := range c.VoltageRanges {
		if r == volts {
			return true
		}
	}
	return false
}

// MaxADCCount returns the full-scale raw count for the series' highest
// resolution. Resolution 0 entries are ignored.
func (c Capabilities) MaxADCCount() int {
	bits := 0
	for _, b := range c.ResolutionBits {
		if b > bits {
			bits = b
		}
	}
	if bits <= 0 {
		return 0
	}
	return 1<<(bits-1) - 1
}

// Descriptor identifies one enumerable device.
type Descriptor struct {
	Serial       string       `json:"serial" yaml:"serial"`
	Model        string       `json:"model" yaml:"model"`
	Capabilities Capabilities `json:"capabilities" yaml:"capabilities"`
}

// Device is a connected instrument as seen by the registry.
type Device struct {
	Descriptor Descriptor
	State      ConnectionState
	// Generation increments on every successful connect so dependent
	// configuration can detect that it was bound to an earlier session.
	Generation uint64
}
