// Package simdrv is a software implementation of the hardware capability
// interface. It synthesizes waveforms from its signal-generator state, so
// the acquisition core can be exercised end to end without an instrument.
package simdrv

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

// DefaultDescriptor mimics a 4-channel mid-range unit.
func DefaultDescriptor() domain.Descriptor {
	return domain.Descriptor{
		Serial: "SIM0001",
		Model:  "SIM4000",
		Capabilities: domain.Capabilities{
			ChannelCount:    4,
			MaxSampleRateHz: 1e9,
			ResolutionBits:  []int{8, 12, 14, 15, 16},
			VoltageRanges:   []float64{0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 20},
			MaxBufferSize:   512 * 1024,
			HasAWG:          true,
			HasETS:          false,
		},
	}
}

// Driver enumerates and opens simulated units.
type Driver struct {
	Descriptors []domain.Descriptor
	// OpenErr, when set, is returned from Open. Lets tests exercise
	// power-source and driver failures.
	OpenErr error

	mu   sync.Mutex
	open map[string]bool
}

func NewDriver(descs ...domain.Descriptor) *Driver {
	if len(descs) == 0 {
		descs = []domain.Descriptor{DefaultDescriptor()}
	}
	return &Driver{Descriptors: descs, open: make(map[string]bool)}
}

func (d *Driver) Enumerate() ([]domain.Descriptor, error) {
	out := make([]domain.Descriptor, len(d.Descriptors))
	copy(out, d.Descriptors)
	return out, nil
}

func (d *Driver) Open(_ context.Context, serial string) (ports.Unit, error) {
	const op = "simdrv.Open"
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}

	var desc *domain.Descriptor
	for i := range d.Descriptors {
		if serial == "" || d.Descriptors[i].Serial == serial {
			desc = &d.Descriptors[i]
			break
		}
	}
	if desc == nil {
		return nil, domain.E(domain.KindNotFound, op, "no unit with serial %q", serial)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[desc.Serial] {
		return nil, domain.E(domain.KindDriver, op, "unit %s already open", desc.Serial)
	}
	d.open[desc.Serial] = true

	return &Unit{
		driver:        d,
		desc:          *desc,
		channels:      make(map[int]ports.ChannelSetting),
		gen:           domain.SignalGenConfig{Waveform: domain.ShapeSine, FrequencyHz: 1000, Amplitude: 2},
		genOn:         true,
		BatchInterval: time.Millisecond,
		BatchFrames:   256,
	}, nil
}

func (d *Driver) release(serial string) {
	d.mu.Lock()
	delete(d.open, serial)
	d.mu.Unlock()
}

// Unit is one open simulated instrument.
type Unit struct {
	driver *Driver
	desc   domain.Descriptor

	// BlockDelay artificially slows RunBlock so tests can hit deadlines.
	BlockDelay time.Duration
	// BlockErr, when set, fails RunBlock after arming.
	BlockErr error
	// BatchInterval and BatchFrames pace streaming deliveries.
	BatchInterval time.Duration
	BatchFrames   int

	mu       sync.Mutex
	closed   bool
	channels map[int]ports.ChannelSetting
	trigger  ports.TriggerSetting
	gen      domain.SignalGenConfig
	genOn    bool

	streamStop chan struct{}
	streamWG   sync.WaitGroup
}

func (u *Unit) Info() domain.Descriptor { return u.desc }

func (u *Unit) SetChannel(s ports.ChannelSetting) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return domain.E(domain.KindDriver, "simdrv.SetChannel", "unit closed")
	}
	if s.Channel < 0 || s.Channel >= u.desc.Capabilities.ChannelCount {
		return domain.E(domain.KindDriver, "simdrv.SetChannel", "channel %d out of range", s.Channel)
	}
	u.channels[s.Channel] = s
	return nil
}

func (u *Unit) SetTrigger(s ports.TriggerSetting) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return domain.E(domain.KindDriver, "simdrv.SetTrigger", "unit closed")
	}
	u.trigger = s
	return nil
}

// sampleVolts evaluates the generator output at time t seconds. The phase
// is chosen so a rising mid-level crossing lands at t=0, which puts the
// trigger point exactly at the pre-trigger boundary of a block.
func (u *Unit) sampleVolts(t float64) float64 {
	g := u.gen
	if !u.genOn {
		return 0
	}
	a := g.Amplitude / 2
	switch g.Waveform {
	case domain.ShapeDC:
		return g.Offset
	case domain.ShapeSquare:
		if math.Sin(2*math.Pi*g.FrequencyHz*t) >= 0 {
			return g.Offset + a
		}
		return g.Offset - a
	case domain.ShapeTriangle:
		phase := math.Mod(g.FrequencyHz*t+0.75, 1)
		if phase < 0 {
			phase += 1
		}
		return g.Offset + a*(4*math.Abs(phase-0.5)-1)
	case domain.ShapeRamp:
		phase := math.Mod(g.FrequencyHz*t+0.5, 1)
		if phase < 0 {
			phase += 1
		}
		return g.Offset + a*(2*phase-1)
	default: // sine
		return g.Offset + a*math.Sin(2*math.Pi*g.FrequencyHz*t)
	}
}

func (u *Unit) toRaw(volts float64, ch int) int16 {
	cfg, ok := u.channels[ch]
	if !ok || cfg.Range <= 0 {
		return 0
	}
	maxADC := float64(u.desc.Capabilities.MaxADCCount())
	raw := math.Round((volts + cfg.Offset) / cfg.Range * maxADC)
	if raw > math.MaxInt16 {
		raw = math.MaxInt16
	}
	if raw < math.MinInt16 {
		raw = math.MinInt16
	}
	return int16(raw)
}

func (u *Unit) enabledChannels() []int {
	var out []int
	for ch := 0; ch < u.desc.Capabilities.ChannelCount; ch++ {
		if cfg, ok := u.channels[ch]; ok && cfg.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

func (u *Unit) RunBlock(ctx context.Context, req domain.CaptureRequest) (*ports.BlockResult, error) {
	const op = "simdrv.RunBlock"

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, domain.E(domain.KindDriver, op, "unit closed")
	}
	trig := u.trigger
	delay := u.BlockDelay
	blockErr := u.BlockErr
	shape := u.gen.Waveform
	enabled := u.enabledChannels()
	u.mu.Unlock()

	if blockErr != nil {
		return nil, blockErr
	}

	// A DC input never produces a qualifying edge: wait for the
	// auto-trigger fallback, or forever when it is disabled.
	autoTriggered := false
	if trig.Enabled && shape == domain.ShapeDC {
		if trig.AutoTimeout <= 0 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(trig.AutoTimeout):
			autoTriggered = true
		}
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := req.TotalSamples()
	actual := req.SampleInterval
	// requests below the device's fastest timebase round up to it
	if min := time.Duration(float64(time.Second) / u.desc.Capabilities.MaxSampleRateHz); actual < min {
		actual = min
	}
	interval := actual.Seconds()
	res := &ports.BlockResult{
		Raw:            make(map[int][]int16, len(enabled)),
		TriggerIndex:   -1,
		AutoTriggered:  autoTriggered,
		ActualInterval: actual,
	}
	if trig.Enabled {
		res.TriggerIndex = req.PreTriggerSamples
	}

	u.mu.Lock()
	for _, ch := range enabled {
		buf := make([]int16, total)
		for i := 0; i < total; i++ {
			t := float64(i-req.PreTriggerSamples) * interval
			buf[i] = u.toRaw(u.sampleVolts(t), ch)
		}
		res.Raw[ch] = buf
	}
	u.mu.Unlock()
	return res, nil
}

func (u *Unit) RunStreaming(interval time.Duration, deliver func(ports.StreamBatch)) error {
	const op = "simdrv.RunStreaming"

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return domain.E(domain.KindDriver, op, "unit closed")
	}
	if u.streamStop != nil {
		u.mu.Unlock()
		return domain.E(domain.KindDriver, op, "streaming already running")
	}
	enabled := u.enabledChannels()
	if len(enabled) == 0 {
		u.mu.Unlock()
		return domain.E(domain.KindDriver, op, "no enabled channels")
	}
	stop := make(chan struct{})
	u.streamStop = stop
	batchEvery := u.BatchInterval
	frames := u.BatchFrames
	u.mu.Unlock()

	u.streamWG.Add(1)
	go func() {
		defer u.streamWG.Done()
		ticker := time.NewTicker(batchEvery)
		defer ticker.Stop()

		var n uint64
		dt := interval.Seconds()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				batch := ports.StreamBatch{Raw: make(map[int][]int16, len(enabled))}
				u.mu.Lock()
				for _, ch := range enabled {
					buf := make([]int16, frames)
					for i := 0; i < frames; i++ {
						t := float64(n+uint64(i)) * dt
						buf[i] = u.toRaw(u.sampleVolts(t), ch)
					}
					batch.Raw[ch] = buf
				}
				u.mu.Unlock()
				n += uint64(frames)
				deliver(batch)
			}
		}
	}()
	return nil
}

func (u *Unit) Stop() error {
	u.mu.Lock()
	stop := u.streamStop
	u.streamStop = nil
	u.mu.Unlock()
	if stop != nil {
		close(stop)
		u.streamWG.Wait()
	}
	return nil
}

func (u *Unit) SetSignalGenerator(cfg domain.SignalGenConfig) error {
	const op = "simdrv.SetSignalGenerator"
	if !u.desc.Capabilities.HasAWG {
		return domain.E(domain.KindConfiguration, op, "unit has no signal generator")
	}
	if cfg.FrequencyHz < 0 {
		return domain.E(domain.KindConfiguration, op, "frequency must be >= 0")
	}
	switch cfg.Waveform {
	case domain.ShapeSine, domain.ShapeSquare, domain.ShapeTriangle, domain.ShapeRamp, domain.ShapeDC:
	default:
		return domain.E(domain.KindConfiguration, op, "unknown waveform %q", cfg.Waveform)
	}
	u.mu.Lock()
	u.gen = cfg
	u.genOn = true
	u.mu.Unlock()
	return nil
}

func (u *Unit) StopSignalGenerator() error {
	u.mu.Lock()
	u.genOn = false
	u.mu.Unlock()
	return nil
}

func (u *Unit) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()
	_ = u.Stop()
	u.driver.release(u.desc.Serial)
	return nil
}

var (
	_ ports.Driver = (*Driver)(nil)
	_ ports.Unit   = (*Unit)(nil)
)
