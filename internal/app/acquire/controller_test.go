package acquire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markuskreitzer/picodaq/internal/adapters/observability"
	"github.com/markuskreitzer/picodaq/internal/adapters/simdrv"
	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

func newCaptureRig(t *testing.T) (*DeviceRegistry, *ChannelConfigStore, *TriggerEngine, *CaptureController) {
	t.Helper()
	drv := simdrv.NewDriver()
	reg := NewDeviceRegistry(drv, observability.Nop{})
	if _, err := reg.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	store := NewChannelConfigStore(reg)
	trg := NewTriggerEngine(reg, store)
	ctl := NewCaptureController(reg, store, trg, observability.Nop{}, Options{})
	return reg, store, trg, ctl
}

func enableChannel(t *testing.T, store *ChannelConfigStore, ch int) {
	t.Helper()
	_, err := store.Set(domain.ChannelConfig{Channel: ch, Enabled: true, Coupling: domain.CouplingDC, Range: 5})
	if err != nil {
		t.Fatalf("Set channel %d: %v", ch, err)
	}
}

func simUnit(t *testing.T, reg *DeviceRegistry) *simdrv.Unit {
	t.Helper()
	unit, _, err := reg.Unit()
	if err != nil {
		t.Fatalf("Unit: %v", err)
	}
	return unit.(*simdrv.Unit)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCaptureBlockEndToEnd(t *testing.T) {
	reg, store, trg, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)
	if _, err := trg.SetSimple(0, 0, domain.Rising, 0); err != nil {
		t.Fatalf("SetSimple: %v", err)
	}

	req := domain.CaptureRequest{
		PreTriggerSamples:  100,
		PostTriggerSamples: 900,
		SampleInterval:     time.Microsecond,
	}
	wf, err := ctl.CaptureBlock(context.Background(), req)
	if err != nil {
		t.Fatalf("CaptureBlock: %v", err)
	}

	if wf.NumSamples() != 1000 {
		t.Fatalf("expected 1000 samples, got %d", wf.NumSamples())
	}
	if wf.TriggerIndex != 100 {
		t.Fatalf("expected trigger index 100, got %d", wf.TriggerIndex)
	}
	if wf.AutoTriggered {
		t.Fatalf("hardware trigger should not report auto-trigger")
	}
	samples, ok := wf.Channel(0)
	if !ok {
		t.Fatalf("channel 0 missing from waveform")
	}
	// the simulator places a rising zero crossing at the trigger point
	if v := samples[wf.TriggerIndex]; v < -0.01 || v > 0.01 {
		t.Fatalf("expected ~0V at trigger index, got %g", v)
	}
	for i, v := range samples {
		if v < -1.01 || v > 1.01 {
			t.Fatalf("sample %d outside generator amplitude: %g", i, v)
		}
	}
	if ctl.State() != "idle" {
		t.Fatalf("expected idle after capture, got %s", ctl.State())
	}
	if reg.Device().State != domain.Connected {
		t.Fatalf("device should remain connected")
	}
}

func TestCaptureBlockAutoTrigger(t *testing.T) {
	reg, store, trg, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)

	// a DC input never crosses the threshold; the auto-trigger fires instead
	if err := simUnit(t, reg).SetSignalGenerator(domain.SignalGenConfig{Waveform: domain.ShapeDC, Offset: 1}); err != nil {
		t.Fatalf("SetSignalGenerator: %v", err)
	}
	if _, err := trg.SetSimple(0, 2, domain.Rising, 20*time.Millisecond); err != nil {
		t.Fatalf("SetSimple: %v", err)
	}

	wf, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
		PostTriggerSamples: 100,
		SampleInterval:     time.Microsecond,
	})
	if err != nil {
		t.Fatalf("CaptureBlock: %v", err)
	}
	if !wf.AutoTriggered {
		t.Fatalf("expected auto-triggered waveform")
	}
}

func TestCaptureBlockTimeout(t *testing.T) {
	reg, store, trg, _ := newCaptureRig(t)
	enableChannel(t, store, 0)

	if err := simUnit(t, reg).SetSignalGenerator(domain.SignalGenConfig{Waveform: domain.ShapeDC}); err != nil {
		t.Fatalf("SetSignalGenerator: %v", err)
	}
	if _, err := trg.SetSimple(0, 1, domain.Rising, 0); err != nil {
		t.Fatalf("SetSimple: %v", err)
	}

	ctl := NewCaptureController(reg, store, trg, observability.Nop{}, Options{TimeoutFloor: 50 * time.Millisecond})
	_, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
		PostTriggerSamples: 100,
		SampleInterval:     time.Microsecond,
	})
	if !errors.Is(err, domain.ErrCaptureTimeout) {
		t.Fatalf("expected capture timeout, got %v", err)
	}
	if ctl.State() != "idle" {
		t.Fatalf("expected idle after timeout, got %s", ctl.State())
	}
	if reg.Device().State != domain.Connected {
		t.Fatalf("a timeout should not disconnect the device")
	}
}

func TestCaptureBlockCancel(t *testing.T) {
	reg, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)
	simUnit(t, reg).BlockDelay = 2 * time.Second

	errCh := make(chan error, 1)
	go func() {
		_, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
			PostTriggerSamples: 100,
			SampleInterval:     time.Microsecond,
		})
		errCh <- err
	}()

	waitFor(t, time.Second, "capture to start", func() bool { return ctl.State() == "capturing" })
	ctl.Cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrDriver) {
			t.Fatalf("expected driver-kind error from cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("capture did not return after cancel")
	}
	if ctl.State() != "idle" {
		t.Fatalf("expected idle after cancel, got %s", ctl.State())
	}
}

func TestCaptureBlockDriverFailureDisconnects(t *testing.T) {
	reg, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)
	simUnit(t, reg).BlockErr = errors.New("usb transfer failed")

	_, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
		PostTriggerSamples: 100,
		SampleInterval:     time.Microsecond,
	})
	if !errors.Is(err, domain.ErrDriver) {
		t.Fatalf("expected driver error, got %v", err)
	}
	// the handle cannot be trusted after a mid-capture failure
	if reg.Device().State != domain.Disconnected {
		t.Fatalf("expected forced disconnect, got %v", reg.Device().State)
	}
}

// newCountingRig wires a connected controller around a countingUnit with
// channel 0 enabled.
func newCountingRig(t *testing.T, unit *countingUnit) (*DeviceRegistry, *CaptureController) {
	t.Helper()
	drv := &countingDriver{unit: unit}
	reg := NewDeviceRegistry(drv, observability.Nop{})
	if _, err := reg.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	store := NewChannelConfigStore(reg)
	trg := NewTriggerEngine(reg, store)
	ctl := NewCaptureController(reg, store, trg, observability.Nop{}, Options{})
	if _, err := store.Set(domain.ChannelConfig{Channel: 0, Enabled: true, Coupling: domain.CouplingDC, Range: 5}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	return reg, ctl
}

func TestCaptureBlockRejectedBeforeHardware(t *testing.T) {
	unit := &countingUnit{desc: smallDescriptor()}
	_, ctl := newCountingRig(t, unit)

	cases := []domain.CaptureRequest{
		{PreTriggerSamples: 600, PostTriggerSamples: 600, SampleInterval: time.Microsecond}, // exceeds buffer
		{SampleInterval: time.Microsecond},          // zero samples
		{PostTriggerSamples: 10, SampleInterval: 0}, // bad interval
	}
	for i, req := range cases {
		if _, err := ctl.CaptureBlock(context.Background(), req); !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("case %d: expected configuration error, got %v", i, err)
		}
	}
	if unit.setChannelCalls != 0 || unit.setTriggerCalls != 0 || unit.runBlockCalls != 0 {
		t.Fatalf("invalid requests must not reach hardware: %d channel writes, %d trigger writes, %d blocks",
			unit.setChannelCalls, unit.setTriggerCalls, unit.runBlockCalls)
	}
}

func TestCaptureBusyWinsOverValidation(t *testing.T) {
	_, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)

	if err := ctl.StartStreaming(time.Microsecond, 4096, nil); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	defer func() { _, _ = ctl.StopStreaming() }()

	// a malformed request during a live stream still reports the live
	// acquisition, not the request's own problems
	_, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
		PreTriggerSamples:  1 << 30,
		PostTriggerSamples: 1 << 30,
		SampleInterval:     0,
	})
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected busy error for capture during stream, got %v", err)
	}
}

func TestConfigurationDriverFailureDisconnects(t *testing.T) {
	unit := &countingUnit{desc: smallDescriptor(), setChannelErr: errors.New("usb write failed")}
	reg, ctl := newCountingRig(t, unit)

	_, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
		PostTriggerSamples: 100,
		SampleInterval:     time.Microsecond,
	})
	if !errors.Is(err, domain.ErrDriver) {
		t.Fatalf("expected driver error, got %v", err)
	}
	if reg.Device().State != domain.Disconnected {
		t.Fatalf("channel write failure must force a disconnect, got %v", reg.Device().State)
	}
	if ctl.State() != "idle" {
		t.Fatalf("expected idle after failed configuration, got %s", ctl.State())
	}
}

func TestStreamingStartDriverFailureDisconnects(t *testing.T) {
	unit := &countingUnit{desc: smallDescriptor(), runStreamingErr: errors.New("stream dma failed")}
	reg, ctl := newCountingRig(t, unit)

	err := ctl.StartStreaming(time.Microsecond, 64, nil)
	if !errors.Is(err, domain.ErrDriver) {
		t.Fatalf("expected driver error, got %v", err)
	}
	if reg.Device().State != domain.Disconnected {
		t.Fatalf("streaming start failure must force a disconnect, got %v", reg.Device().State)
	}
	if ctl.State() != "idle" {
		t.Fatalf("expected idle after failed streaming start, got %s", ctl.State())
	}
}

func TestCaptureBlockRequiresEnabledChannel(t *testing.T) {
	_, _, _, ctl := newCaptureRig(t)
	_, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
		PostTriggerSamples: 100,
		SampleInterval:     time.Microsecond,
	})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStreamingLifecycle(t *testing.T) {
	_, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)

	if err := ctl.StartStreaming(time.Microsecond, 4096, nil); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if ctl.State() != "streaming_active" {
		t.Fatalf("expected streaming_active, got %s", ctl.State())
	}

	// a block capture cannot interleave with a live stream
	if _, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
		PostTriggerSamples: 10, SampleInterval: time.Microsecond,
	}); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if err := ctl.StartStreaming(time.Microsecond, 16, nil); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected busy error on second stream, got %v", err)
	}

	var first *domain.StreamChunk
	waitFor(t, 2*time.Second, "first streamed frames", func() bool {
		chunk, err := ctl.GetStreamingData(0)
		if err != nil {
			t.Fatalf("GetStreamingData: %v", err)
		}
		if len(chunk.Frames) > 0 {
			first = chunk
			return true
		}
		return false
	})
	if first.FirstSeq != 1 {
		t.Fatalf("expected sequences to start at 1, got %d", first.FirstSeq)
	}
	if len(first.Channels) != 1 || first.Channels[0] != 0 {
		t.Fatalf("unexpected channel set: %v", first.Channels)
	}

	summary, err := ctl.StopStreaming()
	if err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	if summary.TotalSamples == 0 {
		t.Fatalf("expected frames to have been written")
	}
	if ctl.State() != "streaming_stopped" {
		t.Fatalf("expected streaming_stopped, got %s", ctl.State())
	}

	// leftover frames stay drainable until the session is released
	if _, err := ctl.GetStreamingData(0); err != nil {
		t.Fatalf("GetStreamingData after stop: %v", err)
	}

	// a follow-up acquisition releases the stopped session
	if err := ctl.StartStreaming(time.Microsecond, 64, nil); err != nil {
		t.Fatalf("restart streaming: %v", err)
	}
	if _, err := ctl.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	ctl.Finish()
	if ctl.State() != "idle" {
		t.Fatalf("expected idle after Finish, got %s", ctl.State())
	}
}

func TestStreamingAutoStop(t *testing.T) {
	_, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)

	if err := ctl.StartStreaming(time.Microsecond, 4096, StopAfter(256)); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 2*time.Second, "auto-stop", func() bool { return ctl.State() == "streaming_stopped" })

	summary, err := ctl.StopStreaming()
	if err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	if summary.TotalSamples < 256 {
		t.Fatalf("expected at least 256 frames before auto-stop, got %d", summary.TotalSamples)
	}
}

func TestStreamingOverflowDropsOldest(t *testing.T) {
	_, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)

	// ring far smaller than one delivery batch forces drops
	if err := ctl.StartStreaming(time.Microsecond, 16, StopAfter(512)); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 2*time.Second, "auto-stop", func() bool { return ctl.State() == "streaming_stopped" })

	summary, err := ctl.StopStreaming()
	if err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	if summary.OverflowCount == 0 {
		t.Fatalf("expected overflow with a 16-frame ring")
	}

	chunk, err := ctl.GetStreamingData(0)
	if err != nil {
		t.Fatalf("GetStreamingData: %v", err)
	}
	if len(chunk.Frames) > 16 {
		t.Fatalf("ring should never hold more than its capacity, drained %d", len(chunk.Frames))
	}
}

func TestGetStreamingDataWithoutSession(t *testing.T) {
	_, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)

	if _, err := ctl.GetStreamingData(0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if _, err := ctl.StopStreaming(); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestAbortReturnsToIdle(t *testing.T) {
	_, store, _, ctl := newCaptureRig(t)
	enableChannel(t, store, 0)

	if err := ctl.StartStreaming(time.Microsecond, 64, nil); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	ctl.Abort()
	if ctl.State() != "idle" {
		t.Fatalf("expected idle after Abort, got %s", ctl.State())
	}
}

func TestAbortedCaptureCannotClobberSuccessor(t *testing.T) {
	unit := &countingUnit{desc: smallDescriptor(), blockUntil: make(chan struct{})}
	_, ctl := newCountingRig(t, unit)

	errCh := make(chan error, 1)
	go func() {
		_, err := ctl.CaptureBlock(context.Background(), domain.CaptureRequest{
			PostTriggerSamples: 100,
			SampleInterval:     time.Microsecond,
		})
		errCh <- err
	}()
	waitFor(t, time.Second, "capture to start", func() bool { return ctl.State() == "capturing" })

	// abort, start a new acquisition, then let the old capture finish late
	ctl.Abort()
	if err := ctl.StartStreaming(time.Microsecond, 64, nil); err != nil {
		t.Fatalf("StartStreaming after abort: %v", err)
	}
	close(unit.blockUntil)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("aborted capture should report an error")
		}
	case <-time.After(time.Second):
		t.Fatalf("aborted capture did not return")
	}
	if ctl.State() != "streaming_active" {
		t.Fatalf("late capture return clobbered the new session: state %s", ctl.State())
	}
	if _, err := ctl.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
}

func TestStopStreamingReportsOverflowOnce(t *testing.T) {
	obs := &countingObs{}
	drv := simdrv.NewDriver()
	reg := NewDeviceRegistry(drv, obs)
	if _, err := reg.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	store := NewChannelConfigStore(reg)
	trg := NewTriggerEngine(reg, store)
	ctl := NewCaptureController(reg, store, trg, obs, Options{})
	enableChannel(t, store, 0)

	if err := ctl.StartStreaming(time.Microsecond, 16, StopAfter(512)); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 2*time.Second, "auto-stop", func() bool { return ctl.State() == "streaming_stopped" })

	summary, err := ctl.StopStreaming()
	if err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	if summary.OverflowCount == 0 {
		t.Fatalf("expected overflow with a 16-frame ring")
	}
	first := obs.value(ports.MetricStreamOverflowTotal)
	if first != float64(summary.OverflowCount) {
		t.Fatalf("overflow counter %v does not match summary %d", first, summary.OverflowCount)
	}

	// stopping an already-stopped session must not re-count the overflow
	if _, err := ctl.StopStreaming(); err != nil {
		t.Fatalf("second StopStreaming: %v", err)
	}
	if got := obs.value(ports.MetricStreamOverflowTotal); got != first {
		t.Fatalf("second stop re-counted overflow: got %v, want %v", got, first)
	}
}

// countingUnit records how often the controller touches the hardware and
// can inject failures on individual calls.
type countingUnit struct {
	desc            domain.Descriptor
	setChannelCalls int
	setTriggerCalls int
	runBlockCalls   int

	setChannelErr   error
	runStreamingErr error
	blockUntil      chan struct{} // when set, RunBlock waits for it and fails
}

func smallDescriptor() domain.Descriptor {
	return domain.Descriptor{
		Serial: "STUB1",
		Model:  "STUB",
		Capabilities: domain.Capabilities{
			ChannelCount:    2,
			MaxSampleRateHz: 1e6,
			ResolutionBits:  []int{16},
			VoltageRanges:   []float64{1, 5},
			MaxBufferSize:   1000,
		},
	}
}

func (u *countingUnit) Info() domain.Descriptor { return u.desc }

func (u *countingUnit) SetChannel(ports.ChannelSetting) error {
	u.setChannelCalls++
	return u.setChannelErr
}

func (u *countingUnit) SetTrigger(ports.TriggerSetting) error {
	u.setTriggerCalls++
	return nil
}

func (u *countingUnit) RunBlock(context.Context, domain.CaptureRequest) (*ports.BlockResult, error) {
	u.runBlockCalls++
	if u.blockUntil != nil {
		<-u.blockUntil
		return nil, errors.New("capture interrupted")
	}
	return &ports.BlockResult{Raw: map[int][]int16{}}, nil
}

func (u *countingUnit) RunStreaming(time.Duration, func(ports.StreamBatch)) error {
	return u.runStreamingErr
}

func (u *countingUnit) Stop() error                                     { return nil }
func (u *countingUnit) SetSignalGenerator(domain.SignalGenConfig) error { return nil }
func (u *countingUnit) StopSignalGenerator() error                      { return nil }
func (u *countingUnit) Close() error                                    { return nil }

// countingObs accumulates counter increments by metric name.
type countingObs struct {
	observability.Nop
	mu       sync.Mutex
	counters map[string]float64
}

func (o *countingObs) IncCounter(name string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counters == nil {
		o.counters = make(map[string]float64)
	}
	o.counters[name] += v
}

func (o *countingObs) value(name string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[name]
}

type countingDriver struct {
	unit *countingUnit
}

func (d *countingDriver) Enumerate() ([]domain.Descriptor, error) {
	return []domain.Descriptor{d.unit.desc}, nil
}

func (d *countingDriver) Open(context.Context, string) (ports.Unit, error) {
	return d.unit, nil
}
