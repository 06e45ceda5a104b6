package acquire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
	"github.com/markuskreitzer/picodaq/internal/signal"
)

// captureState is the controller's position in the acquisition lifecycle.
type captureState int

const (
	stateIdle captureState = iota
	stateArmed
	stateCapturing
	stateReady
	stateStreamingActive
	stateStreamingStopped
)

func (s captureState) String() string {
	switch s {
	case stateArmed:
		return "armed"
	case stateCapturing:
		return "capturing"
	case stateReady:
		return "ready"
	case stateStreamingActive:
		return "streaming_active"
	case stateStreamingStopped:
		return "streaming_stopped"
	default:
		return "idle"
	}
}

// AutoStop decides after each delivered batch whether a streaming session
// should stop itself. It receives the total frames written so far.
type AutoStop func(totalFrames uint64) bool

// StopAfter builds an AutoStop that fires once n frames have been written.
func StopAfter(n uint64) AutoStop {
	if n == 0 {
		return nil
	}
	return func(total uint64) bool { return total >= n }
}

// Options tunes capture timeout derivation.
type Options struct {
	// TimeoutMultiplier scales the expected capture duration into a
	// deadline. Values below 1 fall back to 3.
	TimeoutMultiplier float64
	// TimeoutFloor is the minimum block deadline regardless of how short
	// the capture window is.
	TimeoutFloor time.Duration
}

func (o *Options) applyDefaults() {
	if o.TimeoutMultiplier < 1 {
		o.TimeoutMultiplier = 3
	}
	if o.TimeoutFloor <= 0 {
		o.TimeoutFloor = 2 * time.Second
	}
}

// streamingSession exists only while the controller is in a streaming
// state. The ring is owned exclusively by the session.
type streamingSession struct {
	ring     *ringBuffer
	channels []int
	interval time.Duration
	autoStop AutoStop

	stopOnce   sync.Once
	stopCh     chan struct{}
	reportOnce sync.Once
}

func (s *streamingSession) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// CaptureController orchestrates block and streaming acquisition. It
// serializes every device-facing command behind its own state machine so
// channel and trigger writes never interleave with a live capture.
type CaptureController struct {
	registry *DeviceRegistry
	channels *ChannelConfigStore
	trigger  *TriggerEngine
	obs      ports.Observability
	opts     Options

	mu          sync.Mutex
	state       captureState
	seq         uint64
	cancelBlock context.CancelFunc
	session     *streamingSession
}

func NewCaptureController(registry *DeviceRegistry, channels *ChannelConfigStore, trigger *TriggerEngine, obs ports.Observability, opts Options) *CaptureController {
	opts.applyDefaults()
	return &CaptureController{
		registry: registry,
		channels: channels,
		trigger:  trigger,
		obs:      obs,
		opts:     opts,
	}
}

// State reports the controller's current state name.
func (c *CaptureController) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// enterExclusive moves Idle → next, releasing a finished streaming session
// on the way (the "follow-up call" transition to Idle). The returned token
// identifies this acquisition; transitions made with a stale token are
// dropped, so a call that returns after Abort cannot clobber its successor.
func (c *CaptureController) enterExclusive(op string, next captureState) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateStreamingStopped {
		c.session = nil
		c.state = stateIdle
	}
	if c.state != stateIdle {
		return 0, domain.E(domain.KindBusy, op, "capture already in progress (state=%s)", c.state)
	}
	c.state = next
	c.seq++
	return c.seq, nil
}

// setStateIf transitions only while token still owns the state machine.
func (c *CaptureController) setStateIf(token uint64, s captureState) {
	c.mu.Lock()
	if c.seq == token {
		c.state = s
	}
	c.mu.Unlock()
}

// failDriver handles a hardware error outside the running-block path: the
// handle can no longer be trusted, so the device is disconnected and the
// caller must reconnect.
func (c *CaptureController) failDriver(event string, err error) {
	c.registry.Disconnect()
	c.obs.LogCritical(event, err)
}

// applyConfiguration batches every stored channel write plus the trigger to
// the unit, so the device never exposes a partially applied setup.
func (c *CaptureController) applyConfiguration(unit ports.Unit, caps domain.Capabilities) ([]domain.ChannelConfig, error) {
	const op = "capture.applyConfiguration"

	enabled := c.channels.Enabled()
	if len(enabled) == 0 {
		return nil, domain.E(domain.KindConfiguration, op, "no enabled channels")
	}

	for _, cfg := range c.channels.All() {
		err := unit.SetChannel(ports.ChannelSetting{
			Channel:  cfg.Channel,
			Enabled:  cfg.Enabled,
			Coupling: cfg.Coupling,
			Range:    cfg.Range,
			Offset:   cfg.Offset,
		})
		if err != nil {
			return nil, domain.Wrap(domain.KindDriver, op, err)
		}
	}

	if trig := c.trigger.Active(); trig != nil {
		srcCfg, err := c.channels.Get(trig.Source)
		if err != nil {
			return nil, err
		}
		thresholdADC, err := signal.ToRaw(trig.Threshold, srcCfg.Range, caps.MaxADCCount(), srcCfg.Offset)
		if err != nil {
			return nil, err
		}
		err = unit.SetTrigger(ports.TriggerSetting{
			Enabled:      true,
			Source:       trig.Source,
			ThresholdADC: int(thresholdADC),
			Direction:    trig.Direction,
			AutoTimeout:  trig.AutoTimeout,
		})
		if err != nil {
			return nil, domain.Wrap(domain.KindDriver, op, err)
		}
	} else {
		if err := unit.SetTrigger(ports.TriggerSetting{Enabled: false}); err != nil {
			return nil, domain.Wrap(domain.KindDriver, op, err)
		}
	}
	return enabled, nil
}

// blockDeadline derives the timeout for a block capture: a multiple of the
// expected window, floored so short captures and auto-trigger waits are
// not cut off.
func (c *CaptureController) blockDeadline(req domain.CaptureRequest) time.Duration {
	d := time.Duration(float64(req.ExpectedDuration()) * c.opts.TimeoutMultiplier)
	if d < c.opts.TimeoutFloor {
		d = c.opts.TimeoutFloor
	}
	if trig := c.trigger.Active(); trig != nil && trig.AutoTimeout > 0 {
		if min := trig.AutoTimeout + req.ExpectedDuration() + time.Second; d < min {
			d = min
		}
	}
	return d
}

// CaptureBlock runs one block acquisition and returns the calibrated
// waveform. It blocks up to the derived deadline and honors ctx
// cancellation by aborting the pending hardware command.
func (c *CaptureController) CaptureBlock(ctx context.Context, req domain.CaptureRequest) (*domain.Waveform, error) {
	const op = "capture.CaptureBlock"

	// busy wins over request validation: any capture call while an
	// acquisition is live reports the live acquisition, not the request
	token, err := c.enterExclusive(op, stateArmed)
	if err != nil {
		return nil, err
	}

	caps, _, err := c.registry.Capabilities()
	if err != nil {
		c.setStateIf(token, stateIdle)
		return nil, err
	}
	if req.TotalSamples() <= 0 {
		c.setStateIf(token, stateIdle)
		return nil, domain.E(domain.KindConfiguration, op, "pre+post trigger samples must be positive")
	}
	if req.TotalSamples() > caps.MaxBufferSize {
		c.setStateIf(token, stateIdle)
		return nil, domain.E(domain.KindConfiguration, op,
			"requested %d samples exceeds device buffer of %d", req.TotalSamples(), caps.MaxBufferSize)
	}
	if req.SampleInterval <= 0 {
		c.setStateIf(token, stateIdle)
		return nil, domain.E(domain.KindConfiguration, op, "sample interval must be positive")
	}

	unit, _, err := c.registry.Unit()
	if err != nil {
		c.setStateIf(token, stateIdle)
		return nil, err
	}

	enabled, err := c.applyConfiguration(unit, caps)
	if err != nil {
		c.setStateIf(token, stateIdle)
		c.obs.IncCounter(ports.MetricCaptureErrorsTotal, 1)
		if domain.KindOf(err) == domain.KindDriver {
			c.failDriver("configuration_driver_failure", err)
		}
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.blockDeadline(req))
	c.mu.Lock()
	if c.seq != token {
		c.mu.Unlock()
		cancel()
		return nil, domain.E(domain.KindDriver, op, "capture aborted")
	}
	c.state = stateCapturing
	c.cancelBlock = cancel
	c.mu.Unlock()

	started := time.Now()
	res, err := unit.RunBlock(runCtx, req)
	cancel()

	c.mu.Lock()
	if c.seq == token {
		c.cancelBlock = nil
	}
	c.mu.Unlock()

	if err != nil {
		c.setStateIf(token, stateIdle)
		c.obs.IncCounter(ports.MetricCaptureErrorsTotal, 1)
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, domain.E(domain.KindCaptureTimeout, op,
				"capture did not complete within %s", c.blockDeadline(req))
		case errors.Is(runCtx.Err(), context.Canceled):
			return nil, domain.Wrap(domain.KindDriver, op, runCtx.Err())
		default:
			c.failDriver("capture_driver_failure", err)
			return nil, domain.Wrap(domain.KindDriver, op, err)
		}
	}

	c.setStateIf(token, stateReady)

	wf := &domain.Waveform{
		Channels:       make(map[int][]float64, len(enabled)),
		SampleInterval: res.ActualInterval,
		CapturedAt:     time.Now(),
		TriggerIndex:   res.TriggerIndex,
		AutoTriggered:  res.AutoTriggered,
	}
	if wf.SampleInterval <= 0 {
		wf.SampleInterval = req.SampleInterval
	}
	maxADC := caps.MaxADCCount()
	for _, cfg := range enabled {
		raw, ok := res.Raw[cfg.Channel]
		if !ok {
			continue
		}
		volts, err := signal.ConvertBlock(raw, cfg.Range, maxADC, cfg.Offset)
		if err != nil {
			c.setStateIf(token, stateIdle)
			return nil, err
		}
		if cfg.Attenuation != 1 && cfg.Attenuation > 0 {
			for i := range volts {
				volts[i] *= cfg.Attenuation
			}
		}
		wf.Channels[cfg.Channel] = volts
	}

	c.setStateIf(token, stateIdle)
	c.obs.IncCounter(ports.MetricCapturesTotal, 1)
	c.obs.ObserveLatency(ports.MetricCaptureSeconds, time.Since(started).Seconds())
	return wf, nil
}

// Cancel aborts an in-flight block capture, transitioning back to Idle.
// It is a no-op in any other state.
func (c *CaptureController) Cancel() {
	c.mu.Lock()
	cancel := c.cancelBlock
	capturing := c.state == stateCapturing || c.state == stateArmed
	c.mu.Unlock()
	if !capturing {
		return
	}
	if unit, _, err := c.registry.Unit(); err == nil {
		_ = unit.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// StartStreaming opens a streaming session with a ring buffer of
// bufferSize frames. autoStop may be nil for continuous capture.
func (c *CaptureController) StartStreaming(interval time.Duration, bufferSize int, autoStop AutoStop) error {
	const op = "capture.StartStreaming"

	token, err := c.enterExclusive(op, stateArmed)
	if err != nil {
		return err
	}

	caps, _, err := c.registry.Capabilities()
	if err != nil {
		c.setStateIf(token, stateIdle)
		return err
	}
	if interval <= 0 {
		c.setStateIf(token, stateIdle)
		return domain.E(domain.KindConfiguration, op, "sample interval must be positive")
	}
	if bufferSize <= 0 {
		c.setStateIf(token, stateIdle)
		return domain.E(domain.KindConfiguration, op, "buffer size must be positive")
	}

	unit, _, err := c.registry.Unit()
	if err != nil {
		c.setStateIf(token, stateIdle)
		return err
	}

	enabled, err := c.applyConfiguration(unit, caps)
	if err != nil {
		c.setStateIf(token, stateIdle)
		if domain.KindOf(err) == domain.KindDriver {
			c.failDriver("configuration_driver_failure", err)
		}
		return err
	}

	chans := make([]int, len(enabled))
	cfgByCh := make(map[int]domain.ChannelConfig, len(enabled))
	for i, cfg := range enabled {
		chans[i] = cfg.Channel
		cfgByCh[cfg.Channel] = cfg
	}

	sess := &streamingSession{
		ring:     newRingBuffer(bufferSize),
		channels: chans,
		interval: interval,
		autoStop: autoStop,
		stopCh:   make(chan struct{}),
	}
	maxADC := caps.MaxADCCount()

	// deliver runs on the driver's producer goroutine. It only converts
	// and appends; state transitions happen on the watcher goroutine to
	// keep the state machine free of re-entrant calls.
	deliver := func(batch ports.StreamBatch) {
		n := 0
		for _, ch := range chans {
			if len(batch.Raw[ch]) > n {
				n = len(batch.Raw[ch])
			}
		}
		for i := 0; i < n; i++ {
			values := make([]float64, len(chans))
			for j, ch := range chans {
				raw := batch.Raw[ch]
				if i >= len(raw) {
					continue
				}
				cfg := cfgByCh[ch]
				v, convErr := signal.ToVoltage(raw[i], cfg.Range, maxADC, cfg.Offset)
				if convErr != nil {
					continue
				}
				if cfg.Attenuation != 1 && cfg.Attenuation > 0 {
					v *= cfg.Attenuation
				}
				values[j] = v
			}
			sess.ring.write(values)
		}
		written, _ := sess.ring.stats()
		c.obs.IncCounter(ports.MetricStreamSamplesTotal, float64(n))
		if sess.autoStop != nil && sess.autoStop(written) {
			sess.requestStop()
		}
	}

	if err := unit.RunStreaming(interval, deliver); err != nil {
		c.setStateIf(token, stateIdle)
		wrapped := domain.Wrap(domain.KindDriver, op, err)
		c.failDriver("streaming_driver_failure", wrapped)
		return wrapped
	}

	c.mu.Lock()
	if c.seq != token {
		c.mu.Unlock()
		_ = unit.Stop()
		return domain.E(domain.KindDriver, op, "streaming aborted")
	}
	c.session = sess
	c.state = stateStreamingActive
	c.mu.Unlock()

	go c.watchAutoStop(sess)

	c.obs.LogInfo("streaming_started",
		ports.Field{Key: "interval", Value: interval.String()},
		ports.Field{Key: "buffer_frames", Value: bufferSize},
		ports.Field{Key: "channels", Value: len(chans)})
	return nil
}

// watchAutoStop performs the StreamingActive → StreamingStopped transition
// when the producer signals that the auto-stop predicate fired.
func (c *CaptureController) watchAutoStop(sess *streamingSession) {
	<-sess.stopCh

	c.mu.Lock()
	if c.session != sess || c.state != stateStreamingActive {
		c.mu.Unlock()
		return
	}
	c.state = stateStreamingStopped
	c.mu.Unlock()

	if unit, _, err := c.registry.Unit(); err == nil {
		_ = unit.Stop()
	}
	c.obs.LogInfo("streaming_auto_stopped")
}

// GetStreamingData drains up to max frames without blocking. An empty
// chunk is a normal result while the producer has not delivered yet.
func (c *CaptureController) GetStreamingData(max int) (*domain.StreamChunk, error) {
	c.mu.Lock()
	sess := c.session
	st := c.state
	c.mu.Unlock()

	if sess == nil || (st != stateStreamingActive && st != stateStreamingStopped) {
		return nil, domain.E(domain.KindNotFound, "capture.GetStreamingData", "no streaming session")
	}

	frames := sess.ring.drain(max)
	c.obs.SetGauge(ports.MetricRingFill, float64(sess.ring.len()))

	chunk := &domain.StreamChunk{Channels: sess.channels, Frames: frames}
	if len(frames) > 0 {
		chunk.FirstSeq = frames[0].Seq
		chunk.LastSeq = frames[len(frames)-1].Seq
	}
	return chunk, nil
}

// StopStreaming forces StreamingStopped and returns the session summary.
// The session itself is freed on the next transition to Idle.
func (c *CaptureController) StopStreaming() (domain.StreamSummary, error) {
	const op = "capture.StopStreaming"

	c.mu.Lock()
	sess := c.session
	st := c.state
	if st == stateStreamingActive {
		c.state = stateStreamingStopped
	}
	c.mu.Unlock()

	if sess == nil || (st != stateStreamingActive && st != stateStreamingStopped) {
		return domain.StreamSummary{}, domain.E(domain.KindNotFound, op, "no streaming session")
	}

	if st == stateStreamingActive {
		if unit, _, err := c.registry.Unit(); err == nil {
			if err := unit.Stop(); err != nil {
				c.obs.LogError("streaming_stop_failed", err)
			}
		}
		sess.requestStop()
	}

	written, overflow := sess.ring.stats()
	// the overflow counter is monotonic; report each session exactly once
	sess.reportOnce.Do(func() {
		c.obs.IncCounter(ports.MetricStreamOverflowTotal, float64(overflow))
	})
	c.obs.LogInfo("streaming_stopped",
		ports.Field{Key: "total_frames", Value: written},
		ports.Field{Key: "overflow", Value: overflow})
	return domain.StreamSummary{TotalSamples: written, OverflowCount: overflow}, nil
}

// Finish releases a stopped streaming session and returns to Idle.
func (c *CaptureController) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateStreamingStopped || c.state == stateReady {
		c.session = nil
		c.state = stateIdle
	}
}

// Abort force-stops whatever is in flight and returns to Idle. Called
// before a disconnect so the device is released cleanly.
func (c *CaptureController) Abort() {
	c.mu.Lock()
	cancel := c.cancelBlock
	sess := c.session
	c.session = nil
	c.cancelBlock = nil
	c.state = stateIdle
	c.seq++ // invalidate any in-flight acquisition's token
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.requestStop()
	}
	if unit, _, err := c.registry.Unit(); err == nil {
		_ = unit.Stop()
	}
}
