package domain

import "time"

// Waveform is a completed capture: calibrated voltage per enabled channel,
// time order = slice order. Immutable once produced.
type Waveform struct {
	Channels       map[int][]float64 `json:"channels"`
	SampleInterval time.Duration     `json:"sample_interval"`
	CapturedAt     time.Time         `json:"captured_at"`
	// TriggerIndex is the sample index of the trigger point, -1 when the
	// capture had no trigger.
	TriggerIndex int `json:"trigger_index"`
	// AutoTriggered is set when the auto-trigger timeout fired instead of a
	// qualifying edge.
	AutoTriggered bool `json:"auto_triggered"`
}

// NumSamples returns the per-channel sample count (all channels in one
// waveform are captured in lockstep).
func (w *Waveform) NumSamples() int {
	for _, v := range w.Channels {
		return len(v)
	}
	return 0
}

// Channel returns the voltage trace for one channel.
func (w *Waveform) Channel(ch int) ([]float64, bool) {
	v, ok := w.Channels[ch]
	return v, ok
}

// Frame is one multi-channel streaming sample. Values are ordered the same
// way as the session's enabled-channel list. Seq is assigned by the ring
// buffer and is strictly monotonic per session.
type Frame struct {
	Seq    uint64    `json:"seq"`
	Values []float64 `json:"values"`
}

// StreamChunk is the result of draining the streaming ring: frames in
// sequence order plus the channel layout they index into.
type StreamChunk struct {
	Channels []int   `json:"channels"`
	Frames   []Frame `json:"frames"`
	// FirstSeq/LastSeq bound the drained range; comparing FirstSeq against
	// the previous chunk's LastSeq+1 exposes overflow gaps.
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
}

// StreamSummary is returned when a streaming session stops.
type StreamSummary struct {
	TotalSamples  uint64 `json:"total_samples"`
	OverflowCount uint64 `json:"overflow_count"`
}
