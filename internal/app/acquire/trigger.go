package acquire

import (
	"sync"
	"time"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

// TriggerEngine validates and holds the simple edge trigger. At most one
// trigger is active per capture session.
type TriggerEngine struct {
	registry *DeviceRegistry
	channels *ChannelConfigStore

	mu         sync.Mutex
	generation uint64
	trigger    *domain.TriggerConfig
}

func NewTriggerEngine(registry *DeviceRegistry, channels *ChannelConfigStore) *TriggerEngine {
	return &TriggerEngine{registry: registry, channels: channels}
}

// SetSimple validates and stores an edge trigger. The source channel must
// be enabled and the threshold must lie within its configured range.
func (t *TriggerEngine) SetSimple(source int, threshold float64, direction domain.TriggerDirection, autoTimeout time.Duration) (domain.TriggerConfig, error) {
	const op = "trigger.SetSimple"

	_, gen, err := t.registry.Capabilities()
	if err != nil {
		return domain.TriggerConfig{}, err
	}

	chCfg, err := t.channels.Get(source)
	if err != nil {
		return domain.TriggerConfig{}, domain.E(domain.KindConfiguration, op,
			"trigger source channel %d is not configured", source)
	}
	if !chCfg.Enabled {
		return domain.TriggerConfig{}, domain.E(domain.KindConfiguration, op,
			"trigger source channel %d is not enabled", source)
	}
	if threshold < -chCfg.Range || threshold > chCfg.Range {
		return domain.TriggerConfig{}, domain.E(domain.KindConfiguration, op,
			"threshold %gV outside channel %d range ±%gV", threshold, source, chCfg.Range)
	}
	switch direction {
	case domain.Rising, domain.Falling, domain.Either:
	default:
		return domain.TriggerConfig{}, domain.E(domain.KindConfiguration, op,
			"unknown trigger direction %q", direction)
	}
	if autoTimeout < 0 {
		return domain.TriggerConfig{}, domain.E(domain.KindConfiguration, op,
			"auto-trigger timeout must be >= 0")
	}

	cfg := domain.TriggerConfig{
		Source:      source,
		Threshold:   threshold,
		Direction:   direction,
		AutoTimeout: autoTimeout,
	}

	t.mu.Lock()
	t.generation = gen
	t.trigger = &cfg
	t.mu.Unlock()
	return cfg, nil
}

// Active returns the trigger bound to the current connection, or nil.
func (t *TriggerEngine) Active() *domain.TriggerConfig {
	_, gen, err := t.registry.Capabilities()
	if err != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.trigger == nil || t.generation != gen {
		return nil
	}
	cfg := *t.trigger
	return &cfg
}

// Reset drops the stored trigger. Called on disconnect.
func (t *TriggerEngine) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trigger = nil
	t.generation = 0
}
