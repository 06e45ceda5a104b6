package acquire

import (
	"sync"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

// ChannelConfigStore validates and holds per-channel configuration against
// the connected device's capability descriptor. It never talks to hardware;
// the CaptureController applies stored configs in one batch at capture time.
type ChannelConfigStore struct {
	registry *DeviceRegistry

	mu         sync.Mutex
	generation uint64
	configs    map[int]domain.ChannelConfig
}

func NewChannelConfigStore(registry *DeviceRegistry) *ChannelConfigStore {
	return &ChannelConfigStore{
		registry: registry,
		configs:  make(map[int]domain.ChannelConfig),
	}
}

// Set validates cfg against the connected device and stores it.
func (s *ChannelConfigStore) Set(cfg domain.ChannelConfig) (domain.ChannelConfig, error) {
	const op = "channels.Set"

	caps, gen, err := s.registry.Capabilities()
	if err != nil {
		return domain.ChannelConfig{}, err
	}
	if cfg.Channel < 0 || cfg.Channel >= caps.ChannelCount {
		return domain.ChannelConfig{}, domain.E(domain.KindConfiguration, op,
			"channel %d out of range, device has %d channels", cfg.Channel, caps.ChannelCount)
	}
	if !caps.SupportsRange(cfg.Range) {
		return domain.ChannelConfig{}, domain.E(domain.KindConfiguration, op,
			"range %gV not supported, available: %v", cfg.Range, caps.VoltageRanges)
	}
	if cfg.Coupling != domain.CouplingAC && cfg.Coupling != domain.CouplingDC {
		return domain.ChannelConfig{}, domain.E(domain.KindConfiguration, op,
			"coupling must be AC or DC, got %q", cfg.Coupling)
	}
	if cfg.Attenuation == 0 {
		cfg.Attenuation = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		// configuration from a previous connection is stale
		s.configs = make(map[int]domain.ChannelConfig)
		s.generation = gen
	}
	s.configs[cfg.Channel] = cfg
	return cfg, nil
}

// Get returns the stored config for a channel.
func (s *ChannelConfigStore) Get(channel int) (domain.ChannelConfig, error) {
	_, gen, err := s.registry.Capabilities()
	if err != nil {
		return domain.ChannelConfig{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return domain.ChannelConfig{}, domain.E(domain.KindNotFound, "channels.Get",
			"channel %d not configured on this connection", channel)
	}
	cfg, ok := s.configs[channel]
	if !ok {
		return domain.ChannelConfig{}, domain.E(domain.KindNotFound, "channels.Get",
			"channel %d never configured", channel)
	}
	return cfg, nil
}

// Enabled returns the enabled channel configs in channel order.
func (s *ChannelConfigStore) Enabled() []domain.ChannelConfig {
	_, gen, err := s.registry.Capabilities()
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return nil
	}
	var out []domain.ChannelConfig
	for ch := 0; ch < 64; ch++ {
		if cfg, ok := s.configs[ch]; ok && cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out
}

// All returns every stored config, enabled or not, in channel order.
func (s *ChannelConfigStore) All() []domain.ChannelConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChannelConfig
	for ch := 0; ch < 64; ch++ {
		if cfg, ok := s.configs[ch]; ok {
			out = append(out, cfg)
		}
	}
	return out
}

// Reset drops all stored configuration. Called on disconnect.
func (s *ChannelConfigStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = make(map[int]domain.ChannelConfig)
	s.generation = 0
}
