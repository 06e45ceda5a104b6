package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

// CapabilityCache persists capability descriptors keyed by model, so
// discovery can describe known series without opening a unit.
type CapabilityCache struct {
	dir string
}

func NewCapabilityCache(dir string) *CapabilityCache {
	return &CapabilityCache{dir: dir}
}

func (c *CapabilityCache) path(model string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, model)
	return filepath.Join(c.dir, name+".json")
}

// Load returns the cached capabilities for model, or ok=false when the
// model was never cached.
func (c *CapabilityCache) Load(model string) (domain.Capabilities, bool, error) {
	raw, err := os.ReadFile(c.path(model))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Capabilities{}, false, nil
		}
		return domain.Capabilities{}, false, err
	}
	var caps domain.Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return domain.Capabilities{}, false, err
	}
	return caps, true, nil
}

// Store writes the capabilities for model, creating the cache dir as
// needed.
func (c *CapabilityCache) Store(model string, caps domain.Capabilities) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(caps, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path(model), raw, 0o644)
}
