package ports

import "github.com/markuskreitzer/picodaq/internal/domain"

// Exporter serializes a completed waveform to an external representation.
type Exporter interface {
	// Export writes the named channels of w to destination. An empty
	// channel list means all channels present in the waveform.
	Export(w *domain.Waveform, channels []int, destination string) error
	Format() string
}
