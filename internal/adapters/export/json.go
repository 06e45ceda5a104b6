package export

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

// JSONExporter writes the selected channels as one self-describing
// document.
type JSONExporter struct{}

type jsonDocument struct {
	CapturedAt       time.Time         `json:"captured_at"`
	SampleIntervalNs int64             `json:"sample_interval_ns"`
	TriggerIndex     int               `json:"trigger_index"`
	AutoTriggered    bool              `json:"auto_triggered"`
	Channels         map[int][]float64 `json:"channels"`
}

func (JSONExporter) Format() string { return "json" }

func (JSONExporter) Export(w *domain.Waveform, channels []int, destination string) error {
	const op = "export.JSON"

	chans, err := channelList(w, channels)
	if err != nil {
		return err
	}

	doc := jsonDocument{
		CapturedAt:       w.CapturedAt,
		SampleIntervalNs: w.SampleInterval.Nanoseconds(),
		TriggerIndex:     w.TriggerIndex,
		AutoTriggered:    w.AutoTriggered,
		Channels:         make(map[int][]float64, len(chans)),
	}
	for _, ch := range chans {
		doc.Channels[ch] = w.Channels[ch]
	}

	f, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return f.Close()
}

var _ ports.Exporter = JSONExporter{}
