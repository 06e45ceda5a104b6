// Package export holds the waveform exporters: CSV and JSON files plus a
// Postgres table writer.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

// channelList resolves the channel selection against the waveform, sorted
// ascending. An empty selection means every captured channel.
func channelList(w *domain.Waveform, channels []int) ([]int, error) {
	if len(channels) == 0 {
		for ch := range w.Channels {
			channels = append(channels, ch)
		}
	} else {
		for _, ch := range channels {
			if _, ok := w.Channels[ch]; !ok {
				return nil, domain.E(domain.KindNotFound, "export", "channel %d not in waveform", ch)
			}
		}
	}
	if len(channels) == 0 {
		return nil, domain.E(domain.KindMeasurement, "export", "waveform has no channels")
	}
	sort.Ints(channels)
	return channels, nil
}

// CSVExporter writes one row per sample: time plus a voltage column per
// channel.
type CSVExporter struct{}

func (CSVExporter) Format() string { return "csv" }

func (CSVExporter) Export(w *domain.Waveform, channels []int, destination string) error {
	const op = "export.CSV"

	chans, err := channelList(w, channels)
	if err != nil {
		return err
	}

	f, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	header := []string{"time_s"}
	for _, ch := range chans {
		header = append(header, fmt.Sprintf("channel_%d_v", ch))
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n := w.NumSamples()
	dt := w.SampleInterval.Seconds()
	row := make([]string, len(chans)+1)
	for i := 0; i < n; i++ {
		row[0] = strconv.FormatFloat(float64(i)*dt, 'g', -1, 64)
		for j, ch := range chans {
			row[j+1] = strconv.FormatFloat(w.Channels[ch][i], 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return f.Close()
}

var _ ports.Exporter = CSVExporter{}
