package export

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

// insertChunk bounds the multi-row INSERT so very long captures stay under
// the Postgres parameter limit.
const insertChunk = 2000

// PostgresExporter persists waveform samples into a table with columns
// (captured_at, channel, sample_index, t_offset_s, volts). The destination
// argument of Export selects the table.
type PostgresExporter struct {
	db *sql.DB
}

func NewPostgresExporter(db *sql.DB) *PostgresExporter {
	return &PostgresExporter{db: db}
}

func (e *PostgresExporter) Format() string { return "postgres" }

func (e *PostgresExporter) Export(w *domain.Waveform, channels []int, destination string) error {
	const op = "export.Postgres"

	chans, err := channelList(w, channels)
	if err != nil {
		return err
	}
	if destination == "" {
		destination = "waveform_samples"
	}

	dt := w.SampleInterval.Seconds()
	for _, ch := range chans {
		samples := w.Channels[ch]
		for start := 0; start < len(samples); start += insertChunk {
			end := start + insertChunk
			if end > len(samples) {
				end = len(samples)
			}
			if err := e.insertRows(destination, w.CapturedAt, ch, dt, start, samples[start:end]); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	return nil
}

func (e *PostgresExporter) insertRows(table string, capturedAt time.Time, ch int, dt float64, base int, samples []float64) error {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (captured_at, channel, sample_index, t_offset_s, volts) VALUES ")

	args := make([]any, 0, len(samples)*5)
	for i, v := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5))
		idx := base + i
		args = append(args, capturedAt, ch, idx, float64(idx)*dt, v)
	}
	b.WriteString(" ON CONFLICT (captured_at, channel, sample_index) DO NOTHING")

	_, err := e.db.Exec(b.String(), args...)
	return err
}

var _ ports.Exporter = (*PostgresExporter)(nil)
