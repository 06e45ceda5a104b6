package export

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/markuskreitzer/picodaq/internal/domain"
)

func TestPostgresExport(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	wf := &domain.Waveform{
		Channels:       map[int][]float64{0: {0.1, 0.2, 0.3}},
		SampleInterval: time.Microsecond,
		CapturedAt:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}

	stmt := "INSERT INTO waveform_samples (captured_at, channel, sample_index, t_offset_s, volts) VALUES " +
		"($1,$2,$3,$4,$5),($6,$7,$8,$9,$10),($11,$12,$13,$14,$15) " +
		"ON CONFLICT (captured_at, channel, sample_index) DO NOTHING"
	mock.ExpectExec(regexp.QuoteMeta(stmt)).
		WithArgs(
			wf.CapturedAt, 0, 0, 0.0, 0.1,
			wf.CapturedAt, 0, 1, 1e-6, 0.2,
			wf.CapturedAt, 0, 2, 2e-6, 0.3,
		).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := NewPostgresExporter(db).Export(wf, nil, ""); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresExportCustomTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	wf := &domain.Waveform{
		Channels:       map[int][]float64{2: {1.5}},
		SampleInterval: time.Millisecond,
		CapturedAt:     time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bench_runs (")).
		WithArgs(wf.CapturedAt, 2, 0, 0.0, 1.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewPostgresExporter(db).Export(wf, []int{2}, "bench_runs"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresExportInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO waveform_samples").
		WillReturnError(errors.New("connection reset"))

	wf := &domain.Waveform{
		Channels:       map[int][]float64{0: {0.1}},
		SampleInterval: time.Microsecond,
		CapturedAt:     time.Now(),
	}
	if err := NewPostgresExporter(db).Export(wf, nil, ""); err == nil {
		t.Fatalf("expected insert failure to surface")
	}
}

func TestPostgresExportValidatesChannels(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	wf := &domain.Waveform{Channels: map[int][]float64{0: {0.1}}}
	if err := NewPostgresExporter(db).Export(wf, []int{3}, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
