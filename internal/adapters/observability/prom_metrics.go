package observability

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/markuskreitzer/picodaq/internal/ports"
)

// LogConfig controls the rotating log file. An empty Path logs to stderr
// only.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// PromObs implements the Observability port on Prometheus metrics plus a
// leveled logger with size-based rotation.
type PromObs struct {
	logger   *log.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the acquisition metrics on reg (pass
// prometheus.DefaultRegisterer outside tests).
func NewPromObs(reg prometheus.Registerer, logCfg LogConfig) *PromObs {
	captures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricCapturesTotal,
		Help: "Block captures completed successfully.",
	})
	captureErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricCaptureErrorsTotal,
		Help: "Block captures that failed or timed out.",
	})
	streamSamples := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricStreamSamplesTotal,
		Help: "Frames delivered by streaming acquisition.",
	})
	streamOverflow := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricStreamOverflowTotal,
		Help: "Frames dropped because the ring buffer was full.",
	})
	exports := prometheus.NewCounter(prometheus.CounterOpts{
		Name: ports.MetricExportsTotal,
		Help: "Waveform exports completed.",
	})
	ringFill := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricRingFill,
		Help: "Unread frames currently buffered in the streaming ring.",
	})
	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: ports.MetricDeviceConnected,
		Help: "1 while a device is connected.",
	})
	captureSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricCaptureSeconds,
		Help:    "Wall time of block captures from arm to data retrieval.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	reg.MustRegister(captures, captureErrs, streamSamples, streamOverflow,
		exports, ringFill, connected, captureSeconds)

	var w io.Writer = os.Stderr
	if logCfg.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   logCfg.Path,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
		}
		w = io.MultiWriter(os.Stderr, rotator)
	}

	return &PromObs{
		logger: log.New(w, "picodaq ", log.LstdFlags|log.Lmsgprefix),
		counters: map[string]prometheus.Counter{
			ports.MetricCapturesTotal:       captures,
			ports.MetricCaptureErrorsTotal:  captureErrs,
			ports.MetricStreamSamplesTotal:  streamSamples,
			ports.MetricStreamOverflowTotal: streamOverflow,
			ports.MetricExportsTotal:        exports,
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricRingFill:        ringFill,
			ports.MetricDeviceConnected: connected,
		},
		histos: map[string]prometheus.Observer{
			ports.MetricCaptureSeconds: captureSeconds,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Printf("INFO %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Printf("ERROR %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Printf("CRITICAL %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	out := ""
	for _, f := range fields {
		out += fmt.Sprintf(" %s=%v", f.Key, f.Value)
	}
	return out
}

// Nop is an Observability that discards everything. Handy in tests.
type Nop struct{}

func (Nop) LogInfo(string, ...ports.Field)         {}
func (Nop) LogError(string, error, ...ports.Field) {}
func (Nop) LogCritical(string, error, ...ports.Field) {
}
func (Nop) IncCounter(string, float64)     {}
func (Nop) SetGauge(string, float64)       {}
func (Nop) ObserveLatency(string, float64) {}

var (
	_ ports.Observability = (*PromObs)(nil)
	_ ports.Observability = Nop{}
)
