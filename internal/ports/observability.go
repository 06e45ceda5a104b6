package ports

// Observability emits logs and metrics for the acquisition core.
type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	SetGauge(name string, v float64)
	ObserveLatency(name string, seconds float64)
}

// Field is a structured log field.
type Field struct {
	Key   string
	Value any
}

// Metric names shared between the core and the observability adapter.
const (
	MetricCapturesTotal       = "picodaq_captures_total"
	MetricCaptureErrorsTotal  = "picodaq_capture_errors_total"
	MetricStreamSamplesTotal  = "picodaq_streaming_samples_total"
	MetricStreamOverflowTotal = "picodaq_streaming_overflow_total"
	MetricExportsTotal        = "picodaq_exports_total"
	MetricRingFill            = "picodaq_ring_buffer_fill"
	MetricDeviceConnected     = "picodaq_device_connected"
	MetricCaptureSeconds      = "picodaq_capture_duration_seconds"
)
