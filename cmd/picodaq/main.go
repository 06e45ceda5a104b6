package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	picodaq "github.com/markuskreitzer/picodaq"
	"github.com/markuskreitzer/picodaq/internal/adapters/export"
	"github.com/markuskreitzer/picodaq/internal/adapters/observability"
	"github.com/markuskreitzer/picodaq/internal/adapters/opcuadrv"
	"github.com/markuskreitzer/picodaq/internal/adapters/simdrv"
	"github.com/markuskreitzer/picodaq/internal/app/acquire"
	"github.com/markuskreitzer/picodaq/internal/app/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "capture":
		err = captureCommand(os.Args[2:])
	case "probe":
		err = probeCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("picodaq %s: %v", cmd, err)
	}
}

// buildService assembles a Service from config. The returned cleanup
// closes the export DB connection, when one was opened.
func buildService(cfg *config.Config) (*picodaq.Service, func(), error) {
	var driver picodaq.Driver
	switch cfg.Driver {
	case "opcua":
		d, err := opcuadrv.NewDriver(cfg.OPCUA)
		if err != nil {
			return nil, nil, err
		}
		driver = d
	default:
		driver = simdrv.NewDriver()
	}

	obs := observability.NewPromObs(prometheus.DefaultRegisterer, cfg.Log)

	opts := []picodaq.Option{
		picodaq.WithDriver(driver),
		picodaq.WithObservability(obs),
		picodaq.WithCaptureOptions(acquire.Options{
			TimeoutMultiplier: cfg.Capture.TimeoutMultiplier,
			TimeoutFloor:      cfg.Capture.TimeoutFloor,
		}),
		picodaq.WithCapabilityCache(config.NewCapabilityCache(cfg.Cache.Dir)),
	}

	cleanup := func() {}
	if cfg.Export.PostgresConn != "" {
		db, err := sql.Open("postgres", cfg.Export.PostgresConn)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, picodaq.WithExporter(export.NewPostgresExporter(db)))
		cleanup = func() { _ = db.Close() }
	}

	return picodaq.New(opts...), cleanup, nil
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()
	return srv
}

// runCommand holds the device open with a continuous streaming session
// until interrupted, serving metrics the whole time.
func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file")
	interval := fs.Duration("interval", time.Microsecond, "Streaming sample interval")
	bufFrames := fs.Int("buffer", 1<<16, "Ring buffer capacity in frames")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, cleanup, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := svc.Connect(ctx, ""); err != nil {
		return err
	}
	defer svc.Disconnect()

	dev := svc.DeviceInfo()
	for ch := 0; ch < dev.Descriptor.Capabilities.ChannelCount; ch++ {
		_, err := svc.ConfigureChannel(picodaq.ChannelConfig{
			Channel:  ch,
			Enabled:  ch == 0,
			Coupling: picodaq.CouplingDC,
			Range:    pickRange(dev.Descriptor.Capabilities.VoltageRanges),
		})
		if err != nil {
			return err
		}
	}

	srv := startMetrics(cfg.Metrics.Addr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := svc.StartStreaming(*interval, *bufFrames, nil); err != nil {
		return err
	}

	// drain periodically so the ring does not just sit at overflow
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			summary, err := svc.StopStreaming()
			if err == nil {
				log.Printf("streaming stopped: frames=%d overflow=%d",
					summary.TotalSamples, summary.OverflowCount)
			}
			svc.FinishStreaming()
			return nil
		case <-ticker.C:
			if _, err := svc.GetStreamingData(0); err != nil {
				return err
			}
		}
	}
}

// captureCommand takes one triggered block capture, prints headline
// measurements, and optionally exports it.
func captureCommand(args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file")
	pre := fs.Int("pre", 1000, "Pre-trigger samples")
	post := fs.Int("post", 1000, "Post-trigger samples")
	interval := fs.Duration("interval", time.Microsecond, "Sample interval")
	format := fs.String("format", "csv", "Export format (csv, json, postgres)")
	out := fs.String("out", "", "Export destination (default <export dir>/capture.<format>)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, cleanup, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := svc.Connect(ctx, ""); err != nil {
		return err
	}
	defer svc.Disconnect()

	dev := svc.DeviceInfo()
	rng := pickRange(dev.Descriptor.Capabilities.VoltageRanges)
	if _, err := svc.ConfigureChannel(picodaq.ChannelConfig{
		Channel: 0, Enabled: true, Coupling: picodaq.CouplingDC, Range: rng,
	}); err != nil {
		return err
	}
	if _, err := svc.SetSimpleTrigger(0, 0, picodaq.Rising, time.Second); err != nil {
		return err
	}

	wf, err := svc.CaptureBlock(ctx, picodaq.CaptureRequest{
		PreTriggerSamples:  *pre,
		PostTriggerSamples: *post,
		SampleInterval:     *interval,
	})
	if err != nil {
		return err
	}
	fmt.Printf("captured %d samples, trigger at %d, auto=%v\n",
		wf.NumSamples(), wf.TriggerIndex, wf.AutoTriggered)

	if freq, err := svc.MeasureFrequency(0); err == nil {
		fmt.Printf("frequency: %.2f Hz\n", freq)
	}
	if pkpk, err := svc.MeasurePeakToPeak(0); err == nil {
		fmt.Printf("pk-pk: %.4f V\n", pkpk)
	}
	if rms, err := svc.MeasureRMS(0); err == nil {
		fmt.Printf("rms: %.4f V\n", rms)
	}

	dest := *out
	if dest == "" {
		if err := os.MkdirAll(cfg.Export.Dir, 0o755); err != nil {
			return err
		}
		dest = filepath.Join(cfg.Export.Dir, "capture."+*format)
		if *format == "postgres" {
			dest = cfg.Export.PostgresTable
		}
	}
	if err := svc.ExportWaveform(*format, nil, dest); err != nil {
		return err
	}
	fmt.Printf("exported to %s\n", dest)
	return nil
}

func probeCommand(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file")
	model := fs.String("model", "", "Describe a cached model instead of enumerating hardware")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, cleanup, err := buildService(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if *model != "" {
		caps, ok, err := svc.DescribeModel(*model)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("model %q not in capability cache; run probe against hardware first", *model)
		}
		fmt.Printf("%s (cached): %d channels, %d-sample buffer, ranges %v, awg=%v\n",
			*model, caps.ChannelCount, caps.MaxBufferSize, caps.VoltageRanges, caps.HasAWG)
		return nil
	}

	descs, err := svc.Discover()
	if err != nil {
		return err
	}
	if len(descs) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for _, d := range descs {
		fmt.Printf("%s %s: %d channels, %d-sample buffer, ranges %v, awg=%v\n",
			d.Model, d.Serial,
			d.Capabilities.ChannelCount, d.Capabilities.MaxBufferSize,
			d.Capabilities.VoltageRanges, d.Capabilities.HasAWG)
	}
	return nil
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := config.Load(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9120/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"picodaq_captures_total":           0,
		"picodaq_streaming_samples_total":  0,
		"picodaq_streaming_overflow_total": 0,
		"picodaq_ring_buffer_fill":         0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] captures=%.0f stream_frames=%.0f overflow=%.0f ring=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["picodaq_captures_total"],
		targets["picodaq_streaming_samples_total"],
		targets["picodaq_streaming_overflow_total"],
		targets["picodaq_ring_buffer_fill"],
	)
	return nil
}

// pickRange prefers 5V, falling back to the widest supported range.
func pickRange(ranges []float64) float64 {
	best := 0.0
	for _, r := range ranges {
		if r == 5 {
			return r
		}
		if r > best {
			best = r
		}
	}
	return best
}

func printUsage() {
	fmt.Printf(`picodaq CLI

Usage:
  picodaq <command> [flags]

Commands:
  run        Hold the device open with a continuous streaming session
  capture    Take one triggered block capture, measure, and export it
  probe      Enumerate attached devices and print their capabilities
  validate   Load and validate a config file without touching hardware
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  picodaq capture -config ./data/config.yaml -pre 100 -post 900 -format csv
  picodaq run -config ./data/config.yaml -interval 1us
  picodaq stats -url http://localhost:9120/metrics -interval 1s
`)
}
