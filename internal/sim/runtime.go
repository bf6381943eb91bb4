package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/diarboledac/mqttdrill/internal/config"
	"github.com/diarboledac/mqttdrill/internal/dashboard"
	"github.com/diarboledac/mqttdrill/internal/metrics"
	"github.com/diarboledac/mqttdrill/internal/otel"
	"github.com/diarboledac/mqttdrill/internal/shardclient"
	"github.com/diarboledac/mqttdrill/internal/sink"
)

const (
	defaultStartLead      = 300 * time.Millisecond
	metricsFileInterval   = 2 * time.Second
	metricsFileName       = "metrics.json"
	metricsDeviceRowLimit = 50
)

// PrepareDevices resolves the token source and slices out this process's
// share of the fleet.
func PrepareDevices(cfg *config.Config) ([]DeviceToken, error) {
	var base []DeviceToken
	switch {
	case cfg.TokensFile != "" && fileExists(cfg.TokensFile):
		loaded, err := LoadTokensFile(cfg.TokensFile)
		if err != nil {
			return nil, err
		}
		base = loaded
	case cfg.TokenPrefix != "":
		count := cfg.Count
		if count == 0 {
			count = cfg.DeviceCount
		}
		if count == 0 {
			return nil, fmt.Errorf("token-prefix requires count or device-count")
		}
		return GenerateTokens(cfg.TokenPrefix, count, cfg.StartID), nil
	default:
		return nil, fmt.Errorf("provide an existing tokens-file or a token-prefix to generate tokens")
	}
	return SelectDevices(base, cfg.DeviceCount, cfg.StartID, cfg.Count)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Run executes one shard of the simulation to completion: ramped worker
// launch, periodic reporting, and the ordered shutdown of every subsystem.
func Run(parent context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.MetricsDir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}

	devices, err := PrepareDevices(cfg)
	if err != nil {
		return err
	}

	var ramp []int
	if len(cfg.RampPercentages) > 0 {
		ramp, err = ParseRampPercentages(cfg.RampPercentages, len(devices))
	} else {
		ramp, err = ParseRamp(cfg.Ramp, len(devices))
	}
	if err != nil {
		return err
	}

	agg := metrics.NewAggregator(len(devices))

	sessionID := time.Now().UTC().Format("run-20060102-150405")
	if cfg.Worker {
		sessionID = fmt.Sprintf("%s-s%05d-n%05d", sessionID, cfg.StartID, len(devices))
	}
	eventPath := filepath.Join(cfg.LogDir, sessionID+"-events.jsonl")
	csvPath := filepath.Join(cfg.MetricsDir, sessionID+"-metrics.csv")

	events, err := sink.NewEventLog(eventPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	csvLog, err := sink.NewSnapshotCSV(csvPath)
	if err != nil {
		events.Close()
		return fmt.Errorf("open metrics csv: %w", err)
	}

	tel, err := otel.Setup(parent, &otel.Config{
		Enabled:      cfg.OtelExporter != "" && cfg.OtelExporter != string(otel.ExporterNone),
		ServiceName:  "mqttdrill",
		ExporterType: otel.ExporterType(cfg.OtelExporter),
		OTLPEndpoint: cfg.OtelEndpoint,
		OTLPInsecure: cfg.OtelInsecure,
		ShardID:      cfg.ShardID,
	})
	if err != nil {
		slog.Warn("telemetry instrumentation disabled", "error", err)
		tel = nil
	}

	var shard *shardclient.Client
	if cfg.AggregatorEndpoint != "" {
		shardID := cfg.ShardID
		if shardID == "" {
			shardID = fmt.Sprintf("%05d-%05d", cfg.StartID, len(devices))
		}
		shard = shardclient.New(cfg.AggregatorEndpoint, shardID)
	}

	var dash *dashboard.Server
	if !cfg.DisableDashboard && cfg.AggregatorEndpoint == "" {
		dash = dashboard.New(agg, nil)
		if err := dash.Start(cfg.MetricsHost, cfg.MetricsPort); err != nil {
			slog.Warn("could not start metrics dashboard", "error", err)
			dash = nil
		} else {
			fmt.Printf("Dashboard available at http://%s/\n", dash.Addr())
		}
	}

	ClearStopFile(cfg.StopFile)
	plane := NewStopPlane(parent, cfg.Duration, cfg.StopFile)
	ctx := plane.Context()
	agg.SetStopCheck(func() bool { return ctx.Err() != nil })

	var metricsWriterDone chan struct{}
	if cfg.AggregatorEndpoint == "" {
		metricsWriterDone = make(chan struct{})
		go runMetricsFileWriter(ctx, agg, filepath.Join(cfg.MetricsDir, metricsFileName), metricsWriterDone)
	}

	start := NewStartCoordinator(defaultStartLead)

	// The start barrier covers the first ramp stage: once each of its
	// workers has resolved its first connect attempt, the shared start
	// instant is released and later stages join the tick grid in flight.
	firstStage := ramp[0]
	var ready sync.WaitGroup
	ready.Add(firstStage)
	go func() {
		done := make(chan struct{})
		go func() {
			ready.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		start.Release()
	}()

	workerCfg := WorkerConfig{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Topic:       cfg.Topic,
		QoS:         byte(cfg.QoS),
		Interval:    cfg.Interval,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}

	workers := make([]*Worker, len(devices))
	for i, device := range devices {
		var onReady func()
		if i < firstStage {
			onReady = ready.Done
		}
		workers[i] = NewWorker(device, workerCfg, agg, events, start, tel, onReady)
	}

	reporter := NewReporter(agg, csvLog, events, shard, cfg.ReportInterval)
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		reporter.Run(ctx)
	}()

	var wg sync.WaitGroup
	launched := 0
rampLoop:
	for i, target := range ramp {
		if ctx.Err() != nil {
			break
		}
		if target > len(workers) {
			target = len(workers)
		}
		for _, w := range workers[launched:target] {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Run(ctx)
			}(w)
		}
		launched = target
		if launched >= len(workers) {
			break
		}
		if cfg.RampWait > 0 && i != len(ramp)-1 {
			select {
			case <-ctx.Done():
				break rampLoop
			case <-time.After(cfg.RampWait):
			}
		}
	}

	// Wait for cancellation or for the whole fleet to finish on its own.
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
		plane.Trip("workers-finished")
	case <-ctx.Done():
		<-workersDone
	}

	// Ordered shutdown: reporter final pass, sinks drain, aggregator
	// client, dashboard, instrumentation.
	<-reporterDone
	if metricsWriterDone != nil {
		<-metricsWriterDone
	}

	if err := events.Close(); err != nil {
		slog.Warn("event log close failed", "error", err)
	}
	if err := csvLog.Close(); err != nil {
		slog.Warn("metrics csv close failed", "error", err)
	}
	if shard != nil {
		shard.Close()
	}
	if dash != nil {
		if err := dash.Stop(context.Background()); err != nil {
			slog.Warn("dashboard stop failed", "error", err)
		}
	}
	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	plane.Close()

	fmt.Printf("Events saved to %s\n", eventPath)
	fmt.Printf("Metrics saved to %s\n", csvPath)
	return nil
}

// metricsFilePayload is the atomically rewritten metrics.json document read
// by external dashboards in single-process mode.
type metricsFilePayload struct {
	Status  string                   `json:"status"`
	Metrics metrics.Snapshot         `json:"metrics"`
	Devices []metrics.BreakdownEntry `json:"devices"`
}

func runMetricsFileWriter(ctx context.Context, agg *metrics.Aggregator, path string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(metricsFileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeMetricsFile(agg, path, "stopped")
			return
		case <-ticker.C:
			writeMetricsFile(agg, path, "running")
		}
	}
}

// writeMetricsFile writes the snapshot with a temp-file-plus-rename so
// readers never observe a partial document.
func writeMetricsFile(agg *metrics.Aggregator, path, status string) {
	payload := metricsFilePayload{
		Status:  status,
		Metrics: agg.Snapshot(),
		Devices: agg.DeviceBreakdown(metricsDeviceRowLimit),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		slog.Warn("could not encode metrics file", "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("could not write metrics file", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("could not replace metrics file", "path", path, "error", err)
	}
}
