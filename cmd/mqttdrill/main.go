package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/diarboledac/mqttdrill/internal/config"
	"github.com/diarboledac/mqttdrill/internal/orchestrator"
	"github.com/diarboledac/mqttdrill/internal/sim"
)

func main() {
	cfg := config.Default()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "MQTT broker host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "MQTT broker port")
	flag.StringVar(&cfg.TokensFile, "tokens-file", cfg.TokensFile, "Path to the JSON token store")
	flag.StringVar(&cfg.TokenPrefix, "token-prefix", cfg.TokenPrefix, "Prefix for synthetic tokens when no token store exists")
	flag.IntVar(&cfg.DeviceCount, "device-count", cfg.DeviceCount, "Total number of devices to simulate (0 = all available tokens)")
	flag.IntVar(&cfg.StartID, "start-id", cfg.StartID, "Offset into the token list (for running multiple instances)")
	flag.IntVar(&cfg.Count, "count", cfg.Count, "Number of devices to take from start-id")
	flag.StringVar(&cfg.Topic, "topic", cfg.Topic, "MQTT topic for telemetry")
	flag.IntVar(&cfg.QoS, "qos", cfg.QoS, "MQTT QoS (0, 1 or 2)")
	flag.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Telemetry publish interval")
	flag.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Total test duration (0 = run until interrupted)")
	ramp := flag.String("ramp", "", "Comma-separated cumulative device counts for load ramping")
	rampPercentages := flag.String("ramp-percentages", "", "Comma-separated cumulative percentages (e.g. 25,50,100) for load ramping")
	flag.DurationVar(&cfg.RampWait, "ramp-wait", cfg.RampWait, "Dwell between ramp stages")
	flag.DurationVar(&cfg.ReportInterval, "report-interval", cfg.ReportInterval, "Interval between periodic console reports")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for JSONL event logs")
	flag.StringVar(&cfg.MetricsDir, "metrics-dir", cfg.MetricsDir, "Directory for CSV metrics")
	flag.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "Initial reconnect backoff")
	flag.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum reconnect backoff")
	flag.StringVar(&cfg.MetricsHost, "metrics-host", cfg.MetricsHost, "Host for the metrics dashboard")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Port for the metrics dashboard")
	flag.IntVar(&cfg.MetricsRefreshMS, "metrics-refresh", cfg.MetricsRefreshMS, "Dashboard refresh interval in ms (validated only; the served page polls every 2000 ms)")
	flag.BoolVar(&cfg.DisableDashboard, "disable-dashboard", cfg.DisableDashboard, "Disable the metrics dashboard")
	flag.IntVar(&cfg.MaxClientsPerProcess, "max-clients-per-process", cfg.MaxClientsPerProcess, "Maximum clients per process before splitting into shards")
	split := flag.String("split", string(cfg.Split), "Shard split mode: never, auto, or always")
	flag.StringVar(&cfg.StopFile, "stop-file", cfg.StopFile, "Path of the out-of-band stop sentinel file")
	flag.StringVar(&cfg.OtelExporter, "otel-exporter", cfg.OtelExporter, "OpenTelemetry exporter: none, stdout, otlp-grpc, or otlp-http")
	flag.StringVar(&cfg.OtelEndpoint, "otel-endpoint", cfg.OtelEndpoint, "OTLP endpoint (host:port)")
	flag.BoolVar(&cfg.OtelInsecure, "otel-insecure", cfg.OtelInsecure, "Disable TLS for OTLP connections")
	flag.BoolVar(&cfg.Worker, "worker", cfg.Worker, "")
	aggregatorEndpoint := flag.String("aggregator-endpoint", "", "")
	shardID := flag.String("shard-id", "", "")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg.Split = config.SplitMode(*split)
	cfg.AggregatorEndpoint = *aggregatorEndpoint
	cfg.ShardID = *shardID

	if *ramp != "" {
		values, err := config.ParseIntList(*ramp)
		if err != nil {
			fatalConfig(err)
		}
		cfg.Ramp = values
		cfg.RampPercentages = nil
	}
	if *rampPercentages != "" {
		values, err := config.ParsePercentList(*rampPercentages)
		if err != nil {
			fatalConfig(err)
		}
		cfg.RampPercentages = values
		if *ramp == "" {
			cfg.Ramp = nil
		}
	}

	if err := cfg.Validate(); err != nil {
		fatalConfig(err)
	}

	var err error
	if cfg.Worker {
		err = sim.Run(context.Background(), cfg)
	} else {
		err = orchestrator.Run(context.Background(), cfg)
	}
	if err != nil {
		if errors.Is(err, orchestrator.ErrShardFailed) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fatalConfig(err)
	}
}

func fatalConfig(err error) {
	fmt.Fprintf(os.Stderr, "mqttdrill: %v\n", err)
	os.Exit(1)
}
