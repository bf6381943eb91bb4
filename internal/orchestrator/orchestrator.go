// Package orchestrator decides the process topology for a run: a single
// in-process shard, or a fan-out of shard subprocesses reporting to a
// global aggregation endpoint hosted here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/diarboledac/mqttdrill/internal/config"
	"github.com/diarboledac/mqttdrill/internal/dashboard"
	"github.com/diarboledac/mqttdrill/internal/metrics"
	"github.com/diarboledac/mqttdrill/internal/sim"
)

// ErrShardFailed reports that at least one shard exited non-zero; the
// orchestrator surfaces it after printing the merged summary.
var ErrShardFailed = errors.New("at least one shard finished with errors")

const terminateGrace = 10 * time.Second

// Run executes the whole fleet, fanning out to shard processes when the
// split mode calls for it.
func Run(ctx context.Context, cfg *config.Config) error {
	devices, err := sim.PrepareDevices(cfg)
	if err != nil {
		return err
	}
	total := len(devices)

	if !shouldSplit(cfg, total) {
		cfg.Worker = true
		return sim.Run(ctx, cfg)
	}
	return runSharded(ctx, cfg, total)
}

func shouldSplit(cfg *config.Config, total int) bool {
	switch cfg.Split {
	case config.SplitNever:
		return false
	case config.SplitAlways:
		return total > 1
	default:
		return total > cfg.MaxClientsPerProcess
	}
}

func runSharded(ctx context.Context, cfg *config.Config, total int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	perProcess := cfg.MaxClientsPerProcess
	if cfg.Split == config.SplitAlways && perProcess > total {
		perProcess = (total + 1) / 2
	}
	if perProcess < 1 {
		perProcess = 1
	}

	fmt.Printf("Splitting the simulation into processes of up to %d clients (total=%d)\n", perProcess, total)

	collector := metrics.NewGlobalCollector()
	dash := dashboard.New(collector, collector)
	if err := dash.Start(cfg.MetricsHost, cfg.MetricsPort); err != nil {
		return fmt.Errorf("start global dashboard: %w", err)
	}
	defer func() {
		if err := dash.Stop(context.Background()); err != nil {
			slog.Warn("global dashboard stop failed", "error", err)
		}
	}()
	fmt.Printf("Global dashboard available at http://%s/\n", dash.Addr())

	endpoint := fmt.Sprintf("http://127.0.0.1:%d/api/shard", cfg.MetricsPort)

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	type shardResult struct {
		index int
		code  int
	}

	var (
		cmds    []*exec.Cmd
		results = make(chan shardResult)
		wg      sync.WaitGroup
	)

	shardIndex := 0
	for offset := 0; offset < total; offset += perProcess {
		count := min(perProcess, total-offset)
		shardStart := cfg.StartID + offset
		shardID := fmt.Sprintf("%05d-%05d", shardStart, count)

		args := shardArgs(cfg, shardStart, count, endpoint, shardID)
		cmd := exec.Command(executable, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		fmt.Printf("Starting shard %d: start=%d count=%d\n", shardIndex+1, shardStart, count)
		if err := cmd.Start(); err != nil {
			terminateAll(cmds)
			return fmt.Errorf("start shard %d: %w", shardIndex+1, err)
		}
		cmds = append(cmds, cmd)

		wg.Add(1)
		go func(index int, cmd *exec.Cmd) {
			defer wg.Done()
			code := 0
			if err := cmd.Wait(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					code = 1
				}
			}
			results <- shardResult{index: index, code: code}
		}(shardIndex, cmd)
		shardIndex++
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// On interrupt, forward SIGTERM and escalate to SIGKILL after the
	// grace window; a hung shard never outlives the orchestrator.
	interrupted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			slog.Info("interrupt received, stopping shards")
			terminateAll(cmds)
			time.AfterFunc(terminateGrace, func() { killAll(cmds) })
		case <-interrupted:
		}
	}()

	failed := false
	for result := range results {
		if result.code != 0 {
			failed = true
			slog.Warn("shard finished with non-zero exit", "shard", result.index+1, "code", result.code)
		}
	}
	close(interrupted)

	printGlobalSummary(collector)

	if failed {
		return ErrShardFailed
	}
	return nil
}

func printGlobalSummary(collector *metrics.GlobalCollector) {
	summary := collector.Summary()
	fmt.Printf(
		"Global summary | devices=%d connected=%d active=%d ok=%d fail=%d avg=%s p99=%s rate=%.4f msg/s\n",
		summary.TotalDevices,
		summary.ConnectedDevices,
		summary.ActiveClients,
		summary.SuccessfulPublishes,
		summary.FailedPublishes,
		formatMs(summary.AvgLatencyMs),
		formatMs(summary.P99LatencyMs),
		summary.MessagesPerSecond,
	)
}

func formatMs(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3fms", *v)
}

func terminateAll(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

func killAll(cmds []*exec.Cmd) {
	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// shardArgs echoes the run configuration to a child shard process.
func shardArgs(cfg *config.Config, startID, count int, endpoint, shardID string) []string {
	args := []string{
		"--worker",
		"--start-id", strconv.Itoa(startID),
		"--count", strconv.Itoa(count),
		"--device-count", strconv.Itoa(count),
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--interval", cfg.Interval.String(),
		"--duration", cfg.Duration.String(),
		"--report-interval", cfg.ReportInterval.String(),
		"--topic", cfg.Topic,
		"--qos", strconv.Itoa(cfg.QoS),
		"--log-dir", cfg.LogDir,
		"--metrics-dir", cfg.MetricsDir,
		"--backoff-base", cfg.BackoffBase.String(),
		"--backoff-max", cfg.BackoffMax.String(),
		"--ramp-wait", cfg.RampWait.String(),
		"--metrics-host", cfg.MetricsHost,
		"--metrics-refresh", strconv.Itoa(cfg.MetricsRefreshMS),
		"--max-clients-per-process", strconv.Itoa(cfg.MaxClientsPerProcess),
		"--split", "never",
		"--disable-dashboard",
		"--aggregator-endpoint", endpoint,
		"--shard-id", shardID,
	}
	if cfg.TokensFile != "" {
		args = append(args, "--tokens-file", cfg.TokensFile)
	}
	if cfg.TokenPrefix != "" {
		args = append(args, "--token-prefix", cfg.TokenPrefix)
	}
	if len(cfg.Ramp) > 0 {
		args = append(args, "--ramp", joinInts(cfg.Ramp))
	}
	if len(cfg.RampPercentages) > 0 {
		args = append(args, "--ramp-percentages", joinFloats(cfg.RampPercentages))
	}
	if cfg.OtelExporter != "" {
		args = append(args, "--otel-exporter", cfg.OtelExporter)
		if cfg.OtelEndpoint != "" {
			args = append(args, "--otel-endpoint", cfg.OtelEndpoint)
		}
		if cfg.OtelInsecure {
			args = append(args, "--otel-insecure")
		}
	}
	return args
}

func joinInts(values []int) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += strconv.Itoa(v)
	}
	return out
}

func joinFloats(values []float64) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += strconv.FormatFloat(v, 'f', -1, 64)
	}
	return out
}
