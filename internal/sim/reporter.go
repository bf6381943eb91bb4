package sim

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/diarboledac/mqttdrill/internal/metrics"
	"github.com/diarboledac/mqttdrill/internal/shardclient"
	"github.com/diarboledac/mqttdrill/internal/sink"
)

// hostHealth is the worker-health record appended to the event log on each
// reporting tick.
type hostHealth struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

// Reporter periodically snapshots the aggregator, appends a CSV row,
// forwards the snapshot to the global aggregator when configured, and
// prints a one-line summary. It never mutates aggregator state. A final
// pass runs after cancellation.
type Reporter struct {
	agg      *metrics.Aggregator
	csv      *sink.SnapshotCSV
	events   *sink.EventLog
	shard    *shardclient.Client
	interval time.Duration

	proc *process.Process
}

// NewReporter wires a reporter; shard may be nil when no aggregator
// endpoint is configured.
func NewReporter(agg *metrics.Aggregator, csv *sink.SnapshotCSV, events *sink.EventLog, shard *shardclient.Client, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Reporter{
		agg:      agg,
		csv:      csv,
		events:   events,
		shard:    shard,
		interval: interval,
		proc:     proc,
	}
}

// Run loops until the context is cancelled, then emits the final snapshot.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report(context.Background(), true)
			return
		case <-ticker.C:
			r.report(ctx, false)
		}
	}
}

func (r *Reporter) report(ctx context.Context, final bool) {
	snap := r.agg.Snapshot()
	r.csv.Log(snap)

	if r.shard != nil {
		r.shard.Send(ctx, snap, r.agg.DeviceBreakdown(0))
	}

	r.logHealth()

	if final {
		fmt.Printf("[%s] final summary -> ok=%d fail=%d avg=%s p99=%s bw=%.4f Mbps\n",
			snap.Timestamp.UTC().Format(time.RFC3339),
			snap.SuccessfulPublishes,
			snap.FailedPublishes,
			formatLatency(snap.AvgLatencyMs),
			formatLatency(snap.P99LatencyMs),
			snap.BandwidthMbps,
		)
		return
	}
	fmt.Printf("[%s] active=%d/%d ok=%d fail=%d avg=%s p95=%s p99=%s rate=%.4f msg/s bw=%.4f Mbps\n",
		snap.Timestamp.UTC().Format(time.RFC3339),
		snap.ActiveClients,
		snap.TotalDevices,
		snap.SuccessfulPublishes,
		snap.FailedPublishes,
		formatLatency(snap.AvgLatencyMs),
		formatLatency(snap.P95LatencyMs),
		formatLatency(snap.P99LatencyMs),
		snap.MessagesPerSecond,
		snap.BandwidthMbps,
	)
}

func (r *Reporter) logHealth() {
	health := hostHealth{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		health.CPUPercent = percents[0]
	}
	if r.proc != nil {
		if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
			health.RSSBytes = mem.RSS
		}
	}
	r.events.Log(sink.Event{
		Timestamp: time.Now().UTC(),
		Event:     "worker_health",
		Extra:     health,
	})
}

func formatLatency(ms *float64) string {
	if ms == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1fms", *ms)
}
