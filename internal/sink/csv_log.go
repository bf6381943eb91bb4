package sink

import (
	"encoding/csv"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diarboledac/mqttdrill/internal/metrics"
)

// csvHeader is the fixed snapshot schema. The header is written once at
// start; one row follows per periodic snapshot plus a final row at
// shutdown.
var csvHeader = []string{
	"timestamp",
	"uptime_seconds",
	"elapsed_seconds",
	"total_devices",
	"active_clients",
	"connected_devices",
	"successful_publishes",
	"failed_publishes",
	"failed_devices",
	"avg_latency_ms",
	"p50_latency_ms",
	"p95_latency_ms",
	"p99_latency_ms",
	"messages_per_second",
	"bandwidth_mbps",
	"avg_send_rate_per_device",
	"avg_messages_per_device",
}

// SnapshotCSV appends metrics snapshots as CSV rows through a bounded
// queue. Like EventLog, a full queue blocks the producer and Close drains
// everything before returning.
type SnapshotCSV struct {
	queue  chan metrics.Snapshot
	file   *os.File
	writer *csv.Writer

	done   chan struct{}
	closed atomic.Bool
	rows   atomic.Int64
	once   sync.Once
}

// NewSnapshotCSV creates the CSV file at path and writes the header.
func NewSnapshotCSV(path string) (*SnapshotCSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}

	s := &SnapshotCSV{
		queue:  make(chan metrics.Snapshot, defaultQueueSize),
		file:   f,
		writer: w,
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Log enqueues one snapshot row, blocking if the queue is full.
func (s *SnapshotCSV) Log(snap metrics.Snapshot) {
	if s.closed.Load() {
		return
	}
	s.queue <- snap
}

func (s *SnapshotCSV) run() {
	defer close(s.done)
	for snap := range s.queue {
		if err := s.writer.Write(snapshotRow(snap)); err != nil {
			slog.Warn("snapshot csv write failed", "error", err)
			continue
		}
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			slog.Warn("snapshot csv flush failed", "error", err)
			continue
		}
		s.rows.Add(1)
	}
}

// Rows returns the number of data rows persisted so far.
func (s *SnapshotCSV) Rows() int64 {
	return s.rows.Load()
}

// Close drains the queue, flushes, and closes the file.
func (s *SnapshotCSV) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.queue)
		<-s.done
		s.writer.Flush()
		if werr := s.writer.Error(); werr != nil {
			err = werr
		}
		if serr := s.file.Sync(); serr != nil && err == nil {
			err = serr
		}
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func snapshotRow(snap metrics.Snapshot) []string {
	return []string{
		snap.Timestamp.UTC().Format(time.RFC3339),
		formatFloat(snap.UptimeSeconds),
		formatFloat(snap.ElapsedSeconds),
		strconv.Itoa(snap.TotalDevices),
		strconv.Itoa(snap.ActiveClients),
		strconv.Itoa(snap.ConnectedDevices),
		strconv.FormatUint(snap.SuccessfulPublishes, 10),
		strconv.FormatUint(snap.FailedPublishes, 10),
		strconv.Itoa(snap.FailedDevices),
		formatOptional(snap.AvgLatencyMs),
		formatOptional(snap.P50LatencyMs),
		formatOptional(snap.P95LatencyMs),
		formatOptional(snap.P99LatencyMs),
		formatFloat(snap.MessagesPerSecond),
		formatFloat(snap.BandwidthMbps),
		formatFloat(snap.AvgSendRatePerDevice),
		formatFloat(snap.AvgMessagesPerDevice),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
