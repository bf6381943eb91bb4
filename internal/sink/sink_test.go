package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/diarboledac/mqttdrill/internal/metrics"
)

func TestEventLogPersistsEverythingOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := NewEventLog(path)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		log.Log(Event{
			Timestamp: time.Now().UTC(),
			Device:    "dev-0",
			Event:     "publish",
			Status:    "success",
		})
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != n {
		t.Fatalf("persisted %d lines, want %d", len(lines), n)
	}
	for i, line := range lines {
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if record["event"] != "publish" {
			t.Fatalf("line %d event = %v", i, record["event"])
		}
	}
}

func TestEventLogOmitsEmptyFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := NewEventLog(path)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	log.Log(Event{Timestamp: time.Now().UTC(), Device: "dev-0", Event: "connected", Host: "localhost", Port: 1883})
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	for _, forbidden := range []string{"error", "reason", "latency_ms", "payload", "status"} {
		if strings.Contains(lines[0], `"`+forbidden+`"`) {
			t.Errorf("empty field %q serialized: %s", forbidden, lines[0])
		}
	}
}

func TestEventLogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := NewEventLog(path)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	log.Log(Event{Event: "late"}) // must not panic
	if err := log.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSnapshotCSVHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	csvLog, err := NewSnapshotCSV(path)
	if err != nil {
		t.Fatalf("NewSnapshotCSV: %v", err)
	}

	avg := 12.5
	snap := metrics.Snapshot{
		Timestamp:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		UptimeSeconds:       30,
		ElapsedSeconds:      30,
		TotalDevices:        2,
		ActiveClients:       2,
		ConnectedDevices:    2,
		SuccessfulPublishes: 12,
		AvgLatencyMs:        &avg,
		MessagesPerSecond:   0.4,
	}
	csvLog.Log(snap)
	csvLog.Log(snap)
	if err := csvLog.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header plus 2 rows", len(lines))
	}
	header := strings.Split(lines[0], ",")
	if len(header) != 17 {
		t.Errorf("header has %d columns, want 17: %v", len(header), header)
	}
	if header[0] != "timestamp" || header[len(header)-1] != "avg_messages_per_device" {
		t.Errorf("unexpected header: %v", header)
	}
	row := strings.Split(lines[1], ",")
	if len(row) != len(header) {
		t.Errorf("row has %d columns, want %d", len(row), len(header))
	}
	if row[0] != "2024-05-01T12:00:00Z" {
		t.Errorf("timestamp column = %q", row[0])
	}
	if row[6] != "12" {
		t.Errorf("successful_publishes column = %q, want 12", row[6])
	}
}

func TestSnapshotCSVEmptyLatency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")
	csvLog, err := NewSnapshotCSV(path)
	if err != nil {
		t.Fatalf("NewSnapshotCSV: %v", err)
	}
	csvLog.Log(metrics.Snapshot{Timestamp: time.Now().UTC()})
	if err := csvLog.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	row := strings.Split(lines[1], ",")
	// avg/p50/p95/p99 columns are 9..12
	for i := 9; i <= 12; i++ {
		if row[i] != "" {
			t.Errorf("column %d = %q, want empty for missing latency", i, row[i])
		}
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}
