package metrics

import (
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func shardSnapshot(success uint64, avgMs float64, ts time.Time) Snapshot {
	return Snapshot{
		Timestamp:           ts,
		UptimeSeconds:       10,
		ElapsedSeconds:      10,
		TotalDevices:        500,
		ActiveClients:       500,
		ConnectedDevices:    500,
		SuccessfulPublishes: success,
		AvgLatencyMs:        floatPtr(avgMs),
		P50LatencyMs:        floatPtr(avgMs),
		P95LatencyMs:        floatPtr(avgMs * 2),
		P99LatencyMs:        floatPtr(avgMs * 3),
		MessagesPerSecond:   float64(success) / 10,
		BytesSent:           success * 100,
		DisconnectCauses:    map[string]uint64{},
	}
}

func TestGlobalSummaryMergesCounts(t *testing.T) {
	g := NewGlobalCollector()
	now := time.Now()
	g.Ingest("00000-00500", shardSnapshot(5000, 10, now), nil)
	g.Ingest("00500-00500", shardSnapshot(5000, 30, now.Add(time.Second)), nil)

	sum := g.Summary()
	if sum.SuccessfulPublishes != 10000 {
		t.Errorf("SuccessfulPublishes = %d, want 10000", sum.SuccessfulPublishes)
	}
	if sum.TotalDevices != 1000 {
		t.Errorf("TotalDevices = %d, want 1000", sum.TotalDevices)
	}
	if sum.BytesSent != 1000000 {
		t.Errorf("BytesSent = %d, want 1000000", sum.BytesSent)
	}
	if sum.AvgLatencyMs == nil || *sum.AvgLatencyMs != 20 {
		t.Errorf("AvgLatencyMs = %v, want successes-weighted mean 20", sum.AvgLatencyMs)
	}
	if !sum.Timestamp.Equal(now.Add(time.Second)) {
		t.Errorf("Timestamp = %v, want max across shards", sum.Timestamp)
	}
	if sum.AvgMessagesPerDevice != 10 {
		t.Errorf("AvgMessagesPerDevice = %v, want 10", sum.AvgMessagesPerDevice)
	}
	if sum.AvgSendRatePerDevice != 1 {
		t.Errorf("AvgSendRatePerDevice = %v, want 1", sum.AvgSendRatePerDevice)
	}
}

func TestGlobalSummaryWeightedLatency(t *testing.T) {
	g := NewGlobalCollector()
	now := time.Now()
	g.Ingest("a", shardSnapshot(900, 10, now), nil)
	g.Ingest("b", shardSnapshot(100, 110, now), nil)

	sum := g.Summary()
	// (900*10 + 100*110) / 1000 = 20
	if sum.AvgLatencyMs == nil || *sum.AvgLatencyMs != 20 {
		t.Errorf("AvgLatencyMs = %v, want 20", sum.AvgLatencyMs)
	}
}

func TestGlobalSummaryCollapse(t *testing.T) {
	g := NewGlobalCollector()
	now := time.Now()

	a := shardSnapshot(10, 5, now)
	a.CollapseTimeSeconds = floatPtr(8.5)
	a.CollapseReason = "network"
	a.DisconnectCauses = map[string]uint64{"network": 3}

	b := shardSnapshot(10, 5, now)
	b.CollapseTimeSeconds = floatPtr(3.2)
	b.CollapseReason = "auth"
	b.DisconnectCauses = map[string]uint64{"network": 1, "auth": 2}

	g.Ingest("a", a, nil)
	g.Ingest("b", b, nil)

	sum := g.Summary()
	if sum.CollapseTimeSeconds == nil || *sum.CollapseTimeSeconds != 3.2 {
		t.Errorf("CollapseTimeSeconds = %v, want earliest 3.2", sum.CollapseTimeSeconds)
	}
	if sum.CollapseReason != "auth, network" {
		t.Errorf("CollapseReason = %q, want sorted union", sum.CollapseReason)
	}
	if sum.DisconnectCauses["network"] != 4 || sum.DisconnectCauses["auth"] != 2 {
		t.Errorf("DisconnectCauses = %v", sum.DisconnectCauses)
	}
}

func TestGlobalIngestIdempotentByShard(t *testing.T) {
	g := NewGlobalCollector()
	now := time.Now()
	g.Ingest("a", shardSnapshot(100, 5, now), nil)
	g.Ingest("a", shardSnapshot(200, 5, now), nil)

	sum := g.Summary()
	if sum.SuccessfulPublishes != 200 {
		t.Errorf("latest payload must replace the prior one: got %d, want 200", sum.SuccessfulPublishes)
	}
	if g.ShardCount() != 1 {
		t.Errorf("ShardCount = %d, want 1", g.ShardCount())
	}
}

func TestGlobalSummaryEmpty(t *testing.T) {
	sum := NewGlobalCollector().Summary()
	if sum.SuccessfulPublishes != 0 || sum.TotalDevices != 0 {
		t.Errorf("empty summary not zeroed: %+v", sum)
	}
	if sum.AvgLatencyMs != nil {
		t.Error("empty summary must not report latency")
	}
	if sum.DisconnectCauses == nil {
		t.Error("disconnect_causes must be an empty map, not nil")
	}
}

func TestGlobalDeviceBreakdown(t *testing.T) {
	g := NewGlobalCollector()
	g.Ingest("a", Snapshot{}, []BreakdownEntry{
		{Device: "dev-1", Messages: 5, Bytes: 500},
		{Device: "dev-2", Messages: 9, Bytes: 900},
	})
	g.Ingest("b", Snapshot{}, []BreakdownEntry{
		{Device: "dev-1", Messages: 7, FailedMessages: 1, Bytes: 700},
	})

	all := g.DeviceBreakdown(0)
	if len(all) != 2 {
		t.Fatalf("breakdown size = %d, want 2", len(all))
	}
	if all[0].Device != "dev-1" || all[0].Messages != 12 || all[0].Bytes != 1200 || all[0].FailedMessages != 1 {
		t.Errorf("merged entry = %+v", all[0])
	}

	top := g.DeviceBreakdown(1)
	if len(top) != 1 || top[0].Device != "dev-1" {
		t.Errorf("top-1 = %v", top)
	}
}
