package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestRecordPublishSuccess(t *testing.T) {
	agg := NewAggregator(2)
	agg.RecordClientConnected("dev-0")
	agg.RecordPublishSuccess("dev-0", 0.010, 100)
	agg.RecordPublishSuccess("dev-0", 0.030, 150)

	snap := agg.Snapshot()
	if snap.SuccessfulPublishes != 2 {
		t.Errorf("SuccessfulPublishes = %d, want 2", snap.SuccessfulPublishes)
	}
	if snap.FailedPublishes != 0 {
		t.Errorf("FailedPublishes = %d, want 0", snap.FailedPublishes)
	}
	if snap.BytesSent != 250 {
		t.Errorf("BytesSent = %d, want 250", snap.BytesSent)
	}
	if snap.AvgLatencyMs == nil {
		t.Fatal("AvgLatencyMs missing")
	}
	assertClose(t, "avg latency", *snap.AvgLatencyMs, 20)
	if snap.CollapseTimeSeconds != nil {
		t.Errorf("collapse set on a healthy run: %v", *snap.CollapseTimeSeconds)
	}
}

func TestPeakConnectedMonotonic(t *testing.T) {
	agg := NewAggregator(3)
	agg.RecordClientConnected("a")
	agg.RecordClientConnected("b")
	agg.RecordClientDisconnected("a", "graceful", true)
	agg.RecordClientConnected("c")

	snap := agg.Snapshot()
	if snap.PeakConnectedDevices != 2 {
		t.Errorf("PeakConnectedDevices = %d, want 2", snap.PeakConnectedDevices)
	}
	if snap.ActiveClients != 2 {
		t.Errorf("ActiveClients = %d, want 2", snap.ActiveClients)
	}
}

func TestCollapseSetOnce(t *testing.T) {
	agg := NewAggregator(2)
	agg.RecordClientConnected("a")
	agg.RecordClientConnected("b")
	agg.RecordClientDisconnected("a", "network", false)
	first := agg.Snapshot()
	if first.CollapseTimeSeconds == nil {
		t.Fatal("collapse not set after non-graceful disconnect")
	}
	if first.CollapseReason != "network" {
		t.Errorf("CollapseReason = %q, want %q", first.CollapseReason, "network")
	}

	time.Sleep(10 * time.Millisecond)
	agg.RecordPublishFailure("b", "broker")
	second := agg.Snapshot()
	if *second.CollapseTimeSeconds != *first.CollapseTimeSeconds {
		t.Errorf("collapse time changed from %v to %v", *first.CollapseTimeSeconds, *second.CollapseTimeSeconds)
	}
	if second.CollapseReason != "network" {
		t.Errorf("collapse reason changed to %q", second.CollapseReason)
	}
	if second.DisconnectCauses["broker"] != 1 {
		t.Errorf("later incidents must still accumulate in disconnect_causes: %v", second.DisconnectCauses)
	}
}

func TestCollapseOnEmptyActiveSet(t *testing.T) {
	agg := NewAggregator(1)
	agg.RecordClientConnected("a")
	agg.RecordClientDisconnected("a", "loop_exit", true)

	snap := agg.Snapshot()
	if snap.CollapseTimeSeconds == nil {
		t.Fatal("losing the last client before cancellation must count as collapse")
	}
}

func TestNoCollapseWhenStopping(t *testing.T) {
	agg := NewAggregator(1)
	agg.RecordClientConnected("a")
	agg.SetStopping()
	agg.RecordClientDisconnected("a", "stopped", true)

	snap := agg.Snapshot()
	if snap.CollapseTimeSeconds != nil {
		t.Errorf("graceful shutdown must not count as collapse: %v", *snap.CollapseTimeSeconds)
	}
}

func TestPercentiles(t *testing.T) {
	agg := NewAggregator(1)
	// 10ms .. 100ms
	for i := 1; i <= 10; i++ {
		agg.RecordPublishSuccess("a", float64(i)*0.010, 10)
	}

	snap := agg.Snapshot()
	if snap.P50LatencyMs == nil || snap.P95LatencyMs == nil || snap.P99LatencyMs == nil {
		t.Fatal("percentiles missing")
	}
	assertClose(t, "p50", *snap.P50LatencyMs, 55)
	assertClose(t, "p95", *snap.P95LatencyMs, 95.5)
	assertClose(t, "p99", *snap.P99LatencyMs, 99.1)

	if !(*snap.P50LatencyMs <= *snap.P95LatencyMs && *snap.P95LatencyMs <= *snap.P99LatencyMs) {
		t.Errorf("percentile order violated: p50=%v p95=%v p99=%v",
			*snap.P50LatencyMs, *snap.P95LatencyMs, *snap.P99LatencyMs)
	}
}

func TestPercentileSingleSample(t *testing.T) {
	agg := NewAggregator(1)
	agg.RecordPublishSuccess("a", 0.042, 10)

	snap := agg.Snapshot()
	for name, v := range map[string]*float64{
		"avg": snap.AvgLatencyMs,
		"p50": snap.P50LatencyMs,
		"p95": snap.P95LatencyMs,
		"p99": snap.P99LatencyMs,
	} {
		if v == nil {
			t.Fatalf("%s missing for single sample", name)
		}
		assertClose(t, name, *v, 42)
	}
}

func TestPercentileEmpty(t *testing.T) {
	snap := NewAggregator(1).Snapshot()
	if snap.AvgLatencyMs != nil || snap.P50LatencyMs != nil || snap.P95LatencyMs != nil || snap.P99LatencyMs != nil {
		t.Error("latency statistics must be absent with no samples")
	}
}

func TestDeviceBreakdownOrderAndPrefix(t *testing.T) {
	agg := NewAggregator(3)
	for i := 0; i < 5; i++ {
		agg.RecordPublishSuccess("busy", 0.01, 10)
	}
	for i := 0; i < 3; i++ {
		agg.RecordPublishSuccess("medium", 0.01, 10)
	}
	agg.RecordPublishSuccess("quiet", 0.01, 10)
	agg.RecordPublishFailure("quiet", "broker")

	all := agg.DeviceBreakdown(0)
	if len(all) != 3 {
		t.Fatalf("breakdown size = %d, want 3", len(all))
	}
	if all[0].Device != "busy" || all[1].Device != "medium" || all[2].Device != "quiet" {
		t.Errorf("breakdown order = %v", all)
	}
	if all[2].FailedMessages != 1 {
		t.Errorf("quiet failed_messages = %d, want 1", all[2].FailedMessages)
	}

	for k := 1; k < len(all); k++ {
		shorter := agg.DeviceBreakdown(k)
		longer := agg.DeviceBreakdown(k + 1)
		for i := range shorter {
			if shorter[i] != longer[i] {
				t.Errorf("breakdown(%d) is not a prefix of breakdown(%d)", k, k+1)
			}
		}
	}
}

func TestSummaryTotalDevices(t *testing.T) {
	agg := NewAggregator(2)
	for _, id := range []string{"a", "b", "c", "d"} {
		agg.RecordClientConnected(id)
	}
	summary := agg.Summary()
	if summary.TotalDevices != 4 {
		t.Errorf("Summary TotalDevices = %d, want max(declared, seen) = 4", summary.TotalDevices)
	}
}

func TestSnapshotMonotonic(t *testing.T) {
	agg := NewAggregator(1)
	agg.RecordPublishSuccess("a", 0.01, 100)
	first := agg.Snapshot()
	agg.RecordPublishSuccess("a", 0.01, 100)
	second := agg.Snapshot()

	if second.SuccessfulPublishes < first.SuccessfulPublishes {
		t.Error("success count went backwards")
	}
	if second.BytesSent < first.BytesSent {
		t.Error("bytes sent went backwards")
	}
}

func TestConcurrentRecording(t *testing.T) {
	agg := NewAggregator(8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			agg.RecordClientConnected(id)
			for j := 0; j < 100; j++ {
				agg.RecordPublishSuccess(id, 0.001, 10)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = agg.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := agg.Snapshot()
	if snap.SuccessfulPublishes != 800 {
		t.Errorf("SuccessfulPublishes = %d, want 800", snap.SuccessfulPublishes)
	}
	if snap.BytesSent != 8000 {
		t.Errorf("BytesSent = %d, want 8000", snap.BytesSent)
	}
}

func assertClose(t *testing.T, name string, got, want float64) {
	t.Helper()
	if diff := got - want; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}
