package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Provider is the read side shared by the per-shard Aggregator and the
// GlobalCollector; the dashboard server only ever talks to this.
type Provider interface {
	Summary() Snapshot
	DeviceBreakdown(limit int) []BreakdownEntry
}

// GlobalCollector merges the most recent snapshot reported by each shard
// into a single cluster-wide view. Ingest is idempotent by shard id: the
// latest payload replaces the prior one.
type GlobalCollector struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	devices   map[string][]BreakdownEntry
}

func NewGlobalCollector() *GlobalCollector {
	return &GlobalCollector{
		snapshots: make(map[string]Snapshot),
		devices:   make(map[string][]BreakdownEntry),
	}
}

// Ingest stores the latest snapshot and device breakdown for a shard.
func (g *GlobalCollector) Ingest(shardID string, snap Snapshot, devices []BreakdownEntry) {
	if shardID == "" {
		shardID = "default"
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshots[shardID] = snap
	g.devices[shardID] = devices
}

// ShardCount returns the number of shards that have reported at least once.
func (g *GlobalCollector) ShardCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.snapshots)
}

// Summary merges the stored shard snapshots: counters are summed, latency
// statistics are success-weighted means, timestamps and elapsed times take
// the shard maximum, and the earliest collapse wins.
func (g *GlobalCollector) Summary() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out Snapshot
	if len(g.snapshots) == 0 {
		out.DisconnectCauses = map[string]uint64{}
		return out
	}

	var (
		weightedAvg, weightedP50, weightedP95, weightedP99 float64
		latencyWeight                                      float64
		collapseReasons                                    = make(map[string]struct{})
	)
	out.DisconnectCauses = make(map[string]uint64)

	for _, snap := range g.snapshots {
		out.TotalDevices += snap.TotalDevices
		out.ActiveClients += snap.ActiveClients
		out.ConnectedDevices += snap.ConnectedDevices
		out.PeakConnectedDevices += snap.PeakConnectedDevices
		out.FailedDevices += snap.FailedDevices
		out.SuccessfulPublishes += snap.SuccessfulPublishes
		out.FailedPublishes += snap.FailedPublishes
		out.BytesSent += snap.BytesSent
		out.DataVolumeMB += snap.DataVolumeMB
		out.ChannelsInUse += snap.ChannelsInUse
		out.MessagesPerSecond += snap.MessagesPerSecond
		out.BandwidthMbps += snap.BandwidthMbps

		if snap.AvgLatencyMs != nil && snap.SuccessfulPublishes > 0 {
			w := float64(snap.SuccessfulPublishes)
			weightedAvg += *snap.AvgLatencyMs * w
			latencyWeight += w
			if snap.P50LatencyMs != nil {
				weightedP50 += *snap.P50LatencyMs * w
			}
			if snap.P95LatencyMs != nil {
				weightedP95 += *snap.P95LatencyMs * w
			}
			if snap.P99LatencyMs != nil {
				weightedP99 += *snap.P99LatencyMs * w
			}
		}

		if snap.Timestamp.After(out.Timestamp) {
			out.Timestamp = snap.Timestamp
		}
		if snap.UptimeSeconds > out.UptimeSeconds {
			out.UptimeSeconds = snap.UptimeSeconds
		}
		if snap.ElapsedSeconds > out.ElapsedSeconds {
			out.ElapsedSeconds = snap.ElapsedSeconds
		}

		if snap.CollapseTimeSeconds != nil {
			if out.CollapseTimeSeconds == nil || *snap.CollapseTimeSeconds < *out.CollapseTimeSeconds {
				v := *snap.CollapseTimeSeconds
				out.CollapseTimeSeconds = &v
			}
		}
		if snap.CollapseReason != "" {
			collapseReasons[snap.CollapseReason] = struct{}{}
		}

		for cause, count := range snap.DisconnectCauses {
			out.DisconnectCauses[cause] += count
		}
	}

	if latencyWeight > 0 {
		avg := weightedAvg / latencyWeight
		p50 := weightedP50 / latencyWeight
		p95 := weightedP95 / latencyWeight
		p99 := weightedP99 / latencyWeight
		out.AvgLatencyMs = &avg
		out.P50LatencyMs = &p50
		out.P95LatencyMs = &p95
		out.P99LatencyMs = &p99
	}

	if len(collapseReasons) > 0 {
		reasons := make([]string, 0, len(collapseReasons))
		for r := range collapseReasons {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		out.CollapseReason = strings.Join(reasons, ", ")
	}

	if out.TotalDevices > 0 {
		out.AvgMessagesPerDevice = float64(out.SuccessfulPublishes) / float64(out.TotalDevices)
		if out.ElapsedSeconds > 0 {
			out.AvgSendRatePerDevice = float64(out.SuccessfulPublishes) / out.ElapsedSeconds / float64(out.TotalDevices)
		}
	}

	return out
}

// DeviceBreakdown sums per-device counters across shards and returns the
// top entries by message count. limit <= 0 returns all devices.
func (g *GlobalCollector) DeviceBreakdown(limit int) []BreakdownEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	merged := make(map[string]*BreakdownEntry)
	for _, shard := range g.devices {
		for _, entry := range shard {
			acc, ok := merged[entry.Device]
			if !ok {
				acc = &BreakdownEntry{Device: entry.Device}
				merged[entry.Device] = acc
			}
			acc.Messages += entry.Messages
			acc.FailedMessages += entry.FailedMessages
			acc.Bytes += entry.Bytes
		}
	}

	entries := make([]BreakdownEntry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Messages != entries[j].Messages {
			return entries[i].Messages > entries[j].Messages
		}
		return entries[i].Device < entries[j].Device
	})
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
