// Package metrics provides the per-shard telemetry aggregator and the
// orchestrator-side global collector that merges shard snapshots.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DeviceStatus is the coarse lifecycle state of a simulated device.
type DeviceStatus string

const (
	StatusPending      DeviceStatus = "pending"
	StatusConnected    DeviceStatus = "connected"
	StatusDisconnected DeviceStatus = "disconnected"
	StatusFailed       DeviceStatus = "failed"
)

// deviceStats is the mutable per-device record. Owned by the Aggregator and
// guarded by its lock; external callers only ever see copies.
type deviceStats struct {
	status        DeviceStatus
	lastStage     string
	lastSeen      time.Time
	lastFailure   time.Time
	failureReason string
	messages      uint64
	failed        uint64
	bytes         uint64
}

// BreakdownEntry is one row of the per-device breakdown, ordered by
// message count descending.
type BreakdownEntry struct {
	Device         string `json:"device"`
	Messages       uint64 `json:"messages"`
	FailedMessages uint64 `json:"failed_messages"`
	Bytes          uint64 `json:"bytes"`
}

// Snapshot is an immutable view of the aggregator at one instant. Field
// names define the wire format consumed by the dashboard and the global
// collector; latency fields are nil when no sample exists yet.
type Snapshot struct {
	Timestamp            time.Time         `json:"timestamp"`
	UptimeSeconds        float64           `json:"uptime_seconds"`
	ElapsedSeconds       float64           `json:"elapsed_seconds"`
	TotalDevices         int               `json:"total_devices"`
	ActiveClients        int               `json:"active_clients"`
	ConnectedDevices     int               `json:"connected_devices"`
	PeakConnectedDevices int               `json:"peak_connected_devices"`
	FailedDevices        int               `json:"failed_devices"`
	SuccessfulPublishes  uint64            `json:"successful_publishes"`
	FailedPublishes      uint64            `json:"failed_publishes"`
	AvgLatencyMs         *float64          `json:"avg_latency_ms"`
	P50LatencyMs         *float64          `json:"p50_latency_ms"`
	P95LatencyMs         *float64          `json:"p95_latency_ms"`
	P99LatencyMs         *float64          `json:"p99_latency_ms"`
	MessagesPerSecond    float64           `json:"messages_per_second"`
	BandwidthMbps        float64           `json:"bandwidth_mbps"`
	BytesSent            uint64            `json:"bytes_sent"`
	DataVolumeMB         float64           `json:"data_volume_mb"`
	AvgSendRatePerDevice float64           `json:"avg_send_rate_per_device"`
	AvgMessagesPerDevice float64           `json:"avg_messages_per_device"`
	ChannelsInUse        int               `json:"channels_in_use"`
	CollapseTimeSeconds  *float64          `json:"collapse_time_seconds"`
	CollapseReason       string            `json:"collapse_reason,omitempty"`
	DisconnectCauses     map[string]uint64 `json:"disconnect_causes"`
}

// Aggregator records per-device and global counters for one shard. All
// mutations and reads go through a single mutex; snapshot reads are
// linearizable with respect to record operations.
type Aggregator struct {
	mu sync.Mutex

	totalDevices int
	startedAt    time.Time

	active map[string]struct{}
	seen   map[string]struct{}
	failed map[string]struct{}

	successCount uint64
	failureCount uint64
	bytesSent    uint64

	latencies     []float64
	latencySum    float64
	sortedCache   []float64
	cacheSorted   bool
	peakConnected int

	devices map[string]*deviceStats

	disconnectCauses map[string]uint64

	stopping       bool
	stopCheck      func() bool
	collapsedAt    time.Time
	collapseReason string

	now func() time.Time
}

// NewAggregator creates an aggregator for a shard of totalDevices declared
// devices. Devices observed beyond the declared count still count.
func NewAggregator(totalDevices int) *Aggregator {
	return &Aggregator{
		totalDevices:     totalDevices,
		startedAt:        time.Now(),
		active:           make(map[string]struct{}),
		seen:             make(map[string]struct{}),
		failed:           make(map[string]struct{}),
		devices:          make(map[string]*deviceStats),
		disconnectCauses: make(map[string]uint64),
		now:              time.Now,
	}
}

func (a *Aggregator) deviceLocked(id string) *deviceStats {
	d, ok := a.devices[id]
	if !ok {
		d = &deviceStats{status: StatusPending, lastStage: "startup"}
		a.devices[id] = d
	}
	return d
}

// markCollapseLocked sets the one-shot collapse marker. Later incidents only
// accumulate in disconnect_causes.
func (a *Aggregator) markCollapseLocked(reason string) {
	if a.collapsedAt.IsZero() {
		a.collapsedAt = a.now()
		a.collapseReason = reason
	}
}

// SetStopping marks that cancellation has been requested, so losing the
// last active client during shutdown is not treated as a collapse.
func (a *Aggregator) SetStopping() {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()
}

// SetStopCheck installs a predicate consulted alongside SetStopping; the
// runtime points it at its cancellation context so there is no window
// between cancellation and the flag being observed.
func (a *Aggregator) SetStopCheck(check func() bool) {
	a.mu.Lock()
	a.stopCheck = check
	a.mu.Unlock()
}

func (a *Aggregator) stoppingLocked() bool {
	if a.stopping {
		return true
	}
	return a.stopCheck != nil && a.stopCheck()
}

// RecordClientConnected registers a successful connect.
func (a *Aggregator) RecordClientConnected(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[deviceID] = struct{}{}
	a.seen[deviceID] = struct{}{}
	if len(a.active) > a.peakConnected {
		a.peakConnected = len(a.active)
	}
	d := a.deviceLocked(deviceID)
	d.status = StatusConnected
	d.lastStage = "connect"
}

// RecordClientDisconnected removes the device from the active set. A
// non-graceful disconnect marks the device failed, counts the cause, and
// sets the collapse marker if it is the first incident.
func (a *Aggregator) RecordClientDisconnected(deviceID, reason string, graceful bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, deviceID)
	d := a.deviceLocked(deviceID)
	d.lastStage = "disconnect"
	if graceful {
		d.status = StatusDisconnected
		if len(a.active) == 0 && !a.stoppingLocked() {
			a.markCollapseLocked("all clients disconnected")
		}
		return
	}
	d.status = StatusFailed
	d.failureReason = reason
	d.lastFailure = a.now()
	a.failed[deviceID] = struct{}{}
	if reason == "" {
		reason = "disconnect"
	}
	a.disconnectCauses[reason]++
	a.markCollapseLocked(reason)
}

// RecordPublishSuccess accounts one delivered message.
func (a *Aggregator) RecordPublishSuccess(deviceID string, latencySeconds float64, payloadBytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successCount++
	a.latencies = append(a.latencies, latencySeconds)
	a.latencySum += latencySeconds
	a.cacheSorted = false
	a.bytesSent += uint64(payloadBytes)
	d := a.deviceLocked(deviceID)
	d.status = StatusConnected
	d.lastStage = "publish"
	d.lastSeen = a.now()
	d.messages++
	d.bytes += uint64(payloadBytes)
}

// RecordPublishFailure accounts one failed publish attempt.
func (a *Aggregator) RecordPublishFailure(deviceID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount++
	a.failed[deviceID] = struct{}{}
	d := a.deviceLocked(deviceID)
	d.status = StatusFailed
	d.lastStage = "publish"
	d.lastFailure = a.now()
	d.failureReason = reason
	d.failed++
	if reason == "" {
		reason = "publish failure"
	}
	a.disconnectCauses[reason]++
	a.markCollapseLocked(reason)
}

// RecordConnectionFailure is like RecordPublishFailure but does not bump the
// per-device message counters.
func (a *Aggregator) RecordConnectionFailure(deviceID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failureCount++
	a.failed[deviceID] = struct{}{}
	d := a.deviceLocked(deviceID)
	d.status = StatusFailed
	d.lastStage = "connect"
	d.lastFailure = a.now()
	d.failureReason = reason
	if reason == "" {
		reason = "connection failure"
	}
	a.disconnectCauses[reason]++
	a.markCollapseLocked(reason)
}

// sortedLatenciesLocked lazily re-sorts the latency cache. Callers must hold
// the lock. Percentile queries never mutate counters, only this cache.
func (a *Aggregator) sortedLatenciesLocked() []float64 {
	if len(a.latencies) == 0 {
		return nil
	}
	if !a.cacheSorted {
		a.sortedCache = append(a.sortedCache[:0], a.latencies...)
		sort.Float64s(a.sortedCache)
		a.cacheSorted = true
	}
	return a.sortedCache
}

// percentile computes the p-th percentile of sorted data using linear
// interpolation between closest ranks. Returns nil for empty input.
func percentile(sorted []float64, p float64) *float64 {
	if len(sorted) == 0 {
		return nil
	}
	if len(sorted) == 1 {
		v := sorted[0]
		return &v
	}
	rank := float64(len(sorted)-1) * p / 100.0
	lower := math.Floor(rank)
	upper := math.Ceil(rank)
	if lower == upper {
		v := sorted[int(rank)]
		return &v
	}
	lo := sorted[int(lower)]
	hi := sorted[int(upper)]
	v := lo + (hi-lo)*(rank-lower)
	return &v
}

func toMillis(v *float64) *float64 {
	if v == nil {
		return nil
	}
	ms := *v * 1000
	return &ms
}

// Snapshot derives an immutable snapshot under the lock. Lock hold time is
// bounded by the fleet size.
func (a *Aggregator) Snapshot() Snapshot {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(now, false)
}

// Summary is the end-of-run view: identical to Snapshot except that
// total_devices is max(declared, seen) without the floor of one that
// Snapshot applies to it. Rate denominators are floored at one in both.
func (a *Aggregator) Summary() Snapshot {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(now, true)
}

func (a *Aggregator) snapshotLocked(now time.Time, summary bool) Snapshot {
	elapsed := now.Sub(a.startedAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}

	observed := a.totalDevices
	if len(a.seen) > observed {
		observed = len(a.seen)
	}
	rateBase := observed
	if rateBase < 1 {
		rateBase = 1
	}

	sorted := a.sortedLatenciesLocked()
	var avg *float64
	if len(a.latencies) > 0 {
		v := a.latencySum / float64(len(a.latencies))
		avg = &v
	}

	var collapseSeconds *float64
	if !a.collapsedAt.IsZero() {
		v := a.collapsedAt.Sub(a.startedAt).Seconds()
		collapseSeconds = &v
	}

	causes := make(map[string]uint64, len(a.disconnectCauses))
	for k, v := range a.disconnectCauses {
		causes[k] = v
	}

	total := rateBase
	if summary {
		total = a.totalDevices
		if len(a.seen) > total {
			total = len(a.seen)
		}
	}

	return Snapshot{
		Timestamp:            now,
		UptimeSeconds:        math.Round(elapsed*100) / 100,
		ElapsedSeconds:       elapsed,
		TotalDevices:         total,
		ActiveClients:        len(a.active),
		ConnectedDevices:     len(a.active),
		PeakConnectedDevices: a.peakConnected,
		FailedDevices:        len(a.failed),
		SuccessfulPublishes:  a.successCount,
		FailedPublishes:      a.failureCount,
		AvgLatencyMs:         toMillis(avg),
		P50LatencyMs:         toMillis(percentile(sorted, 50)),
		P95LatencyMs:         toMillis(percentile(sorted, 95)),
		P99LatencyMs:         toMillis(percentile(sorted, 99)),
		MessagesPerSecond:    float64(a.successCount) / elapsed,
		BandwidthMbps:        float64(a.bytesSent) * 8 / elapsed / 1_000_000,
		BytesSent:            a.bytesSent,
		DataVolumeMB:         float64(a.bytesSent) / (1024 * 1024),
		AvgSendRatePerDevice: float64(a.successCount) / elapsed / float64(rateBase),
		AvgMessagesPerDevice: float64(a.successCount) / float64(rateBase),
		ChannelsInUse:        len(a.active),
		CollapseTimeSeconds:  collapseSeconds,
		CollapseReason:       a.collapseReason,
		DisconnectCauses:     causes,
	}
}

// DeviceBreakdown returns devices ordered by message count descending
// (device id ascending on ties, so a shorter limit is always a prefix of a
// longer one). limit <= 0 returns all devices.
func (a *Aggregator) DeviceBreakdown(limit int) []BreakdownEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]BreakdownEntry, 0, len(a.devices))
	for id, d := range a.devices {
		entries = append(entries, BreakdownEntry{
			Device:         id,
			Messages:       d.messages,
			FailedMessages: d.failed,
			Bytes:          d.bytes,
		})
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

// DeviceCount returns the number of devices the aggregator has seen.
func (a *Aggregator) DeviceCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.devices)
}
