package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/diarboledac/mqttdrill/internal/classify"
	"github.com/diarboledac/mqttdrill/internal/metrics"
	"github.com/diarboledac/mqttdrill/internal/otel"
	"github.com/diarboledac/mqttdrill/internal/sink"
)

const connectTimeout = 10 * time.Second

// telemetryPayload is one published telemetry message.
type telemetryPayload struct {
	Seq         int     `json:"seq"`
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Voltage     float64 `json:"voltage"`
	Status      string  `json:"status"`
	DeviceID    string  `json:"device_id"`
}

var payloadStatuses = [...]string{"idle", "active", "maintenance"}

// WorkerConfig is the per-shard slice of configuration a worker needs.
type WorkerConfig struct {
	Host        string
	Port        int
	Topic       string
	QoS         byte
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Worker runs the publish loop for a single simulated device: connect,
// rendezvous on the start barrier, publish on the shared tick grid until
// cancellation, and retry transient failures with exponential backoff.
type Worker struct {
	device  DeviceToken
	cfg     WorkerConfig
	metrics *metrics.Aggregator
	events  *sink.EventLog
	start   *StartCoordinator
	tel     *otel.Telemetry

	rng *rand.Rand
	seq int

	readyOnce sync.Once
	onReady   func()
}

// NewWorker wires a worker for one device. onReady is invoked exactly once,
// after the first connect attempt resolves (either way), and is used by the
// runtime to release the start barrier; it may be nil.
func NewWorker(
	device DeviceToken,
	cfg WorkerConfig,
	agg *metrics.Aggregator,
	events *sink.EventLog,
	start *StartCoordinator,
	tel *otel.Telemetry,
	onReady func(),
) *Worker {
	if cfg.BackoffBase < 100*time.Millisecond {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Worker{
		device:  device,
		cfg:     cfg,
		metrics: agg,
		events:  events,
		start:   start,
		tel:     tel,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(device.DeviceID)))),
		onReady: onReady,
	}
}

func (w *Worker) signalReady() {
	w.readyOnce.Do(func() {
		if w.onReady != nil {
			w.onReady()
		}
	})
}

// Run loops connect/publish sessions until the context is cancelled or the
// session ends gracefully. Every failed session is followed by an
// exponentially growing sleep, reset on the next successful connect.
func (w *Worker) Run(ctx context.Context) {
	defer w.signalReady()

	backoff := w.cfg.BackoffBase
	for ctx.Err() == nil {
		reason, connected := w.session(ctx)
		if connected {
			backoff = w.cfg.BackoffBase
		}
		if ctx.Err() != nil || classify.Graceful(reason) {
			return
		}
		w.tel.RecordReconnect(ctx, w.device.DeviceID)
		select {
		case <-ctx.Done():
			return
		case <-time.After(min(backoff, w.cfg.BackoffMax)):
		}
		backoff = min(backoff*2, w.cfg.BackoffMax)
	}
}

// session runs one connect -> publish-loop lifetime. It returns the
// terminal disconnect reason and whether the connect succeeded; cleanup of
// the MQTT client happens on every exit path.
func (w *Worker) session(ctx context.Context) (reason string, connected bool) {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", w.cfg.Host, w.cfg.Port))
	opts.SetClientID(fmt.Sprintf("sim-%s-%s", w.device.DeviceID, uuid.NewString()[:8]))
	opts.SetUsername(w.device.Token)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	defer client.Disconnect(250)

	ctx, span := w.tel.StartSession(ctx, w.device.DeviceID)
	defer span.End()

	connectToken := client.Connect()
	select {
	case <-ctx.Done():
		w.signalReady()
		return "cancelled", false
	case <-connectToken.Done():
	}
	if err := connectToken.Error(); err != nil {
		tag, detail := classify.Classify(classify.StageConnect, -1, err)
		w.metrics.RecordConnectionFailure(w.device.DeviceID, tag)
		w.events.Log(sink.Event{
			Timestamp: time.Now().UTC(),
			Device:    w.device.DeviceID,
			Event:     "connection_error",
			Error:     detail,
			Reason:    tag,
		})
		w.signalReady()
		return "mqtt_error:" + tag, false
	}

	connected = true
	reason = "graceful"
	w.metrics.RecordClientConnected(w.device.DeviceID)
	w.tel.AddActiveDevices(ctx, 1)
	w.events.Log(sink.Event{
		Timestamp: time.Now().UTC(),
		Device:    w.device.DeviceID,
		Event:     "connected",
		Host:      w.cfg.Host,
		Port:      w.cfg.Port,
	})
	w.signalReady()

	defer func() {
		graceful := classify.Graceful(reason)
		w.metrics.RecordClientDisconnected(w.device.DeviceID, reason, graceful)
		w.tel.AddActiveDevices(context.Background(), -1)
		w.events.Log(sink.Event{
			Timestamp: time.Now().UTC(),
			Device:    w.device.DeviceID,
			Event:     "disconnected",
			Reason:    reason,
		})
	}()

	startTime, err := w.start.Wait(ctx)
	if err != nil {
		reason = "cancelled"
		return reason, connected
	}

	// Ticks live on the grid startTime + k*interval regardless of how long
	// each publish takes, so drift stays bounded. Workers admitted after
	// the start instant join at the next grid point.
	tick := 0
	if behind := time.Since(startTime); behind > 0 {
		tick = int(behind/w.cfg.Interval) + 1
	}
	nextTick := startTime.Add(time.Duration(tick) * w.cfg.Interval)

	for {
		wait := time.Until(nextTick)
		if wait > 0 {
			select {
			case <-ctx.Done():
				reason = "stopped"
				return reason, connected
			case err := <-lost:
				reason = w.connectionLost(err)
				return reason, connected
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			reason = "stopped"
			return reason, connected
		}

		if ok := w.publish(ctx, client); !ok {
			if ctx.Err() != nil {
				reason = "stopped"
			} else {
				reason = "mqtt_publish_error"
			}
			return reason, connected
		}

		tick++
		nextTick = startTime.Add(time.Duration(tick) * w.cfg.Interval)
	}
}

func (w *Worker) connectionLost(err error) string {
	tag, detail := classify.Classify(classify.StageDisconnect, -1, err)
	w.events.Log(sink.Event{
		Timestamp: time.Now().UTC(),
		Device:    w.device.DeviceID,
		Event:     "connection_lost",
		Error:     detail,
		Reason:    tag,
	})
	return "mqtt_error:" + tag
}

// publish sends one telemetry message and records the outcome. Returns
// false when the session should end.
func (w *Worker) publish(ctx context.Context, client mqtt.Client) bool {
	payload := w.buildPayload()
	data, err := json.Marshal(payload)
	if err != nil {
		tag, detail := classify.Classify(classify.StagePublish, -1, err)
		w.metrics.RecordPublishFailure(w.device.DeviceID, tag)
		w.events.Log(sink.Event{
			Timestamp: time.Now().UTC(),
			Device:    w.device.DeviceID,
			Event:     "publish",
			Status:    "failure",
			Error:     detail,
		})
		return false
	}

	start := time.Now()
	token := client.Publish(w.cfg.Topic, w.cfg.QoS, false, data)
	select {
	case <-ctx.Done():
		return false
	case <-token.Done():
	}
	latency := time.Since(start).Seconds()
	latencyMs := latency * 1000

	if err := token.Error(); err != nil {
		tag, detail := classify.Classify(classify.StagePublish, -1, err)
		w.metrics.RecordPublishFailure(w.device.DeviceID, tag)
		w.tel.RecordPublish(ctx, w.device.DeviceID, latency, false)
		w.events.Log(sink.Event{
			Timestamp: time.Now().UTC(),
			Device:    w.device.DeviceID,
			Event:     "publish",
			Status:    "failure",
			Error:     detail,
			Reason:    tag,
			LatencyMs: &latencyMs,
		})
		return false
	}

	w.metrics.RecordPublishSuccess(w.device.DeviceID, latency, len(data))
	w.tel.RecordPublish(ctx, w.device.DeviceID, latency, true)
	w.events.Log(sink.Event{
		Timestamp: time.Now().UTC(),
		Device:    w.device.DeviceID,
		Event:     "publish",
		Status:    "success",
		LatencyMs: &latencyMs,
		Payload:   payload,
	})
	return true
}

func (w *Worker) buildPayload() telemetryPayload {
	w.seq++
	return telemetryPayload{
		Seq:         w.seq,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Temperature: round2(18 + w.rng.Float64()*14),
		Humidity:    round2(30 + w.rng.Float64()*40),
		Voltage:     round2(210 + w.rng.Float64()*20),
		Status:      payloadStatuses[w.rng.Intn(len(payloadStatuses))],
		DeviceID:    w.device.DeviceID,
	}
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
