// Package config resolves the simulator configuration from flags and
// environment variables and validates it before anything touches the
// network.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultTopic is the ThingsBoard device telemetry topic.
const DefaultTopic = "v1/devices/me/telemetry"

// SplitMode controls whether the orchestrator fans the fleet out across
// shard processes.
type SplitMode string

const (
	SplitNever  SplitMode = "never"
	SplitAuto   SplitMode = "auto"
	SplitAlways SplitMode = "always"
)

// Config describes one run of the simulator: the device slice, broker
// target, cadence, ramp, outputs, and the internal shard plumbing.
type Config struct {
	Host        string
	Port        int
	TokensFile  string
	TokenPrefix string
	DeviceCount int
	StartID     int
	Count       int // 0 means "use DeviceCount / all remaining tokens"

	Topic    string
	QoS      int
	Interval time.Duration
	Duration time.Duration

	Ramp            []int
	RampPercentages []float64
	RampWait        time.Duration

	ReportInterval time.Duration
	LogDir         string
	MetricsDir     string

	BackoffBase time.Duration
	BackoffMax  time.Duration

	MetricsHost      string
	MetricsPort      int
	MetricsRefreshMS int
	DisableDashboard bool

	MaxClientsPerProcess int
	Split                SplitMode

	// Internal shard plumbing, set by the orchestrator on child processes.
	Worker             bool
	AggregatorEndpoint string
	ShardID            string

	// Optional OpenTelemetry instrumentation.
	OtelExporter string
	OtelEndpoint string
	OtelInsecure bool

	// ThingsBoard provisioning (consumed by the provision subcommand).
	TBURL         string
	TBUsername    string
	TBPassword    string
	DevicePrefix  string
	DeviceLabel   string
	DeviceType    string
	DeviceProfile string

	StopFile string
}

// Default returns a Config populated from environment variables (a .env
// file is honored when present) with the original tool's defaults.
func Default() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Host:                 envString("MQTT_HOST", "127.0.0.1"),
		Port:                 envInt("MQTT_PORT", 1883),
		TokensFile:           envString("TOKENS_FILE", "data/provisioning/tokens.json"),
		DeviceCount:          envInt("DEVICE_COUNT", 0),
		Topic:                envString("MQTT_TOPIC", DefaultTopic),
		QoS:                  envInt("MQTT_QOS", 1),
		Interval:             envSeconds("PUBLISH_INTERVAL_SEC", 5*time.Second),
		Duration:             envSeconds("SIM_DURATION_SEC", 0),
		RampPercentages:      envPercentages("RAMP_PERCENTAGES"),
		ReportInterval:       envSeconds("REPORT_INTERVAL_SEC", 15*time.Second),
		LogDir:               envString("LOG_DIR", "data/logs"),
		MetricsDir:           envString("METRICS_DIR", "data/metrics"),
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		MetricsHost:          envString("METRICS_HOST", "127.0.0.1"),
		MetricsPort:          envInt("METRICS_PORT", 5050),
		MetricsRefreshMS:     envInt("METRICS_REFRESH_MS", 2000),
		MaxClientsPerProcess: 400,
		Split:                SplitAuto,
		TBURL:                strings.TrimRight(envString("TB_URL", ""), "/"),
		TBUsername:           envString("TB_USERNAME", ""),
		TBPassword:           envString("TB_PASSWORD", ""),
		DevicePrefix:         envString("DEVICE_PREFIX", "sim"),
		DeviceLabel:          envString("DEVICE_LABEL", "sim-lab"),
		DeviceType:           envString("DEVICE_TYPE", "sensor"),
		DeviceProfile:        envString("DEVICE_PROFILE_ID", ""),
		StopFile:             envString("STOP_FILE", "data/stop.flag"),
	}
	// Percentages win when both ramp variables are present in the
	// environment; explicit flags are still rejected when combined.
	if len(cfg.RampPercentages) == 0 {
		cfg.Ramp = envInts("RAMP_COUNTS")
	}
	return cfg
}

// Validate rejects configurations the runtime cannot honor. The returned
// error is a single line suitable for stderr.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if c.RampWait < 0 {
		return errors.New("ramp-wait cannot be negative")
	}
	if c.Duration < 0 {
		return errors.New("duration cannot be negative")
	}
	if c.DeviceCount < 0 {
		return errors.New("device-count cannot be negative")
	}
	if c.Count < 0 {
		return errors.New("count must be greater than 0 when set")
	}
	if c.StartID < 0 {
		return errors.New("start-id cannot be negative")
	}
	if c.QoS < 0 || c.QoS > 2 {
		return errors.New("qos must be 0, 1, or 2")
	}
	if len(c.Ramp) > 0 && len(c.RampPercentages) > 0 {
		return errors.New("use ramp or ramp-percentages, not both")
	}
	if !c.DisableDashboard && c.MetricsRefreshMS <= 0 {
		return errors.New("metrics-refresh must be greater than 0 when the dashboard is enabled")
	}
	switch c.Split {
	case SplitNever, SplitAuto, SplitAlways:
	default:
		return fmt.Errorf("split must be never, auto, or always (got %q)", c.Split)
	}
	if c.MaxClientsPerProcess <= 0 {
		return errors.New("max-clients-per-process must be greater than 0")
	}
	return nil
}

// ParseIntList parses a comma- or space-separated list of integers, e.g. a
// --ramp value of "10,20,50".
func ParseIntList(raw string) ([]int, error) {
	fields := splitList(raw)
	if len(fields) == 0 {
		return nil, nil
	}
	values := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", f)
		}
		values = append(values, v)
	}
	return values, nil
}

// ParsePercentList parses ramp percentages. Accepts "25 50 100",
// "25%,50%,100%", or fractional "0.25 0.5 1.0" (values <= 1 are scaled).
func ParsePercentList(raw string) ([]float64, error) {
	fields := splitList(raw)
	if len(fields) == 0 {
		return nil, nil
	}
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSuffix(f, "%")
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid percentage %q", f)
		}
		if v <= 0 {
			return nil, errors.New("percentages must be greater than 0")
		}
		if v <= 1 {
			v *= 100
		}
		if v > 100 {
			return nil, errors.New("percentages cannot exceed 100%")
		}
		values = append(values, v)
	}
	return values, nil
}

func splitList(raw string) []string {
	raw = strings.ReplaceAll(raw, ",", " ")
	return strings.Fields(raw)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func envInts(key string) []int {
	values, err := ParseIntList(os.Getenv(key))
	if err != nil {
		return nil
	}
	return values
}

func envPercentages(key string) []float64 {
	values, err := ParsePercentList(os.Getenv(key))
	if err != nil {
		return nil
	}
	return values
}
