package orchestrator

import (
	"slices"
	"testing"
	"time"

	"github.com/diarboledac/mqttdrill/internal/config"
)

func TestShouldSplit(t *testing.T) {
	tests := []struct {
		name  string
		split config.SplitMode
		total int
		cap   int
		want  bool
	}{
		{name: "never", split: config.SplitNever, total: 5000, cap: 400, want: false},
		{name: "always", split: config.SplitAlways, total: 10, cap: 400, want: true},
		{name: "always single device", split: config.SplitAlways, total: 1, cap: 400, want: false},
		{name: "auto under cap", split: config.SplitAuto, total: 400, cap: 400, want: false},
		{name: "auto over cap", split: config.SplitAuto, total: 401, cap: 400, want: true},
		{name: "cap above fleet", split: config.SplitAuto, total: 10, cap: 400, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Split: tt.split, MaxClientsPerProcess: tt.cap}
			if got := shouldSplit(cfg, tt.total); got != tt.want {
				t.Errorf("shouldSplit(%s, total=%d, cap=%d) = %v, want %v",
					tt.split, tt.total, tt.cap, got, tt.want)
			}
		})
	}
}

func TestShardArgs(t *testing.T) {
	cfg := &config.Config{
		Host:                 "broker.local",
		Port:                 1883,
		Interval:             5 * time.Second,
		Duration:             time.Minute,
		ReportInterval:       15 * time.Second,
		Topic:                config.DefaultTopic,
		QoS:                  1,
		LogDir:               "data/logs",
		MetricsDir:           "data/metrics",
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		RampWait:             2 * time.Second,
		MetricsHost:          "127.0.0.1",
		MetricsRefreshMS:     2000,
		MaxClientsPerProcess: 500,
		TokensFile:           "tokens.json",
		RampPercentages:      []float64{25, 50, 100},
	}

	args := shardArgs(cfg, 500, 500, "http://127.0.0.1:5050/api/shard", "00500-00500")

	wantPairs := map[string]string{
		"--start-id":            "500",
		"--count":               "500",
		"--device-count":        "500",
		"--host":                "broker.local",
		"--interval":            "5s",
		"--duration":            "1m0s",
		"--aggregator-endpoint": "http://127.0.0.1:5050/api/shard",
		"--shard-id":            "00500-00500",
		"--tokens-file":         "tokens.json",
		"--ramp-percentages":    "25,50,100",
		"--split":               "never",
	}
	for flagName, want := range wantPairs {
		i := slices.Index(args, flagName)
		if i < 0 || i+1 >= len(args) {
			t.Errorf("flag %s missing from shard args", flagName)
			continue
		}
		if args[i+1] != want {
			t.Errorf("%s = %q, want %q", flagName, args[i+1], want)
		}
	}

	for _, boolFlag := range []string{"--worker", "--disable-dashboard"} {
		if !slices.Contains(args, boolFlag) {
			t.Errorf("flag %s missing from shard args", boolFlag)
		}
	}

	if slices.Contains(args, "--ramp") {
		t.Error("--ramp must not be echoed when ramp-percentages are used")
	}
}

func TestJoinHelpers(t *testing.T) {
	if got := joinInts([]int{1, 2, 3}); got != "1,2,3" {
		t.Errorf("joinInts = %q", got)
	}
	if got := joinFloats([]float64{25, 50.5}); got != "25,50.5" {
		t.Errorf("joinFloats = %q", got)
	}
}
