package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/diarboledac/mqttdrill/internal/config"
	"github.com/diarboledac/mqttdrill/internal/provision"
)

func main() {
	cfg := config.Default()

	count := flag.Int("device-count", cfg.DeviceCount, "Number of devices to provision")
	prefix := flag.String("device-prefix", cfg.DevicePrefix, "Device name prefix")
	label := flag.String("device-label", cfg.DeviceLabel, "Device label")
	devType := flag.String("device-type", cfg.DeviceType, "Device type")
	profileID := flag.String("device-profile-id", cfg.DeviceProfile, "Device profile id (default profile when empty)")
	tokensFile := flag.String("tokens-file", cfg.TokensFile, "Where to write the resulting token store")
	flag.Parse()

	if *count <= 0 {
		fmt.Fprintln(os.Stderr, "provision: device-count must be greater than 0")
		os.Exit(1)
	}

	client, err := provision.NewClient(cfg.TBURL, cfg.TBUsername, cfg.TBPassword)
	if err != nil {
		fail(err)
	}

	tokens, err := provision.Fleet(context.Background(), client, *prefix, *count, *label, *devType, *profileID)
	if err != nil {
		fail(err)
	}

	if err := os.MkdirAll(filepath.Dir(*tokensFile), 0o755); err != nil {
		fail(err)
	}
	if err := provision.WriteTokensFile(*tokensFile, tokens); err != nil {
		fail(err)
	}
	fmt.Printf("Provisioned %d devices, tokens saved to %s\n", len(tokens), *tokensFile)
}

func fail(err error) {
	var provErr *provision.Error
	if errors.As(err, &provErr) {
		fmt.Fprintf(os.Stderr, "provision: %v\n", err)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "provision: %v\n", err)
	os.Exit(1)
}
