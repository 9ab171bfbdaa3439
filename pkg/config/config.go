package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/kunal/buffer-router/pkg/device"
	"github.com/kunal/buffer-router/pkg/stage"
)

// Config holds all configuration for the stage host.
type Config struct {
	StageName          string
	StagePort          int
	MetricsPort        int
	Device             string // "host" or "accelerator"
	AcceleratorBackend string // "simulated" or "wgpu"
	BroadcastInterval  time.Duration

	Routing     stage.RoutingSpec
	OutputNames []string
}

// RoutingFile is the JSON layout of ROUTING_FILE.
type RoutingFile struct {
	Routing     []int    `json:"routing"`
	OutputNames []string `json:"output_names"`
}

// Load reads configuration from environment variables with sane defaults.
// ROUTING_FILE, when set, overrides ROUTING and OUTPUT_NAMES.
func Load() (*Config, error) {
	c := &Config{
		StageName:          envStr("STAGE_NAME", "swizzle"),
		StagePort:          envInt("STAGE_PORT", 50061),
		MetricsPort:        envInt("METRICS_PORT", 9091),
		Device:             envStr("DEVICE", "host"),
		AcceleratorBackend: envStr("ACCELERATOR_BACKEND", device.BackendSimulated),
		BroadcastInterval:  time.Duration(envInt("BROADCAST_INTERVAL_MS", 500)) * time.Millisecond,
	}

	if path := os.Getenv("ROUTING_FILE"); path != "" {
		rf, err := ReadRoutingFile(path)
		if err != nil {
			return nil, err
		}
		c.Routing, c.OutputNames = rf.Routing, rf.OutputNames
		return c, nil
	}

	routing, err := stage.ParseRoutingSpec(envStr("ROUTING", "0"))
	if err != nil {
		return nil, err
	}
	c.Routing = routing

	// Parse output names: "frame,frame_copy,..."
	if names := os.Getenv("OUTPUT_NAMES"); names != "" {
		c.OutputNames = strings.Split(names, ",")
	} else {
		c.OutputNames = defaultNames(len(routing))
	}
	return c, nil
}

// ReadRoutingFile decodes a routing file.
func ReadRoutingFile(path string) (*RoutingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	var rf RoutingFile
	if err := sonnet.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse routing file %s: %w", path, err)
	}
	return &rf, nil
}

// Factory builds the stage factory the config describes.
func (c *Config) Factory() (*stage.Factory, error) {
	d, err := device.ParseDevice(c.Device)
	if err != nil {
		return nil, err
	}
	return stage.NewFactory(d, c.Routing, c.OutputNames, stage.WithBackend(c.AcceleratorBackend))
}

func defaultNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("output_%d", i)
	}
	return names
}

func envStr(key, fallback string) string {
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
