package stage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kunal/buffer-router/pkg/device"
)

var (
	// ErrSpecMismatch is returned when routing and output name lengths differ.
	ErrSpecMismatch = errors.New("routing spec and output names differ in length")
	// ErrInvalidRouting is returned for negative input indices.
	ErrInvalidRouting = errors.New("invalid routing index")
	// ErrInvariant marks a malformed batch handed to Evaluate.
	ErrInvariant = errors.New("batch invariant violated")
)

// RoutingSpec maps each output slot to the input slot it copies.
// An input may feed several outputs.
type RoutingSpec []int

// ParseRoutingSpec parses a comma separated list such as "1,0,1".
func ParseRoutingSpec(s string) (RoutingSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RoutingSpec{}, nil
	}
	parts := strings.Split(s, ",")
	spec := make(RoutingSpec, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse routing %q: %w", s, err)
		}
		spec = append(spec, n)
	}
	return spec, nil
}

func (r RoutingSpec) String() string {
	parts := make([]string, len(r))
	for i, idx := range r {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

func (r RoutingSpec) validate() error {
	for i, idx := range r {
		if idx < 0 {
			return fmt.Errorf("output %d -> input %d: %w", i, idx, ErrInvalidRouting)
		}
	}
	return nil
}

// Capabilities describe how the pipeline may schedule the stage.
type Capabilities struct {
	Device               device.Device
	MaxParallelInstances int
	WarmupBatches        int
}

// RuntimeConfig is handed over by the execution context and passed through
// untouched.
type RuntimeConfig struct {
	MaxInputCount  int
	MaxFrameWidth  int
	MaxFrameHeight int
	DeviceIDs      []int
}

// Metadata describes the items of the dataset being routed.
type Metadata struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels,omitempty"`
	Format   string `json:"format,omitempty"`
}
