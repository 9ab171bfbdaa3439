package stage

import (
	"fmt"

	"github.com/kunal/buffer-router/pkg/device"
)

// AllocatorSource opens the allocator a new router copies into.
type AllocatorSource func(d device.Device, index int) (device.Allocator, error)

// Option configures a Factory.
type Option func(*Factory)

// WithBackend selects the accelerator backend (device.BackendSimulated or
// device.BackendWebGPU).
func WithBackend(name string) Option {
	return func(f *Factory) { f.backend = name }
}

// WithAllocator makes routers share allocators from src instead of opening
// their own. Routers never close allocators they did not open.
func WithAllocator(src AllocatorSource) Option {
	return func(f *Factory) { f.source = src }
}

// Factory builds routers for one device and mapping.
type Factory struct {
	device  device.Device
	routing RoutingSpec
	names   []string
	backend string
	source  AllocatorSource
}

// NewFactory fails fast when the mapping and names disagree in length.
func NewFactory(d device.Device, routing RoutingSpec, outputNames []string, opts ...Option) (*Factory, error) {
	if len(routing) != len(outputNames) {
		return nil, fmt.Errorf("%d routes, %d names: %w", len(routing), len(outputNames), ErrSpecMismatch)
	}
	if err := routing.validate(); err != nil {
		return nil, err
	}
	f := &Factory{
		device:  d,
		routing: append(RoutingSpec(nil), routing...),
		names:   append([]string(nil), outputNames...),
		backend: device.BackendSimulated,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Capabilities reports one instance per context and no warmup.
func (f *Factory) Capabilities() Capabilities {
	return Capabilities{
		Device:               f.device,
		MaxParallelInstances: 1,
		WarmupBatches:        0,
	}
}

// OutputNames returns a copy of the output slot names.
func (f *Factory) OutputNames() []string {
	return append([]string(nil), f.names...)
}

// RoutingSpec returns a copy of the mapping.
func (f *Factory) RoutingSpec() RoutingSpec {
	return append(RoutingSpec(nil), f.routing...)
}

// NewInstance returns a router on the first device of the factory's type.
// Missing accelerator support is reported here rather than per batch.
func (f *Factory) NewInstance(cfg RuntimeConfig) (*Router, error) {
	const deviceIndex = 0

	var (
		alloc device.Allocator
		err   error
		owned bool
	)
	if f.source != nil {
		alloc, err = f.source(f.device, deviceIndex)
	} else {
		alloc, err = device.Open(f.device, deviceIndex, f.backend)
		owned = true
	}
	if err != nil {
		return nil, fmt.Errorf("open %v allocator: %w", f.device, err)
	}
	if alloc.Device() != f.device {
		return nil, fmt.Errorf("allocator for %v handed to %v stage", alloc.Device(), f.device)
	}
	return newRouter(cfg, f.device, deviceIndex, f.routing, alloc, owned), nil
}
