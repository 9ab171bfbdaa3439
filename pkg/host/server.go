package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kunal/buffer-router/pkg/device"
	"github.com/kunal/buffer-router/pkg/stage"
	"github.com/kunal/buffer-router/pkg/wire"
)

// FatalFunc aborts the process. Routing failures other than malformed
// requests leave the stage unable to run, so the host does not keep serving.
type FatalFunc func(format string, args ...any)

// Option configures a Host.
type Option func(*Host)

// WithFatal replaces log.Fatalf, mainly for tests.
func WithFatal(fn FatalFunc) Option {
	return func(h *Host) { h.fatal = fn }
}

// WithBroadcastInterval sets how often dashboard clients get a snapshot.
func WithBroadcastInterval(d time.Duration) Option {
	return func(h *Host) { h.interval = d }
}

// Host serves one stage factory to a remote pipeline. Each execution
// context gets its own router instance, addressed by id.
type Host struct {
	name     string
	factory  *stage.Factory
	metrics  *Metrics
	bcast    *Broadcaster
	pub      *Publisher
	fatal    FatalFunc
	interval time.Duration

	mu        sync.RWMutex
	instances map[string]*instance
}

type instance struct {
	mu      sync.Mutex // one call per instance at a time
	closed  bool       // guarded by mu
	id      string
	router  *stage.Router
	created time.Time
	batches atomic.Int64

	// metadata mirrors the router's for Snapshot, which must not wait on mu.
	metadata atomic.Pointer[stage.Metadata]
}

// acquire locks inst for one call. A caller that found inst before it was
// released gets NotFound, never a closed router.
func (inst *instance) acquire() error {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return status.Errorf(codes.NotFound, "instance %q not found", inst.id)
	}
	return nil
}

// close shuts the router down; later acquire calls fail.
func (inst *instance) close() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return nil
	}
	inst.closed = true
	return inst.router.Close()
}

// New creates a Host for the named factory.
func New(name string, f *stage.Factory, opts ...Option) *Host {
	h := &Host{
		name:      name,
		factory:   f,
		metrics:   NewMetrics(name),
		bcast:     NewBroadcaster(),
		fatal:     log.Fatalf,
		interval:  500 * time.Millisecond,
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.pub = NewPublisher(h.Snapshot, h.bcast, h.interval)
	return h
}

func (h *Host) Metrics() *Metrics { return h.metrics }

// RegisterGRPC registers the stage service.
func (h *Host) RegisterGRPC(s *grpc.Server) {
	RegisterStageServer(s, h)
}

// RegisterHTTP registers /metrics, /health and the /ws dashboard feed.
func (h *Host) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", h.metrics.ServePrometheus)
	mux.HandleFunc("/ws", h.bcast.HandleWS)
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("OK"))
	})
}

// StartPublisher starts pushing state to dashboard clients.
func (h *Host) StartPublisher() {
	h.pub.Start()
}

// Stop shuts down the publisher and closes every instance.
func (h *Host) Stop() {
	h.pub.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, inst := range h.instances {
		if err := inst.close(); err != nil {
			log.Printf("⚠️  Closing instance %s: %v", id, err)
		}
		delete(h.instances, id)
	}
	h.metrics.LiveInstances.Store(0)
}

// GetCapabilities reports the factory's scheduling capabilities.
func (h *Host) GetCapabilities(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	caps := h.factory.Capabilities()
	s, err := structpb.NewStruct(map[string]any{
		"device":                 caps.Device.String(),
		"max_parallel_instances": caps.MaxParallelInstances,
		"warmup_batches":         caps.WarmupBatches,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// GetOutputNames lists output slot names in slot order.
func (h *Host) GetOutputNames(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names := h.factory.OutputNames()
	vals := make([]any, len(names))
	for i, n := range names {
		vals[i] = n
	}
	l, err := structpb.NewList(vals)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return l, nil
}

// NewInstance creates a router for one execution context.
func (h *Host) NewInstance(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	cfg := RuntimeConfigFromStruct(req)
	r, err := h.factory.NewInstance(cfg)
	if err != nil {
		// Missing device support cannot be fixed by retrying.
		return nil, status.Errorf(codes.FailedPrecondition, "new instance: %v", err)
	}

	inst := &instance{
		id:      uuid.New().String(),
		router:  r,
		created: time.Now(),
	}
	h.mu.Lock()
	h.instances[inst.id] = inst
	h.mu.Unlock()

	h.metrics.LiveInstances.Add(1)
	h.metrics.InstancesTotal.Add(1)
	log.Printf("🧩 Instance %s created on %v:%d", inst.id, r.Device(), r.DeviceIndex())
	return wrapperspb.String(inst.id), nil
}

// Configure stores metadata on an instance.
func (h *Host) Configure(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var cr wire.ConfigureRequest
	if err := cr.Unmarshal(req.GetValue()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	inst, err := h.lookup(cr.InstanceID)
	if err != nil {
		return nil, err
	}
	if err := inst.acquire(); err != nil {
		return nil, err
	}
	inst.router.Configure(cr.Metadata)
	md := cr.Metadata
	inst.metadata.Store(&md)
	inst.mu.Unlock()
	return &emptypb.Empty{}, nil
}

// Evaluate routes one batch. The host is the caller of the router here: it
// reads the outputs back and frees them before replying.
func (h *Host) Evaluate(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var er wire.EvaluateRequest
	if err := er.Unmarshal(req.GetValue()); err != nil {
		h.metrics.TotalErrors.Add(1)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	inst, err := h.lookup(er.InstanceID)
	if err != nil {
		h.metrics.TotalErrors.Add(1)
		return nil, err
	}

	inputs := make([][]device.Buffer, len(er.Slots))
	sizes := make([][]int, len(er.Slots))
	items, batchSize := 0, 0
	if len(er.Slots) > 0 {
		batchSize = len(er.Slots[0])
	}
	for s, slot := range er.Slots {
		inputs[s] = make([]device.Buffer, len(slot))
		sizes[s] = make([]int, len(slot))
		for b, it := range slot {
			inputs[s][b] = device.HostBuffer(it)
			sizes[s][b] = len(it)
		}
		items += len(slot)
	}

	if err := inst.acquire(); err != nil {
		h.metrics.TotalErrors.Add(1)
		return nil, err
	}
	defer inst.mu.Unlock()

	start := time.Now()
	out, err := inst.router.Evaluate(inputs, sizes)
	if err != nil {
		h.metrics.TotalErrors.Add(1)
		if errors.Is(err, stage.ErrInvariant) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		h.fatal("❌ Instance %s failed to route batch: %v", inst.id, err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	routed := out.Bytes()
	payload, err := download(out)
	if rerr := out.Release(inst.router.Allocator()); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		h.metrics.TotalErrors.Add(1)
		h.fatal("❌ Instance %s failed to read back batch: %v", inst.id, err)
		return nil, status.Error(codes.Internal, err.Error())
	}

	h.metrics.ObserveBatch(batchSize, items, routed, time.Since(start))
	inst.batches.Add(1)
	return wrapperspb.Bytes(wire.MarshalBatch(payload)), nil
}

// download copies a routed batch into host memory.
func download(b *stage.Batch) ([][][]byte, error) {
	slots := make([][][]byte, len(b.Buffers))
	for i, slot := range b.Buffers {
		slots[i] = make([][]byte, len(slot))
		for j, buf := range slot {
			data := make([]byte, b.Sizes[i][j])
			switch src := buf.(type) {
			case device.HostBuffer:
				copy(data, src)
			case device.Downloader:
				if err := src.ReadInto(data); err != nil {
					return nil, fmt.Errorf("read output %d item %d: %w", i, j, err)
				}
			default:
				return nil, fmt.Errorf("output %d item %d: unreadable %v buffer", i, j, buf.Device())
			}
			slots[i][j] = data
		}
	}
	return slots, nil
}

// ReleaseInstance closes an instance; the pipeline calls it on teardown.
func (h *Host) ReleaseInstance(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	h.mu.Lock()
	inst, ok := h.instances[req.GetValue()]
	delete(h.instances, req.GetValue())
	h.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "instance %q not found", req.GetValue())
	}

	err := inst.close()
	h.metrics.LiveInstances.Add(-1)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	log.Printf("🧹 Instance %s released after %d batches", inst.id, inst.batches.Load())
	return &emptypb.Empty{}, nil
}

func (h *Host) lookup(id string) (*instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "instance %q not found", id)
	}
	return inst, nil
}

// Snapshot returns the state pushed to dashboard clients.
func (h *Host) Snapshot() *HostState {
	state := &HostState{
		Stage:         h.name,
		Device:        h.factory.Capabilities().Device.String(),
		Routing:       h.factory.RoutingSpec(),
		OutputNames:   h.factory.OutputNames(),
		TotalBatches:  h.metrics.TotalBatches.Load(),
		TotalItems:    h.metrics.TotalItems.Load(),
		TotalBytes:    h.metrics.TotalBytes.Load(),
		AvgLatencyUs:  h.metrics.AvgLatencyUs.Load(),
		LastBatchSize: h.metrics.LastBatchSize.Load(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	state.Instances = make([]InstanceState, 0, len(h.instances))
	for _, inst := range h.instances {
		var md stage.Metadata
		if p := inst.metadata.Load(); p != nil {
			md = *p
		}
		state.Instances = append(state.Instances, InstanceState{
			ID:      inst.id,
			Batches: inst.batches.Load(),
			Width:   md.Width,
			Height:  md.Height,
			Format:  md.Format,
			AgeMs:   time.Since(inst.created).Milliseconds(),
		})
	}
	return state
}

// RuntimeConfigFromStruct reads the runtime config fields a pipeline sends
// with NewInstance. Missing fields stay zero.
func RuntimeConfigFromStruct(s *structpb.Struct) stage.RuntimeConfig {
	f := s.GetFields()
	cfg := stage.RuntimeConfig{
		MaxInputCount:  int(f["max_input_count"].GetNumberValue()),
		MaxFrameWidth:  int(f["max_frame_width"].GetNumberValue()),
		MaxFrameHeight: int(f["max_frame_height"].GetNumberValue()),
	}
	for _, v := range f["device_ids"].GetListValue().GetValues() {
		cfg.DeviceIDs = append(cfg.DeviceIDs, int(v.GetNumberValue()))
	}
	return cfg
}

// RuntimeConfigToStruct is the inverse of RuntimeConfigFromStruct.
func RuntimeConfigToStruct(cfg stage.RuntimeConfig) (*structpb.Struct, error) {
	ids := make([]any, len(cfg.DeviceIDs))
	for i, id := range cfg.DeviceIDs {
		ids[i] = id
	}
	return structpb.NewStruct(map[string]any{
		"max_input_count":  cfg.MaxInputCount,
		"max_frame_width":  cfg.MaxFrameWidth,
		"max_frame_height": cfg.MaxFrameHeight,
		"device_ids":       ids,
	})
}
