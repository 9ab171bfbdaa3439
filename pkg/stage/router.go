package stage

import (
	"fmt"

	"github.com/kunal/buffer-router/pkg/device"
)

// Router copies input slots into freshly allocated output slots according
// to a fixed RoutingSpec. It keeps no state between batches and is not safe
// for concurrent use; the pipeline creates one per execution context.
type Router struct {
	cfg         RuntimeConfig
	device      device.Device
	deviceIndex int
	routing     RoutingSpec
	metadata    Metadata

	alloc     device.Allocator
	ownsAlloc bool
}

func newRouter(cfg RuntimeConfig, d device.Device, index int, routing RoutingSpec, alloc device.Allocator, owned bool) *Router {
	return &Router{
		cfg:         cfg,
		device:      d,
		deviceIndex: index,
		routing:     routing,
		alloc:       alloc,
		ownsAlloc:   owned,
	}
}

// Configure stores item metadata. It may be called again between batches.
func (r *Router) Configure(md Metadata) {
	r.metadata = md
}

func (r *Router) Metadata() Metadata          { return r.metadata }
func (r *Router) Config() RuntimeConfig       { return r.cfg }
func (r *Router) Device() device.Device       { return r.device }
func (r *Router) DeviceIndex() int            { return r.deviceIndex }
func (r *Router) Allocator() device.Allocator { return r.alloc }

// Evaluate routes one batch. inputs[s][b] is item b of input slot s and
// sizes[s][b] the number of bytes to copy from it.
//
// Every returned buffer is newly allocated on the router's device and
// readable once Evaluate returns. The caller owns the batch and must free
// it with Batch.Release on r.Allocator(). Inputs are never freed.
//
// A malformed batch fails with ErrInvariant before anything is allocated.
// On allocation or copy failure the partial outputs are freed and the error
// returned; no partial batch is ever handed out.
func (r *Router) Evaluate(inputs [][]device.Buffer, sizes [][]int) (*Batch, error) {
	batchSize, err := r.check(inputs, sizes)
	if err != nil {
		return nil, err
	}

	out := &Batch{
		Buffers: make([][]device.Buffer, len(r.routing)),
		Sizes:   make([][]int, len(r.routing)),
	}
	if len(r.routing) == 0 {
		return out, nil
	}

	for i, src := range r.routing {
		out.Buffers[i] = make([]device.Buffer, 0, batchSize)
		out.Sizes[i] = make([]int, 0, batchSize)
		for b := 0; b < batchSize; b++ {
			size := sizes[src][b]
			buf, err := r.alloc.Allocate(size)
			if err == nil && buf == nil {
				err = fmt.Errorf("allocate %d bytes: %w", size, device.ErrOutOfMemory)
			}
			if err != nil {
				r.rollback(out)
				return nil, fmt.Errorf("output %d item %d on %v: %w", i, b, r.device, err)
			}
			out.Buffers[i] = append(out.Buffers[i], buf)
			out.Sizes[i] = append(out.Sizes[i], size)

			if err := r.alloc.Copy(buf, inputs[src][b], size); err != nil {
				r.rollback(out)
				return nil, fmt.Errorf("copy input %d item %d to output %d: %w", src, b, i, err)
			}
		}
	}

	if err := r.alloc.Sync(); err != nil {
		r.rollback(out)
		return nil, fmt.Errorf("sync %v: %w", r.device, err)
	}
	return out, nil
}

func (r *Router) check(inputs [][]device.Buffer, sizes [][]int) (int, error) {
	if len(sizes) != len(inputs) {
		return 0, fmt.Errorf("%d input slots, %d size slots: %w", len(inputs), len(sizes), ErrInvariant)
	}
	batchSize := 0
	if len(inputs) > 0 {
		batchSize = len(inputs[0])
	}
	for s := range inputs {
		if len(inputs[s]) != batchSize || len(sizes[s]) != batchSize {
			return 0, fmt.Errorf("slot %d holds %d items (%d sizes), batch size is %d: %w",
				s, len(inputs[s]), len(sizes[s]), batchSize, ErrInvariant)
		}
	}
	for i, src := range r.routing {
		if src >= len(inputs) {
			return 0, fmt.Errorf("output %d reads input %d of %d: %w", i, src, len(inputs), ErrInvariant)
		}
		for b := 0; b < batchSize; b++ {
			buf, size := inputs[src][b], sizes[src][b]
			if buf == nil {
				return 0, fmt.Errorf("input %d item %d is nil: %w", src, b, ErrInvariant)
			}
			if size < 0 || size > buf.Len() {
				return 0, fmt.Errorf("input %d item %d: size %d, buffer holds %d: %w", src, b, size, buf.Len(), ErrInvariant)
			}
		}
	}
	return batchSize, nil
}

// rollback frees what a failed Evaluate allocated. Free errors are dropped;
// the allocation error is the one reported.
func (r *Router) rollback(b *Batch) {
	_ = r.alloc.Sync()
	_ = b.Release(r.alloc)
}

// Close releases the allocator if the router opened it.
func (r *Router) Close() error {
	if !r.ownsAlloc {
		return nil
	}
	return device.Close(r.alloc)
}
