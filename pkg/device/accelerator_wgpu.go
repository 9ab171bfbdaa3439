//go:build wgpu

package device

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// WebGPU copies must be 4-byte aligned, so buffers are padded and the
// logical length is tracked separately.
const copyAlign = 4

func align(n int) int {
	if n <= 0 {
		return copyAlign
	}
	return (n + copyAlign - 1) &^ (copyAlign - 1)
}

// WebGPUAllocator places buffers in accelerator memory through WebGPU.
type WebGPUAllocator struct {
	index    int
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu      sync.Mutex
	encoder *wgpu.CommandEncoder // device-to-device copies not yet submitted
}

type wgpuBuffer struct {
	owner *WebGPUAllocator
	buf   *wgpu.Buffer
	size  int
}

func (b *wgpuBuffer) Device() Device { return Accelerator }
func (b *wgpuBuffer) Len() int       { return b.size }

// NewWebGPU opens the index-th adapter. Index 0 falls back to the default
// high performance adapter when enumeration returns nothing.
func NewWebGPU(index int) (Allocator, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("failed to create WebGPU instance")
	}

	var adapter *wgpu.Adapter
	adapters := inst.EnumerateAdapters(nil)
	if index < len(adapters) {
		adapter = adapters[index]
	} else if index == 0 {
		var err error
		adapter, err = inst.RequestAdapter(&wgpu.RequestAdapterOptions{
			PowerPreference: wgpu.PowerPreferenceHighPerformance,
		})
		if err != nil {
			inst.Release()
			return nil, fmt.Errorf("request adapter: %w", err)
		}
	}
	if adapter == nil {
		inst.Release()
		return nil, fmt.Errorf("accelerator %d not found (%d adapters)", index, len(adapters))
	}

	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("request device: %w", err)
	}

	info := adapter.GetInfo()
	log.Printf("🎮 Accelerator %d: %s (Vendor: %s)", index, info.Name, info.VendorName)

	return &WebGPUAllocator{
		index:    index,
		instance: inst,
		adapter:  adapter,
		device:   dev,
		queue:    dev.GetQueue(),
	}, nil
}

func (a *WebGPUAllocator) Device() Device { return Accelerator }
func (a *WebGPUAllocator) Index() int     { return a.index }

func (a *WebGPUAllocator) Allocate(size int) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: negative size", size)
	}
	buf, err := a.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "RoutedOutput",
		Size:  uint64(align(size)),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %v: %w", size, err, ErrOutOfMemory)
	}
	if buf == nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, ErrOutOfMemory)
	}
	return &wgpuBuffer{owner: a, buf: buf, size: size}, nil
}

func (a *WebGPUAllocator) Copy(dst, src Buffer, size int) error {
	d, ok := dst.(*wgpuBuffer)
	if !ok || d.owner != a {
		return fmt.Errorf("accelerator copy destination %v: %w", dst.Device(), ErrForeignBuffer)
	}
	if size > d.size || size > src.Len() {
		return ErrShortBuffer
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch s := src.(type) {
	case HostBuffer:
		return a.upload(d, s[:size])
	case *wgpuBuffer:
		if s.owner == a {
			if a.encoder == nil {
				enc, err := a.device.CreateCommandEncoder(nil)
				if err != nil {
					return fmt.Errorf("failed to create command encoder: %v", err)
				}
				a.encoder = enc
			}
			a.encoder.CopyBufferToBuffer(s.buf, 0, d.buf, 0, uint64(align(size)))
			return nil
		}
	}

	dl, ok := src.(Downloader)
	if !ok {
		return fmt.Errorf("accelerator copy source %v: %w", src.Device(), ErrForeignBuffer)
	}
	tmp := make([]byte, src.Len())
	if err := dl.ReadInto(tmp); err != nil {
		return err
	}
	return a.upload(d, tmp[:size])
}

// upload queues a host write. Pending encoded copies are submitted first so
// the queue keeps issue order. Caller holds a.mu.
func (a *WebGPUAllocator) upload(d *wgpuBuffer, data []byte) error {
	if err := a.flushLocked(); err != nil {
		return err
	}
	if len(data)%copyAlign != 0 || len(data) == 0 {
		padded := make([]byte, align(len(data)))
		copy(padded, data)
		data = padded
	}
	a.queue.WriteBuffer(d.buf, 0, data)
	return nil
}

func (a *WebGPUAllocator) flushLocked() error {
	if a.encoder == nil {
		return nil
	}
	cmd, err := a.encoder.Finish(nil)
	a.encoder = nil
	if err != nil {
		return fmt.Errorf("failed to finish command: %v", err)
	}
	a.queue.Submit(cmd)
	return nil
}

// Sync submits pending copies and blocks until the queue drains.
func (a *WebGPUAllocator) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.flushLocked(); err != nil {
		return err
	}
	a.device.Poll(true, nil)
	return nil
}

func (a *WebGPUAllocator) Free(buf Buffer) error {
	b, ok := buf.(*wgpuBuffer)
	if !ok || b.owner != a {
		return ErrForeignBuffer
	}
	b.buf.Destroy()
	b.buf.Release()
	return nil
}

func (a *WebGPUAllocator) Close() error {
	a.device.Release()
	a.adapter.Release()
	a.instance.Release()
	return nil
}

// ReadInto copies the buffer to host memory through a mapped staging buffer.
func (b *wgpuBuffer) ReadInto(dst []byte) error {
	a := b.owner
	if err := a.Sync(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sizeBytes := uint64(align(b.size))
	staging, err := a.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadStaging",
		Size:  sizeBytes,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("failed to create staging buffer: %v", err)
	}
	defer staging.Destroy()

	enc, err := a.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("failed to create command encoder: %v", err)
	}
	enc.CopyBufferToBuffer(b.buf, 0, staging, 0, sizeBytes)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("failed to finish command: %v", err)
	}
	a.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, sizeBytes, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("MapAsync failed: %v", err)
	}

	timeout := time.After(2 * time.Second)
Loop:
	for {
		a.device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return fmt.Errorf("read back timed out after 2s")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return mapErr
	}

	data := staging.GetMappedRange(0, uint(sizeBytes))
	if data == nil {
		return fmt.Errorf("failed to get mapped range")
	}
	copy(dst, data[:b.size])
	staging.Unmap()
	return nil
}
