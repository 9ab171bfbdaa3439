package device

import (
	"errors"
	"fmt"
	"strings"
)

// Device identifies the memory domain a buffer lives in.
type Device int

const (
	Host Device = iota
	Accelerator
)

func (d Device) String() string {
	switch d {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return fmt.Sprintf("device(%d)", int(d))
	}
}

// ParseDevice accepts "host"/"cpu" and "accelerator"/"gpu".
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host", "cpu":
		return Host, nil
	case "accelerator", "gpu":
		return Accelerator, nil
	}
	return 0, fmt.Errorf("unknown device %q", s)
}

var (
	ErrAcceleratorUnavailable = errors.New("not built with accelerator support (build with -tags=wgpu)")
	ErrOutOfMemory            = errors.New("device out of memory")
	ErrForeignBuffer          = errors.New("buffer was not allocated by this allocator")
	ErrShortBuffer            = errors.New("copy size exceeds buffer length")
)

// Buffer is an opaque handle to memory on one device.
type Buffer interface {
	Device() Device
	Len() int
}

// Downloader is implemented by device buffers that can be read back into
// host memory. Reading waits for pending copies into the buffer.
type Downloader interface {
	ReadInto(dst []byte) error
}

// Allocator owns allocation and copies on a single device.
//
// Copy may complete asynchronously; Sync blocks until every copy issued
// through the allocator is visible. Buffers returned by Allocate belong to
// the caller until passed to Free.
type Allocator interface {
	Device() Device
	Index() int
	Allocate(size int) (Buffer, error)
	Copy(dst, src Buffer, size int) error
	Sync() error
	Free(buf Buffer) error
}

// Backend names for accelerator allocators.
const (
	BackendSimulated = "simulated"
	BackendWebGPU    = "wgpu"
)

// Open returns the allocator for a device. backend selects the accelerator
// implementation and is ignored for the host.
func Open(d Device, index int, backend string) (Allocator, error) {
	switch d {
	case Host:
		return NewHost(), nil
	case Accelerator:
		switch backend {
		case BackendSimulated, "":
			return NewSimulated(index, 0), nil
		case BackendWebGPU:
			return NewWebGPU(index)
		default:
			return nil, fmt.Errorf("unknown accelerator backend %q", backend)
		}
	}
	return nil, fmt.Errorf("unsupported device %v", d)
}

// Closer is implemented by allocators holding device handles.
type Closer interface {
	Close() error
}

// Close releases allocator resources if it holds any.
func Close(a Allocator) error {
	if c, ok := a.(Closer); ok {
		return c.Close()
	}
	return nil
}
