package device

import "fmt"

// HostBuffer is a buffer in host memory.
type HostBuffer []byte

func (b HostBuffer) Device() Device { return Host }
func (b HostBuffer) Len() int       { return len(b) }

// HostAllocator allocates on the Go heap. Copies are synchronous.
type HostAllocator struct{}

func NewHost() *HostAllocator { return &HostAllocator{} }

func (h *HostAllocator) Device() Device { return Host }
func (h *HostAllocator) Index() int     { return 0 }

func (h *HostAllocator) Allocate(size int) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: negative size", size)
	}
	return make(HostBuffer, size), nil
}

// Copy copies size bytes into a host buffer. The source may be a host
// buffer or any device buffer implementing Downloader.
func (h *HostAllocator) Copy(dst, src Buffer, size int) error {
	d, ok := dst.(HostBuffer)
	if !ok {
		return fmt.Errorf("host copy destination %v: %w", dst.Device(), ErrForeignBuffer)
	}
	if size > d.Len() || size > src.Len() {
		return ErrShortBuffer
	}
	switch s := src.(type) {
	case HostBuffer:
		copy(d[:size], s[:size])
		return nil
	case Downloader:
		if size == src.Len() {
			return s.ReadInto(d[:size])
		}
		tmp := make([]byte, src.Len())
		if err := s.ReadInto(tmp); err != nil {
			return err
		}
		copy(d[:size], tmp)
		return nil
	}
	return fmt.Errorf("host copy source %v: %w", src.Device(), ErrForeignBuffer)
}

func (h *HostAllocator) Sync() error { return nil }

// Free drops the reference; the garbage collector reclaims the memory.
func (h *HostAllocator) Free(buf Buffer) error {
	if _, ok := buf.(HostBuffer); !ok {
		return ErrForeignBuffer
	}
	return nil
}
