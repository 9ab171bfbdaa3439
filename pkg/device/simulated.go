package device

import (
	"errors"
	"fmt"
	"sync"
)

// SimulatedAccelerator mimics accelerator memory with a private host arena.
// Copies are queued like asynchronous device transfers and only land on
// Sync, so callers that forget to synchronize read stale memory.
type SimulatedAccelerator struct {
	index    int
	capacity int // bytes, 0 = unlimited

	mu      sync.Mutex
	nextID  uint64
	mem     map[uint64][]byte
	inUse   int
	pending []pendingCopy
}

type pendingCopy struct {
	dst  uint64
	size int
	src  func([]byte) error
}

type simBuffer struct {
	owner *SimulatedAccelerator
	id    uint64
	size  int
}

func (b *simBuffer) Device() Device { return Accelerator }
func (b *simBuffer) Len() int       { return b.size }

// ReadInto synchronizes the owning device and copies the buffer out.
func (b *simBuffer) ReadInto(dst []byte) error {
	if err := b.owner.Sync(); err != nil {
		return err
	}
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	data, ok := b.owner.mem[b.id]
	if !ok {
		return fmt.Errorf("read buffer %d: freed", b.id)
	}
	copy(dst, data)
	return nil
}

// NewSimulated returns a simulated accelerator. capacity <= 0 means unlimited.
func NewSimulated(index, capacity int) *SimulatedAccelerator {
	if capacity < 0 {
		capacity = 0
	}
	return &SimulatedAccelerator{
		index:    index,
		capacity: capacity,
		mem:      make(map[uint64][]byte),
	}
}

func (s *SimulatedAccelerator) Device() Device { return Accelerator }
func (s *SimulatedAccelerator) Index() int     { return s.index }

func (s *SimulatedAccelerator) Allocate(size int) (Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("allocate %d bytes: negative size", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity > 0 && s.inUse+size > s.capacity {
		return nil, fmt.Errorf("allocate %d bytes (%d/%d in use): %w", size, s.inUse, s.capacity, ErrOutOfMemory)
	}
	s.nextID++
	s.mem[s.nextID] = make([]byte, size)
	s.inUse += size
	return &simBuffer{owner: s, id: s.nextID, size: size}, nil
}

func (s *SimulatedAccelerator) Copy(dst, src Buffer, size int) error {
	d, ok := dst.(*simBuffer)
	if !ok || d.owner != s {
		return fmt.Errorf("accelerator copy destination %v: %w", dst.Device(), ErrForeignBuffer)
	}
	if size > d.size || size > src.Len() {
		return ErrShortBuffer
	}

	var read func([]byte) error
	switch sb := src.(type) {
	case HostBuffer:
		// host -> device
		read = func(out []byte) error { copy(out, sb[:size]); return nil }
	case *simBuffer:
		if sb.owner == s {
			// device -> device, same arena; resolved at apply time
			read = func(out []byte) error {
				data, ok := s.mem[sb.id]
				if !ok {
					return fmt.Errorf("copy from buffer %d: freed", sb.id)
				}
				copy(out, data[:size])
				return nil
			}
		} else {
			read = downloadFrom(src, sb, size)
		}
	case Downloader:
		read = downloadFrom(src, sb, size)
	default:
		return fmt.Errorf("accelerator copy source %v: %w", src.Device(), ErrForeignBuffer)
	}

	s.mu.Lock()
	s.pending = append(s.pending, pendingCopy{dst: d.id, size: size, src: read})
	s.mu.Unlock()
	return nil
}

func downloadFrom(src Buffer, dl Downloader, size int) func([]byte) error {
	return func(out []byte) error {
		tmp := make([]byte, src.Len())
		if err := dl.ReadInto(tmp); err != nil {
			return err
		}
		copy(out, tmp[:size])
		return nil
	}
}

// Sync applies queued copies in issue order. A failed copy does not stop
// the rest; every failure is returned joined.
func (s *SimulatedAccelerator) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	var errs []error
	for _, c := range pending {
		data, ok := s.mem[c.dst]
		if !ok {
			errs = append(errs, fmt.Errorf("copy into buffer %d: freed", c.dst))
			continue
		}
		if err := c.src(data[:c.size]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *SimulatedAccelerator) Free(buf Buffer) error {
	b, ok := buf.(*simBuffer)
	if !ok || b.owner != s {
		return ErrForeignBuffer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mem[b.id]; !ok {
		return fmt.Errorf("free buffer %d: already freed", b.id)
	}
	delete(s.mem, b.id)
	s.inUse -= b.size
	return nil
}

// Live returns the number of allocated, not yet freed buffers.
func (s *SimulatedAccelerator) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mem)
}

// InUse returns the bytes currently allocated.
func (s *SimulatedAccelerator) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}
