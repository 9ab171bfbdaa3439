package stage

import (
	"errors"
	"fmt"

	"github.com/kunal/buffer-router/pkg/device"
)

// Batch is the routed output of one Evaluate call: Buffers[i][b] holds
// Sizes[i][b] bytes of item b in output slot i. Whoever holds a Batch owns
// its buffers.
type Batch struct {
	Buffers [][]device.Buffer
	Sizes   [][]int
}

// Slots returns the number of output slots.
func (b *Batch) Slots() int { return len(b.Buffers) }

// Items returns the batch size, 0 for a batch without slots.
func (b *Batch) Items() int {
	if len(b.Buffers) == 0 {
		return 0
	}
	return len(b.Buffers[0])
}

// Bytes sums every item size.
func (b *Batch) Bytes() int {
	n := 0
	for _, slot := range b.Sizes {
		for _, s := range slot {
			n += s
		}
	}
	return n
}

// Release frees every buffer on a, which must be the allocator that
// produced them. The batch is empty afterwards.
func (b *Batch) Release(a device.Allocator) error {
	var errs []error
	for i, slot := range b.Buffers {
		for j, buf := range slot {
			if buf == nil {
				continue
			}
			if err := a.Free(buf); err != nil {
				errs = append(errs, fmt.Errorf("free output %d item %d: %w", i, j, err))
			}
		}
	}
	b.Buffers, b.Sizes = nil, nil
	return errors.Join(errs...)
}
