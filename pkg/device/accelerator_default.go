//go:build !wgpu

package device

// NewWebGPU is unavailable in the default build.
// For real accelerator memory, build with: go build -tags wgpu
func NewWebGPU(index int) (Allocator, error) {
	return nil, ErrAcceleratorUnavailable
}
