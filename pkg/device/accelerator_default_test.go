//go:build !wgpu

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpen_WebGPUNotBuilt(t *testing.T) {
	_, err := Open(Accelerator, 0, BackendWebGPU)
	assert.ErrorIs(t, err, ErrAcceleratorUnavailable)
}
