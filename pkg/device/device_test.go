package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevice(t *testing.T) {
	for in, want := range map[string]Device{
		"host": Host, "CPU": Host, " gpu ": Accelerator, "accelerator": Accelerator,
	} {
		got, err := ParseDevice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDevice("tpu")
	assert.Error(t, err)
	assert.Equal(t, "accelerator", Accelerator.String())
}

func TestHost_CopyIsIndependent(t *testing.T) {
	h := NewHost()
	src := HostBuffer("hello world")

	dst, err := h.Allocate(5)
	require.NoError(t, err)
	require.NoError(t, h.Copy(dst, src, 5))
	require.NoError(t, h.Sync())

	assert.Equal(t, Host, dst.Device())
	assert.Equal(t, "hello", string(dst.(HostBuffer)))

	dst.(HostBuffer)[0] = 'j'
	assert.Equal(t, "hello world", string(src))
	assert.NoError(t, h.Free(dst))
}

func TestHost_ShortBuffer(t *testing.T) {
	h := NewHost()
	dst, _ := h.Allocate(2)
	err := h.Copy(dst, HostBuffer("abc"), 3)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestSimulated_CopyLandsOnSync(t *testing.T) {
	s := NewSimulated(0, 0)
	src := HostBuffer{1, 2, 3, 4}

	dst, err := s.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, s.Copy(dst, src, 4))

	// not visible to the arena until Sync
	s.mu.Lock()
	before := append([]byte(nil), s.mem[dst.(*simBuffer).id]...)
	s.mu.Unlock()
	assert.Equal(t, []byte{0, 0, 0, 0}, before)

	require.NoError(t, s.Sync())
	out := make([]byte, 4)
	require.NoError(t, dst.(Downloader).ReadInto(out))
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
}

func TestSimulated_DeviceToDeviceAndDeviceToHost(t *testing.T) {
	s := NewSimulated(0, 0)
	first, _ := s.Allocate(3)
	require.NoError(t, s.Copy(first, HostBuffer("abc"), 3))

	second, _ := s.Allocate(3)
	require.NoError(t, s.Copy(second, first, 3))
	require.NoError(t, s.Sync())

	h := NewHost()
	back, _ := h.Allocate(3)
	require.NoError(t, h.Copy(back, second, 3))
	assert.Equal(t, "abc", string(back.(HostBuffer)))

	other := NewSimulated(1, 0)
	third, _ := other.Allocate(3)
	require.NoError(t, other.Copy(third, second, 3))
	out := make([]byte, 3)
	require.NoError(t, third.(Downloader).ReadInto(out))
	assert.Equal(t, "abc", string(out))
}

func TestSimulated_OutOfMemory(t *testing.T) {
	s := NewSimulated(0, 8)
	a, err := s.Allocate(6)
	require.NoError(t, err)

	_, err = s.Allocate(4)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, 6, s.InUse())

	require.NoError(t, s.Free(a))
	assert.Equal(t, 0, s.Live())
	assert.Error(t, s.Free(a), "double free")
}

func TestSimulated_ForeignBuffer(t *testing.T) {
	s := NewSimulated(0, 0)
	assert.ErrorIs(t, s.Copy(HostBuffer{0}, HostBuffer{1}, 1), ErrForeignBuffer)
	assert.ErrorIs(t, s.Free(HostBuffer{0}), ErrForeignBuffer)
}

func TestOpen(t *testing.T) {
	a, err := Open(Host, 0, "")
	require.NoError(t, err)
	assert.Equal(t, Host, a.Device())

	a, err = Open(Accelerator, 2, BackendSimulated)
	require.NoError(t, err)
	assert.Equal(t, Accelerator, a.Device())
	assert.Equal(t, 2, a.Index())

	_, err = Open(Accelerator, 0, "cuda")
	assert.Error(t, err)
	assert.NoError(t, Close(a))
}

func TestSimulated_SyncAppliesRemainingCopies(t *testing.T) {
	s := NewSimulated(0, 0)
	gone, err := s.Allocate(2)
	require.NoError(t, err)
	kept, err := s.Allocate(2)
	require.NoError(t, err)

	require.NoError(t, s.Copy(gone, HostBuffer("ab"), 2))
	require.NoError(t, s.Copy(kept, HostBuffer("cd"), 2))
	require.NoError(t, s.Free(gone))

	assert.Error(t, s.Sync())
	got := make([]byte, 2)
	require.NoError(t, kept.(Downloader).ReadInto(got))
	assert.Equal(t, "cd", string(got))
}
