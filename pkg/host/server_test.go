package host

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kunal/buffer-router/pkg/device"
	"github.com/kunal/buffer-router/pkg/stage"
	"github.com/kunal/buffer-router/pkg/wire"
)

type fatalRecorder struct {
	msgs []string
}

func (f *fatalRecorder) Fatalf(format string, args ...any) {
	f.msgs = append(f.msgs, fmt.Sprintf(format, args...))
}

func newTestHost(t *testing.T, d device.Device, routing stage.RoutingSpec, names []string, opts ...stage.Option) (*Host, *fatalRecorder) {
	t.Helper()
	f, err := stage.NewFactory(d, routing, names, opts...)
	require.NoError(t, err)
	rec := &fatalRecorder{}
	h := New("swizzle", f, WithFatal(rec.Fatalf), WithBroadcastInterval(10*time.Millisecond))
	t.Cleanup(h.Stop)
	return h, rec
}

func newInstance(t *testing.T, h *Host) string {
	t.Helper()
	cfg, err := RuntimeConfigToStruct(stage.RuntimeConfig{MaxInputCount: 4, DeviceIDs: []int{0}})
	require.NoError(t, err)
	id, err := h.NewInstance(context.Background(), cfg)
	require.NoError(t, err)
	return id.GetValue()
}

func evaluate(t *testing.T, h *Host, id string, slots [][][]byte) ([][][]byte, error) {
	t.Helper()
	req := wire.EvaluateRequest{InstanceID: id, Slots: slots}
	resp, err := h.Evaluate(context.Background(), wrapperspb.Bytes(req.Marshal()))
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalBatch(resp.GetValue())
}

func TestHost_CapabilitiesAndNames(t *testing.T) {
	h, _ := newTestHost(t, device.Accelerator, stage.RoutingSpec{1, 0}, []string{"b", "a"})

	caps, err := h.GetCapabilities(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "accelerator", caps.GetFields()["device"].GetStringValue())
	assert.Equal(t, float64(1), caps.GetFields()["max_parallel_instances"].GetNumberValue())
	assert.Equal(t, float64(0), caps.GetFields()["warmup_batches"].GetNumberValue())

	names, err := h.GetOutputNames(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "a"}, names.AsSlice())
}

func TestHost_EvaluateOnAccelerator(t *testing.T) {
	acc := device.NewSimulated(0, 0)
	h, rec := newTestHost(t, device.Accelerator, stage.RoutingSpec{1, 0, 1}, []string{"x", "y", "z"},
		stage.WithAllocator(func(device.Device, int) (device.Allocator, error) { return acc, nil }))
	id := newInstance(t, h)

	out, err := evaluate(t, h, id, [][][]byte{
		{make([]byte, 10)},
		{[]byte("twenty-bytes-payload")},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Len(t, out[0][0], 20)
	assert.Len(t, out[1][0], 10)
	assert.Equal(t, "twenty-bytes-payload", string(out[2][0]))

	// the host owns routed outputs and frees them before replying
	assert.Equal(t, 0, acc.Live())
	assert.Empty(t, rec.msgs)
	assert.Equal(t, int64(1), h.Metrics().TotalBatches.Load())
	assert.Equal(t, int64(50), h.Metrics().TotalBytes.Load())
}

func TestHost_UnknownInstance(t *testing.T) {
	h, _ := newTestHost(t, device.Host, stage.RoutingSpec{0}, []string{"a"})
	_, err := evaluate(t, h, "missing", [][][]byte{{[]byte("a")}})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.ReleaseInstance(context.Background(), wrapperspb.String("missing"))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHost_MalformedRequests(t *testing.T) {
	h, rec := newTestHost(t, device.Host, stage.RoutingSpec{1}, []string{"a"})
	id := newInstance(t, h)

	_, err := h.Evaluate(context.Background(), wrapperspb.Bytes([]byte{0xff}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// routing reads slot 1 but only slot 0 is sent
	_, err = evaluate(t, h, id, [][][]byte{{[]byte("a")}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Empty(t, rec.msgs)
	assert.Equal(t, int64(2), h.Metrics().TotalErrors.Load())
}

func TestHost_RoutingFailureIsFatal(t *testing.T) {
	acc := device.NewSimulated(0, 4)
	h, rec := newTestHost(t, device.Accelerator, stage.RoutingSpec{0, 0}, []string{"a", "b"},
		stage.WithAllocator(func(device.Device, int) (device.Allocator, error) { return acc, nil }))
	id := newInstance(t, h)

	_, err := evaluate(t, h, id, [][][]byte{{[]byte("abc")}})
	assert.Equal(t, codes.Internal, status.Code(err))
	require.Len(t, rec.msgs, 1)
	assert.Contains(t, rec.msgs[0], "failed to route batch")
}

func TestHost_NewInstanceWithoutDeviceSupport(t *testing.T) {
	h, _ := newTestHost(t, device.Accelerator, stage.RoutingSpec{0}, []string{"a"},
		stage.WithAllocator(func(device.Device, int) (device.Allocator, error) {
			return nil, device.ErrAcceleratorUnavailable
		}))
	_, err := h.NewInstance(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestHost_ConfigureAndRelease(t *testing.T) {
	h, _ := newTestHost(t, device.Host, stage.RoutingSpec{0}, []string{"a"})
	id := newInstance(t, h)

	req := wire.ConfigureRequest{InstanceID: id, Metadata: stage.Metadata{Width: 64, Height: 48, Format: "gray8"}}
	b, err := req.Marshal()
	require.NoError(t, err)
	_, err = h.Configure(context.Background(), wrapperspb.Bytes(b))
	require.NoError(t, err)

	snap := h.Snapshot()
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, 64, snap.Instances[0].Width)
	assert.Equal(t, "gray8", snap.Instances[0].Format)
	assert.Equal(t, []int{0}, snap.Routing)

	_, err = h.ReleaseInstance(context.Background(), wrapperspb.String(id))
	require.NoError(t, err)
	assert.Empty(t, h.Snapshot().Instances)
	assert.Equal(t, int32(0), h.Metrics().LiveInstances.Load())
}

func TestRuntimeConfigStruct(t *testing.T) {
	cfg := stage.RuntimeConfig{MaxInputCount: 8, MaxFrameWidth: 1920, MaxFrameHeight: 1080, DeviceIDs: []int{0, 2}}
	s, err := RuntimeConfigToStruct(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, RuntimeConfigFromStruct(s))
	assert.Equal(t, stage.RuntimeConfig{}, RuntimeConfigFromStruct(nil))
}

func TestHost_MetricsEndpoint(t *testing.T) {
	h, _ := newTestHost(t, device.Host, stage.RoutingSpec{0}, []string{"a"})
	id := newInstance(t, h)
	_, err := evaluate(t, h, id, [][][]byte{{[]byte("abcd"), []byte("ef")}})
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.RegisterHTTP(mux)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	assert.Contains(t, body, `stage_batches_total{stage="swizzle"} 1`)
	assert.Contains(t, body, `stage_output_bytes_total{stage="swizzle"} 6`)
	assert.Contains(t, body, `stage_instances{stage="swizzle"} 1`)
}

func TestHost_BroadcastsState(t *testing.T) {
	h, _ := newTestHost(t, device.Host, stage.RoutingSpec{0, 0}, []string{"a", "b"})
	newInstance(t, h)

	mux := http.NewServeMux()
	h.RegisterHTTP(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.bcast.Clients() == 1 }, time.Second, 5*time.Millisecond)
	h.StartPublisher()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var state HostState
	require.NoError(t, sonnet.Unmarshal(data, &state))
	assert.Equal(t, "swizzle", state.Stage)
	assert.Equal(t, "host", state.Device)
	assert.Equal(t, []string{"a", "b"}, state.OutputNames)
	assert.Len(t, state.Instances, 1)
}

func TestHost_SnapshotDuringConfigure(t *testing.T) {
	h, _ := newTestHost(t, device.Host, stage.RoutingSpec{0}, []string{"a"})
	id := newInstance(t, h)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			req := wire.ConfigureRequest{InstanceID: id, Metadata: stage.Metadata{Width: i, Format: fmt.Sprintf("fmt%d", i)}}
			b, err := req.Marshal()
			if !assert.NoError(t, err) {
				return
			}
			_, err = h.Configure(context.Background(), wrapperspb.Bytes(b))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Snapshot()
		}
	}()
	wg.Wait()

	snap := h.Snapshot()
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, 199, snap.Instances[0].Width)
	assert.Equal(t, "fmt199", snap.Instances[0].Format)
}

func TestHost_ReleasedInstanceRejectsInFlightCalls(t *testing.T) {
	h, rec := newTestHost(t, device.Accelerator, stage.RoutingSpec{0}, []string{"a"})
	id := newInstance(t, h)

	// a call that looked the instance up before it was released
	inst, err := h.lookup(id)
	require.NoError(t, err)
	_, err = h.ReleaseInstance(context.Background(), wrapperspb.String(id))
	require.NoError(t, err)

	err = inst.acquire()
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.NoError(t, inst.close(), "second close is a no-op")
	assert.Empty(t, rec.msgs)
}

func TestHost_EvaluateRacesRelease(t *testing.T) {
	h, _ := newTestHost(t, device.Accelerator, stage.RoutingSpec{0}, []string{"a"})

	for i := 0; i < 20; i++ {
		id := newInstance(t, h)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := evaluate(t, h, id, [][][]byte{{[]byte("x")}})
			if err != nil {
				assert.Equal(t, codes.NotFound, status.Code(err))
			}
		}()
		go func() {
			defer wg.Done()
			_, err := h.ReleaseInstance(context.Background(), wrapperspb.String(id))
			assert.NoError(t, err)
		}()
		wg.Wait()
	}
	assert.Equal(t, int32(0), h.Metrics().LiveInstances.Load())
}

func TestMetrics_BatchSizeIsPerSlot(t *testing.T) {
	h, _ := newTestHost(t, device.Host, stage.RoutingSpec{1, 0}, []string{"a", "b"})
	id := newInstance(t, h)
	_, err := evaluate(t, h, id, [][][]byte{{[]byte("a")}, {[]byte("b")}})
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.Metrics().LastBatchSize.Load())
	assert.Equal(t, int64(2), h.Metrics().TotalItems.Load())
}
