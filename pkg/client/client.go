// Package client talks to a stage host over gRPC.
package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kunal/buffer-router/pkg/device"
	"github.com/kunal/buffer-router/pkg/host"
	"github.com/kunal/buffer-router/pkg/stage"
	"github.com/kunal/buffer-router/pkg/wire"
)

// Client is a connection to one stage host.
type Client struct {
	Address string
	conn    *grpc.ClientConn
}

// Dial connects to addr with insecure transport credentials. Extra options
// are appended, so tests can swap in a custom dialer.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to stage host %s: %w", addr, err)
	}
	return &Client{Address: addr, conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Capabilities(ctx context.Context) (stage.Capabilities, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, host.MethodGetCapabilities, &emptypb.Empty{}, out); err != nil {
		return stage.Capabilities{}, err
	}
	f := out.GetFields()
	d, err := device.ParseDevice(f["device"].GetStringValue())
	if err != nil {
		return stage.Capabilities{}, err
	}
	return stage.Capabilities{
		Device:               d,
		MaxParallelInstances: int(f["max_parallel_instances"].GetNumberValue()),
		WarmupBatches:        int(f["warmup_batches"].GetNumberValue()),
	}, nil
}

func (c *Client) OutputNames(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, host.MethodGetOutputNames, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// NewInstance asks the host for a router and returns its id.
func (c *Client) NewInstance(ctx context.Context, cfg stage.RuntimeConfig) (string, error) {
	in, err := host.RuntimeConfigToStruct(cfg)
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, host.MethodNewInstance, in, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Configure(ctx context.Context, id string, md stage.Metadata) error {
	req := wire.ConfigureRequest{InstanceID: id, Metadata: md}
	b, err := req.Marshal()
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, host.MethodConfigure, wrapperspb.Bytes(b), new(emptypb.Empty))
}

// Evaluate routes slots[s][b] (item b of input slot s) and returns the
// output slots in the same layout.
func (c *Client) Evaluate(ctx context.Context, id string, slots [][][]byte) ([][][]byte, error) {
	req := wire.EvaluateRequest{InstanceID: id, Slots: slots}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, host.MethodEvaluate, wrapperspb.Bytes(req.Marshal()), out); err != nil {
		return nil, err
	}
	return wire.UnmarshalBatch(out.GetValue())
}

func (c *Client) Release(ctx context.Context, id string) error {
	return c.conn.Invoke(ctx, host.MethodReleaseInstance, wrapperspb.String(id), new(emptypb.Empty))
}
