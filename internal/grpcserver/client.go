package grpcserver

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a remote job service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Without options the connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Submit queues a job remotely and returns its id.
func (c *Client) Submit(ctx context.Context, jobType, input, output string, options map[string]any) (string, error) {
	req, err := toStruct(map[string]any{
		"type":    jobType,
		"input":   input,
		"output":  output,
		"options": options,
	})
	if err != nil {
		return "", err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Submit", req, resp); err != nil {
		return "", err
	}
	return resp.GetFields()["id"].GetStringValue(), nil
}

// Status fetches the record and result meta of job id.
func (c *Client) Status(ctx context.Context, id string) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Status", req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// Watch calls fn for every finished job until ctx ends, the server closes
// the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(event map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(msg.AsMap()); err != nil {
			return err
		}
	}
}

// Healthy reports whether the job service is serving.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.New("job service is " + resp.GetStatus().String())
	}
	return nil
}
