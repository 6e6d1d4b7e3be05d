package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	executeMethod = "/backburner.sidecar.v1.JobExecution/ExecuteJob"
	healthMethod  = "/backburner.sidecar.v1.JobExecution/HealthCheck"
)

// jsonCodec carries sidecar messages as JSON so no generated stubs are needed.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// GRPCClient implements the SidecarClient interface using gRPC
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client for sidecar communication
func NewGRPCClient(address string, timeout time.Duration) (*GRPCClient, error) {
	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server: %w", err)
	}

	return &GRPCClient{conn: conn, timeout: timeout}, nil
}

// ExecuteJob sends a job to the sidecar via gRPC
func (c *GRPCClient) ExecuteJob(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp := &ExecuteResult{}
	if err := c.conn.Invoke(ctx, executeMethod, req, resp); err != nil {
		return nil, fmt.Errorf("gRPC execution failed: %w", err)
	}
	return resp, nil
}

// HealthCheck performs a health check via gRPC
func (c *GRPCClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.conn.Invoke(ctx, healthMethod, struct{}{}, &resp); err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("gRPC sidecar is not healthy: status=%s", resp.Status)
	}
	return nil
}

// Close closes the gRPC connection
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
