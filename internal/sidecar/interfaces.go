package sidecar

import "context"

// ExecuteRequest is one job invocation sent to the sidecar
type ExecuteRequest struct {
	Class string `json:"class"`
	Args  []any  `json:"args"`
}

// ExecuteResult is the sidecar's answer to an ExecuteRequest
type ExecuteResult struct {
	Status        string  `json:"status"` // "success", "retry" or "failure"
	Result        string  `json:"result,omitempty"`
	ExecutionTime float64 `json:"execution_time"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// SidecarClient defines the interface for executing jobs in a remote process
type SidecarClient interface {
	// ExecuteJob sends a job to the sidecar for execution and returns the result
	ExecuteJob(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error)

	// HealthCheck performs a health check on the sidecar
	HealthCheck(ctx context.Context) error
}
