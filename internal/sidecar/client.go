package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go-backburner-worker/internal/config"
)

// HTTPClient implements the SidecarClient interface using HTTP
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *CircuitBreaker
	maxRetries int
}

// CircuitBreaker implements a simple circuit breaker pattern
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailTime time.Time
	state        CircuitState
	mu           sync.RWMutex
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed CircuitState = iota
	// StateOpen means the circuit is open and requests are blocked
	StateOpen
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen
)

// NewClient creates a SidecarClient for the configured protocol
func NewClient(cfg config.SidecarConfig) (SidecarClient, error) {
	switch cfg.Protocol {
	case "grpc":
		return NewGRPCClient(cfg.URL, cfg.Timeout)
	case "http", "":
		return NewHTTPClient(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown sidecar protocol %q", cfg.Protocol)
	}
}

// NewHTTPClient creates a new HTTP client for sidecar communication
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker:    NewCircuitBreaker(5, 30*time.Second), // 5 failures, 30s reset
		maxRetries: 3,
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// ExecuteJob posts the job to /jobs/execute
func (c *HTTPClient) ExecuteJob(ctx context.Context, execReq *ExecuteRequest) (*ExecuteResult, error) {
	if !c.breaker.AllowRequest() {
		return nil, fmt.Errorf("circuit breaker is open")
	}

	payload, err := json.Marshal(execReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	url := c.baseURL + "/jobs/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	result := &ExecuteResult{}
	if err := c.executeWithRetry(req, result); err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	c.breaker.RecordSuccess()
	return result, nil
}

// HealthCheck performs a health check on the sidecar
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	var healthResp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode health check response: %w", err)
	}
	if healthResp.Status != "ok" {
		return fmt.Errorf("sidecar is not healthy: status=%s", healthResp.Status)
	}
	return nil
}

// executeWithRetry executes an HTTP request, retrying transport failures and
// 5xx responses with a quadratic backoff. 4xx responses are not retried.
func (c *HTTPClient) executeWithRetry(req *http.Request, result any) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt*attempt) * 100 * time.Millisecond
			select {
			case <-req.Context().Done():
				return fmt.Errorf("request cancelled (attempt %d): %w", attempt+1, req.Context().Err())
			case <-time.After(delay):
			}
		}

		reqClone := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("failed to get request body for retry: %w", err)
			}
			reqClone.Body = body
		}

		resp, err := c.httpClient.Do(reqClone)
		if err != nil {
			lastErr = fmt.Errorf("request failed (attempt %d): %w", attempt+1, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body (attempt %d): %w", attempt+1, err)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error (attempt %d): status %d, body: %s",
				attempt+1, resp.StatusCode, string(body))
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("client error: status %d, body: %s", resp.StatusCode, string(body))
		}

		if result != nil {
			if err := json.Unmarshal(body, result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// AllowRequest checks if the circuit breaker allows the request
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.state = StateHalfOpen
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
