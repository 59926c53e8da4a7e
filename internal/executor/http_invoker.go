package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPInvokerConfig configures the HTTP client for the function gateway.
type HTTPInvokerConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPInvoker calls named operations on a serverless function gateway as
// POST <base>/invoke/<operation> with a JSON payload. It performs no
// retries: step operations mutate real infrastructure and blind re-invocation
// of a non-idempotent call can duplicate resources. Retry policy, if any,
// belongs to the gateway.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPInvoker(cfg HTTPInvokerConfig) (*HTTPInvoker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("invoker base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
	}, nil
}

func (c *HTTPInvoker) Invoke(ctx context.Context, operation string, payload map[string]interface{}) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("invoker marshal payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/invoke/"+operation, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("invoker build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("invoke %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("invoker unavailable for %s: %s", operation, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("invoker rejected %s: %s", operation, resp.Status)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("invoker decode response: %w", err)
	}
	return out, nil
}

// StaticInvoker succeeds every operation with a canned result. It backs
// local development when no gateway is configured.
type StaticInvoker struct{}

func NewStaticInvoker() *StaticInvoker { return &StaticInvoker{} }

func (s *StaticInvoker) Invoke(ctx context.Context, operation string, payload map[string]interface{}) (Response, error) {
	result, _ := json.Marshal(map[string]string{"operation": operation, "mode": "static"})
	return Response{Status: "completed", Result: result}, nil
}
