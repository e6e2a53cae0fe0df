// Copyright 2025 ConvoFlow Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi implements the standard HTTP invoker for business
// connectors: capability requests are POSTed as JSON to the descriptor's
// endpoint, with bearer or API-key authentication from the descriptor
// credentials.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"convoflow/platform/connectors/base"
)

const (
	// DefaultMaxResponseSize bounds connector response bodies (1MB).
	DefaultMaxResponseSize = 1 * 1024 * 1024
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Invoker calls connector endpoints over HTTP.
type Invoker struct {
	client          HTTPClient
	maxResponseSize int64
}

// NewInvoker creates an Invoker with a default HTTP client. Per-call
// timeouts come from the request context, so the client itself carries
// none.
func NewInvoker() *Invoker {
	return &Invoker{
		client:          &http.Client{},
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// NewInvokerWithClient creates an Invoker with a custom HTTP client.
func NewInvokerWithClient(client HTTPClient) *Invoker {
	return &Invoker{
		client:          client,
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// invokePayload is the wire format POSTed to connector endpoints.
type invokePayload struct {
	Capability string                 `json:"capability"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Invoke POSTs the request to the descriptor endpoint and classifies the
// outcome. Timeouts, 429, and 5xx responses are retryable; other non-2xx
// statuses are terminal.
func (i *Invoker) Invoke(ctx context.Context, desc *base.Descriptor, req *base.Request) (*base.Response, error) {
	start := time.Now()

	body, err := json.Marshal(invokePayload{
		Capability: req.Capability,
		Parameters: req.Parameters,
	})
	if err != nil {
		return nil, &base.InvokeError{
			Descriptor: desc.Name,
			Retryable:  false,
			Message:    "failed to marshal request",
			Cause:      err,
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &base.InvokeError{
			Descriptor: desc.Name,
			Retryable:  false,
			Message:    "failed to build request",
			Cause:      err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	i.setAuth(httpReq, desc)

	resp, err := i.client.Do(httpReq)
	if err != nil {
		// Transport errors and context timeouts are the transient set.
		retryable := true
		if errors.Is(err, context.Canceled) {
			retryable = false
		}
		return nil, &base.InvokeError{
			Descriptor: desc.Name,
			Retryable:  retryable,
			Message:    "request failed",
			Cause:      err,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, i.maxResponseSize))
	if err != nil {
		return nil, &base.InvokeError{
			Descriptor: desc.Name,
			StatusCode: resp.StatusCode,
			Retryable:  true,
			Message:    "failed to read response",
			Cause:      err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &base.InvokeError{
			Descriptor: desc.Name,
			StatusCode: resp.StatusCode,
			Retryable:  isRetryableStatus(resp.StatusCode),
			Message:    fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
		}
	}

	parsed := make(map[string]interface{})
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			// Non-JSON success bodies are kept as an opaque message.
			parsed = map[string]interface{}{"raw": string(respBody)}
		}
	}

	return &base.Response{
		Success:    true,
		StatusCode: resp.StatusCode,
		Body:       parsed,
		Duration:   time.Since(start),
	}, nil
}

// setAuth applies descriptor credentials. Supported keys: "bearer_token"
// (Authorization header) and "api_key" with optional "api_key_header".
func (i *Invoker) setAuth(req *http.Request, desc *base.Descriptor) {
	if token := desc.Credentials["bearer_token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if key := desc.Credentials["api_key"]; key != "" {
		header := desc.Credentials["api_key_header"]
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, key)
	}
}

// isRetryableStatus reports whether the HTTP status is in the transient
// set: 429 and all 5xx.
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
