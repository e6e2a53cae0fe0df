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

// Package crm pushes the final answer back to the CRM. The write-back
// client truncates to the CRM's field limit before sending, so the engine
// never produces a rejected oversized message.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	// DefaultMaxChars matches the common CRM message field limit.
	DefaultMaxChars = 4000
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the HTTP write-back sink.
type Client struct {
	baseURL  string
	apiToken string
	maxChars int
	client   HTTPClient
}

// NewClient creates a CRM write-back client. maxChars <= 0 falls back to
// DefaultMaxChars.
func NewClient(baseURL, apiToken string, maxChars int, timeout time.Duration) *Client {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		maxChars: maxChars,
		client:   &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTP creates a client with a custom HTTP client.
func NewClientWithHTTP(baseURL, apiToken string, maxChars int, client HTTPClient) *Client {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Client{baseURL: baseURL, apiToken: apiToken, maxChars: maxChars, client: client}
}

type publishPayload struct {
	Text string `json:"text"`
}

// Publish sends the text as an outbound message on the conversation,
// truncated to the configured limit.
func (c *Client) Publish(ctx context.Context, conversationID, text string) error {
	body, err := json.Marshal(publishPayload{Text: Truncate(text, c.maxChars)})
	if err != nil {
		return fmt.Errorf("failed to marshal publish payload: %w", err)
	}

	url := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("CRM returned status %d", resp.StatusCode)
	}
	return nil
}

// Truncate cuts text to at most maxChars runes, appending an ellipsis when
// it had to cut. Rune-based so multi-byte text never splits mid-character.
// A non-positive maxChars yields the empty string.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars == 1 {
		return string(runes[:1])
	}
	return string(runes[:maxChars-1]) + "…"
}
