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

// Package llm defines the unified interface and types for the AI providers
// the engine can generate answers with. Provider implementations live in
// subpackages and must be safe for concurrent use.
package llm

import (
	"context"
	"time"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// CompletionRequest encapsulates the parameters for a text completion.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first, ending with the
	// current user turn.
	Messages []Message `json:"messages"`

	// SystemPrompt sets the assistant's behavior. Optional.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens bounds the generated output. Providers apply their own
	// default when 0.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. The zero value means provider
	// default; it is never sent explicitly.
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`
}

// VisionRequest is a completion request that includes one image.
type VisionRequest struct {
	CompletionRequest

	// ImageData is the raw image bytes; ImageMimeType its content type
	// (e.g. "image/jpeg").
	ImageData     []byte `json:"-"`
	ImageMimeType string `json:"image_mime_type"`
}

// CompletionResponse is the unified provider response.
type CompletionResponse struct {
	Content    string        `json:"content"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason,omitempty"`
	Usage      UsageStats    `json:"usage"`
	Latency    time.Duration `json:"latency"`
}

// UsageStats contains token usage statistics
type UsageStats struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Provider is the unified interface for AI providers. Implementations must
// be safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	Name() string

	// Complete generates a completion for the given request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteVision generates a completion for a request carrying one
	// image.
	CompleteVision(ctx context.Context, req VisionRequest) (*CompletionResponse, error)

	// IsHealthy reports whether the provider is believed operational.
	IsHealthy() bool
}
