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

// Package bedrock provides the AWS Bedrock implementation of llm.Provider
// using AWS SDK v2, with Signature V4 authentication via IAM roles. Only
// the Anthropic model family on Bedrock is supported, which keeps the
// request and response shapes aligned with the direct Anthropic provider.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"convoflow/platform/llm"
)

const (
	// DefaultRegion is used when no region is configured
	DefaultRegion = "us-east-1"

	// DefaultModel is the default Bedrock model ID
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 1024

	// anthropicVersion is the Bedrock-side Anthropic API version marker
	anthropicVersion = "bedrock-2023-05-31"
)

// InvokeClient is the subset of the Bedrock runtime client the provider
// uses (enables testing).
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock.
type Provider struct {
	client  InvokeClient
	region  string
	model   string
	healthy bool
	mu      sync.RWMutex
}

// NewProvider creates a Bedrock provider, loading the default AWS config
// for the region. Returns an error if AWS config loading fails; callers
// should handle that rather than silently falling back.
func NewProvider(ctx context.Context, region, model string) (*Provider, error) {
	if region == "" {
		region = DefaultRegion
	}
	if model == "" {
		model = DefaultModel
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	return &Provider{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		region:  region,
		model:   model,
		healthy: true,
	}, nil
}

// NewProviderWithClient wraps an existing client. Used by tests.
func NewProviderWithClient(client InvokeClient, region, model string) *Provider {
	if region == "" {
		region = DefaultRegion
	}
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, region: region, model: model, healthy: true}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "bedrock"
}

// IsHealthy returns whether the provider is healthy
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

// Complete generates a completion for the given request
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	messages := make([]bedrockMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}
	return p.invoke(ctx, req, messages)
}

// CompleteVision generates a completion for a request carrying one image.
func (p *Provider) CompleteVision(ctx context.Context, req llm.VisionRequest) (*llm.CompletionResponse, error) {
	if len(req.ImageData) == 0 {
		return nil, fmt.Errorf("vision request requires image data")
	}

	messages := make([]bedrockMessage, 0, len(req.Messages))
	var userText string
	for i, m := range req.Messages {
		if i == len(req.Messages)-1 && m.Role == "user" {
			userText = m.Content
			continue
		}
		messages = append(messages, bedrockMessage{Role: m.Role, Content: m.Content})
	}

	blocks := []map[string]interface{}{
		{
			"type": "image",
			"source": map[string]interface{}{
				"type":       "base64",
				"media_type": req.ImageMimeType,
				"data":       base64.StdEncoding.EncodeToString(req.ImageData),
			},
		},
	}
	if userText != "" {
		blocks = append(blocks, map[string]interface{}{"type": "text", "text": userText})
	}
	messages = append(messages, bedrockMessage{Role: "user", Content: blocks})

	return p.invoke(ctx, req.CompletionRequest, messages)
}

// invoke builds the Anthropic-family request body and calls InvokeModel.
func (p *Provider) invoke(ctx context.Context, req llm.CompletionRequest, messages []bedrockMessage) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	if !strings.HasPrefix(model, "anthropic.") {
		return nil, fmt.Errorf("unsupported bedrock model family: %s", model)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	body := bedrockRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
	}
	if req.SystemPrompt != "" {
		body.System = req.SystemPrompt
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	requestJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("bedrock API error: %w", err)
	}

	p.setHealthy(true)

	var apiResp bedrockResponse
	if err := json.Unmarshal(output.Body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	return &llm.CompletionResponse{
		Content:    contentBuilder.String(),
		Model:      model,
		StopReason: apiResp.StopReason,
		Usage: llm.UsageStats{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// Internal API types

type bedrockMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Messages         []bedrockMessage `json:"messages"`
	System           string           `json:"system,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
