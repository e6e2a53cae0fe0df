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

// Package engine is the ConvoFlow orchestration core: it accepts inbound
// CRM chat events, debounces them into aggregated turns, and drives each
// turn through rate limiting, retrieval guardrails, generation, and
// downstream emission. All external systems are collaborators behind the
// interfaces in this file.
package engine

import (
	"context"

	"convoflow/platform/connectors/base"
	"convoflow/platform/shared/types"
)

// InboundEvent is one raw CRM chat event after transport-layer parsing
// (which is outside this engine). Tenant and conversation identity are
// explicit parameters everywhere; the engine carries no ambient request
// context.
type InboundEvent struct {
	EventID        string             `json:"event_id,omitempty"`
	TenantID       string             `json:"tenant_id"`
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"text,omitempty"`
	Attachments    []types.Attachment `json:"attachments,omitempty"`
}

// Key returns the conversation identity of the event.
func (e InboundEvent) Key() types.ConversationKey {
	return types.ConversationKey{TenantID: e.TenantID, ConversationID: e.ConversationID}
}

// KnowledgeRetriever searches the tenant knowledge base. A failure should
// degrade to zero hits rather than fail the turn; the retrieval package's
// Safe wrapper provides that behavior.
type KnowledgeRetriever interface {
	Search(ctx context.Context, tenantID, query string, topK int) ([]types.RetrievalHit, error)
}

// ConversationMemory persists both sides of each processed turn and serves
// the history window for prompt building.
type ConversationMemory interface {
	AppendUser(ctx context.Context, tenantID, conversationID, text string) error
	AppendAssistant(ctx context.Context, tenantID, conversationID, text string) error
	Get(ctx context.Context, tenantID, conversationID string, lastN int) ([]types.ChatMessage, error)
}

// AttachmentFetcher downloads attachment bytes for the vision path. It is
// expected to reject oversized or non-image payloads.
type AttachmentFetcher interface {
	Download(ctx context.Context, url string) (data []byte, mimeType string, name string, err error)
}

// DownstreamSink is the CRM write-back collaborator.
type DownstreamSink interface {
	Publish(ctx context.Context, conversationID, text string) error
}

// ConnectorResolver resolves and invokes tenant business connectors.
// *registry.Registry is the standard implementation.
type ConnectorResolver interface {
	Resolve(tenantID, capability string) (*base.Descriptor, error)
	Invoke(ctx context.Context, desc *base.Descriptor, req *base.Request) (*base.Response, error)
}
