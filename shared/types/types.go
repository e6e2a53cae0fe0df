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

// Package types defines the shared value objects used across the ConvoFlow
// engine: conversation identity, attachments, aggregated turns, retrieval
// hits, and chat history entries. These types cross package boundaries and
// carry no behavior beyond identity and formatting helpers.
package types

import (
	"strings"
	"time"
)

// ConversationKey is the composite identity of a conversation within a
// tenant. It is the sharding and locking unit for buffering, rate limiting,
// and turn ordering. Stable for the lifetime of a conversation.
type ConversationKey struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
}

// String returns the canonical "tenant:conversation" form used in cache
// keys and log fields.
func (k ConversationKey) String() string {
	return k.TenantID + ":" + k.ConversationID
}

// AttachmentType classifies an attachment by its broad content category.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentDocument AttachmentType = "document"
	AttachmentOther    AttachmentType = "other"
)

// Attachment is an immutable reference to a file the customer sent.
// Identity for deduplication purposes is the URL, case-insensitive.
type Attachment struct {
	URL      string         `json:"url"`
	Type     AttachmentType `json:"type"`
	MimeType string         `json:"mime_type,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// IsImage reports whether the attachment should take the vision path.
// The explicit type wins; the MIME type is the fallback for CRMs that
// only report a content type.
func (a Attachment) IsImage() bool {
	if a.Type == AttachmentImage {
		return true
	}
	return strings.HasPrefix(strings.ToLower(a.MimeType), "image/")
}

// DedupKey returns the case-insensitive identity used when merging
// attachments across fragments of the same burst.
func (a Attachment) DedupKey() string {
	return strings.ToLower(a.URL)
}

// AggregatedTurn is the immutable snapshot produced when a burst of
// fragments is flushed: the space-joined text in arrival order plus the
// URL-deduplicated attachment union.
type AggregatedTurn struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	FirstSeenAt time.Time    `json:"first_seen_at"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
}

// IsEmpty reports whether the turn carries neither text nor attachments.
func (t AggregatedTurn) IsEmpty() bool {
	return strings.TrimSpace(t.Text) == "" && len(t.Attachments) == 0
}

// HasImage reports whether any attachment of the turn is an image.
func (t AggregatedTurn) HasImage() bool {
	for _, a := range t.Attachments {
		if a.IsImage() {
			return true
		}
	}
	return false
}

// RetrievalHit is one ranked knowledge-base snippet returned by the
// retrieval collaborator, ordered descending by score.
type RetrievalHit struct {
	Text  string  `json:"text"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score"`
}

// ChatRole identifies the author of a history entry.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of persisted conversation history.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}
