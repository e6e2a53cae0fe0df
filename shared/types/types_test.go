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

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationKeyString(t *testing.T) {
	k := ConversationKey{TenantID: "acme", ConversationID: "conv-1"}
	assert.Equal(t, "acme:conv-1", k.String())
}

func TestAttachmentIsImage(t *testing.T) {
	assert.True(t, Attachment{Type: AttachmentImage}.IsImage())
	assert.True(t, Attachment{Type: AttachmentOther, MimeType: "image/jpeg"}.IsImage())
	assert.True(t, Attachment{MimeType: "IMAGE/PNG"}.IsImage())
	assert.False(t, Attachment{Type: AttachmentDocument, MimeType: "application/pdf"}.IsImage())
	assert.False(t, Attachment{}.IsImage())
}

func TestAttachmentDedupKeyIsCaseInsensitive(t *testing.T) {
	a := Attachment{URL: "https://CDN.example.com/File.PNG"}
	b := Attachment{URL: "https://cdn.example.com/file.png"}
	assert.Equal(t, a.DedupKey(), b.DedupKey())
}

func TestAggregatedTurnIsEmpty(t *testing.T) {
	assert.True(t, AggregatedTurn{}.IsEmpty())
	assert.True(t, AggregatedTurn{Text: "  \n\t "}.IsEmpty())
	assert.False(t, AggregatedTurn{Text: "hi"}.IsEmpty())
	assert.False(t, AggregatedTurn{Attachments: []Attachment{{URL: "u"}}}.IsEmpty())
}

func TestAggregatedTurnHasImage(t *testing.T) {
	turn := AggregatedTurn{Attachments: []Attachment{
		{URL: "a.pdf", Type: AttachmentDocument},
		{URL: "b.png", MimeType: "image/png"},
	}}
	assert.True(t, turn.HasImage())

	noImage := AggregatedTurn{Attachments: []Attachment{{URL: "a.pdf", Type: AttachmentDocument}}}
	assert.False(t, noImage.HasImage())
}
