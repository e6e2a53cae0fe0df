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

package engine

import (
	"sync"
	"time"

	"convoflow/platform/shared/types"
)

// cachedImage is the most recent image received on a conversation, kept so
// a text-only follow-up within the TTL can still reference it.
type cachedImage struct {
	data     []byte
	mimeType string
	name     string
	storedAt time.Time
}

// imageCache holds the last image per conversation. The TTL is evaluated
// per tenant at read time, since tenants configure it independently.
type imageCache struct {
	mu      sync.Mutex
	entries map[types.ConversationKey]cachedImage
	now     func() time.Time
}

func newImageCache() *imageCache {
	return &imageCache{
		entries: make(map[types.ConversationKey]cachedImage),
		now:     time.Now,
	}
}

// put stores the image as the conversation's latest.
func (c *imageCache) put(key types.ConversationKey, data []byte, mimeType, name string) {
	c.mu.Lock()
	c.entries[key] = cachedImage{
		data:     data,
		mimeType: mimeType,
		name:     name,
		storedAt: c.now(),
	}
	c.mu.Unlock()
}

// get returns the conversation's latest image if it is younger than ttl,
// deleting it when stale.
func (c *imageCache) get(key types.ConversationKey, ttl time.Duration) (cachedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	img, ok := c.entries[key]
	if !ok {
		return cachedImage{}, false
	}
	if c.now().Sub(img.storedAt) > ttl {
		delete(c.entries, key)
		return cachedImage{}, false
	}
	return img, true
}

// drop removes the conversation's cached image. Used by the conversation
// reset operation.
func (c *imageCache) drop(key types.ConversationKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
