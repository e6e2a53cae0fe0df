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
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"convoflow/platform/shared/types"
)

// dedupCache is the trailing-TTL idempotency set used for duplicate
// suppression at both the event level (CRM redeliveries) and the turn
// level (identical aggregated content). Expired keys are pruned lazily.
type dedupCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration

	lastSweep time.Time
	now       func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// seen reports whether the key was recorded within the TTL; if not, it
// records it now. One call both checks and claims the key.
func (c *dedupCache) seen(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.entries[key] = now

	if now.Sub(c.lastSweep) > c.ttl {
		c.lastSweep = now
		for k, at := range c.entries {
			if now.Sub(at) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	return false
}

// turnFingerprint is the content fallback identity of an aggregated turn:
// conversation key plus the joined text and attachment URLs. Used when the
// CRM supplies no event IDs.
func turnFingerprint(key types.ConversationKey, turn types.AggregatedTurn) string {
	var b strings.Builder
	b.WriteString(key.String())
	b.WriteString("|")
	b.WriteString(turn.Text)
	for _, a := range turn.Attachments {
		b.WriteString("|")
		b.WriteString(a.DedupKey())
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "turn:" + hex.EncodeToString(sum[:])
}
