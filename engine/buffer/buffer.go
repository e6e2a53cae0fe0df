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

// Package buffer collapses bursts of near-simultaneous inbound fragments
// for one conversation into exactly one aggregated turn. Each conversation
// key owns its own small state machine with two timers: a trailing
// quiet-period timer reset on every new fragment, and a hard max-burst
// ceiling armed when the pending turn is created. An image attachment
// short-circuits both.
//
// All state mutation happens under the conversation's own lock; the flush
// callback runs on its own goroutine outside the critical section. Flushes
// for one conversation form a FIFO chain: each delivery waits for its
// predecessor to finish, so turns reach the callback in the order they were
// decided and at most one is in flight per key. Buffered state is in-memory
// and best-effort: a flush that fails is logged and dropped, never
// resurrected.
package buffer

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"convoflow/platform/shared/logger"
	"convoflow/platform/shared/types"
)

// Trigger records which rule caused a flush.
type Trigger string

const (
	// TriggerQuiet: no new content for the policy window.
	TriggerQuiet Trigger = "quiet_period"
	// TriggerBurstCeiling: the pending turn reached its maximum age.
	TriggerBurstCeiling Trigger = "burst_ceiling"
	// TriggerImage: an image attachment arrived.
	TriggerImage Trigger = "image"
)

// FlushFunc receives the aggregated turn for one conversation. It is
// invoked at most once per logical flush, outside the buffer's locks. A
// returned error means the turn is lost; the buffer logs it and moves on.
type FlushFunc func(key types.ConversationKey, turn types.AggregatedTurn, trigger Trigger) error

// Policy holds the per-tenant debounce timing for one Offer call.
type Policy struct {
	// Window is the trailing quiet period after the last fragment.
	Window time.Duration
	// MaxBurst is the hard ceiling on pending-turn age, so a chatty
	// customer never starves the flush.
	MaxBurst time.Duration
}

// entry is the per-conversation state machine. gen increments on every
// flush or clear, so a timer that fires late against a previous pending
// turn recognizes itself as stale and does nothing.
type entry struct {
	mu sync.Mutex

	gen         uint64
	fragments   []string
	attachments []types.Attachment
	seenURLs    map[string]struct{}
	firstSeen   time.Time
	lastSeen    time.Time

	quietTimer *time.Timer
	burstTimer *time.Timer

	// lastFlush is closed when the most recently decided flush finishes
	// delivery. Each new flush captures it under e.mu and waits on it, so
	// turn N's callback completes (or fails terminally) before turn N+1's
	// begins, in decision order.
	lastFlush chan struct{}
}

// Buffer is the aggregation engine. Safe for concurrent use; two distinct
// conversation keys never contend on each other's state.
type Buffer struct {
	mu      sync.Mutex
	entries map[types.ConversationKey]*entry

	flush FlushFunc
	log   *logger.Logger
}

// New creates a Buffer delivering aggregated turns to flush.
func New(flush FlushFunc, log *logger.Logger) *Buffer {
	if log == nil {
		log = logger.New("aggregation-buffer")
	}
	return &Buffer{
		entries: make(map[types.ConversationKey]*entry),
		flush:   flush,
		log:     log,
	}
}

// entryFor returns the conversation's state machine, creating it lazily.
// Entries persist across turns so the per-key delivery chain keeps its
// ordering guarantee.
func (b *Buffer) entryFor(key types.ConversationKey) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{seenURLs: make(map[string]struct{})}
		b.entries[key] = e
	}
	return e
}

// Offer adds a fragment and/or attachments to the conversation's pending
// turn and evaluates the triggering rules. It returns quickly; any flush it
// decides runs on its own goroutine.
func (b *Buffer) Offer(key types.ConversationKey, fragment string, attachments []types.Attachment, policy Policy) {
	e := b.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	fresh := len(e.fragments) == 0 && len(e.attachments) == 0
	if fresh {
		e.firstSeen = now
	}
	e.lastSeen = now

	if strings.TrimSpace(fragment) != "" {
		e.fragments = append(e.fragments, fragment)
	}

	// Merge attachments, first URL wins (case-insensitive).
	sawImage := false
	for _, a := range attachments {
		if _, dup := e.seenURLs[a.DedupKey()]; dup {
			continue
		}
		e.seenURLs[a.DedupKey()] = struct{}{}
		e.attachments = append(e.attachments, a)
		if a.IsImage() {
			sawImage = true
		}
	}

	// An image represents a complete, self-sufficient request: flush now,
	// with the text of this same call already aggregated.
	if sawImage {
		b.flushLocked(key, e, TriggerImage)
		return
	}

	// Arm the max-burst ceiling once per pending turn.
	if fresh {
		gen := e.gen
		e.burstTimer = time.AfterFunc(policy.MaxBurst, func() {
			b.fire(key, e, gen, TriggerBurstCeiling)
		})
	}

	// The quiet-period timer trails the newest fragment: cancel and
	// replace on every Offer.
	if e.quietTimer != nil {
		e.quietTimer.Stop()
	}
	gen := e.gen
	e.quietTimer = time.AfterFunc(policy.Window, func() {
		b.fire(key, e, gen, TriggerQuiet)
	})
}

// fire is the timer callback. The generation check drops stale timers that
// lost the race against a flush or Clear.
func (b *Buffer) fire(key types.ConversationKey, e *entry, gen uint64, trigger Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen != gen {
		return
	}
	if len(e.fragments) == 0 && len(e.attachments) == 0 {
		return
	}
	b.flushLocked(key, e, trigger)
}

// flushLocked snapshots and clears the pending turn atomically, then hands
// the snapshot to the flush callback on a new goroutine. Caller holds e.mu.
func (b *Buffer) flushLocked(key types.ConversationKey, e *entry, trigger Trigger) {
	turn := types.AggregatedTurn{
		ID:          ulid.Make().String(),
		Text:        strings.Join(e.fragments, " "),
		Attachments: e.attachments,
		FirstSeenAt: e.firstSeen,
		LastSeenAt:  e.lastSeen,
	}

	e.resetLocked()

	// Chain this delivery behind the previous one while still holding e.mu,
	// so back-to-back flush decisions keep their order even though each runs
	// on its own goroutine.
	prev := e.lastFlush
	done := make(chan struct{})
	e.lastFlush = done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		defer func() {
			if r := recover(); r != nil {
				b.log.Error(key.TenantID, key.ConversationID, "panic in flush callback, turn dropped", map[string]interface{}{
					"panic":   r,
					"turn_id": turn.ID,
				})
			}
		}()

		if err := b.flush(key, turn, trigger); err != nil {
			// At-most-once delivery: the pending turn is already cleared
			// and is not resurrected.
			b.log.ErrorWithErr(key.TenantID, key.ConversationID, "flush failed, turn dropped", err, map[string]interface{}{
				"turn_id": turn.ID,
				"trigger": string(trigger),
			})
		}
	}()
}

// resetLocked clears the pending turn, cancels both timers, and bumps the
// generation so in-flight timer callbacks become no-ops. Caller holds e.mu.
func (e *entry) resetLocked() {
	e.gen++
	e.fragments = nil
	e.attachments = nil
	e.seenURLs = make(map[string]struct{})
	e.firstSeen = time.Time{}
	e.lastSeen = time.Time{}

	if e.quietTimer != nil {
		e.quietTimer.Stop()
		e.quietTimer = nil
	}
	if e.burstTimer != nil {
		e.burstTimer.Stop()
		e.burstTimer = nil
	}
}

// Clear forcibly drops any pending state for the conversation and cancels
// its timers. Safe to call concurrently with in-flight Offers; used by the
// conversation reset operation.
func (b *Buffer) Clear(key types.ConversationKey) {
	b.mu.Lock()
	e, ok := b.entries[key]
	b.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
}

// PendingKeys returns the conversations that currently hold unflushed
// fragments. Used by the health endpoint.
func (b *Buffer) PendingKeys() []types.ConversationKey {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]types.ConversationKey, 0)
	for key, e := range b.entries {
		e.mu.Lock()
		pending := len(e.fragments) > 0 || len(e.attachments) > 0
		e.mu.Unlock()
		if pending {
			keys = append(keys, key)
		}
	}
	return keys
}
