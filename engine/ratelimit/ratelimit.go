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

// Package ratelimit bounds how many turns per minute a single
// (tenant, conversation) pair may trigger downstream AI and connector
// calls. The window is a fixed calendar minute; debouncing controls
// grouping, this controls frequency.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is the consumption interface used on every turn. TryConsume must
// be cheap and non-blocking; it returns false without incrementing when the
// limit for the current minute is already reached. limitPerMinute of 0
// means unlimited.
type Limiter interface {
	TryConsume(ctx context.Context, tenantID, conversationID string, limitPerMinute int) bool
}

// bucket tracks one (tenant, conversation) pair within a single calendar
// minute.
type bucket struct {
	mu     sync.Mutex
	count  int
	window time.Time // start of the calendar minute
}

// MemoryLimiter is the in-memory fixed-window implementation for
// single-instance deployments. Expired buckets are pruned lazily on access
// and by an occasional sweep so the map never grows with dead
// conversations.
type MemoryLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	// now is injectable for tests.
	now func() time.Time

	lastSweep time.Time
}

// NewMemoryLimiter creates an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// TryConsume increments the pair's counter for the current calendar minute,
// refusing once the limit is reached. O(1) amortized.
func (l *MemoryLimiter) TryConsume(_ context.Context, tenantID, conversationID string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}

	now := l.now()
	window := now.Truncate(time.Minute)
	key := tenantID + ":" + conversationID

	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		b, ok = l.buckets[key]
		if !ok {
			b = &bucket{window: window}
			l.buckets[key] = b
		}
		l.maybeSweepLocked(now)
		l.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.window.Equal(window) {
		// Hard expiry at the minute boundary.
		b.window = window
		b.count = 0
	}

	if b.count >= limitPerMinute {
		return false
	}
	b.count++
	return true
}

// Flush drops all buckets for a tenant. Administrative operation.
func (l *MemoryLimiter) Flush(tenantID string) {
	prefix := tenantID + ":"
	l.mu.Lock()
	for key := range l.buckets {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}

// maybeSweepLocked removes buckets more than two minutes stale. Called with
// l.mu held, at most once per minute.
func (l *MemoryLimiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now

	cutoff := now.Add(-2 * time.Minute)
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.window.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
		}
	}
}
