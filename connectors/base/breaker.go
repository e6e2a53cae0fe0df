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

package base

import (
	"sync"
	"time"
)

// Health tracks failure state per connector descriptor and decides when a
// descriptor is in cooldown. It is the circuit breaker's state store,
// abstracted so single-instance deployments can use the in-memory
// implementation while multi-instance deployments can back it with a
// shared store.
//
// State machine: Closed (normal) -> Open (cooldown active) -> Closed after
// cooldown expiry plus one successful invocation, or after an explicit
// Reset. There is no half-open probe state: expiry of the cooldown is
// itself the probe, the next attempt is the trial.
type Health interface {
	// RecordFailure counts one failed invocation attempt. Returns true if
	// this failure tripped the breaker open.
	RecordFailure(key string) bool

	// RecordSuccess closes the breaker for the key, clearing the failure
	// count and any cooldown.
	RecordSuccess(key string)

	// InCooldown reports whether the key is currently open.
	InCooldown(key string) bool

	// Reset clears all breaker state for the key regardless of timing.
	// Used by the administrative reset operation.
	Reset(key string)
}

// BreakerConfig holds the tuning knobs for the in-memory breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within TrackingWindow that
	// trips the breaker open.
	FailureThreshold int

	// TrackingWindow bounds how long failures accumulate before the count
	// starts over.
	TrackingWindow time.Duration

	// CooldownDuration is how long an open breaker refuses the descriptor.
	CooldownDuration time.Duration
}

// DefaultBreakerConfig returns the tuning used when a tenant does not
// override the breaker parameters.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		TrackingWindow:   2 * time.Minute,
		CooldownDuration: 5 * time.Minute,
	}
}

// withDefaults fills zero-value fields from DefaultBreakerConfig.
func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.TrackingWindow <= 0 {
		c.TrackingWindow = def.TrackingWindow
	}
	if c.CooldownDuration <= 0 {
		c.CooldownDuration = def.CooldownDuration
	}
	return c
}

// breakerState is the per-descriptor failure record. Each key has its own
// lock so breaker checks on the hot path never contend across descriptors.
type breakerState struct {
	mu            sync.Mutex
	failures      int
	windowStart   time.Time
	cooldownUntil time.Time
}

// MemoryHealth is the in-memory Health implementation for single-instance
// deployments. Safe for concurrent use.
type MemoryHealth struct {
	cfgFor func(key string) BreakerConfig
	state  sync.Map // key -> *breakerState

	// now is injectable for tests.
	now func() time.Time
}

// NewMemoryHealth creates a MemoryHealth applying one config to every key.
// Zero-value fields fall back to DefaultBreakerConfig.
func NewMemoryHealth(cfg BreakerConfig) *MemoryHealth {
	cfg = cfg.withDefaults()
	return &MemoryHealth{
		cfgFor: func(string) BreakerConfig { return cfg },
		now:    time.Now,
	}
}

// NewMemoryHealthFunc creates a MemoryHealth whose tuning is resolved per
// descriptor key on every failure, so tenants can carry their own threshold
// and cooldown. Zero-value fields in the resolved config fall back to
// DefaultBreakerConfig.
func NewMemoryHealthFunc(cfgFor func(key string) BreakerConfig) *MemoryHealth {
	return &MemoryHealth{
		cfgFor: func(key string) BreakerConfig { return cfgFor(key).withDefaults() },
		now:    time.Now,
	}
}

func (h *MemoryHealth) get(key string) *breakerState {
	if s, ok := h.state.Load(key); ok {
		return s.(*breakerState)
	}
	s, _ := h.state.LoadOrStore(key, &breakerState{})
	return s.(*breakerState)
}

// RecordFailure counts one failed attempt. The count restarts when the
// tracking window has elapsed since the first failure of the window.
func (h *MemoryHealth) RecordFailure(key string) bool {
	s := h.get(key)
	cfg := h.cfgFor(key)
	now := h.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures == 0 || now.Sub(s.windowStart) > cfg.TrackingWindow {
		s.failures = 0
		s.windowStart = now
	}
	s.failures++

	if s.failures >= cfg.FailureThreshold && now.After(s.cooldownUntil) {
		s.cooldownUntil = now.Add(cfg.CooldownDuration)
		return true
	}
	return false
}

// RecordSuccess closes the breaker: a successful invocation after a
// degraded period clears the failure count and cooldown.
func (h *MemoryHealth) RecordSuccess(key string) {
	s := h.get(key)
	s.mu.Lock()
	s.failures = 0
	s.windowStart = time.Time{}
	s.cooldownUntil = time.Time{}
	s.mu.Unlock()
}

// InCooldown reports whether the key is open.
func (h *MemoryHealth) InCooldown(key string) bool {
	v, ok := h.state.Load(key)
	if !ok {
		return false
	}
	s := v.(*breakerState)
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.now().Before(s.cooldownUntil)
}

// Reset clears all state for the key. Administrative operation.
func (h *MemoryHealth) Reset(key string) {
	h.state.Delete(key)
}
