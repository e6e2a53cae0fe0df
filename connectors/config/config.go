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

// Package config loads the per-tenant engine settings and connector
// descriptors from a YAML settings file with environment variable
// expansion. The engine core consumes TenantSettings through the Source
// interface and owns none of the configuration surface itself.
package config

import (
	"sync"
	"time"
)

// CapabilityRule maps keyword triggers in an aggregated turn to a named
// connector capability. When any keyword matches, the orchestrator resolves
// a connector for the capability and feeds its result into the prompt.
type CapabilityRule struct {
	Capability string   `yaml:"capability"`
	Keywords   []string `yaml:"keywords"`
}

// TenantSettings holds everything the engine needs to know about one
// tenant: debounce timing, rate limits, guardrail thresholds, prompt and
// message texts, and breaker tuning.
type TenantSettings struct {
	// Debounce controls.
	DebounceWindow time.Duration `yaml:"-"`
	MaxBurst       time.Duration `yaml:"-"`

	// RateLimitPerMinute bounds turns per conversation per minute.
	// 0 means unlimited.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// Guardrail thresholds. NoAnswerThreshold must be below
	// ContextThreshold.
	NoAnswerThreshold float64 `yaml:"no_answer_threshold"`
	ContextThreshold  float64 `yaml:"context_threshold"`

	// Retrieval and history depth.
	RetrievalTopK int `yaml:"retrieval_top_k"`
	HistoryTurns  int `yaml:"history_turns"`

	// Generation bounds.
	MaxOutputTokens  int    `yaml:"max_output_tokens"`
	MaxResponseChars int    `yaml:"max_response_chars"`
	Model            string `yaml:"model"`

	// Prompt and canned texts.
	SystemPrompt    string `yaml:"system_prompt"`
	RefusalMessage  string `yaml:"refusal_message"`
	FallbackMessage string `yaml:"fallback_message"`

	// ImageTTL is how long a received image stays referenceable by a
	// text-only follow-up.
	ImageTTL time.Duration `yaml:"-"`

	// Connector capability triggers.
	Capabilities []CapabilityRule `yaml:"capabilities"`

	// Breaker tuning for the tenant's connectors.
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerTrackingWindow   time.Duration `yaml:"-"`
	BreakerCooldown         time.Duration `yaml:"-"`
}

// DefaultTenantSettings returns the settings applied when a tenant
// configures nothing.
func DefaultTenantSettings() TenantSettings {
	return TenantSettings{
		DebounceWindow:          8 * time.Second,
		MaxBurst:                30 * time.Second,
		RateLimitPerMinute:      6,
		NoAnswerThreshold:       0.22,
		ContextThreshold:        0.28,
		RetrievalTopK:           5,
		HistoryTurns:            10,
		MaxOutputTokens:         1024,
		MaxResponseChars:        4000,
		SystemPrompt:            "You are a helpful customer support assistant.",
		RefusalMessage:          "I don't have enough information to answer that yet. Could you give me a few more details?",
		FallbackMessage:         "Sorry, something went wrong on our side. A teammate will follow up shortly.",
		ImageTTL:                5 * time.Minute,
		BreakerFailureThreshold: 5,
		BreakerTrackingWindow:   2 * time.Minute,
		BreakerCooldown:         5 * time.Minute,
	}
}

// Source supplies the effective settings for a tenant. The engine core
// depends on this interface only.
type Source interface {
	Settings(tenantID string) TenantSettings
}

// Store is the in-memory settings source populated by the file loader.
// Safe for concurrent reads while an admin reload swaps the contents.
type Store struct {
	mu       sync.RWMutex
	defaults TenantSettings
	tenants  map[string]TenantSettings
}

// NewStore creates a Store with the built-in defaults and no tenant
// overrides.
func NewStore() *Store {
	return &Store{
		defaults: DefaultTenantSettings(),
		tenants:  make(map[string]TenantSettings),
	}
}

// Settings returns the tenant's effective settings, falling back to the
// defaults for unknown tenants.
func (s *Store) Settings(tenantID string) TenantSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tenants[tenantID]; ok {
		return t
	}
	return s.defaults
}

// Replace swaps the full settings map. Called by the file loader on load
// and reload.
func (s *Store) Replace(defaults TenantSettings, tenants map[string]TenantSettings) {
	s.mu.Lock()
	s.defaults = defaults
	s.tenants = tenants
	s.mu.Unlock()
}

// TenantIDs lists the explicitly configured tenants.
func (s *Store) TenantIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	return ids
}
