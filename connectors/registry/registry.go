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

// Package registry resolves named external capability providers per tenant
// and isolates the turn pipeline from misbehaving endpoints. A descriptor
// whose circuit breaker is open is never handed out; invocations carry a
// bounded timeout and a bounded retry budget for the transient failure set.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"convoflow/platform/connectors/base"
	"convoflow/platform/shared/logger"
)

// Invoker performs the actual call described by a descriptor. The HTTP
// connector is the standard implementation; tests substitute their own.
type Invoker interface {
	Invoke(ctx context.Context, desc *base.Descriptor, req *base.Request) (*base.Response, error)
}

const (
	// initialRetryDelay is the backoff base between retry attempts.
	initialRetryDelay = 100 * time.Millisecond
	// maxRetryDelay caps the backoff growth.
	maxRetryDelay = 2 * time.Second
)

// Registry holds the per-tenant connector descriptors and their breaker
// state. Thread-safe for concurrent access.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*base.Descriptor // key: tenantID:name

	health  base.Health
	invoker Invoker
	log     *logger.Logger
}

// New creates a Registry backed by the given breaker state store and
// invoker.
func New(health base.Health, invoker Invoker, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.New("connector-registry")
	}
	return &Registry{
		descriptors: make(map[string]*base.Descriptor),
		health:      health,
		invoker:     invoker,
		log:         log,
	}
}

// Register adds or replaces a descriptor. Called at startup from the
// settings file and at runtime by the admin refresh endpoint.
func (r *Registry) Register(desc *base.Descriptor) {
	r.mu.Lock()
	r.descriptors[desc.Key()] = desc
	r.mu.Unlock()
	r.log.Info(desc.TenantID, "", "connector registered", map[string]interface{}{
		"connector":    desc.Name,
		"capabilities": desc.Capabilities,
	})
}

// Deregister removes a descriptor and clears its breaker state.
func (r *Registry) Deregister(tenantID, name string) {
	key := tenantID + ":" + name
	r.mu.Lock()
	delete(r.descriptors, key)
	r.mu.Unlock()
	r.health.Reset(key)
}

// Resolve returns an enabled descriptor for the tenant that declares the
// capability and is not in cooldown. Returns base.ErrNotFound when every
// candidate is missing, disabled, or cooling down.
func (r *Registry) Resolve(tenantID, capability string) (*base.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, desc := range r.descriptors {
		if desc.TenantID != tenantID || !desc.Enabled || !desc.HasCapability(capability) {
			continue
		}
		if r.health.InCooldown(desc.Key()) {
			continue
		}
		return desc, nil
	}
	return nil, base.ErrNotFound
}

// Invoke calls the descriptor's endpoint with a bounded timeout and up to
// MaxRetries additional attempts for the retryable failure set. Every
// failed attempt feeds the breaker; a success closes it.
func (r *Registry) Invoke(ctx context.Context, desc *base.Descriptor, req *base.Request) (*base.Response, error) {
	if r.health.InCooldown(desc.Key()) {
		return nil, base.ErrCooldown
	}

	attempts := desc.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	delay := initialRetryDelay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		resp, err := r.invokeOnce(ctx, desc, req)
		if err == nil {
			r.health.RecordSuccess(desc.Key())
			return resp, nil
		}

		lastErr = err
		if opened := r.health.RecordFailure(desc.Key()); opened {
			r.log.Warn(desc.TenantID, "", "connector breaker opened", map[string]interface{}{
				"connector": desc.Name,
				"error":     err.Error(),
			})
			break
		}

		if !base.IsRetryable(err) {
			break
		}
	}

	return nil, fmt.Errorf("invoke %s failed: %w", desc.Name, lastErr)
}

// invokeOnce performs a single attempt under the descriptor's timeout.
func (r *Registry) invokeOnce(ctx context.Context, desc *base.Descriptor, req *base.Request) (*base.Response, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return r.invoker.Invoke(callCtx, desc, req)
}

// Reset clears the breaker state for a tenant's descriptor regardless of
// timing. Administrative operation exposed on the admin API.
func (r *Registry) Reset(tenantID, name string) {
	key := tenantID + ":" + name
	r.health.Reset(key)
	r.log.Info(tenantID, "", "connector breaker reset", map[string]interface{}{
		"connector": name,
	})
}

// DescriptorsByTenant returns the names of all registered descriptors for a
// tenant. Used by the admin API.
func (r *Registry) DescriptorsByTenant(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0)
	for _, desc := range r.descriptors {
		if desc.TenantID == tenantID {
			names = append(names, desc.Name)
		}
	}
	return names
}
