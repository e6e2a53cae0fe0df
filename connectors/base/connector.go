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
	"errors"
	"time"
)

// Descriptor describes one external business capability endpoint configured
// for a tenant: where to call it, how to authenticate, and how patient to be.
// Descriptors are configuration, not live connections; the registry decides
// whether a descriptor may be handed out based on its breaker state.
type Descriptor struct {
	Name         string            `json:"name"`
	TenantID     string            `json:"tenant_id"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []string          `json:"capabilities"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	Timeout      time.Duration     `json:"timeout"`
	MaxRetries   int               `json:"max_retries"`
	Enabled      bool              `json:"enabled"`
}

// Key returns the identity used for breaker state and registry lookups.
func (d *Descriptor) Key() string {
	return d.TenantID + ":" + d.Name
}

// HasCapability reports whether the descriptor declares the capability.
func (d *Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Request is one capability invocation handed to a connector.
type Request struct {
	Capability string                 `json:"capability"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Response is the result of a capability invocation.
type Response struct {
	Success    bool                   `json:"success"`
	StatusCode int                    `json:"status_code"`
	Body       map[string]interface{} `json:"body,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

// Errors returned by Resolve and Invoke. Callers branch on these, so they
// are sentinel values rather than formatted strings.
var (
	// ErrNotFound means no enabled descriptor declares the capability for
	// the tenant, or every candidate is in cooldown.
	ErrNotFound = errors.New("connector: no available descriptor for capability")

	// ErrCooldown means the specific descriptor is open (cooling down) and
	// must not be invoked until the cooldown expires or an operator resets it.
	ErrCooldown = errors.New("connector: descriptor in cooldown")
)

// InvokeError is returned by connector invocations. Retryable marks the
// transient set (timeout, 429, 5xx); everything else fails the attempt
// terminally.
type InvokeError struct {
	Descriptor string
	StatusCode int
	Retryable  bool
	Message    string
	Cause      error
}

func (e *InvokeError) Error() string {
	msg := "connector " + e.Descriptor + ": " + e.Message
	if e.Cause != nil {
		msg += " (cause: " + e.Cause.Error() + ")"
	}
	return msg
}

func (e *InvokeError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is an InvokeError in the retryable set.
func IsRetryable(err error) bool {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}
