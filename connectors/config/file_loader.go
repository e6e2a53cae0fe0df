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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"convoflow/platform/connectors/base"
)

// SettingsFile represents the root structure of the YAML settings file.
type SettingsFile struct {
	Version  string                      `yaml:"version"`
	Defaults *TenantFileConfig           `yaml:"defaults,omitempty"`
	Tenants  map[string]TenantFileConfig `yaml:"tenants,omitempty"`
}

// TenantFileConfig is the YAML shape of one tenant's settings. Durations
// are expressed in milliseconds so the file never depends on Go duration
// syntax.
type TenantFileConfig struct {
	DebounceWindowMs   int     `yaml:"debounce_window_ms,omitempty"`
	MaxBurstMs         int     `yaml:"max_burst_ms,omitempty"`
	RateLimitPerMinute *int    `yaml:"rate_limit_per_minute,omitempty"`
	NoAnswerThreshold  float64 `yaml:"no_answer_threshold,omitempty"`
	ContextThreshold   float64 `yaml:"context_threshold,omitempty"`
	RetrievalTopK      int     `yaml:"retrieval_top_k,omitempty"`
	HistoryTurns       int     `yaml:"history_turns,omitempty"`
	MaxOutputTokens    int     `yaml:"max_output_tokens,omitempty"`
	MaxResponseChars   int     `yaml:"max_response_chars,omitempty"`
	Model              string  `yaml:"model,omitempty"`
	SystemPrompt       string  `yaml:"system_prompt,omitempty"`
	RefusalMessage     string  `yaml:"refusal_message,omitempty"`
	FallbackMessage    string  `yaml:"fallback_message,omitempty"`
	ImageTTLMs         int     `yaml:"image_ttl_ms,omitempty"`

	Capabilities []CapabilityRule `yaml:"capabilities,omitempty"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold,omitempty"`
	BreakerTrackingWindowMs int `yaml:"breaker_tracking_window_ms,omitempty"`
	BreakerCooldownMs       int `yaml:"breaker_cooldown_ms,omitempty"`

	Connectors map[string]ConnectorFileConfig `yaml:"connectors,omitempty"`
}

// ConnectorFileConfig is the YAML shape of one connector descriptor.
type ConnectorFileConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	Enabled      bool              `yaml:"enabled"`
	Capabilities []string          `yaml:"capabilities"`
	Credentials  map[string]string `yaml:"credentials,omitempty"`
	TimeoutMs    int               `yaml:"timeout_ms,omitempty"`
	MaxRetries   int               `yaml:"max_retries,omitempty"`
}

// FileLoader loads tenant settings and connector descriptors from a YAML
// file.
type FileLoader struct {
	filePath string
	file     *SettingsFile
}

// NewFileLoader reads and parses the settings file.
func NewFileLoader(filePath string) (*FileLoader, error) {
	loader := &FileLoader{filePath: filePath}
	if err := loader.reload(); err != nil {
		return nil, err
	}
	return loader, nil
}

// reload reads and parses the settings file, expanding ${ENV} references
// before unmarshaling so credentials never live in the file itself.
func (l *FileLoader) reload() error {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to read settings file %s: %w", l.filePath, err)
	}

	expanded := expandEnvVars(string(data))

	var file SettingsFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	l.file = &file
	return nil
}

// Reload re-reads the settings file. Used by the admin reload endpoint.
func (l *FileLoader) Reload() error {
	return l.reload()
}

// Apply merges the parsed file into the store: defaults first, then each
// tenant's overrides on top of those defaults.
func (l *FileLoader) Apply(store *Store) {
	defaults := DefaultTenantSettings()
	if l.file.Defaults != nil {
		defaults = mergeTenant(defaults, *l.file.Defaults)
	}

	tenants := make(map[string]TenantSettings, len(l.file.Tenants))
	for id, tc := range l.file.Tenants {
		tenants[id] = mergeTenant(defaults, tc)
	}

	store.Replace(defaults, tenants)
}

// Descriptors builds the connector descriptors declared in the file.
func (l *FileLoader) Descriptors() []*base.Descriptor {
	var descriptors []*base.Descriptor

	for tenantID, tc := range l.file.Tenants {
		for name, cc := range tc.Connectors {
			timeout := time.Duration(cc.TimeoutMs) * time.Millisecond
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			maxRetries := cc.MaxRetries
			if maxRetries == 0 {
				maxRetries = 2
			}

			descriptors = append(descriptors, &base.Descriptor{
				Name:         name,
				TenantID:     tenantID,
				Endpoint:     cc.Endpoint,
				Capabilities: cc.Capabilities,
				Credentials:  cc.Credentials,
				Timeout:      timeout,
				MaxRetries:   maxRetries,
				Enabled:      cc.Enabled,
			})
		}
	}

	return descriptors
}

// mergeTenant layers the file config over the base settings. Zero values in
// the file leave the base value untouched, except RateLimitPerMinute where
// an explicit 0 means unlimited (hence the pointer).
func mergeTenant(baseSettings TenantSettings, tc TenantFileConfig) TenantSettings {
	out := baseSettings

	if tc.DebounceWindowMs > 0 {
		out.DebounceWindow = time.Duration(tc.DebounceWindowMs) * time.Millisecond
	}
	if tc.MaxBurstMs > 0 {
		out.MaxBurst = time.Duration(tc.MaxBurstMs) * time.Millisecond
	}
	if tc.RateLimitPerMinute != nil {
		out.RateLimitPerMinute = *tc.RateLimitPerMinute
	}
	if tc.NoAnswerThreshold > 0 {
		out.NoAnswerThreshold = tc.NoAnswerThreshold
	}
	if tc.ContextThreshold > 0 {
		out.ContextThreshold = tc.ContextThreshold
	}
	if tc.RetrievalTopK > 0 {
		out.RetrievalTopK = tc.RetrievalTopK
	}
	if tc.HistoryTurns > 0 {
		out.HistoryTurns = tc.HistoryTurns
	}
	if tc.MaxOutputTokens > 0 {
		out.MaxOutputTokens = tc.MaxOutputTokens
	}
	if tc.MaxResponseChars > 0 {
		out.MaxResponseChars = tc.MaxResponseChars
	}
	if tc.Model != "" {
		out.Model = tc.Model
	}
	if tc.SystemPrompt != "" {
		out.SystemPrompt = tc.SystemPrompt
	}
	if tc.RefusalMessage != "" {
		out.RefusalMessage = tc.RefusalMessage
	}
	if tc.FallbackMessage != "" {
		out.FallbackMessage = tc.FallbackMessage
	}
	if tc.ImageTTLMs > 0 {
		out.ImageTTL = time.Duration(tc.ImageTTLMs) * time.Millisecond
	}
	if len(tc.Capabilities) > 0 {
		out.Capabilities = tc.Capabilities
	}
	if tc.BreakerFailureThreshold > 0 {
		out.BreakerFailureThreshold = tc.BreakerFailureThreshold
	}
	if tc.BreakerTrackingWindowMs > 0 {
		out.BreakerTrackingWindow = time.Duration(tc.BreakerTrackingWindowMs) * time.Millisecond
	}
	if tc.BreakerCooldownMs > 0 {
		out.BreakerCooldown = time.Duration(tc.BreakerCooldownMs) * time.Millisecond
	}

	return out
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string.
// Supports both ${VAR_NAME} and $VAR_NAME syntax plus ${VAR_NAME:-default}
// defaults. Undefined variables without a default expand to the empty
// string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}
