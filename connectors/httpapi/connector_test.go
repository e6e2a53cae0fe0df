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

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoflow/platform/connectors/base"
)

func descriptorFor(endpoint string) *base.Descriptor {
	return &base.Descriptor{
		Name:         "orders",
		TenantID:     "acme",
		Endpoint:     endpoint,
		Capabilities: []string{"order_lookup"},
		Timeout:      5 * time.Second,
		Enabled:      true,
	}
}

func TestInvokePostsCapabilityPayload(t *testing.T) {
	var gotPayload invokePayload
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id": "A-1", "status": "shipped"}`))
	}))
	defer srv.Close()

	inv := NewInvoker()
	resp, err := inv.Invoke(context.Background(), descriptorFor(srv.URL), &base.Request{
		Capability: "order_lookup",
		Parameters: map[string]interface{}{"query": "where is my order"},
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "order_lookup", gotPayload.Capability)
	assert.Equal(t, "where is my order", gotPayload.Parameters["query"])
	assert.True(t, resp.Success)
	assert.Equal(t, "shipped", resp.Body["status"])
	assert.Greater(t, resp.Duration, time.Duration(0))
}

func TestInvokeBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc := descriptorFor(srv.URL)
	desc.Credentials = map[string]string{"bearer_token": "secret-token"}

	_, err := NewInvoker().Invoke(context.Background(), desc, &base.Request{Capability: "order_lookup"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestInvokeAPIKeyAuthWithCustomHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Custom-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	desc := descriptorFor(srv.URL)
	desc.Credentials = map[string]string{"api_key": "k-123", "api_key_header": "X-Custom-Key"}

	_, err := NewInvoker().Invoke(context.Background(), desc, &base.Request{Capability: "order_lookup"})
	require.NoError(t, err)
	assert.Equal(t, "k-123", gotKey)
}

func TestInvokeClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		_, err := NewInvoker().Invoke(context.Background(), descriptorFor(srv.URL), &base.Request{Capability: "order_lookup"})
		srv.Close()

		require.Error(t, err, "status %d", tt.status)
		var ie *base.InvokeError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, tt.status, ie.StatusCode)
		assert.Equal(t, tt.retryable, ie.Retryable, "status %d", tt.status)
	}
}

func TestInvokeTransportErrorIsRetryable(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	_, err := NewInvoker().Invoke(context.Background(), descriptorFor(endpoint), &base.Request{Capability: "order_lookup"})
	require.Error(t, err)
	assert.True(t, base.IsRetryable(err))
}

func TestInvokeCanceledContextIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewInvoker().Invoke(ctx, descriptorFor(srv.URL), &base.Request{Capability: "order_lookup"})
	require.Error(t, err)
	assert.False(t, base.IsRetryable(err))
}

func TestInvokeNonJSONSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	resp, err := NewInvoker().Invoke(context.Background(), descriptorFor(srv.URL), &base.Request{Capability: "order_lookup"})
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Body["raw"])
}
