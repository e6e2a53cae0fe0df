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

// Package retrieval talks to the knowledge-base search collaborator. The
// vector search itself is external; this package carries the client and the
// degradation wrapper that turns retrieval failures into empty result sets
// so a search outage never fails a turn.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"convoflow/platform/shared/logger"
	"convoflow/platform/shared/types"
)

// Retriever searches the tenant's knowledge base and returns hits ordered
// descending by similarity score.
type Retriever interface {
	Search(ctx context.Context, tenantID, query string, topK int) ([]types.RetrievalHit, error)
}

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRetriever calls a search service over HTTP.
type HTTPRetriever struct {
	baseURL string
	apiKey  string
	client  HTTPClient
}

// NewHTTPRetriever creates a retriever for the search service at baseURL.
func NewHTTPRetriever(baseURL, apiKey string, timeout time.Duration) *HTTPRetriever {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRetriever{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// NewHTTPRetrieverWithClient creates a retriever with a custom HTTP client.
func NewHTTPRetrieverWithClient(baseURL, apiKey string, client HTTPClient) *HTTPRetriever {
	return &HTTPRetriever{baseURL: baseURL, apiKey: apiKey, client: client}
}

type searchRequest struct {
	TenantID string `json:"tenant_id"`
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
}

type searchResponse struct {
	Hits []types.RetrievalHit `json:"hits"`
}

// Search POSTs the query to the search service and returns its ranked
// hits.
func (r *HTTPRetriever) Search(ctx context.Context, tenantID, query string, topK int) ([]types.RetrievalHit, error) {
	body, err := json.Marshal(searchRequest{TenantID: tenantID, Query: query, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search service returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return parsed.Hits, nil
}

// Safe wraps a Retriever so failures degrade to zero hits instead of
// failing the turn. The guardrail then takes the refuse path, which is the
// correct conservative behavior when the knowledge base is unreachable.
type Safe struct {
	Inner Retriever
	Log   *logger.Logger
}

// NewSafe wraps inner with degradation and logging.
func NewSafe(inner Retriever, log *logger.Logger) *Safe {
	if log == nil {
		log = logger.New("retrieval")
	}
	return &Safe{Inner: inner, Log: log}
}

// Search delegates to the inner retriever, returning an empty hit list on
// any error.
func (s *Safe) Search(ctx context.Context, tenantID, query string, topK int) ([]types.RetrievalHit, error) {
	hits, err := s.Inner.Search(ctx, tenantID, query, topK)
	if err != nil {
		s.Log.ErrorWithErr(tenantID, "", "retrieval failed, degrading to zero hits", err, nil)
		return nil, nil
	}
	return hits, nil
}
