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

package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPostsToConversation(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody publishPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "crm-token", 0, 0)
	require.NoError(t, c.Publish(context.Background(), "conv-42", "your order shipped"))

	assert.Equal(t, "/conversations/conv-42/messages", gotPath)
	assert.Equal(t, "Bearer crm-token", gotAuth)
	assert.Equal(t, "your order shipped", gotBody.Text)
}

func TestPublishTruncatesToLimit(t *testing.T) {
	var gotBody publishPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 20, 0)
	long := strings.Repeat("palabra ", 10)
	require.NoError(t, c.Publish(context.Background(), "conv-1", long))

	assert.Equal(t, 20, len([]rune(gotBody.Text)))
	assert.True(t, strings.HasSuffix(gotBody.Text, "…"))
}

func TestPublishErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", 0, 0).Publish(context.Background(), "conv-1", "hi")
	assert.ErrorContains(t, err, "422")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "exac…", Truncate("exactly", 5))

	// Multi-byte text must cut on rune boundaries.
	got := Truncate("ñandú ñandú ñandú", 7)
	assert.Equal(t, 7, len([]rune(got)))
	assert.Equal(t, "ñandú …", got)

	// Degenerate limits must not panic.
	assert.Equal(t, "", Truncate("anything", 0))
	assert.Equal(t, "", Truncate("anything", -3))
	assert.Equal(t, "a", Truncate("anything", 1))
}
