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

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoflow/platform/connectors/base"
	"convoflow/platform/connectors/config"
	"convoflow/platform/llm"
	"convoflow/platform/shared/types"
)

// --- collaborator fakes ---

type fakeLimiter struct {
	mu     sync.Mutex
	allow  bool
	checks int
}

func (f *fakeLimiter) TryConsume(ctx context.Context, tenantID, conversationID string, limitPerMinute int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.allow
}

type fakeRetriever struct {
	mu    sync.Mutex
	hits  []types.RetrievalHit
	err   error
	calls int
	query string
}

func (f *fakeRetriever) Search(ctx context.Context, tenantID, query string, topK int) ([]types.RetrievalHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.query = query
	return f.hits, f.err
}

type fakeProvider struct {
	mu          sync.Mutex
	reply       string
	err         error
	calls       int
	visionCalls int
	lastReq     llm.CompletionRequest
	lastVision  llm.VisionRequest
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) IsHealthy() bool { return true }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply}, nil
}

func (f *fakeProvider) CompleteVision(ctx context.Context, req llm.VisionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visionCalls++
	f.lastVision = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply}, nil
}

func (f *fakeProvider) completeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memEntry struct {
	role    string
	content string
}

type fakeMemory struct {
	mu      sync.Mutex
	entries []memEntry
	err     error
}

func (f *fakeMemory) AppendUser(ctx context.Context, tenantID, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, memEntry{"user", text})
	return f.err
}

func (f *fakeMemory) AppendAssistant(ctx context.Context, tenantID, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, memEntry{"assistant", text})
	return f.err
}

func (f *fakeMemory) Get(ctx context.Context, tenantID, conversationID string, lastN int) ([]types.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.ChatMessage, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, types.ChatMessage{Role: types.ChatRole(e.role), Content: e.content})
	}
	return out, nil
}

type fakeFetcher struct {
	data []byte
	mime string
	err  error
}

func (f *fakeFetcher) Download(ctx context.Context, url string) ([]byte, string, string, error) {
	if f.err != nil {
		return nil, "", "", f.err
	}
	return f.data, f.mime, "photo.png", nil
}

type fakeSink struct {
	mu        sync.Mutex
	published []string
	err       error
	ch        chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan string, 8)}
}

func (f *fakeSink) Publish(ctx context.Context, conversationID, text string) error {
	f.mu.Lock()
	f.published = append(f.published, text)
	err := f.err
	f.mu.Unlock()
	f.ch <- text
	return err
}

func (f *fakeSink) wait(t *testing.T) string {
	t.Helper()
	select {
	case text := <-f.ch:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink publish")
		return ""
	}
}

func (f *fakeSink) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case text := <-f.ch:
		t.Fatalf("unexpected publish: %q", text)
	case <-time.After(within):
	}
}

type fakeConnectors struct {
	desc *base.Descriptor
	resp *base.Response
	err  error
}

func (f *fakeConnectors) Resolve(tenantID, capability string) (*base.Descriptor, error) {
	if f.desc == nil {
		return nil, base.ErrNotFound
	}
	return f.desc, nil
}

func (f *fakeConnectors) Invoke(ctx context.Context, desc *base.Descriptor, req *base.Request) (*base.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

// --- harness ---

type harness struct {
	orch      *Orchestrator
	store     *config.Store
	limiter   *fakeLimiter
	retriever *fakeRetriever
	provider  *fakeProvider
	memory    *fakeMemory
	fetcher   *fakeFetcher
	sink      *fakeSink
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:     config.NewStore(),
		limiter:   &fakeLimiter{allow: true},
		retriever: &fakeRetriever{},
		provider:  &fakeProvider{reply: "generated answer"},
		memory:    &fakeMemory{},
		fetcher:   &fakeFetcher{data: []byte{1, 2, 3}, mime: "image/png"},
		sink:      newFakeSink(),
	}

	opts := Options{
		Settings:  h.store,
		Limiter:   h.limiter,
		Retriever: h.retriever,
		Provider:  h.provider,
		Memory:    h.memory,
		Fetcher:   h.fetcher,
		Sink:      h.sink,
		Metrics:   NewMetrics(nil),
	}
	if mutate != nil {
		mutate(&opts)
	}

	orch, err := New(opts)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func testKey() types.ConversationKey {
	return types.ConversationKey{TenantID: "acme", ConversationID: "conv-1"}
}

func textTurn(id, text string) types.AggregatedTurn {
	return types.AggregatedTurn{ID: id, Text: text, FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
}

// --- tests ---

func TestBurstAggregatesAndRefusesOnZeroHits(t *testing.T) {
	h := newHarness(t, nil)

	// Tighten the debounce window so the test observes a real flush.
	defaults := config.DefaultTenantSettings()
	defaults.DebounceWindow = 50 * time.Millisecond
	defaults.MaxBurst = time.Second
	h.store.Replace(defaults, nil)

	require.NoError(t, h.orch.Accept(InboundEvent{
		EventID: "e1", TenantID: "acme", ConversationID: "conv-1", Text: "Hola",
	}))
	require.NoError(t, h.orch.Accept(InboundEvent{
		EventID: "e2", TenantID: "acme", ConversationID: "conv-1", Text: "necesito ayuda",
	}))

	published := h.sink.wait(t)
	assert.Equal(t, defaults.RefusalMessage, published)

	// Retrieval saw the aggregated text, and the provider was never called.
	h.retriever.mu.Lock()
	assert.Equal(t, "Hola necesito ayuda", h.retriever.query)
	assert.Equal(t, 1, h.retriever.calls)
	h.retriever.mu.Unlock()
	assert.Equal(t, 0, h.provider.completeCalls())

	// The refusal is still a full exchange in memory.
	h.memory.mu.Lock()
	require.Len(t, h.memory.entries, 2)
	assert.Equal(t, "Hola necesito ayuda", h.memory.entries[0].content)
	assert.Equal(t, defaults.RefusalMessage, h.memory.entries[1].content)
	h.memory.mu.Unlock()
}

func TestStrongContextAnswersWithHits(t *testing.T) {
	h := newHarness(t, nil)
	h.retriever.hits = []types.RetrievalHit{
		{Text: "Returns accepted within 30 days.", Title: "Return policy", Score: 0.40},
	}

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "can I return my order?")))

	assert.Equal(t, "generated answer", h.sink.wait(t))
	assert.Equal(t, 1, h.provider.completeCalls())

	h.provider.mu.Lock()
	assert.Contains(t, h.provider.lastReq.SystemPrompt, "Returns accepted within 30 days.")
	require.NotEmpty(t, h.provider.lastReq.Messages)
	assert.Equal(t, "can I return my order?", h.provider.lastReq.Messages[len(h.provider.lastReq.Messages)-1].Content)
	h.provider.mu.Unlock()
}

func TestMiddleBandAnswersWithoutContext(t *testing.T) {
	h := newHarness(t, nil)
	h.retriever.hits = []types.RetrievalHit{{Text: "weak match", Score: 0.25}}

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "something vague")))

	assert.Equal(t, "generated answer", h.sink.wait(t))
	h.provider.mu.Lock()
	assert.NotContains(t, h.provider.lastReq.SystemPrompt, "weak match")
	assert.Contains(t, h.provider.lastReq.SystemPrompt, "No reliable knowledge-base context")
	h.provider.mu.Unlock()
}

func TestRateLimitedTurnIsSilentlyDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.limiter.allow = false

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "hello?")))

	h.sink.expectNone(t, 150*time.Millisecond)
	assert.Equal(t, 0, h.provider.completeCalls())
	h.retriever.mu.Lock()
	assert.Equal(t, 0, h.retriever.calls)
	h.retriever.mu.Unlock()
}

func TestEmptyTurnIsDropped(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.orch.ProcessTurn(testKey(), types.AggregatedTurn{ID: "t1"}))

	h.sink.expectNone(t, 150*time.Millisecond)
	h.limiter.mu.Lock()
	assert.Equal(t, 0, h.limiter.checks, "empty turns must not consume rate budget")
	h.limiter.mu.Unlock()
}

func TestDuplicateTurnContentIsSuppressed(t *testing.T) {
	h := newHarness(t, nil)
	h.retriever.hits = []types.RetrievalHit{{Text: "doc", Score: 0.5}}

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "same question")))
	h.sink.wait(t)

	// Same aggregated content, different turn ID: still a duplicate.
	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t2", "same question")))
	h.sink.expectNone(t, 150*time.Millisecond)
	assert.Equal(t, 1, h.provider.completeCalls())
}

func TestDuplicateEventIDIsSuppressed(t *testing.T) {
	h := newHarness(t, nil)
	defaults := config.DefaultTenantSettings()
	defaults.DebounceWindow = 50 * time.Millisecond
	h.store.Replace(defaults, nil)

	require.NoError(t, h.orch.Accept(InboundEvent{
		EventID: "evt-1", TenantID: "acme", ConversationID: "conv-1", Text: "hello",
	}))
	// Redelivery of the same event must not extend or duplicate the turn.
	require.NoError(t, h.orch.Accept(InboundEvent{
		EventID: "evt-1", TenantID: "acme", ConversationID: "conv-1", Text: "hello",
	}))

	h.sink.wait(t)
	h.retriever.mu.Lock()
	assert.Equal(t, "hello", h.retriever.query)
	h.retriever.mu.Unlock()
}

func TestProviderFailureFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.retriever.hits = []types.RetrievalHit{{Text: "doc", Score: 0.5}}
	h.provider.err = errors.New("model overloaded")

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "question")))

	assert.Equal(t, config.DefaultTenantSettings().FallbackMessage, h.sink.wait(t))
}

func TestImageTurnTakesVisionPath(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.reply = "that is a broken hinge"

	turn := types.AggregatedTurn{
		ID:   "t1",
		Text: "what is this part?",
		Attachments: []types.Attachment{
			{URL: "https://cdn.example.com/part.png", Type: types.AttachmentImage},
		},
		FirstSeenAt: time.Now(),
		LastSeenAt:  time.Now(),
	}
	require.NoError(t, h.orch.ProcessTurn(testKey(), turn))

	assert.Equal(t, "that is a broken hinge", h.sink.wait(t))
	h.provider.mu.Lock()
	assert.Equal(t, 1, h.provider.visionCalls)
	assert.Equal(t, []byte{1, 2, 3}, h.provider.lastVision.ImageData)
	assert.Equal(t, "image/png", h.provider.lastVision.ImageMimeType)
	h.provider.mu.Unlock()

	// Retrieval has no role on the vision path.
	h.retriever.mu.Lock()
	assert.Equal(t, 0, h.retriever.calls)
	h.retriever.mu.Unlock()
}

func TestTextFollowUpReferencesCachedImage(t *testing.T) {
	h := newHarness(t, nil)

	imageTurn := types.AggregatedTurn{
		ID: "t1",
		Attachments: []types.Attachment{
			{URL: "https://cdn.example.com/part.png", Type: types.AttachmentImage},
		},
		FirstSeenAt: time.Now(),
		LastSeenAt:  time.Now(),
	}
	require.NoError(t, h.orch.ProcessTurn(testKey(), imageTurn))
	h.sink.wait(t)

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t2", "can you zoom into the left side?")))
	h.sink.wait(t)

	h.provider.mu.Lock()
	assert.Equal(t, 2, h.provider.visionCalls, "follow-up within the TTL reuses the cached image")
	assert.Equal(t, 0, h.provider.calls)
	h.provider.mu.Unlock()
}

func TestClearDropsCachedImage(t *testing.T) {
	h := newHarness(t, nil)
	h.retriever.hits = []types.RetrievalHit{{Text: "doc", Score: 0.5}}

	imageTurn := types.AggregatedTurn{
		ID: "t1",
		Attachments: []types.Attachment{
			{URL: "https://cdn.example.com/part.png", Type: types.AttachmentImage},
		},
		FirstSeenAt: time.Now(),
		LastSeenAt:  time.Now(),
	}
	require.NoError(t, h.orch.ProcessTurn(testKey(), imageTurn))
	h.sink.wait(t)

	h.orch.Clear(testKey())

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t2", "what about the left side?")))
	h.sink.wait(t)

	h.provider.mu.Lock()
	assert.Equal(t, 1, h.provider.visionCalls)
	assert.Equal(t, 1, h.provider.calls, "after Clear the follow-up is a plain text turn")
	h.provider.mu.Unlock()
}

func TestAttachmentDownloadFailureFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.err = errors.New("cdn timeout")

	turn := types.AggregatedTurn{
		ID: "t1",
		Attachments: []types.Attachment{
			{URL: "https://cdn.example.com/part.png", Type: types.AttachmentImage},
		},
		FirstSeenAt: time.Now(),
		LastSeenAt:  time.Now(),
	}
	require.NoError(t, h.orch.ProcessTurn(testKey(), turn))

	assert.Equal(t, config.DefaultTenantSettings().FallbackMessage, h.sink.wait(t))
}

func TestConnectorAssistInjectsResult(t *testing.T) {
	connectors := &fakeConnectors{
		desc: &base.Descriptor{Name: "orders", TenantID: "acme", Enabled: true, Capabilities: []string{"order_lookup"}},
		resp: &base.Response{Success: true, Body: map[string]interface{}{"status": "shipped"}},
	}
	h := newHarness(t, func(o *Options) { o.Connectors = connectors })

	defaults := config.DefaultTenantSettings()
	defaults.Capabilities = []config.CapabilityRule{{Capability: "order_lookup", Keywords: []string{"order"}}}
	h.store.Replace(defaults, nil)
	h.retriever.hits = []types.RetrievalHit{{Text: "doc", Score: 0.5}}

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "where is my order?")))
	h.sink.wait(t)

	h.provider.mu.Lock()
	assert.Contains(t, h.provider.lastReq.SystemPrompt, "status: shipped")
	h.provider.mu.Unlock()
}

func TestConnectorFailureDegradesToUnassistedAnswer(t *testing.T) {
	connectors := &fakeConnectors{
		desc: &base.Descriptor{Name: "orders", TenantID: "acme", Enabled: true, Capabilities: []string{"order_lookup"}},
		err:  errors.New("endpoint down"),
	}
	h := newHarness(t, func(o *Options) { o.Connectors = connectors })

	defaults := config.DefaultTenantSettings()
	defaults.Capabilities = []config.CapabilityRule{{Capability: "order_lookup", Keywords: []string{"order"}}}
	h.store.Replace(defaults, nil)
	h.retriever.hits = []types.RetrievalHit{{Text: "doc", Score: 0.5}}

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "where is my order?")))

	// The answer still goes out, just without connector context.
	assert.Equal(t, "generated answer", h.sink.wait(t))
}

func TestReplyTruncatedToTenantLimit(t *testing.T) {
	h := newHarness(t, nil)
	defaults := config.DefaultTenantSettings()
	defaults.MaxResponseChars = 10
	h.store.Replace(defaults, nil)
	h.retriever.hits = []types.RetrievalHit{{Text: "doc", Score: 0.5}}
	h.provider.reply = strings.Repeat("long answer ", 20)

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "question")))

	assert.Len(t, []rune(h.sink.wait(t)), 10)
}

func TestMemoryFailureDoesNotBlockEmission(t *testing.T) {
	h := newHarness(t, nil)
	h.memory.err = errors.New("database down")
	h.retriever.hits = []types.RetrievalHit{{Text: "doc", Score: 0.5}}

	require.NoError(t, h.orch.ProcessTurn(testKey(), textTurn("t1", "question")))

	assert.Equal(t, "generated answer", h.sink.wait(t))
}

func TestAcceptRequiresIdentity(t *testing.T) {
	h := newHarness(t, nil)

	assert.Error(t, h.orch.Accept(InboundEvent{Text: "no identity"}))
	assert.Error(t, h.orch.Accept(InboundEvent{TenantID: "acme", Text: "no conversation"}))
}
