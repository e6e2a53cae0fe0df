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
	"fmt"
	"strings"
	"time"

	"convoflow/platform/connectors/base"
	"convoflow/platform/connectors/config"
	"convoflow/platform/engine/buffer"
	"convoflow/platform/engine/guardrail"
	"convoflow/platform/engine/ratelimit"
	"convoflow/platform/llm"
	"convoflow/platform/shared/logger"
	"convoflow/platform/shared/types"
)

const (
	// turnTimeout bounds one turn's worth of external calls end to end.
	turnTimeout = 90 * time.Second

	// dedupTTL is the trailing window for duplicate suppression.
	dedupTTL = 2 * time.Minute

	// visionDefaultPrompt stands in when an image arrives with no text.
	visionDefaultPrompt = "The customer sent this image without any text. Describe what you see and ask how you can help with it."

	// noContextInstruction is appended for the guardrail's conservative
	// middle band.
	noContextInstruction = "No reliable knowledge-base context was found for this question. Do not assert specific facts you are not certain of; prefer asking the customer a clarifying question."
)

// Suppression reasons for the turns_suppressed metric.
const (
	reasonDuplicate   = "duplicate"
	reasonEmpty       = "empty"
	reasonRateLimited = "rate_limited"
)

// Orchestrator turns one aggregated turn into at most one downstream side
// effect. It owns the aggregation buffer and the idempotency and image
// caches; everything external sits behind the collaborator interfaces.
type Orchestrator struct {
	settings   config.Source
	limiter    ratelimit.Limiter
	retriever  KnowledgeRetriever
	provider   llm.Provider
	memory     ConversationMemory
	fetcher    AttachmentFetcher
	sink       DownstreamSink
	connectors ConnectorResolver // optional; nil disables connector-assisted answers

	buf     *buffer.Buffer
	dedup   *dedupCache
	images  *imageCache
	log     *logger.Logger
	metrics *Metrics

	// baseCtx parents every turn's context, so process shutdown cancels
	// in-flight external calls promptly.
	baseCtx context.Context
}

// Options wires an Orchestrator. Settings, Limiter, Retriever, Provider,
// Memory, Fetcher, and Sink are required; Connectors is optional.
type Options struct {
	Settings   config.Source
	Limiter    ratelimit.Limiter
	Retriever  KnowledgeRetriever
	Provider   llm.Provider
	Memory     ConversationMemory
	Fetcher    AttachmentFetcher
	Sink       DownstreamSink
	Connectors ConnectorResolver

	Logger  *logger.Logger
	Metrics *Metrics

	// BaseContext defaults to context.Background.
	BaseContext context.Context
}

// New creates an Orchestrator and its aggregation buffer.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Settings == nil:
		return nil, fmt.Errorf("orchestrator: settings source is required")
	case opts.Limiter == nil:
		return nil, fmt.Errorf("orchestrator: rate limiter is required")
	case opts.Retriever == nil:
		return nil, fmt.Errorf("orchestrator: knowledge retriever is required")
	case opts.Provider == nil:
		return nil, fmt.Errorf("orchestrator: AI provider is required")
	case opts.Memory == nil:
		return nil, fmt.Errorf("orchestrator: conversation memory is required")
	case opts.Fetcher == nil:
		return nil, fmt.Errorf("orchestrator: attachment fetcher is required")
	case opts.Sink == nil:
		return nil, fmt.Errorf("orchestrator: downstream sink is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("orchestrator")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	o := &Orchestrator{
		settings:   opts.Settings,
		limiter:    opts.Limiter,
		retriever:  opts.Retriever,
		provider:   opts.Provider,
		memory:     opts.Memory,
		fetcher:    opts.Fetcher,
		sink:       opts.Sink,
		connectors: opts.Connectors,
		dedup:      newDedupCache(dedupTTL),
		images:     newImageCache(),
		log:        log,
		metrics:    metrics,
		baseCtx:    baseCtx,
	}
	o.buf = buffer.New(o.onFlush, log)
	return o, nil
}

// Accept ingests one raw CRM event: duplicate redeliveries are dropped by
// event ID, everything else is offered to the conversation's buffer.
// Accept returns quickly; any flush it causes runs asynchronously.
func (o *Orchestrator) Accept(ev InboundEvent) error {
	if ev.TenantID == "" || ev.ConversationID == "" {
		return fmt.Errorf("event requires tenant and conversation identity")
	}

	if ev.EventID != "" && o.dedup.seen("evt:"+ev.EventID) {
		o.metrics.TurnsSuppressed.WithLabelValues(reasonDuplicate).Inc()
		return nil
	}

	st := o.settings.Settings(ev.TenantID)
	o.buf.Offer(ev.Key(), ev.Text, ev.Attachments, buffer.Policy{
		Window:   st.DebounceWindow,
		MaxBurst: st.MaxBurst,
	})
	return nil
}

// Clear drops all buffered state for a conversation: pending fragments,
// timers, and the cached image. Used by the conversation reset operation.
func (o *Orchestrator) Clear(key types.ConversationKey) {
	o.buf.Clear(key)
	o.images.drop(key)
}

// PendingConversations reports how many conversations currently hold
// buffered, unflushed fragments. Surfaced by the health endpoint.
func (o *Orchestrator) PendingConversations() int {
	return len(o.buf.PendingKeys())
}

// onFlush adapts the buffer callback to ProcessTurn.
func (o *Orchestrator) onFlush(key types.ConversationKey, turn types.AggregatedTurn, trigger buffer.Trigger) error {
	o.metrics.TurnsFlushed.WithLabelValues(string(trigger)).Inc()
	return o.ProcessTurn(key, turn)
}

// ProcessTurn runs the full pipeline for one aggregated turn. Every
// failure below this boundary is caught, logged with tenant, conversation,
// and step, and abandoned; nothing escapes to poison another
// conversation's state.
func (o *Orchestrator) ProcessTurn(key types.ConversationKey, turn types.AggregatedTurn) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing turn: %v", r)
			o.log.Error(key.TenantID, key.ConversationID, "turn abandoned after panic", map[string]interface{}{
				"panic":   r,
				"turn_id": turn.ID,
			})
		}
		o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}()

	// Step 1: duplicate suppression on aggregated content.
	if o.dedup.seen(turnFingerprint(key, turn)) {
		o.metrics.TurnsSuppressed.WithLabelValues(reasonDuplicate).Inc()
		return nil
	}

	// Step 2: emptiness check.
	if turn.IsEmpty() {
		o.metrics.TurnsSuppressed.WithLabelValues(reasonEmpty).Inc()
		return nil
	}

	st := o.settings.Settings(key.TenantID)

	ctx, cancel := context.WithTimeout(o.baseCtx, turnTimeout)
	defer cancel()

	// Step 3: rate limiting, before any paid downstream call.
	if !o.limiter.TryConsume(ctx, key.TenantID, key.ConversationID, st.RateLimitPerMinute) {
		o.metrics.TurnsSuppressed.WithLabelValues(reasonRateLimited).Inc()
		o.log.Warn(key.TenantID, key.ConversationID, "turn rate limited", map[string]interface{}{
			"limit_per_minute": st.RateLimitPerMinute,
		})
		return nil
	}

	// Step 4: strategy selection.
	var reply string
	switch {
	case turn.HasImage():
		reply = o.visionTurn(ctx, key, turn, st)
	default:
		if img, ok := o.images.get(key, st.ImageTTL); ok {
			// A recent image is still in scope: treat the text-only
			// follow-up as a question about it.
			reply = o.visionFollowUp(ctx, key, turn, st, img)
		} else {
			reply = o.textTurn(ctx, key, turn, st)
		}
	}
	if reply == "" {
		// Refuse path already emitted its message, or the turn was
		// terminally abandoned with logging.
		return nil
	}

	o.persistTurn(ctx, key, turn.Text, reply)
	o.emit(ctx, key, reply, st)
	return nil
}

// textTurn is the retrieval-grounded path. Returns the reply to emit, or
// "" when the turn is already handled (refusal emitted).
func (o *Orchestrator) textTurn(ctx context.Context, key types.ConversationKey, turn types.AggregatedTurn, st config.TenantSettings) string {
	hits, err := o.retriever.Search(ctx, key.TenantID, turn.Text, st.RetrievalTopK)
	if err != nil {
		// The Safe wrapper normally degrades already; belt and braces for
		// custom retrievers.
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "retrieval failed, continuing with zero hits", err, map[string]interface{}{"step": "retrieval"})
		hits = nil
	}

	outcome := guardrail.Decide(hits, guardrail.Thresholds{
		NoAnswer: st.NoAnswerThreshold,
		Context:  st.ContextThreshold,
	})
	o.metrics.GuardrailDecisions.WithLabelValues(outcome.Decision.String()).Inc()

	if outcome.Decision == guardrail.Refuse {
		// Designed-in outcome, not a failure: persist the exchange and
		// emit the canned clarification without calling the provider.
		o.persistTurn(ctx, key, turn.Text, st.RefusalMessage)
		o.emit(ctx, key, st.RefusalMessage, st)
		return ""
	}

	systemPrompt := st.SystemPrompt
	switch outcome.Decision {
	case guardrail.AnswerWithContext:
		systemPrompt += "\n\nUse the following knowledge-base context to answer:\n" + formatHits(outcome.Hits)
	case guardrail.AnswerWithoutContext:
		systemPrompt += "\n\n" + noContextInstruction
	}

	if connectorContext := o.connectorAssist(ctx, key, turn, st); connectorContext != "" {
		systemPrompt += "\n\n" + connectorContext
	}

	messages := o.historyMessages(ctx, key, st)
	messages = append(messages, llm.Message{Role: "user", Content: turn.Text})

	resp, err := o.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: systemPrompt,
		MaxTokens:    st.MaxOutputTokens,
		Model:        st.Model,
	})
	if err != nil {
		o.metrics.ProviderFailures.Inc()
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "provider call failed, using fallback", err, map[string]interface{}{"step": "generation"})
		return st.FallbackMessage
	}
	return resp.Content
}

// visionTurn downloads the turn's image, caches it for follow-ups, and
// takes the vision-capable path.
func (o *Orchestrator) visionTurn(ctx context.Context, key types.ConversationKey, turn types.AggregatedTurn, st config.TenantSettings) string {
	var att types.Attachment
	for _, a := range turn.Attachments {
		if a.IsImage() {
			att = a
			break
		}
	}

	data, mimeType, name, err := o.fetcher.Download(ctx, att.URL)
	if err != nil {
		o.metrics.ProviderFailures.Inc()
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "attachment download failed, using fallback", err, map[string]interface{}{
			"step": "attachment_fetch",
			"url":  att.URL,
		})
		return st.FallbackMessage
	}

	// Cache so a later text-only follow-up can still reference the image.
	o.images.put(key, data, mimeType, name)

	return o.completeVision(ctx, key, turn.Text, st, data, mimeType)
}

// visionFollowUp answers a text-only turn against the conversation's
// cached image.
func (o *Orchestrator) visionFollowUp(ctx context.Context, key types.ConversationKey, turn types.AggregatedTurn, st config.TenantSettings, img cachedImage) string {
	return o.completeVision(ctx, key, turn.Text, st, img.data, img.mimeType)
}

func (o *Orchestrator) completeVision(ctx context.Context, key types.ConversationKey, text string, st config.TenantSettings, data []byte, mimeType string) string {
	prompt := text
	if strings.TrimSpace(prompt) == "" {
		prompt = visionDefaultPrompt
	}

	messages := o.historyMessages(ctx, key, st)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp, err := o.provider.CompleteVision(ctx, llm.VisionRequest{
		CompletionRequest: llm.CompletionRequest{
			Messages:     messages,
			SystemPrompt: st.SystemPrompt,
			MaxTokens:    st.MaxOutputTokens,
			Model:        st.Model,
		},
		ImageData:     data,
		ImageMimeType: mimeType,
	})
	if err != nil {
		o.metrics.ProviderFailures.Inc()
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "vision call failed, using fallback", err, map[string]interface{}{"step": "generation"})
		return st.FallbackMessage
	}
	return resp.Content
}

// connectorAssist checks the tenant's capability rules against the turn
// text and, on a match, invokes the resolved connector. Connector failures
// degrade to an unassisted answer; they never fail the turn.
func (o *Orchestrator) connectorAssist(ctx context.Context, key types.ConversationKey, turn types.AggregatedTurn, st config.TenantSettings) string {
	if o.connectors == nil || len(st.Capabilities) == 0 {
		return ""
	}

	capability := matchCapability(turn.Text, st.Capabilities)
	if capability == "" {
		return ""
	}

	desc, err := o.connectors.Resolve(key.TenantID, capability)
	if err != nil {
		o.metrics.ConnectorInvocations.WithLabelValues("unavailable").Inc()
		o.log.Warn(key.TenantID, key.ConversationID, "no connector available for capability", map[string]interface{}{
			"step":       "connector",
			"capability": capability,
		})
		return ""
	}

	resp, err := o.connectors.Invoke(ctx, desc, &base.Request{
		Capability: capability,
		Parameters: map[string]interface{}{
			"conversation_id": key.ConversationID,
			"query":           turn.Text,
		},
	})
	if err != nil {
		o.metrics.ConnectorInvocations.WithLabelValues("failure").Inc()
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "connector invocation failed", err, map[string]interface{}{
			"step":       "connector",
			"capability": capability,
			"connector":  desc.Name,
		})
		return ""
	}

	o.metrics.ConnectorInvocations.WithLabelValues("success").Inc()
	return fmt.Sprintf("Result from the %q business system for this request:\n%s", capability, formatConnectorBody(resp))
}

// historyMessages loads the conversation window; a memory failure degrades
// to answering without history.
func (o *Orchestrator) historyMessages(ctx context.Context, key types.ConversationKey, st config.TenantSettings) []llm.Message {
	history, err := o.memory.Get(ctx, key.TenantID, key.ConversationID, st.HistoryTurns)
	if err != nil {
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "history load failed, answering without history", err, map[string]interface{}{"step": "memory"})
		return nil
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return messages
}

// persistTurn stores both sides of the exchange. Persistence failures are
// logged and do not block emission.
func (o *Orchestrator) persistTurn(ctx context.Context, key types.ConversationKey, userText, reply string) {
	if strings.TrimSpace(userText) == "" {
		userText = "[image]"
	}
	if err := o.memory.AppendUser(ctx, key.TenantID, key.ConversationID, userText); err != nil {
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "failed to persist user turn", err, map[string]interface{}{"step": "persistence"})
	}
	if err := o.memory.AppendAssistant(ctx, key.TenantID, key.ConversationID, reply); err != nil {
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "failed to persist assistant turn", err, map[string]interface{}{"step": "persistence"})
	}
}

// emit pushes the final text to the CRM, truncated to the tenant's limit.
func (o *Orchestrator) emit(ctx context.Context, key types.ConversationKey, text string, st config.TenantSettings) {
	if err := o.sink.Publish(ctx, key.ConversationID, truncateRunes(text, st.MaxResponseChars)); err != nil {
		o.log.ErrorWithErr(key.TenantID, key.ConversationID, "downstream emission failed", err, map[string]interface{}{"step": "emission"})
	}
}

// matchCapability returns the first capability whose keywords appear in
// the text, case-insensitive.
func matchCapability(text string, rules []config.CapabilityRule) string {
	lowered := strings.ToLower(text)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
				return rule.Capability
			}
		}
	}
	return ""
}

// formatHits renders retrieval hits as a numbered context block.
func formatHits(hits []types.RetrievalHit) string {
	var b strings.Builder
	for i, h := range hits {
		if h.Title != "" {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, h.Title, h.Text)
		} else {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h.Text)
		}
	}
	return b.String()
}

// formatConnectorBody renders the connector response body as key: value
// lines, keeping prompts readable without leaking JSON syntax quirks.
func formatConnectorBody(resp *base.Response) string {
	if len(resp.Body) == 0 {
		return resp.Message
	}
	var b strings.Builder
	for k, v := range resp.Body {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return b.String()
}

// truncateRunes cuts text to maxChars runes. Rune-based so multi-byte text
// never splits mid-character.
func truncateRunes(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
