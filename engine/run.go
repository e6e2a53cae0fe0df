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
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"convoflow/platform/connectors/base"
	"convoflow/platform/connectors/config"
	"convoflow/platform/connectors/httpapi"
	"convoflow/platform/connectors/registry"
	"convoflow/platform/crm"
	"convoflow/platform/engine/ratelimit"
	"convoflow/platform/llm"
	"convoflow/platform/llm/anthropic"
	"convoflow/platform/llm/bedrock"
	"convoflow/platform/memory"
	"convoflow/platform/retrieval"
	"convoflow/platform/shared/logger"
)

// Run assembles the engine from environment configuration and serves until
// SIGINT or SIGTERM. Environment variables:
//
//	PORT                HTTP listen port (default 8080)
//	CONFIG_FILE         path to the tenant settings YAML (optional)
//	DATABASE_URL        Postgres DSN for conversation memory (required)
//	REDIS_URL           Redis URL for shared rate limiting (optional; in-process fallback)
//	ANTHROPIC_API_KEY   enables the Anthropic API provider
//	BEDROCK_REGION      enables the AWS Bedrock provider when no API key is set
//	BEDROCK_MODEL       Bedrock model ID override
//	RETRIEVAL_URL       knowledge-base search service base URL (required)
//	RETRIEVAL_API_KEY   bearer token for the retrieval service
//	CRM_BASE_URL        CRM message API base URL (required)
//	CRM_API_TOKEN       bearer token for the CRM API
//	JWT_SECRET          HS256 secret for admin endpoints (empty disables them)
func Run() error {
	log := logger.New("engine")

	port := getEnv("PORT", "8080")
	adminSecret := []byte(os.Getenv("JWT_SECRET"))

	// Tenant settings and connector descriptors.
	store := config.NewStore()
	var loader *config.FileLoader
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		loader, err = config.NewFileLoader(path)
		if err != nil {
			return fmt.Errorf("failed to load settings file: %w", err)
		}
		loader.Apply(store)
		log.Info("", "", "settings file loaded", map[string]interface{}{
			"path":    path,
			"tenants": len(store.TenantIDs()),
		})
	}

	// Connector registry with circuit breaking tuned per tenant.
	health := base.NewMemoryHealthFunc(tenantBreakerConfig(store))
	reg := registry.New(health, httpapi.NewInvoker(), logger.New("connectors"))
	if loader != nil {
		for _, desc := range loader.Descriptors() {
			reg.Register(desc)
		}
	}

	// Conversation memory.
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	mem, err := memory.NewPostgresMemory(dbURL)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer mem.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := mem.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure conversation schema: %w", err)
		}
	}

	// Rate limiting: shared Redis windows when available, in-process
	// windows otherwise.
	var (
		limiter ratelimit.Limiter
		flusher limiterFlusher
	)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(redisURL, logger.New("ratelimit"))
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rl.Close()
		limiter = rl
		flusher = redisFlushAdapter{rl: rl, log: log}
	} else {
		ml := ratelimit.NewMemoryLimiter()
		limiter = ml
		flusher = ml
		log.Warn("", "", "REDIS_URL not set, using in-process rate limiting", nil)
	}

	// AI provider.
	provider, err := buildProvider(log)
	if err != nil {
		return err
	}

	// Knowledge retrieval, degraded to zero hits on failure.
	retrievalURL := os.Getenv("RETRIEVAL_URL")
	if retrievalURL == "" {
		return fmt.Errorf("RETRIEVAL_URL is required")
	}
	retriever := retrieval.NewSafe(
		retrieval.NewHTTPRetriever(retrievalURL, os.Getenv("RETRIEVAL_API_KEY"), 15*time.Second),
		logger.New("retrieval"),
	)

	// CRM write-back.
	crmURL := os.Getenv("CRM_BASE_URL")
	if crmURL == "" {
		return fmt.Errorf("CRM_BASE_URL is required")
	}
	sink := crm.NewClient(crmURL, os.Getenv("CRM_API_TOKEN"), crm.DefaultMaxChars, 15*time.Second)

	baseCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := New(Options{
		Settings:    store,
		Limiter:     limiter,
		Retriever:   retriever,
		Provider:    provider,
		Memory:      mem,
		Fetcher:     NewHTTPFetcher(),
		Sink:        sink,
		Connectors:  reg,
		Logger:      logger.New("orchestrator"),
		Metrics:     NewMetrics(prometheus.DefaultRegisterer),
		BaseContext: baseCtx,
	})
	if err != nil {
		return err
	}

	var reloader configReloader
	if loader != nil {
		reloader = &fileReloader{loader: loader, store: store, registry: reg}
	}

	router := mux.NewRouter()
	NewServer(orch, reg, flusher, reloader, adminSecret, logger.New("http")).Routes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(router)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "engine listening", map[string]interface{}{
			"port":     port,
			"provider": provider.Name(),
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-baseCtx.Done():
	}

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildProvider selects the AI backend from the environment: the Anthropic
// API when a key is present, Bedrock when a region is.
func buildProvider(log *logger.Logger) (llm.Provider, error) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		return anthropic.NewProvider(anthropic.Config{APIKey: apiKey})
	}
	if region := os.Getenv("BEDROCK_REGION"); region != "" {
		model := getEnv("BEDROCK_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return bedrock.NewProvider(ctx, region, model)
	}
	return nil, fmt.Errorf("set ANTHROPIC_API_KEY or BEDROCK_REGION to configure an AI provider")
}

// tenantBreakerConfig resolves breaker tuning for a descriptor key
// ("tenant:name") from the tenant's settings, so the store's live view is
// consulted on every failure and survives config reloads.
func tenantBreakerConfig(store *config.Store) func(key string) base.BreakerConfig {
	return func(key string) base.BreakerConfig {
		tenant, _, _ := strings.Cut(key, ":")
		s := store.Settings(tenant)
		return base.BreakerConfig{
			FailureThreshold: s.BreakerFailureThreshold,
			TrackingWindow:   s.BreakerTrackingWindow,
			CooldownDuration: s.BreakerCooldown,
		}
	}
}

// fileReloader re-reads the settings file and swaps tenant settings and
// connector descriptors in place.
type fileReloader struct {
	loader   *config.FileLoader
	store    *config.Store
	registry *registry.Registry
}

func (r *fileReloader) Reload() error {
	if err := r.loader.Reload(); err != nil {
		return err
	}
	r.loader.Apply(r.store)
	for _, desc := range r.loader.Descriptors() {
		r.registry.Register(desc)
	}
	return nil
}

// redisFlushAdapter narrows the Redis limiter's context-aware flush to the
// admin handler's interface.
type redisFlushAdapter struct {
	rl  *ratelimit.RedisLimiter
	log *logger.Logger
}

func (a redisFlushAdapter) Flush(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.rl.Flush(ctx, tenantID); err != nil {
		a.log.ErrorWithErr(tenantID, "", "redis rate limit flush failed", err, nil)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
