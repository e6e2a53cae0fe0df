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
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"convoflow/platform/connectors/registry"
	"convoflow/platform/shared/logger"
	"convoflow/platform/shared/types"
)

const maxEventBodyBytes = 1 << 20 // 1 MiB

// limiterFlusher is implemented by rate limiter backends that support the
// admin flush operation.
type limiterFlusher interface {
	Flush(tenantID string)
}

// configReloader re-reads the settings file and applies it.
type configReloader interface {
	Reload() error
}

// Server exposes the engine over HTTP: the CRM event ingest endpoint plus
// health, metrics, and the JWT-protected admin surface.
type Server struct {
	orch        *Orchestrator
	registry    *registry.Registry
	flusher     limiterFlusher // nil when the backend has no flush support
	reloader    configReloader // nil when config is static
	adminSecret []byte
	log         *logger.Logger
}

// NewServer wires the HTTP surface around an orchestrator.
func NewServer(orch *Orchestrator, reg *registry.Registry, flusher limiterFlusher, reloader configReloader, adminSecret []byte, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New("http")
	}
	return &Server{
		orch:        orch,
		registry:    reg,
		flusher:     flusher,
		reloader:    reloader,
		adminSecret: adminSecret,
		log:         log,
	}
}

// Routes registers all endpoints on the router.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/v1/events", s.handleEvent).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/connectors/{tenant}/{name}/reset", requireAdmin(s.adminSecret, s.handleBreakerReset)).Methods("POST")
	admin.HandleFunc("/conversations/{tenant}/{conversation}/clear", requireAdmin(s.adminSecret, s.handleConversationClear)).Methods("POST")
	admin.HandleFunc("/ratelimit/{tenant}/flush", requireAdmin(s.adminSecret, s.handleRateLimitFlush)).Methods("POST")
	admin.HandleFunc("/config/reload", requireAdmin(s.adminSecret, s.handleConfigReload)).Methods("POST")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "healthy",
		"service":               "convoflow-engine",
		"pending_conversations": s.orch.PendingConversations(),
		"timestamp":             time.Now().UTC(),
	})
}

// handleEvent ingests one CRM chat event. It returns 202 as soon as the
// event is buffered; the reply, if any, arrives through the CRM sink once
// the debounce window closes.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var ev InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid event JSON: "+err.Error())
		return
	}

	if err := s.orch.Accept(ev); err != nil {
		s.log.Warn(ev.TenantID, ev.ConversationID, "event rejected", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "accepted",
		"request_id": requestID,
	})
}

// handleBreakerReset clears cooldown state for one connector so the next
// turn can try it again immediately.
func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	s.registry.Reset(vars["tenant"], vars["name"])
	s.log.Info(vars["tenant"], "", "connector breaker reset", map[string]interface{}{
		"connector": vars["name"],
		"admin":     r.Header.Get("X-Admin-Subject"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reset", "connector": vars["tenant"] + ":" + vars["name"]})
}

// handleConversationClear drops all buffered state for a conversation.
func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := types.ConversationKey{TenantID: vars["tenant"], ConversationID: vars["conversation"]}

	s.orch.Clear(key)
	s.log.Info(key.TenantID, key.ConversationID, "conversation state cleared", map[string]interface{}{
		"admin": r.Header.Get("X-Admin-Subject"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared"})
}

// handleRateLimitFlush resets all rate-limit windows for a tenant.
func (s *Server) handleRateLimitFlush(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]

	if s.flusher == nil {
		writeJSONError(w, http.StatusNotImplemented, "rate limiter backend does not support flush")
		return
	}
	s.flusher.Flush(tenant)
	s.log.Info(tenant, "", "rate limit windows flushed", map[string]interface{}{
		"admin": r.Header.Get("X-Admin-Subject"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "flushed", "tenant": tenant})
}

// handleConfigReload re-reads the settings file and swaps tenant settings
// and connector descriptors in place.
func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeJSONError(w, http.StatusNotImplemented, "no reloadable configuration source")
		return
	}
	if err := s.reloader.Reload(); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	s.log.Info("", "", "configuration reloaded", map[string]interface{}{
		"admin": r.Header.Get("X-Admin-Subject"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
