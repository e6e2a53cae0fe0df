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

// Package memory persists conversation history. The Postgres
// implementation stores one row per message and serves the last-N window
// the prompt builder needs.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"convoflow/platform/shared/types"
)

// PostgresMemory implements the engine's ConversationMemory collaborator
// on PostgreSQL.
type PostgresMemory struct {
	db *sql.DB
}

// NewPostgresMemory opens a connection pool and verifies connectivity.
func NewPostgresMemory(dbURL string) (*PostgresMemory, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgresMemory{db: db}, nil
}

// NewPostgresMemoryWithDB wraps an existing handle. Used by tests with
// sqlmock.
func NewPostgresMemoryWithDB(db *sql.DB) *PostgresMemory {
	return &PostgresMemory{db: db}
}

// EnsureSchema creates the conversation_messages table when it does not
// exist. Called once at startup.
func (m *PostgresMemory) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_conversation_messages_lookup
			ON conversation_messages (tenant_id, conversation_id, id DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// AppendUser persists one user-side message.
func (m *PostgresMemory) AppendUser(ctx context.Context, tenantID, conversationID, text string) error {
	return m.append(ctx, tenantID, conversationID, types.RoleUser, text)
}

// AppendAssistant persists one assistant-side message.
func (m *PostgresMemory) AppendAssistant(ctx context.Context, tenantID, conversationID, text string) error {
	return m.append(ctx, tenantID, conversationID, types.RoleAssistant, text)
}

func (m *PostgresMemory) append(ctx context.Context, tenantID, conversationID string, role types.ChatRole, text string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (tenant_id, conversation_id, role, content) VALUES ($1, $2, $3, $4)`,
		tenantID, conversationID, string(role), text,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s message: %w", role, err)
	}
	return nil
}

// Get returns the last N messages for the conversation in chronological
// order.
func (m *PostgresMemory) Get(ctx context.Context, tenantID, conversationID string, lastN int) ([]types.ChatMessage, error) {
	if lastN <= 0 {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT role, content FROM (
			SELECT id, role, content FROM conversation_messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY id DESC LIMIT $3
		) recent ORDER BY id ASC`,
		tenantID, conversationID, lastN,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var history []types.ChatMessage
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		history = append(history, types.ChatMessage{Role: types.ChatRole(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return history, nil
}

// Close releases the connection pool.
func (m *PostgresMemory) Close() error {
	return m.db.Close()
}
