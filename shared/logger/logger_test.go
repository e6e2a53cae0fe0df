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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureEntry(t *testing.T, emit func(l *Logger)) LogEntry {
	t.Helper()

	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	emit(New("test-component"))

	line := strings.TrimSpace(buf.String())
	// Strip the stdlib log prefix up to the JSON payload.
	idx := strings.Index(line, "{")
	require.GreaterOrEqual(t, idx, 0, "no JSON payload in log line: %q", line)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(line[idx:]), &entry))
	return entry
}

func TestInfoCarriesTenantAndConversation(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.Info("acme", "conv-1", "turn flushed", map[string]interface{}{"trigger": "quiet_period"})
	})

	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, "test-component", entry.Component)
	assert.Equal(t, "acme", entry.TenantID)
	assert.Equal(t, "conv-1", entry.ConversationID)
	assert.Equal(t, "turn flushed", entry.Message)
	assert.Equal(t, "quiet_period", entry.Fields["trigger"])
	assert.NotEmpty(t, entry.Timestamp)
}

func TestErrorWithErrAttachesError(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.ErrorWithErr("acme", "conv-1", "flush failed", errors.New("boom"), nil)
	})

	assert.Equal(t, ERROR, entry.Level)
	assert.Equal(t, "boom", entry.Fields["error"])
}

func TestInfoWithDuration(t *testing.T) {
	entry := captureEntry(t, func(l *Logger) {
		l.InfoWithDuration("acme", "", "turn processed", 42.5, nil)
	})

	assert.Equal(t, 42.5, entry.Fields["duration_ms"])
}
