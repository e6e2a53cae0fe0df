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

package guardrail

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"convoflow/platform/shared/types"
)

func hitsWithScores(scores ...float64) []types.RetrievalHit {
	hits := make([]types.RetrievalHit, len(scores))
	for i, s := range scores {
		hits[i] = types.RetrievalHit{Text: "doc", Score: s}
	}
	return hits
}

func TestDecide(t *testing.T) {
	thresholds := Thresholds{NoAnswer: 0.22, Context: 0.28}

	tests := []struct {
		name     string
		hits     []types.RetrievalHit
		want     Decision
		withHits bool
	}{
		{name: "no hits refuses", hits: nil, want: Refuse},
		{name: "empty slice refuses", hits: []types.RetrievalHit{}, want: Refuse},
		{name: "best below no-answer refuses", hits: hitsWithScores(0.15, 0.10), want: Refuse},
		{name: "just under no-answer refuses", hits: hitsWithScores(0.2199), want: Refuse},
		{name: "middle band answers without context", hits: hitsWithScores(0.25), want: AnswerWithoutContext},
		{name: "exactly no-answer lands in middle band", hits: hitsWithScores(0.22), want: AnswerWithoutContext},
		{name: "just under context stays in middle band", hits: hitsWithScores(0.2799), want: AnswerWithoutContext},
		{name: "exactly context answers with context", hits: hitsWithScores(0.28), want: AnswerWithContext, withHits: true},
		{name: "strong hit answers with context", hits: hitsWithScores(0.40, 0.12), want: AnswerWithContext, withHits: true},
		{name: "best hit drives even if unordered", hits: hitsWithScores(0.10, 0.35), want: AnswerWithContext, withHits: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.hits, thresholds)
			assert.Equal(t, tt.want, got.Decision)
			if tt.withHits {
				assert.Equal(t, tt.hits, got.Hits, "context decision must carry the ordered hits")
			} else {
				assert.Empty(t, got.Hits)
			}
		})
	}
}

func TestDecideReportsTopScore(t *testing.T) {
	got := Decide(hitsWithScores(0.31, 0.29), Thresholds{NoAnswer: 0.22, Context: 0.28})
	assert.Equal(t, 0.31, got.TopScore)
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, Thresholds{NoAnswer: 0.22, Context: 0.28}.Validate())
	assert.Error(t, Thresholds{NoAnswer: 0.28, Context: 0.22}.Validate())
	assert.Error(t, Thresholds{NoAnswer: 0.25, Context: 0.25}.Validate())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "refuse", Refuse.String())
	assert.Equal(t, "answer_without_context", AnswerWithoutContext.String())
	assert.Equal(t, "answer_with_context", AnswerWithContext.String())
}
