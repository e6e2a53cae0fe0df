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

// Package guardrail decides whether retrieved knowledge-base context is
// trustworthy enough to answer a turn. It is a pure function of the ranked
// hit list and two similarity thresholds, with no side effects.
package guardrail

import (
	"fmt"

	"convoflow/platform/shared/types"
)

// Decision is the response strategy chosen for a turn.
type Decision int

const (
	// Refuse: no relevant context exists. The caller emits the canned
	// clarification message and skips the AI provider entirely.
	Refuse Decision = iota

	// AnswerWithoutContext: weak context. The caller answers without
	// grounding hits but instructs the model to avoid asserting specific
	// facts and to ask for clarification when unsure.
	AnswerWithoutContext

	// AnswerWithContext: strong context. The ordered hits are injected as
	// grounding material.
	AnswerWithContext
)

// String returns the metric/log label for the decision.
func (d Decision) String() string {
	switch d {
	case Refuse:
		return "refuse"
	case AnswerWithoutContext:
		return "answer_without_context"
	case AnswerWithContext:
		return "answer_with_context"
	default:
		return "unknown"
	}
}

// Thresholds are the two similarity cut points. NoAnswer must be strictly
// below Context; scores are compared raw, in whatever bounded range the
// retrieval collaborator produces.
type Thresholds struct {
	NoAnswer float64
	Context  float64
}

// Validate reports whether the thresholds are ordered correctly.
func (t Thresholds) Validate() error {
	if t.NoAnswer >= t.Context {
		return fmt.Errorf("guardrail: no-answer threshold %.3f must be below context threshold %.3f", t.NoAnswer, t.Context)
	}
	return nil
}

// Outcome carries the decision plus the hits to ground the answer with
// (populated only for AnswerWithContext).
type Outcome struct {
	Decision Decision
	Hits     []types.RetrievalHit
	TopScore float64
}

// Decide applies the two-threshold policy to the ranked hit list. The hits
// are expected ordered descending by score; only the best score drives the
// decision.
func Decide(hits []types.RetrievalHit, t Thresholds) Outcome {
	if len(hits) == 0 {
		return Outcome{Decision: Refuse}
	}

	best := hits[0].Score
	for _, h := range hits[1:] {
		if h.Score > best {
			best = h.Score
		}
	}

	switch {
	case best < t.NoAnswer:
		return Outcome{Decision: Refuse, TopScore: best}
	case best >= t.Context:
		return Outcome{Decision: AnswerWithContext, Hits: hits, TopScore: best}
	default:
		return Outcome{Decision: AnswerWithoutContext, TopScore: best}
	}
}
