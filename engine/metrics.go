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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the turn pipeline.
type Metrics struct {
	TurnsFlushed         *prometheus.CounterVec
	TurnsSuppressed      *prometheus.CounterVec
	GuardrailDecisions   *prometheus.CounterVec
	ConnectorInvocations *prometheus.CounterVec
	ProviderFailures     prometheus.Counter
	TurnDuration         prometheus.Histogram
}

// NewMetrics creates and registers the pipeline collectors. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_turns_flushed_total",
				Help: "Aggregated turns flushed, by trigger rule",
			},
			[]string{"trigger"},
		),
		TurnsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_turns_suppressed_total",
				Help: "Turns discarded before generation, by reason",
			},
			[]string{"reason"},
		),
		GuardrailDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_guardrail_decisions_total",
				Help: "Retrieval guardrail outcomes",
			},
			[]string{"outcome"},
		),
		ConnectorInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_connector_invocations_total",
				Help: "Business connector invocations, by result",
			},
			[]string{"result"},
		),
		ProviderFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "convoflow_provider_failures_total",
				Help: "AI provider calls that fell back to the safe message",
			},
		),
		TurnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convoflow_turn_duration_seconds",
				Help:    "End-to-end processing time per flushed turn",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.TurnsFlushed,
			m.TurnsSuppressed,
			m.GuardrailDecisions,
			m.ConnectorInvocations,
			m.ProviderFailures,
			m.TurnDuration,
		)
	}
	return m
}
