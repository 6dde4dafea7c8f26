// Copyright 2025 AgentGate
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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_validations_total",
			Help: "Total validation requests by decision",
		},
		[]string{"decision"},
	)

	blockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgate_blocked_total",
			Help: "Total blocked actions",
		},
	)

	validationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentgate_validation_duration_milliseconds",
			Help:    "Validation latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)

	webhookSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_webhook_sent_total",
			Help: "Webhook notifications sent by outcome",
		},
		[]string{"success"},
	)
)

func init() {
	prometheus.MustRegister(validationsTotal, blockedTotal, validationDuration, webhookSentTotal)
}
