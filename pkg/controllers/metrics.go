/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodeguardian",
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Per-node condition evaluations partitioned by rule and phase.",
	}, []string{"rule", "phase"})

	fires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodeguardian",
		Subsystem: "engine",
		Name:      "fires_total",
		Help:      "Rule fires partitioned by rule and phase.",
	}, []string{"rule", "phase"})

	rejectedRules = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nodeguardian",
		Subsystem: "engine",
		Name:      "rejected_rules_total",
		Help:      "Rules refused at ingest for failing validation.",
	})
)
