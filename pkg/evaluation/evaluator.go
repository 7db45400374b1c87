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

// Package evaluation decides whether a node's metrics satisfy a rule's
// condition set.
package evaluation

import (
	"context"
	"errors"
	"math"

	"knative.dev/pkg/logging"

	"k8s.io/apimachinery/pkg/labels"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
	"github.com/seanly/NodeGuardian/pkg/metrics"
)

// Equality comparisons on sampled floats use an absolute tolerance.
const equalityTolerance = 1e-3

type Evaluator struct {
	resolver metrics.Resolver
}

func NewEvaluator(resolver metrics.Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// EvaluateConditions samples each condition's metric once and combines
// the results under the given logic. An empty condition set never
// matches. A condition whose metric cannot be resolved counts as not
// met; the rule gets another chance next tick.
func (e *Evaluator) EvaluateConditions(ctx context.Context, nodeName string, conditions []v1alpha1.Condition, logic v1alpha1.ConditionLogic) bool {
	if len(conditions) == 0 {
		return false
	}
	log := logging.FromContext(ctx).With("node", nodeName)
	for i := range conditions {
		met := e.evaluate(ctx, nodeName, &conditions[i])
		if logic == v1alpha1.LogicOr && met {
			return true
		}
		if logic != v1alpha1.LogicOr && !met {
			log.Debugw("condition not met", "metric", conditions[i].Metric)
			return false
		}
	}
	return logic != v1alpha1.LogicOr
}

func (e *Evaluator) evaluate(ctx context.Context, nodeName string, condition *v1alpha1.Condition) bool {
	value, err := e.resolver.Resolve(ctx, nodeName, condition.Metric)
	if err != nil {
		if errors.Is(err, metrics.ErrUnavailable) {
			logging.FromContext(ctx).Debugw("metric unavailable, treating condition as not met",
				"node", nodeName, "metric", condition.Metric)
		} else {
			logging.FromContext(ctx).Errorw("resolving metric",
				"node", nodeName, "metric", condition.Metric, "error", err)
		}
		return false
	}
	return Compare(value, condition.Operator, condition.Value)
}

// Compare applies the operator to (sample, threshold).
func Compare(sample float64, op v1alpha1.Operator, threshold float64) bool {
	switch op {
	case v1alpha1.OperatorGreaterThan:
		return sample > threshold
	case v1alpha1.OperatorGreaterThanOrEqual:
		return sample >= threshold
	case v1alpha1.OperatorLessThan:
		return sample < threshold
	case v1alpha1.OperatorLessThanOrEqual:
		return sample <= threshold
	case v1alpha1.OperatorEqualTo:
		return math.Abs(sample-threshold) <= equalityTolerance
	case v1alpha1.OperatorNotEqualTo:
		return math.Abs(sample-threshold) > equalityTolerance
	}
	return false
}

// SelectorString renders the matchLabels selector in the canonical sorted
// form accepted by node list calls. An empty selector selects everything.
func SelectorString(selector v1alpha1.NodeSelector) string {
	return labels.Set(selector.MatchLabels).String()
}
