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

package evaluation_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
	"github.com/seanly/NodeGuardian/pkg/evaluation"
	"github.com/seanly/NodeGuardian/pkg/metrics"
)

// stubResolver serves samples keyed by (node, metric) and reports
// everything else unavailable.
type stubResolver struct {
	samples map[string]map[v1alpha1.MetricKey]float64
}

func (s *stubResolver) Resolve(_ context.Context, nodeName string, key v1alpha1.MetricKey) (float64, error) {
	if node, ok := s.samples[nodeName]; ok {
		if value, ok := node[key]; ok {
			return value, nil
		}
	}
	return 0, metrics.ErrUnavailable
}

var _ = Describe("Evaluator", func() {
	var (
		ctx       context.Context
		resolver  *stubResolver
		evaluator *evaluation.Evaluator
	)

	cpu := func(op v1alpha1.Operator, value float64) v1alpha1.Condition {
		return v1alpha1.Condition{Metric: v1alpha1.MetricCPUUtilizationPercent, Operator: op, Value: value}
	}
	mem := func(op v1alpha1.Operator, value float64) v1alpha1.Condition {
		return v1alpha1.Condition{Metric: v1alpha1.MetricMemoryUtilizationPercent, Operator: op, Value: value}
	}

	BeforeEach(func() {
		ctx = context.Background()
		resolver = &stubResolver{samples: map[string]map[v1alpha1.MetricKey]float64{
			"w1": {v1alpha1.MetricCPUUtilizationPercent: 85, v1alpha1.MetricMemoryUtilizationPercent: 50},
			"w2": {v1alpha1.MetricCPUUtilizationPercent: 50, v1alpha1.MetricMemoryUtilizationPercent: 50},
		}}
		evaluator = evaluation.NewEvaluator(resolver)
	})

	It("should apply each operator", func() {
		Expect(evaluation.Compare(85, v1alpha1.OperatorGreaterThan, 80)).To(BeTrue())
		Expect(evaluation.Compare(80, v1alpha1.OperatorGreaterThan, 80)).To(BeFalse())
		Expect(evaluation.Compare(80, v1alpha1.OperatorGreaterThanOrEqual, 80)).To(BeTrue())
		Expect(evaluation.Compare(79, v1alpha1.OperatorLessThan, 80)).To(BeTrue())
		Expect(evaluation.Compare(80, v1alpha1.OperatorLessThan, 80)).To(BeFalse())
		Expect(evaluation.Compare(80, v1alpha1.OperatorLessThanOrEqual, 80)).To(BeTrue())
	})

	It("should compare equality within the absolute tolerance", func() {
		Expect(evaluation.Compare(80.0005, v1alpha1.OperatorEqualTo, 80)).To(BeTrue())
		Expect(evaluation.Compare(80.002, v1alpha1.OperatorEqualTo, 80)).To(BeFalse())
		Expect(evaluation.Compare(80.002, v1alpha1.OperatorNotEqualTo, 80)).To(BeTrue())
		Expect(evaluation.Compare(80.0005, v1alpha1.OperatorNotEqualTo, 80)).To(BeFalse())
	})

	It("should never match an empty condition list", func() {
		Expect(evaluator.EvaluateConditions(ctx, "w1", nil, v1alpha1.LogicAnd)).To(BeFalse())
		Expect(evaluator.EvaluateConditions(ctx, "w1", nil, v1alpha1.LogicOr)).To(BeFalse())
	})

	It("should require every condition under AND", func() {
		conditions := []v1alpha1.Condition{cpu(v1alpha1.OperatorGreaterThan, 80), mem(v1alpha1.OperatorGreaterThan, 90)}
		Expect(evaluator.EvaluateConditions(ctx, "w1", conditions, v1alpha1.LogicAnd)).To(BeFalse())

		conditions[1] = mem(v1alpha1.OperatorLessThan, 90)
		Expect(evaluator.EvaluateConditions(ctx, "w1", conditions, v1alpha1.LogicAnd)).To(BeTrue())
	})

	It("should match any condition under OR", func() {
		conditions := []v1alpha1.Condition{cpu(v1alpha1.OperatorGreaterThan, 80), mem(v1alpha1.OperatorGreaterThan, 90)}
		Expect(evaluator.EvaluateConditions(ctx, "w1", conditions, v1alpha1.LogicOr)).To(BeTrue())
		Expect(evaluator.EvaluateConditions(ctx, "w2", conditions, v1alpha1.LogicOr)).To(BeFalse())
	})

	It("should treat an unavailable metric as not met", func() {
		conditions := []v1alpha1.Condition{{
			Metric:   v1alpha1.MetricDiskUtilizationPercent,
			Operator: v1alpha1.OperatorGreaterThan,
			Value:    0,
		}}
		Expect(evaluator.EvaluateConditions(ctx, "w1", conditions, v1alpha1.LogicAnd)).To(BeFalse())
		Expect(evaluator.EvaluateConditions(ctx, "w1", conditions, v1alpha1.LogicOr)).To(BeFalse())
	})

	It("should render selectors in canonical sorted form", func() {
		Expect(evaluation.SelectorString(v1alpha1.NodeSelector{
			MatchLabels: map[string]string{"role": "worker", "env": "prod"},
		})).To(Equal("env=prod,role=worker"))
		Expect(evaluation.SelectorString(v1alpha1.NodeSelector{})).To(Equal(""))
	})
})
