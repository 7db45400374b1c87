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

package platform_test

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	v1 "k8s.io/api/core/v1"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
	"github.com/seanly/NodeGuardian/pkg/platform"
)

func unstructuredRule(name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": v1alpha1.SchemeGroupVersion.String(),
		"kind":       v1alpha1.RuleKind,
		"metadata":   map[string]interface{}{"name": name},
		"spec": map[string]interface{}{
			"conditions": []interface{}{map[string]interface{}{
				"metric":   "cpuUtilizationPercent",
				"operator": "GreaterThan",
				"value":    float64(80),
			}},
		},
	}}
}

func newDynamic(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, map[schema.GroupVersionResource]string{
		v1alpha1.RuleGVR:     "NodeGuardianRuleList",
		v1alpha1.TemplateGVR: "AlertTemplateList",
	}, objects...)
}

var _ = Describe("Client", func() {
	var (
		ctx    context.Context
		kube   *fake.Clientset
		client *platform.Client
	)

	node := func(name string, labels map[string]string) *v1.Node {
		return &v1.Node{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
	}

	BeforeEach(func() {
		ctx = context.Background()
		kube = fake.NewSimpleClientset(
			node("w1", map[string]string{"role": "worker"}),
			node("w2", map[string]string{"role": "worker"}),
			node("m1", map[string]string{"role": "master"}),
		)
		client = platform.NewClient(kube, newDynamic(unstructuredRule("cpu-high")))
	})

	It("should list nodes by label selector", func() {
		nodes, err := client.ListNodes(ctx, "role=worker")
		Expect(err).ToNot(HaveOccurred())
		Expect(nodes).To(HaveLen(2))

		all, err := client.ListNodes(ctx, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(all).To(HaveLen(3))
	})

	It("should retry optimistic-lock conflicts", func() {
		conflicts := 2
		kube.PrependReactor("update", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
			if conflicts > 0 {
				conflicts--
				return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "nodes"}, "w1", fmt.Errorf("stale"))
			}
			return false, nil, nil
		})
		Expect(client.EnsureTaint(ctx, "w1", v1.Taint{Key: "k", Value: "v", Effect: v1.TaintEffectNoSchedule})).To(Succeed())
		Expect(conflicts).To(BeZero())
	})

	It("should replace a taint whose key matches with a different value", func() {
		Expect(client.EnsureTaint(ctx, "w1", v1.Taint{Key: "k", Value: "v1", Effect: v1.TaintEffectNoSchedule})).To(Succeed())
		Expect(client.EnsureTaint(ctx, "w1", v1.Taint{Key: "k", Value: "v2", Effect: v1.TaintEffectNoExecute})).To(Succeed())

		updated, err := client.GetNode(ctx, "w1")
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Spec.Taints).To(ConsistOf(v1.Taint{Key: "k", Value: "v2", Effect: v1.TaintEffectNoExecute}))
	})

	It("should treat removing an absent taint as a no-op", func() {
		Expect(client.RemoveTaint(ctx, "w1", "missing")).To(Succeed())
	})

	It("should list pods on a node in stable order with exclusions", func() {
		for _, meta := range [][2]string{{"zebra", "z-pod"}, {"apps", "b-pod"}, {"apps", "a-pod"}, {"kube-system", "kube-proxy"}} {
			_, err := kube.CoreV1().Pods(meta[0]).Create(ctx, &v1.Pod{
				ObjectMeta: metav1.ObjectMeta{Namespace: meta[0], Name: meta[1]},
				Spec:       v1.PodSpec{NodeName: "w1"},
			}, metav1.CreateOptions{})
			Expect(err).ToNot(HaveOccurred())
		}
		pods, err := client.ListPodsOnNode(ctx, "w1", []string{"kube-system"})
		Expect(err).ToNot(HaveOccurred())
		names := make([]string, 0, len(pods))
		for _, p := range pods {
			names = append(names, p.Namespace+"/"+p.Name)
		}
		Expect(names).To(Equal([]string{"apps/a-pod", "apps/b-pod", "zebra/z-pod"}))
	})

	It("should read typed rules from the platform", func() {
		rule, err := client.GetRule(ctx, "cpu-high")
		Expect(err).ToNot(HaveOccurred())
		Expect(rule.Spec.Conditions).To(HaveLen(1))
		Expect(rule.Spec.Conditions[0].Metric).To(Equal(v1alpha1.MetricCPUUtilizationPercent))

		rules, err := client.ListRules(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(rules).To(HaveLen(1))
	})

	It("should patch rule status including empty lists", func() {
		Expect(client.PatchRuleStatus(ctx, "cpu-high", map[string]interface{}{
			"phase":          "Inactive",
			"triggeredNodes": []string{},
		})).To(Succeed())

		rule, err := client.GetRule(ctx, "cpu-high")
		Expect(err).ToNot(HaveOccurred())
		Expect(rule.Status.Phase).To(Equal(v1alpha1.RulePhaseInactive))
		Expect(rule.Status.TriggeredNodes).To(BeEmpty())
	})

	It("should swallow status patches for deleted rules", func() {
		Expect(client.PatchRuleStatus(ctx, "no-such-rule", map[string]interface{}{"phase": "Active"})).To(Succeed())
	})
})

var _ = Describe("Errors", func() {
	It("should classify conflicts and 5xx as transient", func() {
		conflict := apierrors.NewConflict(schema.GroupResource{Resource: "nodes"}, "w1", fmt.Errorf("stale"))
		Expect(platform.IsTransient(platform.Classify(conflict))).To(BeTrue())

		unavailable := apierrors.NewServiceUnavailable("overloaded")
		Expect(platform.IsTransient(platform.Classify(unavailable))).To(BeTrue())
	})

	It("should classify other 4xx as fatal", func() {
		forbidden := apierrors.NewForbidden(schema.GroupResource{Resource: "nodes"}, "w1", fmt.Errorf("denied"))
		Expect(platform.IsFatal(platform.Classify(forbidden))).To(BeTrue())
		Expect(platform.IsTransient(platform.Classify(forbidden))).To(BeFalse())

		notFound := apierrors.NewNotFound(schema.GroupResource{Resource: "nodes"}, "w1")
		Expect(platform.IsFatal(platform.Classify(notFound))).To(BeTrue())
	})

	It("should honor explicit wrapping over inspection", func() {
		err := fmt.Errorf("anything")
		Expect(platform.IsTransient(platform.Transient(err))).To(BeTrue())
		Expect(platform.IsFatal(platform.Fatal(err))).To(BeTrue())
	})
})
