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

// Package platform adapts the orchestration platform: node reads and
// idempotent mutations, pod listing/eviction, custom-resource access and
// the watch stream consumed by the rule store.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
)

const (
	// Conflicting optimistic updates are retried in place; 1 attempt plus
	// 3 retries at a fixed 100ms.
	conflictAttempts = 4
	conflictBackoff  = 100 * time.Millisecond
)

type Client struct {
	kube    kubernetes.Interface
	dynamic dynamic.Interface
}

func NewClient(kube kubernetes.Interface, dyn dynamic.Interface) *Client {
	return &Client{kube: kube, dynamic: dyn}
}

// ListNodes returns the nodes matching the label selector; an empty
// selector matches every node.
func (c *Client) ListNodes(ctx context.Context, labelSelector string) ([]v1.Node, error) {
	nodes, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, Classify(fmt.Errorf("listing nodes, %w", err))
	}
	return nodes.Items, nil
}

func (c *Client) GetNode(ctx context.Context, name string) (*v1.Node, error) {
	node, err := c.kube.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, Classify(fmt.Errorf("getting node %s, %w", name, err))
	}
	return node, nil
}

// mutateNode applies an optimistic read-merge-update. The mutation func
// returns false when the node is already in the desired state, which
// skips the write entirely.
func (c *Client) mutateNode(ctx context.Context, name string, mutate func(*v1.Node) bool) error {
	err := retry.Do(
		func() error {
			node, err := c.kube.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			if !mutate(node) {
				return nil
			}
			_, err = c.kube.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
			return err
		},
		retry.Attempts(conflictAttempts),
		retry.Delay(conflictBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(apierrors.IsConflict),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Classify(fmt.Errorf("updating node %s, %w", name, err))
	}
	return nil
}

// EnsureTaint appends the taint if absent and replaces it when the key is
// present with a different value or effect.
func (c *Client) EnsureTaint(ctx context.Context, nodeName string, taint v1.Taint) error {
	return c.mutateNode(ctx, nodeName, func(node *v1.Node) bool {
		for i := range node.Spec.Taints {
			if node.Spec.Taints[i].Key == taint.Key {
				if node.Spec.Taints[i].Value == taint.Value && node.Spec.Taints[i].Effect == taint.Effect {
					return false
				}
				node.Spec.Taints[i] = taint
				return true
			}
		}
		node.Spec.Taints = append(node.Spec.Taints, taint)
		return true
	})
}

// RemoveTaint removes the taint by key; removing an absent taint is a no-op.
func (c *Client) RemoveTaint(ctx context.Context, nodeName string, key string) error {
	return c.mutateNode(ctx, nodeName, func(node *v1.Node) bool {
		kept := lo.Reject(node.Spec.Taints, func(t v1.Taint, _ int) bool { return t.Key == key })
		if len(kept) == len(node.Spec.Taints) {
			return false
		}
		node.Spec.Taints = kept
		return true
	})
}

func (c *Client) SetNodeLabels(ctx context.Context, nodeName string, labels map[string]string) error {
	return c.mutateNode(ctx, nodeName, func(node *v1.Node) bool {
		if node.Labels == nil {
			node.Labels = map[string]string{}
		}
		changed := false
		for k, v := range labels {
			if node.Labels[k] != v {
				node.Labels[k] = v
				changed = true
			}
		}
		return changed
	})
}

func (c *Client) RemoveNodeLabels(ctx context.Context, nodeName string, keys []string) error {
	return c.mutateNode(ctx, nodeName, func(node *v1.Node) bool {
		changed := false
		for _, k := range keys {
			if _, ok := node.Labels[k]; ok {
				delete(node.Labels, k)
				changed = true
			}
		}
		return changed
	})
}

func (c *Client) SetNodeAnnotations(ctx context.Context, nodeName string, annotations map[string]string) error {
	return c.mutateNode(ctx, nodeName, func(node *v1.Node) bool {
		if node.Annotations == nil {
			node.Annotations = map[string]string{}
		}
		changed := false
		for k, v := range annotations {
			if node.Annotations[k] != v {
				node.Annotations[k] = v
				changed = true
			}
		}
		return changed
	})
}

func (c *Client) RemoveNodeAnnotations(ctx context.Context, nodeName string, keys []string) error {
	return c.mutateNode(ctx, nodeName, func(node *v1.Node) bool {
		changed := false
		for _, k := range keys {
			if _, ok := node.Annotations[k]; ok {
				delete(node.Annotations, k)
				changed = true
			}
		}
		return changed
	})
}

// ListPodsOnNode returns the pods scheduled on the node outside the
// excluded namespaces, in stable (namespace, name) order.
func (c *Client) ListPodsOnNode(ctx context.Context, nodeName string, excludeNamespaces []string) ([]v1.Pod, error) {
	pods, err := c.kube.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("listing pods on node %s, %w", nodeName, err))
	}
	filtered := lo.Reject(pods.Items, func(pod v1.Pod, _ int) bool {
		return lo.Contains(excludeNamespaces, pod.Namespace)
	})
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Namespace != filtered[j].Namespace {
			return filtered[i].Namespace < filtered[j].Namespace
		}
		return filtered[i].Name < filtered[j].Name
	})
	return filtered, nil
}

func (c *Client) DeletePod(ctx context.Context, namespace, name string, gracePeriodSeconds int64) error {
	err := c.kube.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriodSeconds,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return Classify(fmt.Errorf("deleting pod %s/%s, %w", namespace, name, err))
	}
	return nil
}

func (c *Client) ListRules(ctx context.Context) ([]*unstructured.Unstructured, error) {
	return c.listGuardianObjects(ctx, v1alpha1.RuleGVR)
}

func (c *Client) ListTemplates(ctx context.Context) ([]*unstructured.Unstructured, error) {
	return c.listGuardianObjects(ctx, v1alpha1.TemplateGVR)
}

func (c *Client) listGuardianObjects(ctx context.Context, gvr schema.GroupVersionResource) ([]*unstructured.Unstructured, error) {
	list, err := c.dynamic.Resource(gvr).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, Classify(fmt.Errorf("listing %s, %w", gvr.Resource, err))
	}
	return lo.Map(list.Items, func(item unstructured.Unstructured, _ int) *unstructured.Unstructured {
		return item.DeepCopy()
	}), nil
}

// GetRule returns the live rule, typed; used by the recovery driver to
// read status.triggeredNodes.
func (c *Client) GetRule(ctx context.Context, name string) (*v1alpha1.NodeGuardianRule, error) {
	obj, err := c.dynamic.Resource(v1alpha1.RuleGVR).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, Classify(fmt.Errorf("getting rule %s, %w", name, err))
	}
	rule, err := v1alpha1.RuleFromUnstructured(obj)
	if err != nil {
		return nil, Fatal(fmt.Errorf("decoding rule %s, %w", name, err))
	}
	return rule, nil
}

// PatchRuleStatus merge-patches the status subresource. Fields are passed
// explicitly so callers can clear lists (triggeredNodes: []) where the
// typed struct's omitempty would drop them.
func (c *Client) PatchRuleStatus(ctx context.Context, name string, status map[string]interface{}) error {
	raw, err := json.Marshal(map[string]interface{}{"status": status})
	if err != nil {
		return fmt.Errorf("encoding status patch for rule %s, %w", name, err)
	}
	_, err = c.dynamic.Resource(v1alpha1.RuleGVR).Patch(ctx, name, types.MergePatchType, raw, metav1.PatchOptions{}, "status")
	if err != nil {
		if apierrors.IsNotFound(err) {
			logging.FromContext(ctx).Debugw("skipping status patch for deleted rule", "rule", name)
			return nil
		}
		return Classify(fmt.Errorf("patching status of rule %s, %w", name, err))
	}
	return nil
}
