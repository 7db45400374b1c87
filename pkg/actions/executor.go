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

// Package actions executes a rule's ordered action list against its
// triggered nodes. Failures are isolated per node and per action; the
// batch always runs to completion and the cooldown is marked for every
// node acted on.
package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
	"github.com/seanly/NodeGuardian/pkg/cooldown"
	"github.com/seanly/NodeGuardian/pkg/platform"
)

// Transient platform failures are retried within one action before the
// node is given up for this tick.
var transientBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

var executions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nodeguardian",
	Subsystem: "actions",
	Name:      "executions_total",
	Help:      "Node action executions partitioned by action type and outcome.",
}, []string{"action", "outcome"})

// AlertSink receives alert actions; implemented by the alert dispatcher.
// Declared here so the dispatcher can consume the executor's context
// types without an import cycle.
type AlertSink interface {
	Dispatch(ctx context.Context, rule *v1alpha1.NodeGuardianRule, nodes []string, action *v1alpha1.AlertAction, recovery bool) error
}

type Executor struct {
	platform *platform.Client
	alerts   AlertSink
	ledger   *cooldown.Ledger
}

func NewExecutor(client *platform.Client, alerts AlertSink, ledger *cooldown.Ledger) *Executor {
	return &Executor{platform: client, alerts: alerts, ledger: ledger}
}

// ExecuteTrigger runs the rule's trigger actions on the batch and marks
// the trigger cooldown for every node, failed actions included, so a
// flapping node cannot re-fire inside the window. The combined error is
// surfaced in the rule's status.
func (e *Executor) ExecuteTrigger(ctx context.Context, rule *v1alpha1.NodeGuardianRule, nodes []string) error {
	errs := e.run(ctx, rule, rule.Spec.Actions, nodes, false)
	for _, node := range nodes {
		if err := e.ledger.Mark(rule.Name, node, cooldown.PhaseTrigger); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ExecuteRecovery runs the rule's recovery actions on a single node and
// marks the recovery cooldown.
func (e *Executor) ExecuteRecovery(ctx context.Context, rule *v1alpha1.NodeGuardianRule, node string) error {
	errs := e.run(ctx, rule, rule.Spec.RecoveryActions, []string{node}, true)
	if err := e.ledger.Mark(rule.Name, node, cooldown.PhaseRecovery); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// run applies the actions in declared order. An alert action fires once
// for the whole batch; every other action applies per node, and one
// node's failure never skips the rest.
func (e *Executor) run(ctx context.Context, rule *v1alpha1.NodeGuardianRule, actionList []v1alpha1.Action, nodes []string, recovery bool) error {
	log := logging.FromContext(ctx).With("rule", rule.Name)
	var errs error
	for i := range actionList {
		action := &actionList[i]
		if action.Type == v1alpha1.ActionAlert {
			if !action.Alert.IsEnabled() {
				continue
			}
			// Alerts are best-effort; channel failures never reach the
			// rule status.
			if err := e.alerts.Dispatch(ctx, rule, nodes, action.Alert, recovery); err != nil {
				executions.WithLabelValues(string(action.Type), "error").Inc()
				log.Errorw("dispatching alert", "error", err)
				continue
			}
			executions.WithLabelValues(string(action.Type), "success").Inc()
			continue
		}
		for _, node := range nodes {
			if err := e.applyNodeAction(ctx, action, node); err != nil {
				executions.WithLabelValues(string(action.Type), "error").Inc()
				log.Errorw("applying action", "action", action.Type, "node", node, "error", err)
				errs = multierr.Append(errs, fmt.Errorf("applying %s to node %s, %w", action.Type, node, err))
				continue
			}
			executions.WithLabelValues(string(action.Type), "success").Inc()
		}
	}
	return errs
}

func (e *Executor) applyNodeAction(ctx context.Context, action *v1alpha1.Action, node string) error {
	// Eviction is the one non-idempotent action; it runs exactly once.
	if action.Type == v1alpha1.ActionEvict {
		return e.evict(ctx, node, action.Evict)
	}
	return retry.Do(
		func() error { return e.applyOnce(ctx, action, node) },
		retry.Attempts(uint(len(transientBackoff))+1),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return transientBackoff[min(int(n), len(transientBackoff)-1)]
		}),
		retry.RetryIf(platform.IsTransient),
		retry.LastErrorOnly(true),
	)
}

func (e *Executor) applyOnce(ctx context.Context, action *v1alpha1.Action, node string) error {
	switch action.Type {
	case v1alpha1.ActionTaint:
		spec := action.Taint
		if spec == nil {
			spec = &v1alpha1.TaintAction{}
		}
		return e.platform.EnsureTaint(ctx, node, spec.Materialize())
	case v1alpha1.ActionUntaint:
		return e.platform.RemoveTaint(ctx, node, action.Untaint.Key)
	case v1alpha1.ActionLabel:
		return e.platform.SetNodeLabels(ctx, node, action.Label.Labels)
	case v1alpha1.ActionRemoveLabel:
		return e.platform.RemoveNodeLabels(ctx, node, action.RemoveLabel.Keys)
	case v1alpha1.ActionAnnotation:
		return e.platform.SetNodeAnnotations(ctx, node, action.Annotation.Annotations)
	case v1alpha1.ActionRemoveAnnotation:
		return e.platform.RemoveNodeAnnotations(ctx, node, action.RemoveAnnotation.Keys)
	}
	return fmt.Errorf("unknown action type %q", action.Type)
}

// evict deletes up to the action's pod budget from the node, excluded
// namespaces filtered out, in stable order. Per-pod failures are
// aggregated; a failed delete still consumes budget.
func (e *Executor) evict(ctx context.Context, node string, spec *v1alpha1.EvictAction) error {
	if spec == nil {
		spec = &v1alpha1.EvictAction{}
	}
	pods, err := e.platform.ListPodsOnNode(ctx, node, spec.Excluded())
	if err != nil {
		return err
	}
	budget := spec.Budget()
	if len(pods) > budget {
		pods = pods[:budget]
	}
	var errs error
	for _, pod := range pods {
		if err := e.platform.DeletePod(ctx, pod.Namespace, pod.Name, v1alpha1.DefaultEvictGraceSeconds); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
