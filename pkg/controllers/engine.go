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

// Package controllers drives the engine: a watch consumer keeps the rule
// store current, a trigger driver evaluates rules on a floating tick, and
// a recovery driver walks triggered nodes on a fixed tick.
package controllers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"knative.dev/pkg/logging"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	v1 "k8s.io/api/core/v1"

	"github.com/seanly/NodeGuardian/pkg/actions"
	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
	"github.com/seanly/NodeGuardian/pkg/cooldown"
	"github.com/seanly/NodeGuardian/pkg/evaluation"
	"github.com/seanly/NodeGuardian/pkg/platform"
	"github.com/seanly/NodeGuardian/pkg/rulestore"
)

const (
	// The trigger tick floats with the shortest enabled checkInterval but
	// never below this floor.
	minTriggerTick = 5 * time.Second

	recoveryTick = 30 * time.Second
)

type Engine struct {
	store         *rulestore.Store
	platform      *platform.Client
	evaluator     *evaluation.Evaluator
	executor      *actions.Executor
	ledger        *cooldown.Ledger
	clock         clock.WithTicker
	maxConcurrent int
}

func NewEngine(store *rulestore.Store, client *platform.Client, evaluator *evaluation.Evaluator,
	executor *actions.Executor, ledger *cooldown.Ledger, clk clock.WithTicker, maxConcurrent int) *Engine {
	return &Engine{
		store:         store,
		platform:      client,
		evaluator:     evaluator,
		executor:      executor,
		ledger:        ledger,
		clock:         clk,
		maxConcurrent: maxConcurrent,
	}
}

// Start runs the watch consumer and both drivers until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	events := e.platform.WatchGuardianObjects(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.consumeEvents(ctx, events)
	}()
	go func() {
		defer wg.Done()
		e.runTriggerDriver(ctx)
	}()
	go func() {
		defer wg.Done()
		e.runRecoveryDriver(ctx)
	}()
	wg.Wait()
}

// consumeEvents is the store's single writer.
func (e *Engine) consumeEvents(ctx context.Context, events <-chan platform.Event) {
	for event := range events {
		switch event.Kind {
		case v1alpha1.RuleKind:
			e.handleRuleEvent(ctx, event)
		case v1alpha1.TemplateKind:
			e.handleTemplateEvent(ctx, event)
		}
	}
}

func (e *Engine) handleRuleEvent(ctx context.Context, event platform.Event) {
	log := logging.FromContext(ctx)
	switch event.Type {
	case platform.EventSynchronization:
		valid := make([]*v1alpha1.NodeGuardianRule, 0, len(event.Objects))
		for _, obj := range event.Objects {
			if rule := e.ingestRule(ctx, obj); rule != nil {
				valid = append(valid, rule)
			}
		}
		if err := e.store.SyncRules(ctx, valid); err != nil {
			log.Errorw("synchronizing rules", "error", err)
		}
	case platform.EventAdded, platform.EventModified:
		rule := e.ingestRule(ctx, event.Object)
		if rule == nil {
			// A rule that turned invalid must stop being evaluated.
			if err := e.store.DeleteRule(ctx, event.Object.GetName()); err != nil {
				log.Errorw("removing invalid rule", "rule", event.Object.GetName(), "error", err)
			}
			return
		}
		if _, err := e.store.UpsertRule(ctx, rule); err != nil {
			log.Errorw("storing rule", "rule", rule.Name, "error", err)
		}
	case platform.EventDeleted:
		if err := e.store.DeleteRule(ctx, event.Object.GetName()); err != nil {
			log.Errorw("deleting rule", "rule", event.Object.GetName(), "error", err)
		}
	}
}

// ingestRule decodes and validates a watched rule. Invalid rules are
// refused with phase=Invalid and the validation message; they get no
// further attention until their spec changes.
func (e *Engine) ingestRule(ctx context.Context, obj *unstructured.Unstructured) *v1alpha1.NodeGuardianRule {
	log := logging.FromContext(ctx).With("rule", obj.GetName())
	rule, err := v1alpha1.RuleFromUnstructured(obj)
	if err == nil {
		err = rule.Validate()
	}
	if err != nil {
		rejectedRules.Inc()
		log.Errorw("refusing invalid rule", "error", err)
		e.patchStatus(ctx, obj.GetName(), map[string]interface{}{
			"phase":     string(v1alpha1.RulePhaseInvalid),
			"lastError": err.Error(),
		})
		return nil
	}
	return rule
}

func (e *Engine) handleTemplateEvent(ctx context.Context, event platform.Event) {
	log := logging.FromContext(ctx)
	switch event.Type {
	case platform.EventSynchronization:
		templates := make([]*v1alpha1.AlertTemplate, 0, len(event.Objects))
		for _, obj := range event.Objects {
			tmpl, err := v1alpha1.TemplateFromUnstructured(obj)
			if err != nil {
				log.Errorw("decoding alert template", "template", obj.GetName(), "error", err)
				continue
			}
			templates = append(templates, tmpl)
		}
		if err := e.store.SyncTemplates(ctx, templates); err != nil {
			log.Errorw("synchronizing alert templates", "error", err)
		}
	case platform.EventAdded, platform.EventModified:
		tmpl, err := v1alpha1.TemplateFromUnstructured(event.Object)
		if err != nil {
			log.Errorw("decoding alert template", "template", event.Object.GetName(), "error", err)
			return
		}
		if _, err := e.store.UpsertTemplate(ctx, tmpl); err != nil {
			log.Errorw("storing alert template", "template", tmpl.Name, "error", err)
		}
	case platform.EventDeleted:
		e.store.DeleteTemplate(ctx, event.Object.GetName())
	}
}

func (e *Engine) runTriggerDriver(ctx context.Context) {
	timer := e.clock.NewTimer(e.triggerTick())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			e.runTriggerTick(ctx)
			timer.Reset(e.triggerTick())
		}
	}
}

// triggerTick is the shortest enabled checkInterval, floored. An empty
// store idles at the floor.
func (e *Engine) triggerTick() time.Duration {
	var tick time.Duration
	for _, rule := range e.store.Snapshot() {
		if !rule.Enabled() {
			continue
		}
		if tick == 0 || rule.CheckInterval() < tick {
			tick = rule.CheckInterval()
		}
	}
	if tick < minTriggerTick {
		tick = minTriggerTick
	}
	return tick
}

func (e *Engine) runTriggerTick(ctx context.Context) {
	for _, rule := range e.store.Snapshot() {
		if !rule.Enabled() || len(rule.Spec.Conditions) == 0 {
			continue
		}
		e.evaluateTrigger(ctx, rule)
	}
}

func (e *Engine) evaluateTrigger(ctx context.Context, rule *v1alpha1.NodeGuardianRule) {
	log := logging.FromContext(ctx).With("rule", rule.Name)
	nodes, err := e.targetNodes(ctx, rule)
	if err != nil {
		log.Errorw("listing target nodes", "error", err)
		return
	}
	if len(nodes) == 0 {
		return
	}

	var mu sync.Mutex
	var batch []string
	workqueue.ParallelizeUntil(ctx, e.maxConcurrent, len(nodes), func(i int) {
		node := nodes[i]
		evaluations.WithLabelValues(rule.Name, string(cooldown.PhaseTrigger)).Inc()
		if !e.ledger.MayFire(rule.Name, node, cooldown.PhaseTrigger, rule.CooldownPeriod()) {
			return
		}
		if !e.evaluator.EvaluateConditions(ctx, node, rule.Spec.Conditions, rule.Logic()) {
			return
		}
		mu.Lock()
		batch = append(batch, node)
		mu.Unlock()
	})
	if len(batch) == 0 {
		return
	}
	sort.Strings(batch)
	fires.WithLabelValues(rule.Name, string(cooldown.PhaseTrigger)).Inc()
	log.Infow("rule triggered", "nodes", batch)

	execErr := e.executor.ExecuteTrigger(ctx, rule, batch)

	triggered := batch
	if live, err := e.platform.GetRule(ctx, rule.Name); err == nil {
		triggered = lo.Uniq(append(live.Status.TriggeredNodes, batch...))
		sort.Strings(triggered)
	}
	status := map[string]interface{}{
		"phase":          string(v1alpha1.RulePhaseActive),
		"lastTriggered":  e.clock.Now().UTC().Format(time.RFC3339),
		"triggeredNodes": triggered,
		"lastError":      "",
	}
	if execErr != nil {
		status["lastError"] = execErr.Error()
	}
	e.patchStatus(ctx, rule.Name, status)
}

func (e *Engine) runRecoveryDriver(ctx context.Context) {
	ticker := e.clock.NewTicker(recoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.runRecoveryTick(ctx)
		}
	}
}

func (e *Engine) runRecoveryTick(ctx context.Context) {
	for _, rule := range e.store.Snapshot() {
		if !rule.Enabled() || len(rule.Spec.RecoveryConditions) == 0 {
			continue
		}
		e.evaluateRecovery(ctx, rule)
	}
}

func (e *Engine) evaluateRecovery(ctx context.Context, rule *v1alpha1.NodeGuardianRule) {
	log := logging.FromContext(ctx).With("rule", rule.Name)
	candidates, err := e.triggeredNodes(ctx, rule)
	if err != nil {
		log.Errorw("finding triggered nodes", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	remaining := lo.SliceToMap(candidates, func(n string) (string, struct{}) { return n, struct{}{} })
	recovered := false
	for _, node := range candidates {
		evaluations.WithLabelValues(rule.Name, string(cooldown.PhaseRecovery)).Inc()
		if !e.ledger.MayFire(rule.Name, node, cooldown.PhaseRecovery, rule.RecoveryCooldownPeriod()) {
			continue
		}
		if !e.evaluator.EvaluateConditions(ctx, node, rule.Spec.RecoveryConditions, rule.RecoveryLogic()) {
			continue
		}
		fires.WithLabelValues(rule.Name, string(cooldown.PhaseRecovery)).Inc()
		log.Infow("node recovered", "node", node)
		if err := e.executor.ExecuteRecovery(ctx, rule, node); err != nil {
			log.Errorw("executing recovery actions", "node", node, "error", err)
		}
		delete(remaining, node)
		recovered = true
	}
	if !recovered {
		return
	}

	left := lo.Keys(remaining)
	sort.Strings(left)
	phase := v1alpha1.RulePhaseActive
	if len(left) == 0 {
		phase = v1alpha1.RulePhaseInactive
		// Keep the mirror canonical: an empty list must be written
		// explicitly, not dropped.
		left = []string{}
	}
	e.patchStatus(ctx, rule.Name, map[string]interface{}{
		"phase":          string(phase),
		"triggeredNodes": left,
		"lastRecovery":   e.clock.Now().UTC().Format(time.RFC3339),
	})
}

// triggeredNodes reads status.triggeredNodes from the live rule, falling
// back to probing the rule's taint keys on matching nodes when the
// status was lost (e.g. a manually cleared status).
func (e *Engine) triggeredNodes(ctx context.Context, rule *v1alpha1.NodeGuardianRule) ([]string, error) {
	live, err := e.platform.GetRule(ctx, rule.Name)
	if err != nil {
		return nil, err
	}
	if len(live.Status.TriggeredNodes) > 0 {
		return live.Status.TriggeredNodes, nil
	}
	taintKeys := rule.TaintKeys()
	if len(taintKeys) == 0 {
		return nil, nil
	}
	nodes, err := e.matchingNodes(ctx, rule)
	if err != nil {
		return nil, err
	}
	var tainted []string
	for _, node := range nodes {
		for _, taint := range node.Spec.Taints {
			if lo.Contains(taintKeys, taint.Key) {
				tainted = append(tainted, node.Name)
				break
			}
		}
	}
	return tainted, nil
}

// targetNodes resolves the rule's node selector to node names; an
// explicit nodeNames list wins over matchLabels.
func (e *Engine) targetNodes(ctx context.Context, rule *v1alpha1.NodeGuardianRule) ([]string, error) {
	if len(rule.Spec.NodeSelector.NodeNames) > 0 {
		return rule.Spec.NodeSelector.NodeNames, nil
	}
	nodes, err := e.matchingNodes(ctx, rule)
	if err != nil {
		return nil, err
	}
	return lo.Map(nodes, func(n v1.Node, _ int) string { return n.Name }), nil
}

func (e *Engine) matchingNodes(ctx context.Context, rule *v1alpha1.NodeGuardianRule) ([]v1.Node, error) {
	return e.platform.ListNodes(ctx, evaluation.SelectorString(rule.Spec.NodeSelector))
}

func (e *Engine) patchStatus(ctx context.Context, name string, status map[string]interface{}) {
	if err := e.platform.PatchRuleStatus(ctx, name, status); err != nil {
		logging.FromContext(ctx).Errorw("patching rule status", "rule", name, "error", err)
	}
}
