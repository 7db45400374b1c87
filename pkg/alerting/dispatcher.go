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

// Package alerting renders alert templates against the fire context and
// delivers them across the configured channels. Delivery is best-effort;
// a failing channel never blocks the others and never blocks remediation.
package alerting

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"knative.dev/pkg/logging"
	"k8s.io/utils/clock"

	v1 "k8s.io/api/core/v1"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
	"github.com/seanly/NodeGuardian/pkg/config"
	"github.com/seanly/NodeGuardian/pkg/metrics"
)

const (
	ChannelLog     = "log"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelChat    = "chat"
)

// problemPodLimit caps how many pods appear per node in the fire context.
const problemPodLimit = 5

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nodeguardian",
	Subsystem: "alerts",
	Name:      "deliveries_total",
	Help:      "Alert delivery attempts partitioned by channel and outcome.",
}, []string{"channel", "outcome"})

// TemplateSource yields alert templates by name; backed by the rule store.
type TemplateSource interface {
	Template(name string) (*v1alpha1.AlertTemplate, bool)
}

// PodLister is the slice of the platform adapter used to collect problem
// pods for the fire context.
type PodLister interface {
	ListPodsOnNode(ctx context.Context, nodeName string, excludeNamespaces []string) ([]v1.Pod, error)
}

// channel delivers one rendered alert.
type channel interface {
	Send(ctx context.Context, alert *Alert) error
}

// Alert is a rendered message plus the context it was rendered from.
type Alert struct {
	Subject  string
	Body     string
	Severity string
	Recovery bool
	Context  map[string]interface{}
}

type Dispatcher struct {
	templates TemplateSource
	resolver  metrics.Resolver
	pods      PodLister
	clock     clock.Clock
	channels  map[string]channel
	defaults  []string
}

func NewDispatcher(cfg *config.Config, templates TemplateSource, resolver metrics.Resolver, pods PodLister, clk clock.Clock) *Dispatcher {
	return &Dispatcher{
		templates: templates,
		resolver:  resolver,
		pods:      pods,
		clock:     clk,
		defaults:  cfg.Alert.DefaultChannels,
		channels: map[string]channel{
			ChannelLog:     &logChannel{},
			ChannelEmail:   newEmailChannel(cfg.Email),
			ChannelWebhook: newWebhookChannel(cfg.Alert),
			ChannelChat:    newChatChannel(cfg.Alert),
		},
	}
}

// Dispatch renders the alert for the rule's fire on the given nodes and
// fans it out. Recovery alerts fall back to the recovery template.
// Implements the executor's alert sink.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *v1alpha1.NodeGuardianRule, nodes []string, action *v1alpha1.AlertAction, recovery bool) error {
	log := logging.FromContext(ctx).With("rule", rule.Name)

	fallback := v1alpha1.DefaultAlertTemplateName
	if recovery {
		fallback = v1alpha1.RecoveryAlertTemplateName
	}
	spec := d.templateSpec(ctx, action.TemplateName(fallback))

	fireContext := d.assembleContext(ctx, rule, nodes)
	alert := &Alert{
		Subject:  Render(spec.Subject, fireContext),
		Body:     Render(spec.Body, fireContext),
		Severity: lo.CoalesceOrEmpty(rule.Spec.Metadata.Severity, spec.Severity),
		Recovery: recovery,
		Context:  fireContext,
	}

	// A bare alert action carries no payload at all.
	var channels []string
	if action != nil {
		channels = action.Channels
	}
	if len(channels) == 0 {
		channels = spec.Channels
	}
	if len(channels) == 0 {
		channels = d.defaults
	}
	if len(channels) == 0 {
		channels = []string{ChannelLog}
	}

	var errs error
	for _, name := range lo.Uniq(channels) {
		ch, known := d.channels[name]
		if !known {
			log.Warnw("skipping unknown alert channel", "channel", name)
			continue
		}
		if err := ch.Send(ctx, alert); err != nil {
			deliveries.WithLabelValues(name, "error").Inc()
			log.Errorw("delivering alert", "channel", name, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		deliveries.WithLabelValues(name, "success").Inc()
	}
	return errs
}

func (d *Dispatcher) templateSpec(ctx context.Context, name string) v1alpha1.AlertTemplateSpec {
	if tmpl, ok := d.templates.Template(name); ok {
		return tmpl.Spec
	}
	if spec, ok := builtinTemplates[name]; ok {
		return spec
	}
	logging.FromContext(ctx).Warnw("alert template not found, using built-in default", "template", name)
	return builtinTemplates[v1alpha1.DefaultAlertTemplateName]
}

// assembleContext gathers the per-node metric samples and problem pods
// the templates render against. A node whose metrics cannot be resolved
// still appears with zero samples.
func (d *Dispatcher) assembleContext(ctx context.Context, rule *v1alpha1.NodeGuardianRule, nodes []string) map[string]interface{} {
	nodeContexts := make([]interface{}, 0, len(nodes))
	for _, nodeName := range nodes {
		samples := map[string]interface{}{}
		for _, key := range v1alpha1.KnownMetrics {
			value, err := d.resolver.Resolve(ctx, nodeName, key)
			if err != nil {
				value = 0
			}
			samples[string(key)] = value
		}
		nodeContexts = append(nodeContexts, map[string]interface{}{
			"name":         nodeName,
			"metrics":      samples,
			"problem_pods": d.problemPods(ctx, nodeName),
		})
	}
	return map[string]interface{}{
		"rule_name":         rule.Name,
		"rule_description":  rule.Spec.Metadata.Description,
		"severity":          rule.Spec.Metadata.Severity,
		"timestamp_utc_iso": d.clock.Now().UTC().Format(time.RFC3339),
		"triggered_nodes":   nodeContexts,
	}
}

func (d *Dispatcher) problemPods(ctx context.Context, nodeName string) []interface{} {
	pods, err := d.pods.ListPodsOnNode(ctx, nodeName, v1alpha1.DefaultExcludedNamespaces)
	if err != nil {
		logging.FromContext(ctx).Debugw("listing pods for alert context", "node", nodeName, "error", err)
		return []interface{}{}
	}
	out := make([]interface{}, 0, problemPodLimit)
	for _, pod := range pods {
		if len(out) == problemPodLimit {
			break
		}
		out = append(out, map[string]interface{}{
			"namespace": pod.Namespace,
			"name":      pod.Name,
			"phase":     string(pod.Status.Phase),
		})
	}
	return out
}

// builtinTemplates back the default template names when no AlertTemplate
// resource provides them.
var builtinTemplates = map[string]v1alpha1.AlertTemplateSpec{
	v1alpha1.DefaultAlertTemplateName: {
		Subject: "[NodeGuardian] Alert - {{ rule_name }}",
		Body: `Rule {{ rule_name }} triggered at {{ timestamp_utc_iso }}.
{{ rule_description }}

Affected nodes:
{{#each triggered_nodes as node}}- {{ node.name }} (cpu {{ node.metrics.cpuUtilizationPercent }}%, mem {{ node.metrics.memoryUtilizationPercent }}%, disk {{ node.metrics.diskUtilizationPercent }}%)
{{/each}}`,
		Channels: []string{ChannelLog},
	},
	v1alpha1.RecoveryAlertTemplateName: {
		Subject: "[NodeGuardian] Recovered - {{ rule_name }}",
		Body: `Rule {{ rule_name }} recovered at {{ timestamp_utc_iso }}.

Recovered nodes:
{{#each triggered_nodes as node}}- {{ node.name }} (cpu {{ node.metrics.cpuUtilizationPercent }}%, mem {{ node.metrics.memoryUtilizationPercent }}%)
{{/each}}`,
		Channels: []string{ChannelLog},
	},
}
