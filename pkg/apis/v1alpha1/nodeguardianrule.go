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

package v1alpha1

import (
	"time"

	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// MetricKey names a node metric the resolver knows how to produce. The set
// is closed; conditions referencing anything else are refused at ingest.
type MetricKey string

const (
	MetricCPUUtilizationPercent    MetricKey = "cpuUtilizationPercent"
	MetricMemoryUtilizationPercent MetricKey = "memoryUtilizationPercent"
	MetricDiskUtilizationPercent   MetricKey = "diskUtilizationPercent"
	MetricCPULoadRatio             MetricKey = "cpuLoadRatio"
)

// KnownMetrics is the closed metric set in resolver order.
var KnownMetrics = []MetricKey{
	MetricCPUUtilizationPercent,
	MetricMemoryUtilizationPercent,
	MetricDiskUtilizationPercent,
	MetricCPULoadRatio,
}

type Operator string

const (
	OperatorGreaterThan        Operator = "GreaterThan"
	OperatorGreaterThanOrEqual Operator = "GreaterThanOrEqual"
	OperatorLessThan           Operator = "LessThan"
	OperatorLessThanOrEqual    Operator = "LessThanOrEqual"
	OperatorEqualTo            Operator = "EqualTo"
	OperatorNotEqualTo         Operator = "NotEqualTo"
)

type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

type RulePhase string

const (
	RulePhaseActive   RulePhase = "Active"
	RulePhaseInactive RulePhase = "Inactive"
	RulePhaseInvalid  RulePhase = "Invalid"
)

const (
	// DefaultTaintKey is applied when a taint action omits its key.
	DefaultTaintKey   = "nodeguardian.io/rule-triggered"
	DefaultTaintValue = "true"

	DefaultCheckInterval          = time.Minute
	DefaultCooldownPeriod         = 5 * time.Minute
	DefaultRecoveryCooldownPeriod = 2 * time.Minute
)

// NodeGuardianRule declares an unhealthy node state and the remediation to
// apply, with a mirrored recovery path.
type NodeGuardianRule struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   NodeGuardianRuleSpec   `json:"spec"`
	Status NodeGuardianRuleStatus `json:"status,omitempty"`
}

type NodeGuardianRuleSpec struct {
	NodeSelector NodeSelector `json:"nodeSelector,omitempty"`

	Conditions     []Condition    `json:"conditions,omitempty"`
	ConditionLogic ConditionLogic `json:"conditionLogic,omitempty"`
	Actions        []Action       `json:"actions,omitempty"`

	RecoveryConditions     []Condition    `json:"recoveryConditions,omitempty"`
	RecoveryConditionLogic ConditionLogic `json:"recoveryConditionLogic,omitempty"`
	RecoveryActions        []Action       `json:"recoveryActions,omitempty"`

	Monitoring Monitoring   `json:"monitoring,omitempty"`
	Metadata   RuleMetadata `json:"metadata,omitempty"`
}

// NodeSelector picks target nodes. An explicit nodeNames list wins over
// matchLabels; an empty selector matches every node.
type NodeSelector struct {
	MatchLabels map[string]string `json:"matchLabels,omitempty"`
	NodeNames   []string          `json:"nodeNames,omitempty"`
}

// Condition is a (metric, operator, threshold) triple. Duration is the
// sustained-breach window recorded with the condition; evaluation samples
// the metric once per tick.
type Condition struct {
	Metric      MetricKey `json:"metric"`
	Operator    Operator  `json:"operator"`
	Value       float64   `json:"value"`
	Duration    Duration  `json:"duration,omitempty"`
	Description string    `json:"description,omitempty"`
}

type Monitoring struct {
	CheckInterval          Duration `json:"checkInterval,omitempty"`
	CooldownPeriod         Duration `json:"cooldownPeriod,omitempty"`
	RecoveryCooldownPeriod Duration `json:"recoveryCooldownPeriod,omitempty"`
}

type RuleMetadata struct {
	Priority    int    `json:"priority,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
}

type NodeGuardianRuleStatus struct {
	Phase          RulePhase    `json:"phase,omitempty"`
	LastTriggered  *metav1.Time `json:"lastTriggered,omitempty"`
	TriggeredNodes []string     `json:"triggeredNodes,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	LastRecovery   *metav1.Time `json:"lastRecovery,omitempty"`
}

// Enabled defaults to true when unset.
func (r *NodeGuardianRule) Enabled() bool {
	return r.Spec.Metadata.Enabled == nil || *r.Spec.Metadata.Enabled
}

func (r *NodeGuardianRule) CheckInterval() time.Duration {
	return r.Spec.Monitoring.CheckInterval.OrDefault(DefaultCheckInterval)
}

func (r *NodeGuardianRule) CooldownPeriod() time.Duration {
	return r.Spec.Monitoring.CooldownPeriod.OrDefault(DefaultCooldownPeriod)
}

func (r *NodeGuardianRule) RecoveryCooldownPeriod() time.Duration {
	return r.Spec.Monitoring.RecoveryCooldownPeriod.OrDefault(DefaultRecoveryCooldownPeriod)
}

func (r *NodeGuardianRule) Logic() ConditionLogic {
	if r.Spec.ConditionLogic == "" {
		return LogicAnd
	}
	return r.Spec.ConditionLogic
}

func (r *NodeGuardianRule) RecoveryLogic() ConditionLogic {
	if r.Spec.RecoveryConditionLogic == "" {
		return LogicAnd
	}
	return r.Spec.RecoveryConditionLogic
}

// TaintKeys returns the taint keys this rule's trigger actions declare,
// used to detect nodes the rule has already acted on.
func (r *NodeGuardianRule) TaintKeys() []string {
	var keys []string
	for _, action := range r.Spec.Actions {
		if action.Type == ActionTaint && action.Taint != nil {
			key := action.Taint.Key
			if key == "" {
				key = DefaultTaintKey
			}
			keys = append(keys, key)
		}
	}
	return keys
}

// DeepCopy returns a structurally independent copy, round-tripped through
// the unstructured converter so nested maps and slices detach.
func (r *NodeGuardianRule) DeepCopy() *NodeGuardianRule {
	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(r)
	if err != nil {
		panic(err)
	}
	out := &NodeGuardianRule{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(raw, out); err != nil {
		panic(err)
	}
	return out
}

// RuleFromUnstructured decodes a watched object into a typed rule.
func RuleFromUnstructured(u *unstructured.Unstructured) (*NodeGuardianRule, error) {
	rule := &NodeGuardianRule{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

var knownTaintEffects = []v1.TaintEffect{
	v1.TaintEffectNoSchedule,
	v1.TaintEffectPreferNoSchedule,
	v1.TaintEffectNoExecute,
}
