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
	v1 "k8s.io/api/core/v1"
)

type ActionType string

const (
	ActionTaint            ActionType = "taint"
	ActionUntaint          ActionType = "untaint"
	ActionLabel            ActionType = "label"
	ActionRemoveLabel      ActionType = "removeLabel"
	ActionAnnotation       ActionType = "annotation"
	ActionRemoveAnnotation ActionType = "removeAnnotation"
	ActionEvict            ActionType = "evict"
	ActionAlert            ActionType = "alert"
)

const (
	DefaultMaxEvictPods       = 10
	DefaultEvictGraceSeconds  = 30
	DefaultAlertTemplateName  = "default"
	RecoveryAlertTemplateName = "recovery"
)

// DefaultExcludedNamespaces are never touched by eviction.
var DefaultExcludedNamespaces = []string{"kube-system", "kube-public"}

// Action is a tagged variant; exactly the payload matching Type is set.
// Unknown tags fail validation at rule ingest, never at fire time.
type Action struct {
	Type ActionType `json:"type"`

	Taint            *TaintAction            `json:"taint,omitempty"`
	Untaint          *UntaintAction          `json:"untaint,omitempty"`
	Label            *LabelAction            `json:"label,omitempty"`
	RemoveLabel      *RemoveLabelAction      `json:"removeLabel,omitempty"`
	Annotation       *AnnotationAction       `json:"annotation,omitempty"`
	RemoveAnnotation *RemoveAnnotationAction `json:"removeAnnotation,omitempty"`
	Evict            *EvictAction            `json:"evict,omitempty"`
	Alert            *AlertAction            `json:"alert,omitempty"`
}

type TaintAction struct {
	Key    string         `json:"key,omitempty"`
	Value  string         `json:"value,omitempty"`
	Effect v1.TaintEffect `json:"effect,omitempty"`
}

// Materialize fills the source's defaults for omitted fields.
func (t *TaintAction) Materialize() v1.Taint {
	taint := v1.Taint{Key: t.Key, Value: t.Value, Effect: t.Effect}
	if taint.Key == "" {
		taint.Key = DefaultTaintKey
	}
	if taint.Value == "" {
		taint.Value = DefaultTaintValue
	}
	if taint.Effect == "" {
		taint.Effect = v1.TaintEffectNoSchedule
	}
	return taint
}

type UntaintAction struct {
	Key string `json:"key,omitempty"`
}

type LabelAction struct {
	Labels map[string]string `json:"labels,omitempty"`
}

type RemoveLabelAction struct {
	Keys []string `json:"keys,omitempty"`
}

type AnnotationAction struct {
	Annotations map[string]string `json:"annotations,omitempty"`
}

type RemoveAnnotationAction struct {
	Keys []string `json:"keys,omitempty"`
}

type EvictAction struct {
	MaxPods           int      `json:"maxPods,omitempty"`
	ExcludeNamespaces []string `json:"excludeNamespaces,omitempty"`
}

func (e *EvictAction) Budget() int {
	if e.MaxPods <= 0 {
		return DefaultMaxEvictPods
	}
	return e.MaxPods
}

func (e *EvictAction) Excluded() []string {
	if len(e.ExcludeNamespaces) == 0 {
		return DefaultExcludedNamespaces
	}
	return e.ExcludeNamespaces
}

type AlertAction struct {
	Enabled  *bool    `json:"enabled,omitempty"`
	Template string   `json:"template,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

func (a *AlertAction) IsEnabled() bool {
	return a == nil || a.Enabled == nil || *a.Enabled
}

func (a *AlertAction) TemplateName(fallback string) string {
	if a == nil || a.Template == "" {
		return fallback
	}
	return a.Template
}
