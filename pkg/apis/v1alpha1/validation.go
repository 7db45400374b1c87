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
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// Validate enforces the rule invariants at ingest. A failing rule is
// refused with phase=Invalid and is never retried until its spec changes.
func (r *NodeGuardianRule) Validate() (err error) {
	err = multierr.Append(err, r.validateMonitoring())
	err = multierr.Append(err, validateLogic("conditionLogic", r.Spec.ConditionLogic))
	err = multierr.Append(err, validateLogic("recoveryConditionLogic", r.Spec.RecoveryConditionLogic))
	for i := range r.Spec.Conditions {
		err = multierr.Append(err, r.Spec.Conditions[i].validate(fmt.Sprintf("conditions[%d]", i)))
	}
	for i := range r.Spec.RecoveryConditions {
		err = multierr.Append(err, r.Spec.RecoveryConditions[i].validate(fmt.Sprintf("recoveryConditions[%d]", i)))
	}
	for i := range r.Spec.Actions {
		err = multierr.Append(err, r.Spec.Actions[i].validate(fmt.Sprintf("actions[%d]", i)))
	}
	for i := range r.Spec.RecoveryActions {
		err = multierr.Append(err, r.Spec.RecoveryActions[i].validate(fmt.Sprintf("recoveryActions[%d]", i)))
	}
	return err
}

// validateMonitoring checks the duration grammar only. Short intervals
// are clamped by the trigger driver's tick floor, and a zero cooldown is
// legal: the rule fires every tick while conditions hold.
func (r *NodeGuardianRule) validateMonitoring() (err error) {
	mon := r.Spec.Monitoring
	err = multierr.Append(err, mon.CheckInterval.validate())
	err = multierr.Append(err, mon.CooldownPeriod.validate())
	err = multierr.Append(err, mon.RecoveryCooldownPeriod.validate())
	return err
}

func validateLogic(field string, logic ConditionLogic) error {
	if logic != "" && logic != LogicAnd && logic != LogicOr {
		return fmt.Errorf("%s must be AND or OR, got %q", field, logic)
	}
	return nil
}

func (c *Condition) validate(path string) (err error) {
	if !lo.Contains(KnownMetrics, c.Metric) {
		err = multierr.Append(err, fmt.Errorf("%s: unknown metric %q", path, c.Metric))
	}
	switch c.Operator {
	case OperatorGreaterThan, OperatorGreaterThanOrEqual, OperatorLessThan,
		OperatorLessThanOrEqual, OperatorEqualTo, OperatorNotEqualTo:
	default:
		err = multierr.Append(err, fmt.Errorf("%s: unknown operator %q", path, c.Operator))
	}
	if dErr := c.Duration.validate(); dErr != nil {
		err = multierr.Append(err, fmt.Errorf("%s: %w", path, dErr))
	}
	return err
}

func (a *Action) validate(path string) error {
	switch a.Type {
	case ActionTaint:
		if a.Taint != nil && a.Taint.Effect != "" && !lo.Contains(knownTaintEffects, a.Taint.Effect) {
			return fmt.Errorf("%s: unknown taint effect %q", path, a.Taint.Effect)
		}
	case ActionUntaint:
		if a.Untaint == nil || a.Untaint.Key == "" {
			return fmt.Errorf("%s: untaint requires a key", path)
		}
	case ActionLabel:
		if a.Label == nil || len(a.Label.Labels) == 0 {
			return fmt.Errorf("%s: label requires a non-empty labels map", path)
		}
	case ActionRemoveLabel:
		if a.RemoveLabel == nil || len(a.RemoveLabel.Keys) == 0 {
			return fmt.Errorf("%s: removeLabel requires keys", path)
		}
	case ActionAnnotation:
		if a.Annotation == nil || len(a.Annotation.Annotations) == 0 {
			return fmt.Errorf("%s: annotation requires a non-empty annotations map", path)
		}
	case ActionRemoveAnnotation:
		if a.RemoveAnnotation == nil || len(a.RemoveAnnotation.Keys) == 0 {
			return fmt.Errorf("%s: removeAnnotation requires keys", path)
		}
	case ActionEvict:
		if a.Evict != nil && a.Evict.MaxPods < 0 {
			return fmt.Errorf("%s: maxPods must not be negative", path)
		}
	case ActionAlert:
	default:
		return fmt.Errorf("%s: unknown action type %q", path, a.Type)
	}
	return nil
}
