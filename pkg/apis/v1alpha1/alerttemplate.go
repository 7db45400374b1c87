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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// AlertTemplate is a named subject/body pair with placeholders resolved
// against the fire context, plus the channels used when an alert action
// does not name its own.
type AlertTemplate struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec AlertTemplateSpec `json:"spec"`
}

type AlertTemplateSpec struct {
	Subject  string   `json:"subject,omitempty"`
	Body     string   `json:"body,omitempty"`
	Severity string   `json:"severity,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// DeepCopy returns a structurally independent copy.
func (t *AlertTemplate) DeepCopy() *AlertTemplate {
	out := *t
	out.ObjectMeta = *t.ObjectMeta.DeepCopy()
	out.Spec.Channels = append([]string(nil), t.Spec.Channels...)
	return &out
}

// TemplateFromUnstructured decodes a watched object into a typed template.
func TemplateFromUnstructured(u *unstructured.Unstructured) (*AlertTemplate, error) {
	tmpl := &AlertTemplate{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}
