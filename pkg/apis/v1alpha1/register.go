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
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	Group   = "nodeguardian.k8s.io"
	Version = "v1alpha1"

	RuleKind     = "NodeGuardianRule"
	TemplateKind = "AlertTemplate"
)

var (
	SchemeGroupVersion = schema.GroupVersion{Group: Group, Version: Version}

	// Both custom resources are cluster-scoped.
	RuleGVR     = SchemeGroupVersion.WithResource("nodeguardianrules")
	TemplateGVR = SchemeGroupVersion.WithResource("alerttemplates")
)
