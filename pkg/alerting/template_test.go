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

package alerting_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/seanly/NodeGuardian/pkg/alerting"
)

var _ = Describe("Render", func() {
	context := map[string]interface{}{
		"rule_name": "cpu-high",
		"severity":  "critical",
		"triggered_nodes": []interface{}{
			map[string]interface{}{
				"name":    "w1",
				"metrics": map[string]interface{}{"cpuUtilizationPercent": 85.5},
			},
			map[string]interface{}{
				"name":    "w2",
				"metrics": map[string]interface{}{"cpuUtilizationPercent": 91.0},
			},
		},
	}

	It("should substitute simple placeholders", func() {
		Expect(alerting.Render("alert: {{ rule_name }} ({{severity}})", context)).
			To(Equal("alert: cpu-high (critical)"))
	})

	It("should resolve dotted paths inside each blocks", func() {
		out := alerting.Render("{{#each triggered_nodes as node}}{{ node.name }}={{ node.metrics.cpuUtilizationPercent }};{{/each}}", context)
		Expect(out).To(Equal("w1=85.5;w2=91;"))
	})

	It("should keep outer context visible inside each blocks", func() {
		out := alerting.Render("{{#each triggered_nodes as node}}{{ rule_name }}/{{ node.name }} {{/each}}", context)
		Expect(out).To(Equal("cpu-high/w1 cpu-high/w2 "))
	})

	It("should render undefined placeholders as empty strings", func() {
		Expect(alerting.Render("[{{ missing }}] [{{ rule_name.too.deep }}]", context)).To(Equal("[] []"))
	})

	It("should render an each block over a missing list as empty", func() {
		Expect(alerting.Render("{{#each nothing as x}}{{ x }}{{/each}}", context)).To(Equal(""))
	})

	It("should leave text without placeholders untouched", func() {
		Expect(alerting.Render("no placeholders here", context)).To(Equal("no placeholders here"))
	})
})
