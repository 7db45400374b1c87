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

package metrics

import (
	"fmt"
	"regexp"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
)

// Node exporter instance labels carry host:port, so node names match as a
// regex substring. Names are quoted to keep dots in FQDN-style node names
// from matching arbitrary characters.
func instanceMatcher(nodeName string) string {
	return fmt.Sprintf(`instance=~".*%s.*"`, regexp.QuoteMeta(nodeName))
}

func promQuery(key v1alpha1.MetricKey, nodeName string) string {
	instance := instanceMatcher(nodeName)
	switch key {
	case v1alpha1.MetricCPUUtilizationPercent:
		return fmt.Sprintf(`100 - (avg by (instance) (irate(node_cpu_seconds_total{mode="idle",%s}[5m])) * 100)`, instance)
	case v1alpha1.MetricMemoryUtilizationPercent:
		return fmt.Sprintf(`(1 - (node_memory_MemAvailable_bytes{%s} / node_memory_MemTotal_bytes{%s})) * 100`, instance, instance)
	case v1alpha1.MetricDiskUtilizationPercent:
		return fmt.Sprintf(`(1 - (node_filesystem_avail_bytes{%s,mountpoint="/"} / node_filesystem_size_bytes{%s,mountpoint="/"})) * 100`, instance, instance)
	case v1alpha1.MetricCPULoadRatio:
		return fmt.Sprintf(`node_load1{%s} / on(instance) count by (instance) (node_cpu_seconds_total{mode="idle",%s})`, instance, instance)
	}
	return ""
}
