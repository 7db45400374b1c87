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

package v1alpha1_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/seanly/NodeGuardian/pkg/apis/v1alpha1"
)

var _ = Describe("Duration", func() {
	It("should parse each unit", func() {
		Expect(v1alpha1.ParseDuration("30s")).To(Equal(30 * time.Second))
		Expect(v1alpha1.ParseDuration("5m")).To(Equal(5 * time.Minute))
		Expect(v1alpha1.ParseDuration("2h")).To(Equal(2 * time.Hour))
		Expect(v1alpha1.ParseDuration("1d")).To(Equal(24 * time.Hour))
	})
	It("should reject compound forms", func() {
		_, err := v1alpha1.ParseDuration("1h30m")
		Expect(err).To(HaveOccurred())
	})
	It("should reject unknown units", func() {
		_, err := v1alpha1.ParseDuration("10w")
		Expect(err).To(HaveOccurred())
	})
	It("should reject bare numbers and empty strings", func() {
		_, err := v1alpha1.ParseDuration("10")
		Expect(err).To(HaveOccurred())
		_, err = v1alpha1.ParseDuration("")
		Expect(err).To(HaveOccurred())
	})
	It("should reject negative values", func() {
		_, err := v1alpha1.ParseDuration("-5s")
		Expect(err).To(HaveOccurred())
	})
	It("should fall back to the default when unset", func() {
		var d v1alpha1.Duration
		Expect(d.OrDefault(time.Minute)).To(Equal(time.Minute))
		Expect(v1alpha1.Duration("10s").OrDefault(time.Minute)).To(Equal(10 * time.Second))
	})
})
