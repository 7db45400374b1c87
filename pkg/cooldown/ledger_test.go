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

package cooldown_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/seanly/NodeGuardian/pkg/cooldown"
)

var _ = Describe("Ledger", func() {
	var (
		fs     afero.Fs
		clk    *clocktesting.FakeClock
		ledger *cooldown.Ledger
	)

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
		clk = clocktesting.NewFakeClock(time.Now())
		var err error
		ledger, err = cooldown.NewLedger(fs, "/state/cooldown", clk)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should allow an unmarked tuple to fire", func() {
		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeTrue())
	})

	It("should block a marked tuple until the period elapses", func() {
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())
		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeFalse())

		clk.Step(time.Second)
		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeFalse())

		clk.Step(5 * time.Minute)
		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeTrue())
	})

	It("should track trigger and recovery phases independently", func() {
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())
		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseRecovery, 2*time.Minute)).To(BeTrue())
	})

	It("should track nodes independently", func() {
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())
		Expect(ledger.MayFire("cpu-high", "w2", cooldown.PhaseTrigger, 5*time.Minute)).To(BeTrue())
	})

	It("should always fire with a zero period", func() {
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())
		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 0)).To(BeTrue())
	})

	It("should mirror entries to disk in the expected layout", func() {
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseRecovery)).To(Succeed())
		Expect(afero.Exists(fs, "/state/cooldown/cpu-high_w1")).To(BeTrue())
		Expect(afero.Exists(fs, "/state/cooldown/cpu-high_recovery_w1")).To(BeTrue())
	})

	It("should survive a restart through the disk mirror", func() {
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())

		reloaded, err := cooldown.NewLedger(fs, "/state/cooldown", clk)
		Expect(err).ToNot(HaveOccurred())
		Expect(reloaded.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeFalse())

		clk.Step(6 * time.Minute)
		Expect(reloaded.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeTrue())
	})

	It("should drop a corrupt mirror entry instead of failing startup", func() {
		Expect(afero.WriteFile(fs, "/state/cooldown/cpu-high_w1", []byte("not-a-timestamp"), 0o644)).To(Succeed())
		reloaded, err := cooldown.NewLedger(fs, "/state/cooldown", clk)
		Expect(err).ToNot(HaveOccurred())
		Expect(reloaded.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeTrue())
	})

	It("should clear every entry of a rule", func() {
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())
		Expect(ledger.Mark("cpu-high", "w2", cooldown.PhaseTrigger)).To(Succeed())
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseRecovery)).To(Succeed())
		Expect(ledger.Mark("mem-high", "w1", cooldown.PhaseTrigger)).To(Succeed())

		Expect(ledger.ClearRule("cpu-high")).To(Succeed())

		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeTrue())
		Expect(ledger.MayFire("cpu-high", "w2", cooldown.PhaseTrigger, 5*time.Minute)).To(BeTrue())
		Expect(ledger.MayFire("cpu-high", "w1", cooldown.PhaseRecovery, 5*time.Minute)).To(BeTrue())
		Expect(ledger.MayFire("mem-high", "w1", cooldown.PhaseTrigger, 5*time.Minute)).To(BeFalse())
		Expect(afero.Exists(fs, "/state/cooldown/cpu-high_w1")).To(BeFalse())
	})

	It("should expose the recorded mark through Last", func() {
		now := clk.Now()
		Expect(ledger.Mark("cpu-high", "w1", cooldown.PhaseTrigger)).To(Succeed())
		at, ok := ledger.Last("cpu-high", "w1", cooldown.PhaseTrigger)
		Expect(ok).To(BeTrue())
		Expect(at).To(BeTemporally("~", now, time.Millisecond))

		_, ok = ledger.Last("cpu-high", "w2", cooldown.PhaseTrigger)
		Expect(ok).To(BeFalse())
	})
})
