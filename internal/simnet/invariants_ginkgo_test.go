package simnet_test

import (
	"github.com/davecgh/go-spew/spew"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/basalt-rps/basalt-sim/internal/epidemic"
	"github.com/basalt-rps/basalt-sim/internal/simnet"
)

// This BDD-style suite exercises the engine guarantees that benefit most
// from a narrative description of the expected behavior: bounded message
// lifetime and eventual full delivery under fan-out load.
var _ = Describe("the simulator engine", func() {
	var sim *simnet.Simulator[epidemic.Init, epidemic.Msg, epidemic.Metrics]

	BeforeEach(func() {
		sim = newEpidemicSim(50, 12345, 10)
	})

	Describe("message delivery", func() {
		It("leaves no message scheduled at or before the current step", func() {
			for step := 0; step < 10; step++ {
				Expect(sim.Step()).To(Succeed())
				Expect(sim.NoMessagesAtOrBeforeNow()).To(BeTrue())
			}
		})

		It("converges to full contamination well before the deadline", func() {
			var last epidemic.Metrics
			for step := 0; step < 40; step++ {
				Expect(sim.Step()).To(Succeed())
				last = sim.CollectMetrics()
			}
			Expect(last.NContaminated).To(Equal(50), "unexpected metrics snapshot: %s", spew.Sdump(last))
		})
	})
})
