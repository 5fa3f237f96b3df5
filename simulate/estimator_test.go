package simulate

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gitlab.com/akita/akita/v3/sim"

	"github.com/sarchlab/shardpipe/timemodel"
)

var _ = Describe("Schedule Estimator", func() {
	var (
		engine    sim.Engine
		estimator *ScheduleEstimator
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		estimator = NewScheduleEstimator(
			"Estimator", engine, engine,
			&timemodel.RecordedStageTimeEstimator{})
	})

	It("should panic when the pipeline is not set", func() {
		Expect(func() {
			estimator.KickStart()
		}).To(Panic())
	})

	It("should overlap stages on instantaneous links", func() {
		estimator.SetPipeline([]Stage{
			{Name: "front", TimeInSec: 0.1},
			{Name: "back", TimeInSec: 0.2},
		}, 3)

		estimator.KickStart()
		err := engine.Run()
		Expect(err).To(BeNil())

		// The second stage is the bottleneck: it starts at 0.1 and then
		// runs back to back.
		Expect(estimator.Makespan()).To(BeNumerically("~", 0.7, 1e-9))
	})

	It("should serialize a single-stage pipeline", func() {
		estimator.SetPipeline([]Stage{
			{Name: "only", TimeInSec: 0.5},
		}, 4)

		estimator.KickStart()
		err := engine.Run()
		Expect(err).To(BeNil())

		Expect(estimator.Makespan()).To(BeNumerically("~", 2.0, 1e-9))
	})

	It("should account for link time between stages", func() {
		estimator.SetPipeline([]Stage{
			{
				Name:          "front",
				TimeInSec:     0.1,
				OutputBytes:   100,
				LinkBandwidth: 1000,
				LinkLatency:   0.05,
			},
			{Name: "back", TimeInSec: 0.1},
		}, 2)

		estimator.KickStart()
		err := engine.Run()
		Expect(err).To(BeNil())

		// Each transfer takes 100/1000 + 0.05 = 0.15s. The second chunk
		// arrives downstream at 0.35, after the first one finished.
		Expect(estimator.Makespan()).To(BeNumerically("~", 0.45, 1e-9))
	})

	It("should be reusable for several what-if runs", func() {
		estimator.SetPipeline([]Stage{
			{Name: "front", TimeInSec: 0.1},
			{Name: "back", TimeInSec: 0.2},
		}, 3)
		estimator.KickStart()
		Expect(engine.Run()).To(Succeed())
		first := estimator.Makespan()

		estimator.SetPipeline([]Stage{
			{Name: "front", TimeInSec: 0.1},
			{Name: "back", TimeInSec: 0.2},
		}, 6)
		estimator.KickStart()
		Expect(engine.Run()).To(Succeed())

		// The engine clock keeps running across runs; the second pass
		// takes 0.1 + 6*0.2 seconds on its own.
		Expect(estimator.Makespan() - first).
			To(BeNumerically("~", 1.3, 1e-9))
	})
})
