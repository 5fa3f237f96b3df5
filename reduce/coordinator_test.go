package reduce

import (
	"github.com/golang/mock/gomock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/sarchlab/shardpipe"
	"github.com/sarchlab/shardpipe/shard"
)

type testModule struct {
	params    []*shardpipe.Parameter
	buffers   []*shardpipe.Buffer
	forwarded int
}

func (m *testModule) Forward(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error) {
	m.forwarded++
	return xs, nil
}

func (m *testModule) Parameters() []*shardpipe.Parameter {
	return m.params
}

func (m *testModule) Buffers() []*shardpipe.Buffer {
	return m.buffers
}

func trainableParam(name string, numel int) *shardpipe.Parameter {
	return &shardpipe.Parameter{
		Name:         name,
		Data:         make([]float32, numel),
		Grad:         make([]float32, numel),
		RequiresGrad: true,
	}
}

var _ = Describe("Coordinator", func() {
	var (
		ctrl      *gomock.Controller
		mockGroup *MockGroup
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		mockGroup = NewMockGroup(ctrl)
		mockGroup.EXPECT().Rank().Return(0).AnyTimes()
		mockGroup.EXPECT().Size().Return(2).AnyTimes()
		mockGroup.EXPECT().GlobalRank(gomock.Any()).
			DoAndReturn(func(r int) int { return r }).
			AnyTimes()
	})

	AfterEach(func() {
		ctrl.Finish()
	})

	newDoneOp := func() *MockOperation {
		op := NewMockOperation(ctrl)
		op.EXPECT().Done().Return(true).AnyTimes()
		op.EXPECT().Wait().Return(nil).AnyTimes()
		return op
	}

	newCoordinator := func(m *testModule, opts Options) *Coordinator {
		c, err := New(m, shard.NewAssignment(m.params, 2), mockGroup, opts)
		Expect(err).To(BeNil())
		return c
	}

	It("should reject a parameter whose gradient is differentiable", func() {
		p := trainableParam("a", 4)
		p.GradTracksGrad = true
		m := &testModule{params: []*shardpipe.Parameter{p}}

		_, err := New(m, shard.NewAssignment(m.params, 2), mockGroup, Options{})

		Expect(errors.Is(err, shardpipe.ErrConfig)).To(BeTrue())
	})

	It("should deactivate fp16 compression when bucketing is on", func() {
		m := &testModule{params: []*shardpipe.Parameter{trainableParam("a", 4)}}

		c := newCoordinator(m, Options{BucketCap: 16, ReduceFP16: true})

		Expect(c.reduceFP16).To(BeFalse())
		Expect(c.useBuckets).To(BeTrue())
	})

	It("should panic when the assignment misses a trainable parameter", func() {
		m := &testModule{params: []*shardpipe.Parameter{trainableParam("a", 4)}}
		assignment := NewMockShardAssignment(ctrl)
		assignment.EXPECT().RefreshTrainable().AnyTimes()
		assignment.EXPECT().OwnerRank(gomock.Any()).Return(0, false).AnyTimes()

		Expect(func() {
			New(m, assignment, mockGroup, Options{})
		}).To(PanicWith(BeAssignableToTypeOf(shardpipe.InvariantViolation{})))
	})

	Context("with direct per-parameter reduction", func() {
		var (
			m    *testModule
			a, b *shardpipe.Parameter
			c    *Coordinator
		)

		BeforeEach(func() {
			a = trainableParam("a", 3)
			b = trainableParam("b", 5)
			m = &testModule{params: []*shardpipe.Parameter{a, b}}
			// b is the larger parameter, the greedy partition gives it
			// to rank 0 and a to rank 1.
			c = newCoordinator(m, Options{})
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())
		})

		It("should free the gradient of a parameter owned elsewhere", func() {
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 1).Return(newDoneOp())

			c.GradReady(a)

			Expect(a.Grad).To(BeNil())
		})

		It("should keep and scale the gradient of an owned parameter", func() {
			for i := range b.Grad {
				b.Grad[i] = 2
			}
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 1).Return(newDoneOp())
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 0).Return(newDoneOp())

			c.GradReady(a)
			c.GradReady(b)

			Expect(b.Grad).To(HaveLen(5))
			Expect(b.Grad[0]).To(Equal(float32(1)))
		})

		It("should ignore a second notification for the same parameter", func() {
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 1).Return(newDoneOp())

			c.GradReady(a)
			c.GradReady(a)
		})

		It("should panic for a parameter it does not track", func() {
			stranger := trainableParam("stranger", 2)

			Expect(func() {
				c.GradReady(stranger)
			}).To(PanicWith(BeAssignableToTypeOf(shardpipe.InvariantViolation{})))
		})

		It("should panic when re-partitioning with a cycle open", func() {
			Expect(func() {
				c.RefreshTrainable()
			}).To(PanicWith(BeAssignableToTypeOf(shardpipe.InvariantViolation{})))
		})
	})

	Context("with fp16 gradient compression", func() {
		It("should reduce a rounded copy and restore the owner's gradient", func() {
			b := trainableParam("b", 5)
			a := trainableParam("a", 3)
			m := &testModule{params: []*shardpipe.Parameter{a, b}}
			c := newCoordinator(m, Options{ReduceFP16: true})
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())

			for i := range b.Grad {
				b.Grad[i] = 3
			}
			var reduced []float32
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 1).Return(newDoneOp())
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 0).
				DoAndReturn(func(buf []float32, dst int) shardpipe.Operation {
					reduced = buf
					return newDoneOp()
				})

			c.GradReady(a)
			c.GradReady(b)

			Expect(&reduced[0]).NotTo(BeIdenticalTo(&b.Grad[0]))
			Expect(b.Grad[0]).To(Equal(float32(1.5)))
		})
	})

	Context("with bucketing", func() {
		var (
			m       *testModule
			a, b, g *shardpipe.Parameter
			c       *Coordinator
		)

		BeforeEach(func() {
			a = trainableParam("a", 2)
			b = trainableParam("b", 3)
			g = trainableParam("g", 50)
			m = &testModule{params: []*shardpipe.Parameter{a, b, g}}
			// g goes to rank 0, a and b to rank 1. Both fit one bucket;
			// g does not.
			c = newCoordinator(m, Options{BucketCap: 10})
		})

		It("should pack the small gradients into one destination bucket", func() {
			Expect(c.shouldBucket).To(Equal([]bool{true, true, false}))
			Expect(c.bucketList).To(HaveLen(1))

			bucket := c.bucketList[0]
			Expect(bucket.Destination).To(Equal(1))
			Expect(bucket.Buffer).To(HaveLen(5))
			Expect(bucket.MaxParamsCheckedIn).To(Equal(2))

			a.Grad[0] = 9
			Expect(bucket.Buffer[0]).To(Equal(float32(9)))
		})

		It("should count one expected reduction per bucket plus direct ones", func() {
			Expect(c.reducedMax).To(Equal(2))
		})

		It("should rebuild the same layout on a refresh", func() {
			before := append([]bool(nil), c.shouldBucket...)
			fill := c.bucketList[0].Fill

			c.RefreshTrainable()

			Expect(c.shouldBucket).To(Equal(before))
			Expect(c.bucketList).To(HaveLen(1))
			Expect(c.bucketList[0].Fill).To(Equal(fill))
			Expect(c.bucketList[0].Destination).To(Equal(1))
		})

		It("should reduce the bucket once all of its gradients checked in", func() {
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())
			copy(a.Grad, []float32{2, 2})
			copy(b.Grad, []float32{4, 4, 4})
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 1).Return(newDoneOp())
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 0).Return(newDoneOp())

			c.GradReady(a)
			c.GradReady(b)
			c.GradReady(g)

			Expect(c.bucketList[0].Buffer).To(
				Equal([]float32{1, 1, 2, 2, 2}))
		})

		It("should panic on the next cycle when a bucket was never sent", func() {
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())

			c.GradReady(a)

			Expect(func() {
				c.Forward(nil)
			}).To(PanicWith(BeAssignableToTypeOf(shardpipe.InvariantViolation{})))
		})

		It("should flush an unfilled bucket on FinishBackward", func() {
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 1).Return(newDoneOp())

			c.GradReady(a)
			c.FinishBackward()

			Expect(func() {
				c.Forward(nil)
			}).NotTo(Panic())
		})

		It("should not enforce the sent check in eval mode", func() {
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())
			c.GradReady(a)

			c.Eval()

			Expect(func() {
				c.Forward(nil)
			}).NotTo(Panic())
		})

		It("should suspend reduction inside a NoSync scope", func() {
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())

			c.NoSync(func() {
				c.GradReady(a)
				c.GradReady(b)
				c.GradReady(g)
			})

			Expect(func() {
				c.Forward(nil)
			}).NotTo(Panic())
		})

		It("should panic when Reduce finds nothing pending", func() {
			Expect(func() {
				c.Reduce()
			}).To(PanicWith(BeAssignableToTypeOf(shardpipe.InvariantViolation{})))
		})

		It("should fire every pending hook on Reduce", func() {
			_, err := c.Forward(nil)
			Expect(err).To(BeNil())
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 1).Return(newDoneOp())
			mockGroup.EXPECT().ReduceAsync(gomock.Any(), 0).Return(newDoneOp())

			c.Reduce()

			Expect(c.bucketList[0].Sent).To(BeTrue())
		})

		It("should keep bucket views in place on ZeroGrad", func() {
			g.Grad[0] = 7
			a.Grad[0] = 7

			c.ZeroGrad(true)

			Expect(g.Grad).To(BeNil())
			Expect(a.Grad).To(HaveLen(2))
			Expect(a.Grad[0]).To(Equal(float32(0)))
		})

		It("should refuse a move to a device outside the layout", func() {
			err := c.To("cuda:1")

			Expect(errors.Is(err, shardpipe.ErrConfig)).To(BeTrue())
		})

		It("should allow a move to a device the layout covers", func() {
			Expect(c.To("")).To(Succeed())
		})
	})
})
