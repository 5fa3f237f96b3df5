// Package reduce implements a sharded gradient-reduction coordinator. Each
// trainable parameter has one owning rank; as gradients become ready during a
// backward pass, the coordinator scales them and reduces them asynchronously
// to their owners, packing small gradients into per-destination buckets so
// they share a single transport operation.
package reduce

import (
	"k8s.io/klog/v2"

	"github.com/sarchlab/shardpipe"
	"github.com/sarchlab/shardpipe/transport"
)

// A ShardAssignment maps trainable parameters to owning ranks.
type ShardAssignment interface {
	// OwnerRank returns the owner of the parameter's reduced gradient, and
	// false for parameters outside the partition.
	OwnerRank(p *shardpipe.Parameter) (int, bool)

	// RefreshTrainable recomputes the partition from the parameters'
	// current trainability flags.
	RefreshTrainable()
}

// Options configures a Coordinator.
type Options struct {
	// BucketCap is the per-destination bucket capacity in elements. Zero
	// disables bucketing.
	BucketCap int

	// ReduceFP16 rounds gradients through half precision before reduction.
	// It is ignored, with a warning, when bucketing is on.
	ReduceFP16 bool

	// BroadcastBuffers re-synchronizes module buffers from the reference
	// rank at the start of every forward pass.
	BroadcastBuffers bool

	// AutoRefreshTrainable re-partitions automatically when a forward pass
	// finds that trainability flags changed since the last partition.
	AutoRefreshTrainable bool

	// SyncAtStartup broadcasts all parameters and buffers from the
	// reference rank when the coordinator is built.
	SyncAtStartup bool
}

// A Coordinator wraps a module and drives sharded gradient reduction for it.
//
// Gradient-ready notifications must come from a single goroutine per backward
// pass; the coordinator's counters are not otherwise synchronized. The work
// queue itself is safe for concurrent drains.
type Coordinator struct {
	module shardpipe.Module
	shards ShardAssignment
	group  transport.Group

	bucketCap        int
	useBuckets       bool
	reduceFP16       bool
	broadcastBuffers bool
	autoRefresh      bool

	rank          int
	globalRank    int
	refGlobalRank int
	worldScaling  float32

	allParams        []*shardpipe.Parameter
	refTrainableMask []bool

	trainable       []*shardpipe.Parameter
	owners          []int
	paramIndex      map[*shardpipe.Parameter]int
	gradToBeReduced []bool
	gradBuffer      [][]float32
	hooks           []func()

	devices      []shardpipe.Device
	buckets      map[shardpipe.Device][]*shardpipe.Bucket
	bucketList   []*shardpipe.Bucket
	shouldBucket []bool

	reduced    int
	reducedMax int
	work       shardpipe.WorkQueue

	training          bool
	accumulateGrads   bool
	accumulateFlipped bool
	flushArmed        bool
}

// New builds a coordinator over the module. The shard assignment and the
// transport group are passed in explicitly; the coordinator holds no ambient
// process state.
func New(
	module shardpipe.Module,
	shards ShardAssignment,
	group transport.Group,
	opts Options,
) (*Coordinator, error) {
	modelSize := 0
	for _, p := range module.Parameters() {
		if p.GradTracksGrad {
			return nil, shardpipe.ConfigErrorf(
				"parameter %s has a differentiable gradient, which gradient reduction cannot handle",
				p.Name)
		}
		modelSize += p.Numel()
	}

	if opts.BucketCap > 0 && opts.ReduceFP16 {
		klog.Warning("fp16 gradient compression is not supported with bucketing, deactivating it")
		opts.ReduceFP16 = false
	}
	bucketCap := opts.BucketCap
	if bucketCap > modelSize {
		bucketCap = modelSize
	}
	klog.V(1).Infof("gradient buckets hold up to %d elements", bucketCap)

	c := &Coordinator{
		module:           module,
		shards:           shards,
		group:            group,
		bucketCap:        bucketCap,
		useBuckets:       bucketCap > 0,
		reduceFP16:       opts.ReduceFP16,
		broadcastBuffers: opts.BroadcastBuffers,
		autoRefresh:      opts.AutoRefreshTrainable,
		rank:             group.Rank(),
		globalRank:       group.GlobalRank(group.Rank()),
		refGlobalRank:    group.GlobalRank(0),
		worldScaling:     1 / float32(group.Size()),
		allParams:        module.Parameters(),
		training:         true,
	}
	c.refTrainableMask = trainableMask(c.allParams)

	if opts.SyncAtStartup {
		c.syncAllState()
	}
	c.RefreshTrainable()
	return c, nil
}

// Module returns the wrapped module.
func (c *Coordinator) Module() shardpipe.Module {
	return c.module
}

// Train puts the coordinator in training mode.
func (c *Coordinator) Train() {
	c.training = true
}

// Eval puts the coordinator in evaluation mode. Backward-cycle accounting is
// not enforced in this mode.
func (c *Coordinator) Eval() {
	c.training = false
}

// Forward prepares a new reduction cycle and runs the module's forward pass.
func (c *Coordinator) Forward(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error) {
	if c.autoRefresh {
		mask := trainableMask(c.allParams)
		if !equalMask(mask, c.refTrainableMask) {
			klog.Warning("trainable parameter set changed, re-partitioning the shards")
			c.RefreshTrainable()
			c.refTrainableMask = mask
		}
	}
	if c.broadcastBuffers {
		c.SyncBuffers(true)
	}
	c.clearCounters()
	return c.module.Forward(xs)
}

// clearCounters primes per-parameter and per-bucket bookkeeping for the next
// backward pass. It panics if a bucket from the previous training cycle was
// never handed to the transport, since that means gradients were silently
// dropped.
func (c *Coordinator) clearCounters() {
	for i := range c.gradToBeReduced {
		c.gradToBeReduced[i] = true
	}
	c.reduced = 0

	if c.useBuckets {
		for _, b := range c.bucketList {
			sane := b.Sent || c.accumulateFlipped || c.accumulateGrads || !c.training
			if !sane {
				panic(shardpipe.Invariantf(
					"bucket for global rank %d was never sent in the previous cycle",
					b.Destination))
			}
			b.Reset()
		}
		c.flushArmed = false
	}
	if !c.accumulateGrads {
		c.accumulateFlipped = false
	}
}

// RefreshTrainable rebuilds the shard partition, the bucket layout, and the
// per-parameter hooks from the current trainability flags. It panics when
// gradient reductions from an unfinished backward pass are still pending.
func (c *Coordinator) RefreshTrainable() {
	if anyTrue(c.gradToBeReduced) {
		panic(shardpipe.Invariantf(
			"cannot re-partition while gradients are waiting to be reduced"))
	}

	c.trainable = c.trainable[:0]
	for _, p := range c.allParams {
		if p.RequiresGrad {
			c.trainable = append(c.trainable, p)
		}
	}
	sortParamsByNumel(c.trainable)

	c.gradToBeReduced = make([]bool, len(c.trainable))
	c.gradBuffer = make([][]float32, len(c.trainable))
	c.paramIndex = make(map[*shardpipe.Parameter]int, len(c.trainable))
	for i, p := range c.trainable {
		c.paramIndex[p] = i
	}

	c.shards.RefreshTrainable()
	c.owners = make([]int, len(c.trainable))
	for i, p := range c.trainable {
		rank, ok := c.shards.OwnerRank(p)
		if !ok {
			panic(shardpipe.Invariantf(
				"trainable parameter %s has no shard owner", p.Name))
		}
		c.owners[i] = rank
	}

	c.setupBuckets()
	c.setupHooks()
}

// setupBuckets walks trainable parameters from smallest to largest, packing
// each into the bucket for its (device, owner) pair when it fits. Packed
// gradients become views into the bucket buffer. Buckets start a lifecycle as
// sent, so an unused first cycle does not trip the sent check.
func (c *Coordinator) setupBuckets() {
	c.reducedMax = len(c.trainable)
	c.shouldBucket = make([]bool, len(c.trainable))
	c.devices = nil
	c.buckets = make(map[shardpipe.Device][]*shardpipe.Bucket)
	c.bucketList = nil
	if !c.useBuckets {
		return
	}

	for i, p := range c.trainable {
		dst := c.owners[i]
		perRank, ok := c.buckets[p.Device]
		if !ok {
			perRank = make([]*shardpipe.Bucket, c.group.Size())
			for r := range perRank {
				perRank[r] = shardpipe.NewBucket(c.bucketCap)
				perRank[r].Destination = c.group.GlobalRank(r)
			}
			c.buckets[p.Device] = perRank
			c.devices = append(c.devices, p.Device)
		}
		if view, ok := perRank[dst].Assign(p.Numel()); ok {
			p.Grad = view
			c.shouldBucket[i] = true
			c.reducedMax--
		}
	}

	for _, dev := range c.devices {
		for _, b := range c.buckets[dev] {
			b.Shrink()
			b.Sent = true
			if b.MaxParamsCheckedIn > 0 {
				c.bucketList = append(c.bucketList, b)
				c.reducedMax++
			}
		}
	}
}

func (c *Coordinator) setupHooks() {
	c.hooks = make([]func(), len(c.trainable))
	for i, p := range c.trainable {
		dstGlobal := c.group.GlobalRank(c.owners[i])
		if c.useBuckets && c.shouldBucket[i] {
			c.hooks[i] = c.bucketedHook(i, p, c.owners[i])
		} else {
			c.hooks[i] = c.directHook(i, p, dstGlobal)
		}
	}
}

// GradReady tells the coordinator that a parameter's gradient finished
// accumulating for this backward pass. The differentiation engine is expected
// to call it exactly once per trainable parameter per pass, from one
// goroutine.
func (c *Coordinator) GradReady(p *shardpipe.Parameter) {
	i, ok := c.paramIndex[p]
	if !ok {
		panic(shardpipe.Invariantf(
			"parameter %s is not registered for reduction", p.Name))
	}
	c.hooks[i]()
}

// directHook reduces one parameter's gradient in its own transport operation.
func (c *Coordinator) directHook(index int, p *shardpipe.Parameter, dstGlobal int) func() {
	return func() {
		if c.accumulateGrads || !c.gradToBeReduced[index] {
			return
		}
		if p.Grad == nil {
			panic(shardpipe.Invariantf(
				"gradient of %s is nil while being reduced", p.Name))
		}

		c.armFlush()
		c.gradToBeReduced[index] = false

		scale(p.Grad, c.worldScaling)
		if c.reduceFP16 {
			c.gradBuffer[index] = roundFP16(p.Grad)
		} else {
			c.gradBuffer[index] = p.Grad
		}
		buf := c.gradBuffer[index]

		cleanup := func() {
			if dstGlobal != c.globalRank {
				p.Grad = nil
			} else if c.reduceFP16 {
				copy(p.Grad, buf)
			}
			c.gradBuffer[index] = nil
		}
		c.work.Push(shardpipe.WorkHandle{
			Op:       c.group.ReduceAsync(buf, dstGlobal),
			Callback: cleanup,
		})
		c.reduced++

		c.opportunisticDrain()
	}
}

// bucketedHook checks one parameter into its bucket and reduces the whole
// bucket once every expected gradient arrived.
func (c *Coordinator) bucketedHook(index int, p *shardpipe.Parameter, dstRank int) func() {
	return func() {
		if c.accumulateGrads || !c.gradToBeReduced[index] {
			return
		}
		if p.Grad == nil {
			panic(shardpipe.Invariantf(
				"gradient of %s is nil while being reduced", p.Name))
		}

		c.armFlush()
		c.gradToBeReduced[index] = false

		b := c.buckets[p.Device][dstRank]
		b.ParamsCheckedIn++
		if b.Full() {
			scale(b.Buffer, c.worldScaling)
			b.Sent = true
			c.work.Push(shardpipe.WorkHandle{
				Op: c.group.ReduceAsync(b.Buffer, b.Destination),
			})
			c.reduced++
		}

		c.opportunisticDrain()
	}
}

// armFlush notes that a backward pass started, so full-pass cleanup is owed.
func (c *Coordinator) armFlush() {
	c.flushArmed = true
}

// opportunisticDrain retires finished transport work without blocking, then
// blocks for the rest once the last expected reduction of the pass was
// queued.
func (c *Coordinator) opportunisticDrain() {
	c.mustDrain(c.work.DrainCompleted())
	if c.reduced == c.reducedMax {
		c.mustDrain(c.work.Drain())
	}
}

func (c *Coordinator) mustDrain(err error) {
	if err != nil {
		panic(shardpipe.Invariantf("gradient reduction failed: %v", err))
	}
}

// FinishBackward flushes buckets that never filled because some of their
// gradients were not produced this pass, for instance behind inactive model
// branches. The training driver must call it once after the backward
// traversal completes; it is a no-op when no hook fired.
func (c *Coordinator) FinishBackward() {
	if !c.flushArmed {
		return
	}
	c.flushArmed = false

	var last shardpipe.Operation
	for _, b := range c.bucketList {
		if b.Sent {
			continue
		}
		scale(b.Buffer, c.worldScaling)
		b.Sent = true
		last = c.group.ReduceAsync(b.Buffer, b.Destination)
	}
	if last != nil {
		// Operations on a group complete in issue order, waiting on the
		// last one covers them all.
		c.mustDrain(last.Wait())
	}
}

// Reduce synchronously reduces every gradient still waiting. It panics when
// nothing is pending, which means it was called twice or before any backward
// pass.
func (c *Coordinator) Reduce() {
	if !anyTrue(c.gradToBeReduced) {
		panic(shardpipe.Invariantf(
			"no gradients waiting to be reduced; Reduce was called twice or before a backward pass"))
	}
	for _, h := range c.hooks {
		h()
	}
	c.mustDrain(c.work.Drain())
}

// NoSync runs fn with gradient synchronization suspended, so gradients
// accumulate locally across backward passes instead of being reduced.
func (c *Coordinator) NoSync(fn func()) {
	old := c.accumulateGrads
	c.accumulateGrads = true
	defer func() {
		c.accumulateFlipped = c.accumulateGrads != old
		c.accumulateGrads = old
	}()
	fn()
}

// SyncBuffers broadcasts every module buffer from the reference rank. When
// blocking, it waits for the last broadcast only; operations on a group
// complete in issue order.
func (c *Coordinator) SyncBuffers(blocking bool) {
	var last shardpipe.Operation
	for _, b := range c.module.Buffers() {
		last = c.group.BroadcastAsync(b.Data, c.refGlobalRank)
	}
	if blocking && last != nil {
		c.mustDrain(last.Wait())
	}
}

// syncAllState broadcasts parameters and buffers from the reference rank, so
// every rank starts from identical weights.
func (c *Coordinator) syncAllState() {
	var last shardpipe.Operation
	for _, p := range c.allParams {
		last = c.group.BroadcastAsync(p.Data, c.refGlobalRank)
	}
	for _, b := range c.module.Buffers() {
		last = c.group.BroadcastAsync(b.Data, c.refGlobalRank)
	}
	if last != nil {
		c.mustDrain(last.Wait())
	}
}

// ZeroGrad clears the gradients of all trainable parameters. With setToNil,
// gradients are released instead of zeroed, except bucketed ones, whose
// bucket views must stay in place.
func (c *Coordinator) ZeroGrad(setToNil bool) {
	for i, p := range c.trainable {
		if setToNil && !(c.useBuckets && c.shouldBucket[i]) {
			p.Grad = nil
			continue
		}
		if p.Grad != nil {
			zero(p.Grad)
		}
	}
}

// To refuses device moves that would invalidate the shard and bucket state.
// Only devices already covered by the current layout are accepted.
func (c *Coordinator) To(d shardpipe.Device) error {
	if c.useBuckets {
		if _, ok := c.buckets[d]; !ok {
			return shardpipe.ConfigErrorf(
				"moving to device %s would invalidate the shard state built for the current devices", d)
		}
	}
	for _, p := range c.allParams {
		p.Device = d
	}
	return nil
}
