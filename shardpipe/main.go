package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tebeka/atexit"
	"gitlab.com/akita/akita/v3/sim"

	"github.com/sarchlab/shardpipe"
	"github.com/sarchlab/shardpipe/pipe"
	"github.com/sarchlab/shardpipe/reduce"
	"github.com/sarchlab/shardpipe/shard"
	"github.com/sarchlab/shardpipe/simulate"
	"github.com/sarchlab/shardpipe/timemodel"
	"github.com/sarchlab/shardpipe/transport"
)

var ranks = flag.Int("ranks", 4, "The number of data-parallel ranks.")
var layers = flag.Int("layers", 8, "The number of layers in the demo model.")
var features = flag.Int("features", 64, "The feature width of the demo model.")
var batchSize = flag.Int("batch-size", 32, "The batch size of a training step.")
var steps = flag.Int("steps", 4, "The number of training steps to run.")
var bucketCap = flag.Int("bucket-cap", 1<<13,
	"The gradient bucket capacity in elements, 0 disables bucketing.")
var reduceFP16 = flag.Bool("reduce-fp16", false,
	"Round gradients through half precision before reduction.")
var stages = flag.Int("stages", 2, "The number of pipeline stages.")
var chunks = flag.Int("chunks", 4, "The number of micro-batches per batch.")
var checkpointMode = flag.String("checkpoint", "except_last",
	"The activation checkpointing policy: always, except_last, or never.")
var stageLatency = flag.Float64("stage-latency", 0.002,
	"The per-micro-batch stage latency for schedule estimation in seconds.")
var linkBandwidth = flag.Float64("link-bandwidth", 65,
	"The inter-stage link bandwidth for schedule estimation in GBps.")
var Case = flag.Int("case", 0,
	"0: sharded gradient reduction, 1: pipelined forward, 2: schedule estimation")

func main() {
	flag.Parse()

	// Server for pprof
	go func() {
		fmt.Println(http.ListenAndServe("localhost:6060", nil))
	}()

	start := time.Now()
	switch *Case {
	case 1:
		runPipeline()
	case 2:
		runScheduleEstimate()
	default:
		runShardedReduction()
	}
	elapsed := time.Since(start)
	fmt.Printf("Program Execution time: %s\n", elapsed)
	atexit.Exit(0)
}

// denseUnit is a bias-adding linear layer over flat feature vectors.
type denseUnit struct {
	weight *shardpipe.Parameter
	bias   *shardpipe.Parameter
	in     int
	out    int
}

func newDenseUnit(name string, in, out int, rng *rand.Rand) *denseUnit {
	u := &denseUnit{
		weight: &shardpipe.Parameter{
			Name:         name + ".weight",
			Data:         make([]float32, in*out),
			RequiresGrad: true,
		},
		bias: &shardpipe.Parameter{
			Name:         name + ".bias",
			Data:         make([]float32, out),
			RequiresGrad: true,
		},
		in:  in,
		out: out,
	}
	for i := range u.weight.Data {
		u.weight.Data[i] = float32(rng.NormFloat64()) * 0.05
	}
	return u
}

func (u *denseUnit) Forward(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error) {
	x := xs[0]
	rows := x.Numel() / u.in
	y := shardpipe.NewTensor(rows, u.out)
	for r := 0; r < rows; r++ {
		for o := 0; o < u.out; o++ {
			acc := u.bias.Data[o]
			for i := 0; i < u.in; i++ {
				acc += x.Data[r*u.in+i] * u.weight.Data[i*u.out+o]
			}
			y.Data[r*u.out+o] = acc
		}
	}
	return []shardpipe.Tensor{y}, nil
}

// demoModel chains dense layers and exposes them as a reducible module.
type demoModel struct {
	units  []*denseUnit
	params []*shardpipe.Parameter
}

func newDemoModel(layers, features int, seed int64) *demoModel {
	rng := rand.New(rand.NewSource(seed))
	m := &demoModel{}
	for l := 0; l < layers; l++ {
		u := newDenseUnit("layer"+strconv.Itoa(l), features, features, rng)
		m.units = append(m.units, u)
		m.params = append(m.params, u.weight, u.bias)
	}
	return m
}

func (m *demoModel) Forward(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error) {
	var err error
	for _, u := range m.units {
		xs, err = u.Forward(xs)
		if err != nil {
			return nil, err
		}
	}
	return xs, nil
}

func (m *demoModel) Parameters() []*shardpipe.Parameter {
	return m.params
}

func (m *demoModel) Buffers() []*shardpipe.Buffer {
	return nil
}

func runShardedReduction() {
	fmt.Printf("Sharded reduction over %d ranks, buckets of %s\n",
		*ranks, humanize.IBytes(uint64(*bucketCap)*4))

	world := transport.NewWorld(*ranks)
	defer world.Close()

	var wg sync.WaitGroup
	for rank := 0; rank < *ranks; rank++ {
		rank := rank
		wg.Add(1)
		go func() {
			defer wg.Done()
			runRank(world, rank)
		}()
	}
	wg.Wait()
}

func runRank(world *transport.World, rank int) {
	model := newDemoModel(*layers, *features, 1)
	coordinator, err := reduce.New(
		model,
		shard.NewAssignment(model.Parameters(), *ranks),
		world.Group(rank),
		reduce.Options{
			BucketCap:     *bucketCap,
			ReduceFP16:    *reduceFP16,
			SyncAtStartup: true,
		},
	)
	if err != nil {
		panic(err)
	}

	input := shardpipe.NewTensor(*batchSize, *features)
	rng := rand.New(rand.NewSource(int64(rank)))
	for i := range input.Data {
		input.Data[i] = float32(rng.NormFloat64())
	}

	for step := 0; step < *steps; step++ {
		out, err := coordinator.Forward([]shardpipe.Tensor{input})
		if err != nil {
			panic(err)
		}

		// A stand-in backward pass: the gradient of each parameter is a
		// deterministic function of its data and the step.
		for _, p := range model.Parameters() {
			if !p.RequiresGrad {
				continue
			}
			if p.Grad == nil {
				p.Grad = make([]float32, p.Numel())
			}
			for i := range p.Grad {
				p.Grad[i] = p.Data[i] * float32(step+1) * 0.01
			}
			coordinator.GradReady(p)
		}
		coordinator.FinishBackward()
		coordinator.ZeroGrad(false)

		if rank == 0 {
			fmt.Printf("step %d done, output batch %d\n",
				step, out[0].Batch())
		}
	}
}

func runPipeline() {
	model := pipe.NewSequential()
	rng := rand.New(rand.NewSource(1))
	for l := 0; l < *layers; l++ {
		model.Add("layer"+strconv.Itoa(l),
			newDenseUnit("layer"+strconv.Itoa(l), *features, *features, rng))
	}

	policy, err := pipe.ParseCheckpoint(*checkpointMode)
	if err != nil {
		panic(err)
	}

	devices := make([]shardpipe.Device, *stages)
	for i := range devices {
		devices[i] = shardpipe.Device("cpu:" + strconv.Itoa(i))
	}
	p, err := pipe.New(model, pipe.InferBalance(*layers, *stages), devices,
		pipe.Config{Chunks: *chunks, Checkpoint: policy})
	if err != nil {
		panic(err)
	}

	input := shardpipe.NewTensor(*batchSize, *features)
	for i := range input.Data {
		input.Data[i] = float32(rng.NormFloat64())
	}

	out, err := p.Forward(input)
	if err != nil {
		panic(err)
	}

	y := out.(shardpipe.Tensor)
	fmt.Printf("Pipelined %d layers over %d stages, %d chunks\n",
		p.Len(), p.Stages(), p.Chunks())
	fmt.Printf("Output batch %d, %d pending recomputations, %s activations\n",
		y.Batch(), len(p.Recomputes()), humanize.IBytes(y.Bytes()))
}

func runScheduleEstimate() {
	engine := sim.NewSerialEngine()
	estimator := simulate.NewScheduleEstimator(
		"Estimator",
		engine,
		engine,
		&timemodel.RecordedStageTimeEstimator{},
	)

	activationBytes := uint64(*batchSize / *chunks) * uint64(*features) * 4
	pipeline := make([]simulate.Stage, *stages)
	for s := range pipeline {
		pipeline[s] = simulate.Stage{
			Name:          "stage" + strconv.Itoa(s),
			TimeInSec:     *stageLatency,
			OutputBytes:   activationBytes,
			LinkBandwidth: *linkBandwidth * 1e9,
			LinkLatency:   1e-7,
		}
	}
	estimator.SetPipeline(pipeline, *chunks)

	estimator.KickStart()
	err := engine.Run()
	if err != nil {
		panic(err)
	}

	fmt.Printf("Estimated pipeline execution time ms, %.10f\n",
		estimator.Makespan()*1000)
}
